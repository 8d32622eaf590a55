package procedure

import (
    "bytes"
    "context"
    "encoding/json"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

func recordKey(id string) string { return kv.Join(kv.PrefixProcedure, id) }

func decodeRecord(b []byte) (Record, error) {
    var r Record
    if err := json.Unmarshal(b, &r); err != nil { return Record{}, errors.Wrap(err, "procedure: decode record") }
    return r, nil
}

func (x *Executor) load(ctx context.Context, id string) (Record, []byte, bool, error) {
    var (
        rec   Record
        raw   []byte
        found bool
    )
    err := kv.Retry(ctx, x.retry, func(ctx context.Context) error {
        b, ok, err := x.store.Get(ctx, recordKey(id))
        if err != nil || !ok { return err }
        r, err := decodeRecord(b)
        if err != nil { return err }
        rec, raw, found = r, b, true
        return nil
    })
    return rec, raw, found, err
}

func (x *Executor) scan(ctx context.Context) ([]Record, [][]byte, error) {
    var (
        recs []Record
        raws [][]byte
    )
    err := kv.Retry(ctx, x.retry, func(ctx context.Context) error {
        kvs, err := x.store.Range(ctx, kv.PrefixProcedure)
        if err != nil { return err }
        recs, raws = recs[:0], raws[:0]
        for _, e := range kvs {
            r, err := decodeRecord(e.Value)
            if err != nil {
                x.log.Warn("skipping undecodable procedure record", "key", e.Key, "err", err)
                continue
            }
            recs = append(recs, r)
            raws = append(raws, e.Value)
        }
        return nil
    })
    return recs, raws, err
}

// write replaces prev with rec by compare-and-swap (put-if-absent when prev
// is nil). A lost comparison means another writer owns the record now.
func (x *Executor) write(ctx context.Context, rec Record, prev []byte) ([]byte, error) {
    b, err := json.Marshal(rec)
    if err != nil { return nil, errors.Wrap(err, "procedure: encode record") }
    err = kv.Retry(ctx, x.retry, func(ctx context.Context) error {
        swapped, err := x.store.CompareAndSwap(ctx, recordKey(rec.ID), prev, b)
        if errors.Is(err, kv.ErrUnknownOutcome) {
            cur, ok, rerr := x.store.Get(ctx, recordKey(rec.ID))
            if rerr != nil { return err }
            if ok && bytes.Equal(cur, b) { return nil }
            if !ok && prev == nil { return err }
            if ok && prev != nil && bytes.Equal(cur, prev) { return err }
            return errors.Wrapf(ErrFenced, "%s", rec.ID)
        }
        if err != nil { return err }
        if !swapped { return errors.Wrapf(ErrFenced, "%s", rec.ID) }
        return nil
    })
    if err != nil { return nil, err }
    return b, nil
}
