// Package boltkv is a single-node durable kv.Store on BoltDB. Bolt's
// serialized write transactions give per-key linearizability.
package boltkv

import (
    "bytes"
    "context"
    "encoding/binary"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/boltdb/bolt"
    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

var (
    dataBucket = []byte("kv")
    revBucket  = []byte("rev")
)

type Options struct {
    Path        string
    OpenTimeout time.Duration
}

type Store struct {
    db  *bolt.DB
    hub *kv.Hub
    // wmu keeps hub publication in commit order.
    wmu sync.Mutex
}

var _ kv.Store = (*Store)(nil)

func Open(opts Options) (*Store, error) {
    if opts.Path == "" { return nil, errors.New("boltkv: empty path") }
    if opts.OpenTimeout <= 0 { opts.OpenTimeout = time.Second }
    if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil { return nil, errors.Wrap(err, "boltkv: mkdir") }
    db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout})
    if err != nil { return nil, kv.Unavailable(err, "open") }
    err = db.Update(func(tx *bolt.Tx) error {
        if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil { return err }
        _, err := tx.CreateBucketIfNotExists(revBucket)
        return err
    })
    if err != nil { _ = db.Close(); return nil, kv.Unavailable(err, "init buckets") }
    return &Store{db: db, hub: kv.NewHub()}, nil
}

// value layout: 8-byte big-endian revision followed by the user value.
func encode(rev uint64, v []byte) []byte {
    out := make([]byte, 8+len(v))
    binary.BigEndian.PutUint64(out, rev)
    copy(out[8:], v)
    return out
}

func decode(raw []byte) (uint64, []byte) {
    if len(raw) < 8 { return 0, nil }
    return binary.BigEndian.Uint64(raw[:8]), append([]byte{}, raw[8:]...)
}

func (s *Store) write(ctx context.Context, op, key string, fn func(b *bolt.Bucket, rev uint64) (*kv.Event, error)) (bool, error) {
    if err := ctx.Err(); err != nil { return false, kv.Classify(ctx, err, op) }
    s.wmu.Lock()
    defer s.wmu.Unlock()
    var ev *kv.Event
    err := s.db.Update(func(tx *bolt.Tx) error {
        rb := tx.Bucket(revBucket)
        rev, err := rb.NextSequence()
        if err != nil { return err }
        ev, err = fn(tx.Bucket(dataBucket), rev)
        if ev == nil && err == nil { return errNoop }
        return err
    })
    if errors.Is(err, errNoop) { return false, nil }
    if err != nil { return false, kv.Classify(ctx, err, op) }
    s.hub.Publish(*ev)
    return true, nil
}

// errNoop rolls back the revision bump of a failed comparison.
var errNoop = errors.New("boltkv: no-op")

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
    return s.CompareAndSwap(ctx, key, nil, value)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    return s.write(ctx, "cas", key, func(b *bolt.Bucket, rev uint64) (*kv.Event, error) {
        raw := b.Get([]byte(key))
        if expected == nil && raw != nil { return nil, nil }
        if expected != nil {
            if raw == nil { return nil, nil }
            if _, cur := decode(raw); !bytes.Equal(cur, expected) { return nil, nil }
        }
        if err := b.Put([]byte(key), encode(rev, value)); err != nil { return nil, err }
        return &kv.Event{Type: kv.EventPut, Key: key, Value: append([]byte{}, value...), Revision: rev}, nil
    })
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
    return s.write(ctx, "cad", key, func(b *bolt.Bucket, rev uint64) (*kv.Event, error) {
        raw := b.Get([]byte(key))
        if raw == nil { return nil, nil }
        if _, cur := decode(raw); !bytes.Equal(cur, expected) { return nil, nil }
        if err := b.Delete([]byte(key)); err != nil { return nil, err }
        return &kv.Event{Type: kv.EventDelete, Key: key, Revision: rev}, nil
    })
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
    if err := ctx.Err(); err != nil { return nil, false, kv.Classify(ctx, err, "get") }
    var (
        val   []byte
        found bool
    )
    err := s.db.View(func(tx *bolt.Tx) error {
        raw := tx.Bucket(dataBucket).Get([]byte(key))
        if raw == nil { return nil }
        found = true
        _, val = decode(raw)
        return nil
    })
    if err != nil { return nil, false, kv.Classify(ctx, err, "get") }
    return val, found, nil
}

func (s *Store) Range(ctx context.Context, prefix string) ([]kv.KeyValue, error) {
    if err := ctx.Err(); err != nil { return nil, kv.Classify(ctx, err, "range") }
    var out []kv.KeyValue
    p := []byte(prefix)
    err := s.db.View(func(tx *bolt.Tx) error {
        c := tx.Bucket(dataBucket).Cursor()
        for k, raw := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, raw = c.Next() {
            rev, v := decode(raw)
            out = append(out, kv.KeyValue{Key: string(k), Value: v, Revision: rev})
        }
        return nil
    })
    if err != nil { return nil, kv.Classify(ctx, err, "range") }
    return out, nil
}

func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Event, error) {
    return s.hub.Watch(ctx, prefix)
}

func (s *Store) Close() error {
    s.hub.Close()
    return s.db.Close()
}
