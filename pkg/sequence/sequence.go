// Package sequence hands out strictly increasing integers backed by a
// counter key. Each process reserves a range of Step values with one CAS and
// serves it locally. Before serving from a range the counter is re-read; a
// range that another process has reserved past is discarded, so values
// increase cluster-wide and are never reused.
package sequence

import (
    "context"
    "strconv"
    "sync"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

// Fencing is the cluster-wide sequence used for lease and lock tokens.
// It is used with step 1: every token is one CAS on the counter.
const Fencing = "fencing"

var ErrCorrupt = errors.New("sequence: corrupt counter")

type Sequence struct {
    store   kv.Store
    key     string
    initial uint64
    step    uint64

    mu   sync.Mutex
    next uint64
    end  uint64
}

// New returns a sequence stored at /sequence/<name>. step is clamped to 1.
func New(store kv.Store, name string, initial, step uint64) *Sequence {
    if step == 0 { step = 1 }
    return &Sequence{store: store, key: kv.Join(kv.PrefixSequence, name), initial: initial, step: step}
}

// Next returns the next value, reserving a fresh range when the local one is
// exhausted or another process has reserved past it.
func (s *Sequence) Next(ctx context.Context) (uint64, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.next < s.end && s.step > 1 {
        cur, err := s.current(ctx)
        if err != nil { return 0, err }
        if cur != s.end { s.next = s.end }
    }
    if s.next >= s.end {
        if err := s.reserve(ctx); err != nil { return 0, err }
    }
    v := s.next
    s.next++
    return v, nil
}

// current reads the stored counter, which is the end of the newest range.
func (s *Sequence) current(ctx context.Context) (uint64, error) {
    cur, ok, err := s.store.Get(ctx, s.key)
    if err != nil { return 0, err }
    if !ok { return s.initial, nil }
    n, err := strconv.ParseUint(string(cur), 10, 64)
    if err != nil { return 0, errors.Wrapf(ErrCorrupt, "%s: %q", s.key, cur) }
    return n, nil
}

func (s *Sequence) reserve(ctx context.Context) error {
    var start uint64
    _, err := kv.Update(ctx, s.store, s.key, func(cur []byte, ok bool) ([]byte, error) {
        start = s.initial
        if ok {
            n, err := strconv.ParseUint(string(cur), 10, 64)
            if err != nil { return nil, errors.Wrapf(ErrCorrupt, "%s: %q", s.key, cur) }
            start = n
        }
        return []byte(strconv.FormatUint(start+s.step, 10)), nil
    })
    if err != nil { return err }
    s.next, s.end = start, start+s.step
    return nil
}
