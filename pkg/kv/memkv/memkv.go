// Package memkv is an in-process linearizable kv.Store. Writes are serialized
// under one mutex; reads go straight to an ordered skip list.
package memkv

import (
    "bytes"
    "context"
    "strings"
    "sync"

    "github.com/zhangyunhao116/skipmap"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

type entry struct {
    value []byte
    rev   uint64
}

// FaultFunc is consulted before every operation; a non-nil return is
// reported to the caller as a backend failure.
type FaultFunc func(op, key string) error

type Store struct {
    mu     sync.Mutex
    data   *skipmap.FuncMap[string, entry]
    rev    uint64
    hub    *kv.Hub
    fault  FaultFunc
    closed bool
}

var _ kv.Store = (*Store)(nil)

func New() *Store {
    return &Store{
        data: skipmap.NewFunc[string, entry](func(a, b string) bool { return a < b }),
        hub:  kv.NewHub(),
    }
}

// SetFault installs fn as fault injector; nil clears it.
func (s *Store) SetFault(fn FaultFunc) {
    s.mu.Lock()
    s.fault = fn
    s.mu.Unlock()
}

func (s *Store) check(ctx context.Context, op, key string) error {
    if err := ctx.Err(); err != nil { return kv.Classify(ctx, err, op) }
    if s.closed { return kv.ErrClosed }
    if s.fault != nil {
        if err := s.fault(op, key); err != nil { return kv.Classify(ctx, err, op) }
    }
    return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
    return s.CompareAndSwap(ctx, key, nil, value)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if err := s.check(ctx, "cas", key); err != nil { return false, err }
    cur, ok := s.data.Load(key)
    if expected == nil && ok { return false, nil }
    if expected != nil && (!ok || !bytes.Equal(cur.value, expected)) { return false, nil }
    s.rev++
    v := clone(value)
    s.data.Store(key, entry{value: v, rev: s.rev})
    s.hub.Publish(kv.Event{Type: kv.EventPut, Key: key, Value: clone(v), Revision: s.rev})
    return true, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if err := s.check(ctx, "cad", key); err != nil { return false, err }
    cur, ok := s.data.Load(key)
    if !ok || !bytes.Equal(cur.value, expected) { return false, nil }
    s.rev++
    s.data.Delete(key)
    s.hub.Publish(kv.Event{Type: kv.EventDelete, Key: key, Revision: s.rev})
    return true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
    s.mu.Lock()
    err := s.check(ctx, "get", key)
    s.mu.Unlock()
    if err != nil { return nil, false, err }
    e, ok := s.data.Load(key)
    if !ok { return nil, false, nil }
    return clone(e.value), true, nil
}

func (s *Store) Range(ctx context.Context, prefix string) ([]kv.KeyValue, error) {
    s.mu.Lock()
    err := s.check(ctx, "range", prefix)
    s.mu.Unlock()
    if err != nil { return nil, err }
    var out []kv.KeyValue
    s.data.Range(func(k string, e entry) bool {
        if strings.HasPrefix(k, prefix) {
            out = append(out, kv.KeyValue{Key: k, Value: clone(e.value), Revision: e.rev})
        }
        return true
    })
    return out, nil
}

func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Event, error) {
    s.mu.Lock()
    err := s.check(ctx, "watch", prefix)
    s.mu.Unlock()
    if err != nil { return nil, err }
    return s.hub.Watch(ctx, prefix)
}

func (s *Store) Close() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return nil }
    s.closed = true
    s.hub.Close()
    return nil
}

// clone keeps nil and empty apart: an empty value is present.
func clone(b []byte) []byte {
    if b == nil { return nil }
    return append(make([]byte, 0, len(b)), b...)
}
