// Package zkkv stores kv.Store entries as znodes. Znode data versions give
// compare-and-swap; every key is a direct child of Root so a single children
// watch covers all prefixes.
package zkkv

import (
    "bytes"
    "context"
    "net/url"
    "sort"
    "strings"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/go-zookeeper/zk"
    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
)

type Options struct {
    Servers        []string
    Root           string
    SessionTimeout time.Duration
    ConnectTimeout time.Duration
    Logger         hclog.Logger
}

type Store struct {
    conn *zk.Conn
    root string
    log  hclog.Logger
    done chan struct{}
}

var _ kv.Store = (*Store)(nil)

func Open(opts Options) (*Store, error) {
    if len(opts.Servers) == 0 { return nil, errors.New("zkkv: no servers") }
    if opts.Root == "" { opts.Root = "/metasrv" }
    if opts.SessionTimeout <= 0 { opts.SessionTimeout = 5 * time.Second }
    if opts.ConnectTimeout <= 0 { opts.ConnectTimeout = 10 * time.Second }
    lg := logutil.Named(opts.Logger, "zkkv")
    conn, _, err := zk.Connect(opts.Servers, opts.SessionTimeout, zk.WithLogger(logutil.Std(lg)))
    if err != nil { return nil, kv.Unavailable(err, "zk connect") }
    s := &Store{conn: conn, root: strings.TrimSuffix(opts.Root, "/"), log: lg, done: make(chan struct{})}
    if err := s.waitConnected(opts.ConnectTimeout); err != nil { conn.Close(); return nil, err }
    if err := s.ensurePath(s.root); err != nil { conn.Close(); return nil, kv.Unavailable(err, "ensure root") }
    return s, nil
}

func (s *Store) waitConnected(timeout time.Duration) error {
    deadline := time.Now().Add(timeout)
    for {
        st := s.conn.State()
        if st == zk.StateConnected || st == zk.StateHasSession { return nil }
        if time.Now().After(deadline) { return errors.Mark(errors.Newf("zkkv: not connected after %s, state=%v", timeout, st), kv.ErrUnavailable) }
        time.Sleep(100 * time.Millisecond)
    }
}

func (s *Store) ensurePath(path string) error {
    cur := ""
    for _, p := range strings.Split(path, "/") {
        if p == "" { continue }
        cur = cur + "/" + p
        exists, _, err := s.conn.Exists(cur)
        if err != nil { return err }
        if exists { continue }
        if _, err := s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) { return err }
    }
    return nil
}

// EncodeKey maps a kv key onto a single znode name.
func EncodeKey(key string) string { return url.QueryEscape(key) }

func DecodeKey(name string) (string, error) { return url.QueryUnescape(name) }

func (s *Store) path(key string) string { return s.root + "/" + EncodeKey(key) }

// call runs a blocking zk operation, giving up when ctx ends. A call that
// outlives ctx has an unknown outcome.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
    var zero T
    if err := ctx.Err(); err != nil { return zero, kv.Classify(ctx, err, op) }
    type result struct {
        v   T
        err error
    }
    ch := make(chan result, 1)
    go func() {
        v, err := fn()
        ch <- result{v, err}
    }()
    select {
    case <-ctx.Done():
        return zero, kv.Classify(ctx, ctx.Err(), op)
    case r := <-ch:
        return r.v, r.err
    }
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
    return call(ctx, "create", func() (bool, error) {
        _, err := s.conn.Create(s.path(key), value, 0, zk.WorldACL(zk.PermAll))
        if errors.Is(err, zk.ErrNodeExists) { return false, nil }
        if err != nil { return false, kv.Unavailable(err, "create") }
        return true, nil
    })
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    if expected == nil { return s.PutIfAbsent(ctx, key, value) }
    return call(ctx, "cas", func() (bool, error) {
        cur, st, err := s.conn.Get(s.path(key))
        if errors.Is(err, zk.ErrNoNode) { return false, nil }
        if err != nil { return false, kv.Unavailable(err, "get") }
        if !bytes.Equal(cur, expected) { return false, nil }
        _, err = s.conn.Set(s.path(key), value, st.Version)
        if errors.IsAny(err, zk.ErrBadVersion, zk.ErrNoNode) { return false, nil }
        if err != nil { return false, kv.Unavailable(err, "set") }
        return true, nil
    })
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
    return call(ctx, "cad", func() (bool, error) {
        cur, st, err := s.conn.Get(s.path(key))
        if errors.Is(err, zk.ErrNoNode) { return false, nil }
        if err != nil { return false, kv.Unavailable(err, "get") }
        if !bytes.Equal(cur, expected) { return false, nil }
        err = s.conn.Delete(s.path(key), st.Version)
        if errors.IsAny(err, zk.ErrBadVersion, zk.ErrNoNode) { return false, nil }
        if err != nil { return false, kv.Unavailable(err, "delete") }
        return true, nil
    })
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
    type got struct {
        v  []byte
        ok bool
    }
    r, err := call(ctx, "get", func() (got, error) {
        v, _, err := s.conn.Get(s.path(key))
        if errors.Is(err, zk.ErrNoNode) { return got{}, nil }
        if err != nil { return got{}, kv.Unavailable(err, "get") }
        return got{v: v, ok: true}, nil
    })
    return r.v, r.ok, err
}

func (s *Store) Range(ctx context.Context, prefix string) ([]kv.KeyValue, error) {
    return call(ctx, "range", func() ([]kv.KeyValue, error) { return s.scan(prefix) })
}

func (s *Store) scan(prefix string) ([]kv.KeyValue, error) {
    children, _, err := s.conn.Children(s.root)
    if err != nil { return nil, kv.Unavailable(err, "children") }
    out := make([]kv.KeyValue, 0, len(children))
    for _, name := range children {
        key, err := DecodeKey(name)
        if err != nil || !strings.HasPrefix(key, prefix) { continue }
        v, st, err := s.conn.Get(s.root + "/" + name)
        if errors.Is(err, zk.ErrNoNode) { continue }
        if err != nil { return nil, kv.Unavailable(err, "get") }
        out = append(out, kv.KeyValue{Key: key, Value: v, Revision: uint64(st.Mzxid)})
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out, nil
}

func (s *Store) Close() error {
    select {
    case <-s.done:
    default:
        close(s.done)
        s.conn.Close()
    }
    return nil
}
