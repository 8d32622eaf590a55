// Package lock provides named, TTL-bounded mutual exclusion over the kv
// store. Locks are independent of leadership: they serialize mutations of
// one resource, while the election decides who coordinates.
package lock

import (
    "context"
    "encoding/json"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
    "github.com/amirimatin/go-metasrv/pkg/sequence"
)

var (
    ErrConflict   = errors.New("lock: held by another owner")
    ErrNotOwner   = errors.New("lock: token does not match current holder")
    ErrExpired    = errors.New("lock: expired")
    ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// Token identifies one holding of a lock. Token.Token is a fencing token
// that increases across every grant cluster-wide.
type Token struct {
    LockName   string        `json:"lock_name"`
    OwnerID    string        `json:"owner_id"`
    AcquiredAt time.Time     `json:"acquired_at"`
    TTL        time.Duration `json:"ttl"`
    ExpireAt   time.Time     `json:"expire_at"`
    Token      uint64        `json:"token"`
}

func (t Token) Expired(now time.Time) bool { return !now.Before(t.ExpireAt) }

type Options struct {
    Now    func() time.Time
    Retry  kv.RetryPolicy
    Logger hclog.Logger
}

type Manager struct {
    store kv.Store
    seq   *sequence.Sequence
    now   func() time.Time
    retry kv.RetryPolicy
    log   hclog.Logger
}

func NewManager(store kv.Store, seq *sequence.Sequence, opts Options) *Manager {
    if opts.Now == nil { opts.Now = time.Now }
    if opts.Retry.MaxAttempts == 0 { opts.Retry = kv.DefaultRetryPolicy() }
    return &Manager{store: store, seq: seq, now: opts.Now, retry: opts.Retry, log: logutil.Named(opts.Logger, "lock")}
}

func path(name string) string { return kv.Join(kv.PrefixLock, name) }

func decode(b []byte) (Token, error) {
    var t Token
    if err := json.Unmarshal(b, &t); err != nil { return Token{}, errors.Wrap(err, "lock: decode") }
    return t, nil
}

// Acquire takes name for owner. A live lock of the same owner is refreshed
// and keeps its token; a live lock of another owner fails with ErrConflict.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Token, error) {
    if ttl <= 0 { return Token{}, ErrInvalidTTL }
    var out Token
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, m.store, path(name), func(cur []byte, ok bool) ([]byte, error) {
            now := m.now()
            if ok {
                held, err := decode(cur)
                if err != nil { return nil, err }
                if !held.Expired(now) {
                    if held.OwnerID != owner { return nil, errors.Wrapf(ErrConflict, "%s held by %s", name, held.OwnerID) }
                    held.TTL = ttl
                    held.ExpireAt = now.Add(ttl)
                    out = held
                    return json.Marshal(held)
                }
            }
            fence, err := m.seq.Next(ctx)
            if err != nil { return nil, err }
            out = Token{LockName: name, OwnerID: owner, AcquiredAt: now, TTL: ttl, ExpireAt: now.Add(ttl), Token: fence}
            return json.Marshal(out)
        })
        return err
    })
    metrics.LockOps.WithLabelValues("acquire", result(err)).Inc()
    if err != nil { return Token{}, err }
    return out, nil
}

// Refresh extends the lock held under tok.
func (m *Manager) Refresh(ctx context.Context, tok Token) (Token, error) {
    var out Token
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, m.store, path(tok.LockName), func(cur []byte, ok bool) ([]byte, error) {
            if !ok { return nil, errors.Wrapf(ErrExpired, "%s: not held", tok.LockName) }
            held, err := decode(cur)
            if err != nil { return nil, err }
            if held.Token != tok.Token || held.OwnerID != tok.OwnerID { return nil, errors.Wrapf(ErrNotOwner, "%s", tok.LockName) }
            now := m.now()
            if held.Expired(now) { return nil, errors.Wrapf(ErrExpired, "%s", tok.LockName) }
            held.ExpireAt = now.Add(held.TTL)
            out = held
            return json.Marshal(held)
        })
        return err
    })
    metrics.LockOps.WithLabelValues("refresh", result(err)).Inc()
    if err != nil { return Token{}, err }
    return out, nil
}

// Release drops the lock held under tok. A token that no longer matches the
// stored holder fails with ErrNotOwner; a lock that is already gone is a
// no-op.
func (m *Manager) Release(ctx context.Context, tok Token) error {
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, m.store, path(tok.LockName), func(cur []byte, ok bool) ([]byte, error) {
            if !ok { return nil, kv.Skip }
            held, err := decode(cur)
            if err != nil { return nil, err }
            if held.Token != tok.Token || held.OwnerID != tok.OwnerID {
                return nil, errors.Wrapf(ErrNotOwner, "%s: token %d, current %d", tok.LockName, tok.Token, held.Token)
            }
            return nil, nil
        })
        return err
    })
    metrics.LockOps.WithLabelValues("release", result(err)).Inc()
    return err
}

// Get returns the live holder of name, if any.
func (m *Manager) Get(ctx context.Context, name string) (Token, bool, error) {
    var (
        t     Token
        found bool
    )
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        b, ok, err := m.store.Get(ctx, path(name))
        if err != nil || !ok { return err }
        t, err = decode(b)
        found = err == nil && !t.Expired(m.now())
        return err
    })
    if !found { return Token{}, false, err }
    return t, true, err
}

func result(err error) string {
    switch {
    case err == nil:
        return "ok"
    case errors.Is(err, ErrConflict):
        return "conflict"
    case errors.Is(err, ErrNotOwner):
        return "not_owner"
    case errors.Is(err, ErrExpired):
        return "expired"
    default:
        return "error"
    }
}
