// Package lease grants time-bounded exclusive claims on resource keys.
//
// A lease record lives at /lease/<resource> and is only ever replaced by
// compare-and-swap. Expiry is lazy: a lease is expired as soon as a reader
// observes now >= ExpireAt, and revocation only rewinds ExpireAt so the
// record's TermID keeps counting across holders.
package lease

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
    ErrAlreadyHeld = errors.New("lease: already held by another holder")
    ErrStaleToken  = errors.New("lease: stale fencing token")
    ErrExpired     = errors.New("lease: expired")
    ErrInvalidTTL  = errors.New("lease: ttl must be positive")
)

type Lease struct {
    HolderID     string        `json:"holder_id"`
    ResourceKey  string        `json:"resource_key"`
    TermID       uint64        `json:"term_id"`
    ExpireAt     time.Time     `json:"expire_at"`
    FencingToken uint64        `json:"fencing_token"`
    TTL          time.Duration `json:"ttl"`
}

// Expired reports whether the lease has lapsed at now.
func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpireAt) }

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

// NewManager builds a lease manager drawing fencing tokens from seq.
func NewManager(store kv.Store, seq *sequence.Sequence, opts Options) *Manager {
    if opts.Now == nil { opts.Now = time.Now }
    if opts.Retry.MaxAttempts == 0 { opts.Retry = kv.DefaultRetryPolicy() }
    return &Manager{store: store, seq: seq, now: opts.Now, retry: opts.Retry, log: logutil.Named(opts.Logger, "lease")}
}

func path(resource string) string { return kv.Join(kv.PrefixLease, resource) }

func decode(b []byte) (Lease, error) {
    var l Lease
    if err := json.Unmarshal(b, &l); err != nil { return Lease{}, errors.Wrap(err, "lease: decode") }
    return l, nil
}

// Grant claims resource for holder. A live lease of the same holder is
// renewed in place; a live lease of another holder fails with ErrAlreadyHeld.
// A fresh grant bumps TermID and draws a new fencing token.
func (m *Manager) Grant(ctx context.Context, resource, holder string, ttl time.Duration) (Lease, error) {
    if ttl <= 0 { return Lease{}, ErrInvalidTTL }
    var out Lease
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, m.store, path(resource), func(cur []byte, ok bool) ([]byte, error) {
            now := m.now()
            next := Lease{HolderID: holder, ResourceKey: resource, TermID: 1, TTL: ttl, ExpireAt: now.Add(ttl)}
            if ok {
                prev, err := decode(cur)
                if err != nil { return nil, err }
                switch {
                case !prev.Expired(now) && prev.HolderID != holder:
                    return nil, errors.Wrapf(ErrAlreadyHeld, "%s held by %s", resource, prev.HolderID)
                case !prev.Expired(now):
                    next = prev
                    next.TTL = ttl
                    if exp := now.Add(ttl); exp.After(next.ExpireAt) { next.ExpireAt = exp }
                    out = next
                    return json.Marshal(next)
                default:
                    next.TermID = prev.TermID + 1
                }
            }
            // Drawn per attempt so the token is newer than anything the
            // conflicting write could have stored.
            token, err := m.seq.Next(ctx)
            if err != nil { return nil, err }
            next.FencingToken = token
            out = next
            return json.Marshal(next)
        })
        return err
    })
    metrics.LeaseOps.WithLabelValues("grant", result(err)).Inc()
    if err != nil { return Lease{}, err }
    return out, nil
}

// Renew extends a live lease identified by its fencing token.
func (m *Manager) Renew(ctx context.Context, resource, holder string, token uint64) (Lease, error) {
    var out Lease
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, m.store, path(resource), func(cur []byte, ok bool) ([]byte, error) {
            if !ok { return nil, errors.Wrapf(ErrExpired, "%s: no lease", resource) }
            l, err := decode(cur)
            if err != nil { return nil, err }
            if l.FencingToken != token || l.HolderID != holder {
                return nil, errors.Wrapf(ErrStaleToken, "%s: token %d, current %d", resource, token, l.FencingToken)
            }
            now := m.now()
            if l.Expired(now) { return nil, errors.Wrapf(ErrExpired, "%s: lapsed at %s", resource, l.ExpireAt.Format(time.RFC3339Nano)) }
            if exp := now.Add(l.TTL); exp.After(l.ExpireAt) { l.ExpireAt = exp }
            out = l
            return json.Marshal(l)
        })
        return err
    })
    metrics.LeaseOps.WithLabelValues("renew", result(err)).Inc()
    if err != nil { return Lease{}, err }
    return out, nil
}

// Revoke ends holder's lease on resource. It is a no-op when the lease is
// missing, expired or held by someone else.
func (m *Manager) Revoke(ctx context.Context, resource, holder string) error {
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, m.store, path(resource), func(cur []byte, ok bool) ([]byte, error) {
            if !ok { return nil, kv.Skip }
            l, err := decode(cur)
            if err != nil { return nil, err }
            now := m.now()
            if l.HolderID != holder || l.Expired(now) { return nil, kv.Skip }
            l.ExpireAt = now
            return json.Marshal(l)
        })
        return err
    })
    metrics.LeaseOps.WithLabelValues("revoke", result(err)).Inc()
    if err != nil { m.log.Warn("revoke failed", "resource", resource, "holder", holder, "err", err) }
    return err
}

// Get returns the stored lease; callers check Expired themselves.
func (m *Manager) Get(ctx context.Context, resource string) (Lease, bool, error) {
    var (
        l     Lease
        found bool
    )
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        b, ok, err := m.store.Get(ctx, path(resource))
        if err != nil || !ok { return err }
        l, err = decode(b)
        found = err == nil
        return err
    })
    return l, found, err
}

// Live returns the lease only if it is unexpired at the manager's clock.
func (m *Manager) Live(ctx context.Context, resource string) (Lease, bool, error) {
    l, ok, err := m.Get(ctx, resource)
    if err != nil || !ok { return Lease{}, false, err }
    if l.Expired(m.now()) { return Lease{}, false, nil }
    return l, true, nil
}

// List returns every lease whose resource key starts with prefix.
func (m *Manager) List(ctx context.Context, prefix string) ([]Lease, error) {
    var out []Lease
    err := kv.Retry(ctx, m.retry, func(ctx context.Context) error {
        kvs, err := m.store.Range(ctx, kv.PrefixLease+prefix)
        if err != nil { return err }
        out = out[:0]
        for _, e := range kvs {
            l, err := decode(e.Value)
            if err != nil {
                m.log.Warn("skipping undecodable lease", "key", e.Key, "err", err)
                continue
            }
            out = append(out, l)
        }
        return nil
    })
    return out, err
}

// Sweep deletes leases that have been expired for longer than grace. It is
// cleanup only; correctness never depends on it. A swept resource starts
// again at TermID 1, while fencing tokens keep increasing.
func (m *Manager) Sweep(ctx context.Context, grace time.Duration) (int, error) {
    all, err := m.List(ctx, "")
    if err != nil { return 0, err }
    n := 0
    for _, l := range all {
        if !l.Expired(m.now().Add(-grace)) { continue }
        deleted := false
        _, err := kv.Update(ctx, m.store, path(l.ResourceKey), func(cur []byte, ok bool) ([]byte, error) {
            deleted = false
            if !ok { return nil, kv.Skip }
            cl, err := decode(cur)
            if err != nil { return nil, err }
            if !cl.Expired(m.now().Add(-grace)) { return nil, kv.Skip }
            deleted = true
            return nil, nil
        })
        if err != nil { return n, err }
        if deleted { n++ }
    }
    if n > 0 { m.log.Debug("swept expired leases", "count", n) }
    return n, nil
}

func result(err error) string {
    switch {
    case err == nil:
        return "ok"
    case errors.Is(err, ErrAlreadyHeld):
        return "conflict"
    case errors.Is(err, ErrStaleToken):
        return "stale"
    case errors.Is(err, ErrExpired):
        return "expired"
    default:
        return "error"
    }
}
