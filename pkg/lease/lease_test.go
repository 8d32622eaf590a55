package lease_test

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
    "github.com/amirimatin/go-metasrv/pkg/lease"
    "github.com/amirimatin/go-metasrv/pkg/sequence"
)

type fakeClock struct {
    mu sync.Mutex
    t  time.Time
}

func (c *fakeClock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.mu.Lock(); c.t = c.t.Add(d); c.mu.Unlock() }

func newManager(t *testing.T) (*lease.Manager, *fakeClock, *memkv.Store) {
    t.Helper()
    store := memkv.New()
    t.Cleanup(func() { _ = store.Close() })
    clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
    m := lease.NewManager(store, sequence.New(store, sequence.Fencing, 1, 10), lease.Options{Now: clk.Now})
    return m, clk, store
}

func TestGrantIsIdempotentForSameHolder(t *testing.T) {
    ctx := context.Background()
    m, clk, _ := newManager(t)

    first, err := m.Grant(ctx, "datanode/1", "dn-1", 10*time.Second)
    require.NoError(t, err)
    assert.Equal(t, uint64(1), first.TermID)

    prevExpire := first.ExpireAt
    for i := 0; i < 5; i++ {
        clk.Advance(time.Second)
        l, err := m.Grant(ctx, "datanode/1", "dn-1", 10*time.Second)
        require.NoError(t, err)
        assert.Equal(t, first.FencingToken, l.FencingToken)
        assert.Equal(t, first.TermID, l.TermID)
        assert.True(t, l.ExpireAt.After(prevExpire), "expire_at must move forward")
        prevExpire = l.ExpireAt
    }
}

func TestFencingTokensIncreaseAcrossManagers(t *testing.T) {
    ctx := context.Background()
    store := memkv.New()
    t.Cleanup(func() { _ = store.Close() })
    clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
    a := lease.NewManager(store, sequence.New(store, sequence.Fencing, 1, 1), lease.Options{Now: clk.Now})
    b := lease.NewManager(store, sequence.New(store, sequence.Fencing, 1, 1), lease.Options{Now: clk.Now})

    var last uint64
    for i, m := range []*lease.Manager{a, b, a, b} {
        l, err := m.Grant(ctx, "x", "holder", time.Second)
        require.NoError(t, err)
        assert.Greater(t, l.FencingToken, last, "grant %d", i)
        last = l.FencingToken
        clk.Advance(2 * time.Second)
    }
}

func TestGrantConflictsWithOtherHolder(t *testing.T) {
    ctx := context.Background()
    m, clk, _ := newManager(t)
    _, err := m.Grant(ctx, "r", "a", 5*time.Second)
    require.NoError(t, err)

    _, err = m.Grant(ctx, "r", "b", 5*time.Second)
    assert.True(t, errors.Is(err, lease.ErrAlreadyHeld))

    clk.Advance(6 * time.Second)
    l, err := m.Grant(ctx, "r", "b", 5*time.Second)
    require.NoError(t, err)
    assert.Equal(t, "b", l.HolderID)
    assert.Equal(t, uint64(2), l.TermID)
}

func TestFencingTokensIncreaseAcrossGrants(t *testing.T) {
    ctx := context.Background()
    m, clk, _ := newManager(t)
    var last uint64
    for i, holder := range []string{"a", "b", "a", "c"} {
        l, err := m.Grant(ctx, "r", holder, time.Second)
        require.NoError(t, err, "grant %d", i)
        assert.Greater(t, l.FencingToken, last)
        last = l.FencingToken
        clk.Advance(2 * time.Second)
    }
}

func TestRenewRejectsStaleToken(t *testing.T) {
    ctx := context.Background()
    m, clk, _ := newManager(t)
    old, err := m.Grant(ctx, "r", "a", time.Second)
    require.NoError(t, err)
    clk.Advance(2 * time.Second)
    cur, err := m.Grant(ctx, "r", "b", time.Second)
    require.NoError(t, err)

    _, err = m.Renew(ctx, "r", "a", old.FencingToken)
    assert.True(t, errors.Is(err, lease.ErrStaleToken))

    renewed, err := m.Renew(ctx, "r", "b", cur.FencingToken)
    require.NoError(t, err)
    assert.Equal(t, cur.FencingToken, renewed.FencingToken)
}

func TestRenewAfterExpiry(t *testing.T) {
    ctx := context.Background()
    m, clk, _ := newManager(t)
    l, err := m.Grant(ctx, "r", "a", time.Second)
    require.NoError(t, err)
    clk.Advance(1500 * time.Millisecond)
    _, err = m.Renew(ctx, "r", "a", l.FencingToken)
    assert.True(t, errors.Is(err, lease.ErrExpired))

    again, err := m.Grant(ctx, "r", "a", time.Second)
    require.NoError(t, err)
    assert.Greater(t, again.TermID, l.TermID)
    assert.Greater(t, again.FencingToken, l.FencingToken)
}

func TestRevokeKeepsCounters(t *testing.T) {
    ctx := context.Background()
    m, _, _ := newManager(t)
    l, err := m.Grant(ctx, "r", "a", time.Minute)
    require.NoError(t, err)

    require.NoError(t, m.Revoke(ctx, "r", "other"))
    _, live, err := m.Live(ctx, "r")
    require.NoError(t, err)
    assert.True(t, live, "revoke by a non-holder is a no-op")

    require.NoError(t, m.Revoke(ctx, "r", "a"))
    require.NoError(t, m.Revoke(ctx, "r", "a"))
    _, live, err = m.Live(ctx, "r")
    require.NoError(t, err)
    assert.False(t, live)

    next, err := m.Grant(ctx, "r", "b", time.Minute)
    require.NoError(t, err)
    assert.Equal(t, l.TermID+1, next.TermID)
}

func TestSweepRemovesLongExpired(t *testing.T) {
    ctx := context.Background()
    m, clk, _ := newManager(t)
    _, err := m.Grant(ctx, "datanode/1", "a", time.Second)
    require.NoError(t, err)
    _, err = m.Grant(ctx, "datanode/2", "b", time.Hour)
    require.NoError(t, err)
    clk.Advance(time.Minute)

    n, err := m.Sweep(ctx, 10*time.Second)
    require.NoError(t, err)
    assert.Equal(t, 1, n)
    all, err := m.List(ctx, "datanode/")
    require.NoError(t, err)
    require.Len(t, all, 1)
    assert.Equal(t, "datanode/2", all[0].ResourceKey)
}

func TestTransientErrorsAreRetried(t *testing.T) {
    ctx := context.Background()
    m, _, store := newManager(t)
    var mu sync.Mutex
    failures := 2
    store.SetFault(func(op, key string) error {
        mu.Lock()
        defer mu.Unlock()
        if op == "cas" && failures > 0 {
            failures--
            return errors.New("io timeout")
        }
        return nil
    })
    _, err := m.Grant(ctx, "r", "a", time.Second)
    require.NoError(t, err)
}
