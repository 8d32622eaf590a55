package lock_test

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
    "github.com/amirimatin/go-metasrv/pkg/lock"
    "github.com/amirimatin/go-metasrv/pkg/sequence"
)

func newManager(t *testing.T, now func() time.Time) *lock.Manager {
    t.Helper()
    store := memkv.New()
    t.Cleanup(func() { _ = store.Close() })
    return lock.NewManager(store, sequence.New(store, sequence.Fencing, 1, 10), lock.Options{Now: now})
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
    ctx := context.Background()
    m := newManager(t, nil)
    var (
        wg        sync.WaitGroup
        mu        sync.Mutex
        wins      int
        conflicts int
    )
    for _, owner := range []string{"p1", "p2", "p3", "p4"} {
        wg.Add(1)
        go func(owner string) {
            defer wg.Done()
            _, err := m.Acquire(ctx, "region/7", owner, time.Minute)
            mu.Lock()
            defer mu.Unlock()
            switch {
            case err == nil:
                wins++
            case errors.Is(err, lock.ErrConflict):
                conflicts++
            default:
                t.Errorf("unexpected error: %v", err)
            }
        }(owner)
    }
    wg.Wait()
    assert.Equal(t, 1, wins)
    assert.Equal(t, 3, conflicts)
}

func TestSameOwnerRefreshKeepsToken(t *testing.T) {
    ctx := context.Background()
    m := newManager(t, nil)
    a, err := m.Acquire(ctx, "x", "p1", time.Minute)
    require.NoError(t, err)
    b, err := m.Acquire(ctx, "x", "p1", time.Minute)
    require.NoError(t, err)
    assert.Equal(t, a.Token, b.Token)
    assert.False(t, b.ExpireAt.Before(a.ExpireAt))
}

func TestReleaseWithStaleTokenFails(t *testing.T) {
    ctx := context.Background()
    now := time.Unix(1_700_000_000, 0)
    var mu sync.Mutex
    clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
    m := newManager(t, clock)

    old, err := m.Acquire(ctx, "x", "p1", time.Second)
    require.NoError(t, err)
    mu.Lock()
    now = now.Add(2 * time.Second)
    mu.Unlock()
    cur, err := m.Acquire(ctx, "x", "p2", time.Second)
    require.NoError(t, err)
    assert.Greater(t, cur.Token, old.Token)

    err = m.Release(ctx, old)
    assert.True(t, errors.Is(err, lock.ErrNotOwner))
    held, ok, err := m.Get(ctx, "x")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "p2", held.OwnerID)

    require.NoError(t, m.Release(ctx, cur))
    _, ok, err = m.Get(ctx, "x")
    require.NoError(t, err)
    assert.False(t, ok)
    require.NoError(t, m.Release(ctx, cur), "releasing a missing lock is a no-op")
}

func TestHoldOutlivesTTL(t *testing.T) {
    ctx := context.Background()
    m := newManager(t, nil)
    held, err := m.Hold(ctx, "proc-1", 150*time.Millisecond, "region/1", "table/9")
    require.NoError(t, err)
    require.Len(t, held, 2)

    time.Sleep(500 * time.Millisecond)
    _, err = m.Acquire(ctx, "region/1", "proc-2", time.Second)
    assert.True(t, errors.Is(err, lock.ErrConflict), "refresher must keep the lock alive")
    select {
    case <-held[0].Lost():
        t.Fatalf("lock reported lost")
    default:
    }

    for _, h := range held { require.NoError(t, h.Release(ctx)) }
    _, err = m.Acquire(ctx, "region/1", "proc-2", time.Second)
    assert.NoError(t, err)
}

func TestHoldReleasesPartialOnConflict(t *testing.T) {
    ctx := context.Background()
    m := newManager(t, nil)
    _, err := m.Acquire(ctx, "b", "other", time.Minute)
    require.NoError(t, err)

    _, err = m.Hold(ctx, "me", time.Minute, "a", "b")
    assert.True(t, errors.Is(err, lock.ErrConflict))
    _, ok, err := m.Get(ctx, "a")
    require.NoError(t, err)
    assert.False(t, ok, "lock a must be released after failing on b")
}
