package memkv_test

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
)

func TestCompareAndSwapSemantics(t *testing.T) {
    ctx := context.Background()
    s := memkv.New()
    defer s.Close()

    ok, err := s.PutIfAbsent(ctx, "/lock/a", []byte("1"))
    require.NoError(t, err)
    require.True(t, ok)

    ok, err = s.PutIfAbsent(ctx, "/lock/a", []byte("2"))
    require.NoError(t, err)
    assert.False(t, ok, "second put-if-absent must lose")

    ok, err = s.CompareAndSwap(ctx, "/lock/a", []byte("x"), []byte("3"))
    require.NoError(t, err)
    assert.False(t, ok)

    ok, err = s.CompareAndSwap(ctx, "/lock/a", []byte("1"), []byte("3"))
    require.NoError(t, err)
    assert.True(t, ok)

    v, found, err := s.Get(ctx, "/lock/a")
    require.NoError(t, err)
    require.True(t, found)
    assert.Equal(t, "3", string(v))

    ok, err = s.CompareAndDelete(ctx, "/lock/a", []byte("1"))
    require.NoError(t, err)
    assert.False(t, ok)
    ok, err = s.CompareAndDelete(ctx, "/lock/a", []byte("3"))
    require.NoError(t, err)
    assert.True(t, ok)

    _, found, err = s.Get(ctx, "/lock/a")
    require.NoError(t, err)
    assert.False(t, found)
}

func TestConcurrentPutIfAbsentSingleWinner(t *testing.T) {
    ctx := context.Background()
    s := memkv.New()
    defer s.Close()

    var wg sync.WaitGroup
    var mu sync.Mutex
    wins := 0
    for i := 0; i < 32; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            ok, err := s.PutIfAbsent(ctx, "/election/c/leader", []byte("x"))
            if err == nil && ok {
                mu.Lock()
                wins++
                mu.Unlock()
            }
        }()
    }
    wg.Wait()
    assert.Equal(t, 1, wins)
}

func TestRangeIsSortedAndPrefixed(t *testing.T) {
    ctx := context.Background()
    s := memkv.New()
    defer s.Close()
    for _, k := range []string{"/procedure/c", "/procedure/a", "/lease/x", "/procedure/b"} {
        _, err := s.PutIfAbsent(ctx, k, []byte(k))
        require.NoError(t, err)
    }
    kvs, err := s.Range(ctx, kv.PrefixProcedure)
    require.NoError(t, err)
    require.Len(t, kvs, 3)
    assert.Equal(t, "/procedure/a", kvs[0].Key)
    assert.Equal(t, "/procedure/b", kvs[1].Key)
    assert.Equal(t, "/procedure/c", kvs[2].Key)
}

func TestWatchDeliversInCommitOrder(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    s := memkv.New()
    defer s.Close()

    ch, err := s.Watch(ctx, "/election/")
    require.NoError(t, err)

    _, _ = s.PutIfAbsent(context.Background(), "/election/c/leader", []byte("a"))
    _, _ = s.PutIfAbsent(context.Background(), "/lease/ignored", []byte("x"))
    _, _ = s.CompareAndSwap(context.Background(), "/election/c/leader", []byte("a"), []byte("b"))
    _, _ = s.CompareAndDelete(context.Background(), "/election/c/leader", []byte("b"))

    want := []kv.EventType{kv.EventPut, kv.EventPut, kv.EventDelete}
    for i, typ := range want {
        select {
        case ev := <-ch:
            assert.Equal(t, typ, ev.Type, "event %d", i)
            assert.Equal(t, "/election/c/leader", ev.Key)
        case <-time.After(time.Second):
            t.Fatalf("timeout waiting for event %d", i)
        }
    }

    cancel()
    deadline := time.Now().Add(time.Second)
    for time.Now().Before(deadline) {
        if _, open := <-ch; !open { return }
    }
    t.Fatalf("watch channel not closed after cancel")
}

func TestFaultMapsToUnavailable(t *testing.T) {
    ctx := context.Background()
    s := memkv.New()
    defer s.Close()
    s.SetFault(func(op, key string) error { return errors.New("connection refused") })

    _, err := s.PutIfAbsent(ctx, "/lease/x", []byte("1"))
    require.Error(t, err)
    assert.True(t, kv.IsRetryable(err))

    s.SetFault(nil)
    ok, err := s.PutIfAbsent(ctx, "/lease/x", []byte("1"))
    require.NoError(t, err)
    assert.True(t, ok)
}

func TestExpiredContextIsUnknownOutcome(t *testing.T) {
    s := memkv.New()
    defer s.Close()
    ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
    defer cancel()
    time.Sleep(time.Millisecond)
    _, err := s.PutIfAbsent(ctx, "/lease/x", []byte("1"))
    require.Error(t, err)
    assert.True(t, kv.IsRetryable(err))
}

func TestEmptyValueIsPresent(t *testing.T) {
    ctx := context.Background()
    s := memkv.New()
    defer s.Close()

    ok, err := s.PutIfAbsent(ctx, "/peer/empty", []byte{})
    require.NoError(t, err)
    require.True(t, ok)

    v, found, err := s.Get(ctx, "/peer/empty")
    require.NoError(t, err)
    require.True(t, found)
    require.NotNil(t, v)
    assert.Empty(t, v)

    out, err := kv.Update(ctx, s, "/peer/empty", func(cur []byte, ok bool) ([]byte, error) {
        assert.True(t, ok)
        return []byte("x"), nil
    })
    require.NoError(t, err)
    assert.Equal(t, []byte("x"), out)
}
