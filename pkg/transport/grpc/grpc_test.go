package grpc

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/kv/raftkv"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/transport"
    "github.com/amirimatin/go-metasrv/pkg/transport/transporttest"
)

func start(t *testing.T, s *Server) (string, *Client) {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    require.NoError(t, s.Start(ctx))
    c := NewClient(2 * time.Second)
    t.Cleanup(c.Close)
    return s.Addr(), c
}

func TestManagementCalls(t *testing.T) {
    addr, c := start(t, NewServer("127.0.0.1:0", transporttest.NewAPI(), nil))
    ctx := context.Background()

    st, err := c.Status(ctx, addr)
    require.NoError(t, err)
    assert.Equal(t, "m1", st.NodeID)

    resp, err := c.Heartbeat(ctx, addr, cluster.Heartbeat{PeerID: "dn-1", Role: cluster.RoleDatanode})
    require.NoError(t, err)
    assert.Equal(t, uint64(7), resp.FencingToken)

    id, err := c.Submit(ctx, addr, "noop", []byte(`{"x":true}`))
    require.NoError(t, err)
    rec, err := c.Procedure(ctx, addr, id)
    require.NoError(t, err)
    assert.Equal(t, procedure.StatusRunning, rec.Status)

    recs, err := c.Procedures(ctx, addr)
    require.NoError(t, err)
    assert.Len(t, recs, 1)

    peers, err := c.Peers(ctx, addr)
    require.NoError(t, err)
    assert.Len(t, peers, 1)

    lead, known, err := c.Leader(ctx, addr)
    require.NoError(t, err)
    assert.True(t, known)
    assert.Equal(t, uint64(3), lead.Term)

    ids, err := c.Failover(ctx, addr, "dn-2")
    require.NoError(t, err)
    assert.Equal(t, []string{"fo-dn-2"}, ids)

    assert.Equal(t, 1, c.conns().Len(), "calls share one connection")
}

func TestErrorsKeepTheirMeaning(t *testing.T) {
    follower := transporttest.NewAPI()
    follower.LeaderHint = &cluster.NotLeaderError{LeaderID: "m2", LeaderAddr: "10.0.0.2:4000"}
    faddr, c := start(t, NewServer("127.0.0.1:0", follower, nil))
    laddr, _ := start(t, NewServer("127.0.0.1:0", transporttest.NewAPI(), nil))
    ctx := context.Background()

    _, err := c.Submit(ctx, faddr, "noop", nil)
    require.Error(t, err)
    assert.True(t, errors.Is(err, cluster.ErrNotLeader))
    hint, ok := cluster.LeaderHint(err)
    require.True(t, ok)
    assert.Equal(t, "m2", hint.LeaderID)
    assert.Equal(t, "10.0.0.2:4000", hint.LeaderAddr)

    _, err = c.Procedure(ctx, laddr, "missing")
    assert.True(t, errors.Is(err, procedure.ErrNotFound))

    _, err = c.Submit(ctx, laddr, "", nil)
    assert.True(t, errors.Is(err, transport.ErrInvalid))

    _, err = c.Submit(ctx, laddr, "unknown", nil)
    assert.True(t, errors.Is(err, transport.ErrInvalid))
}

func TestApplyForwardsStoreWrites(t *testing.T) {
    var mu sync.Mutex
    store := make(map[string][]byte)
    apply := func(_ context.Context, cmd raftkv.Command) (bool, error) {
        mu.Lock()
        defer mu.Unlock()
        if cmd.Key == "/down" { return false, kv.Unavailable(errors.New("disk"), "put") }
        if _, ok := store[cmd.Key]; ok && cmd.Absent { return false, nil }
        store[cmd.Key] = cmd.Value
        return true, nil
    }
    addr, c := start(t, NewServer("127.0.0.1:0", transporttest.NewAPI(), nil).UseApply(apply))
    ctx := context.Background()

    ok, err := c.Apply(ctx, addr, raftkv.Command{Op: raftkv.OpCAS, Key: "/a", Absent: true, Value: []byte("1")})
    require.NoError(t, err)
    assert.True(t, ok)
    ok, err = c.Apply(ctx, addr, raftkv.Command{Op: raftkv.OpCAS, Key: "/a", Absent: true, Value: []byte("2")})
    require.NoError(t, err)
    assert.False(t, ok)

    _, err = c.Apply(ctx, addr, raftkv.Command{Op: raftkv.OpCAS, Key: "/down", Absent: true})
    assert.True(t, kv.IsRetryable(err))
}

func TestApplyIsNotServedWithoutBackend(t *testing.T) {
    addr, c := start(t, NewServer("127.0.0.1:0", transporttest.NewAPI(), nil))
    _, err := c.Apply(context.Background(), addr, raftkv.Command{Op: raftkv.OpCAS, Key: "/a"})
    assert.Error(t, err)
}

func TestWatchStreamsEvents(t *testing.T) {
    api := transporttest.NewAPI()
    addr, c := start(t, NewServer("127.0.0.1:0", api, nil))
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    got := make(chan election.Event, 1)
    done := make(chan error, 1)
    go func() { done <- c.Watch(ctx, addr, "m9", func(ev election.Event) { got <- ev }) }()

    api.Events <- election.Event{Type: election.EventBecameLeader, LeaderID: "m1", Term: 5}
    select {
    case ev := <-got:
        assert.Equal(t, election.EventBecameLeader, ev.Type)
        assert.Equal(t, uint64(5), ev.Term)
    case <-time.After(3 * time.Second):
        t.Fatal("no event received")
    }
    cancel()
    select {
    case err := <-done:
        assert.ErrorIs(t, err, context.Canceled)
    case <-time.After(3 * time.Second):
        t.Fatal("watch did not return")
    }
}

func TestConnManagerEvictsIdle(t *testing.T) {
    addr, c := start(t, NewServer("127.0.0.1:0", transporttest.NewAPI(), nil))
    m := NewConnManager(time.Hour, c.dial)
    defer m.Close()

    _, rel, err := m.Get(context.Background(), addr)
    require.NoError(t, err)
    m.evictIdle(time.Now().Add(time.Minute))
    assert.Equal(t, 1, m.Len(), "referenced connections are kept")

    rel()
    m.evictIdle(time.Now().Add(time.Minute))
    assert.Equal(t, 0, m.Len())
}
