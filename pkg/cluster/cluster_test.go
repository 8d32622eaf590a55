package cluster

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/failure"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/procedure/failover"
)

func testOptions(store kv.Store, id string) Options {
    proc := procedure.DefaultOptions()
    proc.InitialBackoff = 5 * time.Millisecond
    proc.ResumeInterval = 20 * time.Millisecond
    proc.LockTTL = time.Second
    return Options{
        NodeID:        id,
        Addr:          id + ":4000",
        Store:         store,
        ElectionTTL:   600 * time.Millisecond,
        RenewInterval: 150 * time.Millisecond,
        Failure: failure.Options{
            Threshold:              3,
            RecoverThreshold:       1,
            MinStdDev:              10 * time.Millisecond,
            FirstHeartbeatEstimate: 50 * time.Millisecond,
            MaxSamples:             100,
            GracePeriod:            200 * time.Millisecond,
        },
        EvalInterval:     20 * time.Millisecond,
        DatanodeLeaseTTL: time.Second,
        Procedure:        proc,
    }
}

func start(t *testing.T, opts Options) *Cluster {
    t.Helper()
    c, err := New(opts)
    require.NoError(t, err)
    ctx, cancel := context.WithCancel(context.Background())
    var wg sync.WaitGroup
    wg.Add(1)
    go func() {
        defer wg.Done()
        assert.NoError(t, c.Run(ctx))
    }()
    t.Cleanup(func() {
        cancel()
        wg.Wait()
    })
    return c
}

func awaitLeader(t *testing.T, nodes ...*Cluster) (*Cluster, []*Cluster) {
    t.Helper()
    var leader *Cluster
    require.Eventually(t, func() bool {
        for _, n := range nodes {
            if n.IsLeader() {
                leader = n
                return true
            }
        }
        return false
    }, 5*time.Second, 10*time.Millisecond)
    var followers []*Cluster
    for _, n := range nodes {
        if n != leader { followers = append(followers, n) }
    }
    return leader, followers
}

func beat(ctx context.Context, c *Cluster, id string, regions ...RegionStat) error {
    _, err := c.OnHeartbeat(ctx, Heartbeat{PeerID: id, Addr: id + ":3001", Role: RoleDatanode, Payload: Payload{Regions: regions}})
    return err
}

func TestOptionsValidate(t *testing.T) {
    o := testOptions(memkv.New(), "")
    o.setDefaults()
    assert.Error(t, o.Validate())

    o = testOptions(memkv.New(), "m1")
    o.Selector = "random"
    assert.Error(t, o.Validate())

    o = testOptions(nil, "m1")
    o.setDefaults()
    assert.Error(t, o.Validate())
}

func TestFollowerAnswersWithLeaderHint(t *testing.T) {
    store := memkv.New()
    a := start(t, testOptions(store, "m1"))
    b := start(t, testOptions(store, "m2"))
    leader, followers := awaitLeader(t, a, b)
    f := followers[0]
    require.Eventually(t, func() bool { return f.Election().State().LeaderID == leader.NodeID() }, 5*time.Second, 10*time.Millisecond)

    _, err := f.OnHeartbeat(context.Background(), Heartbeat{PeerID: "dn-1", Role: RoleDatanode})
    require.True(t, errors.Is(err, ErrNotLeader))
    hint, ok := LeaderHint(err)
    require.True(t, ok)
    assert.Equal(t, leader.NodeID(), hint.LeaderID)
    assert.Equal(t, leader.NodeID()+":4000", hint.LeaderAddr)

    _, err = f.Submit(context.Background(), failover.Type, []byte(`{"datanode_id":"dn-1","region_id":1}`))
    assert.True(t, errors.Is(err, ErrNotLeader))

    st := f.Status(context.Background())
    assert.Equal(t, leader.NodeID(), st.LeaderID)
    assert.True(t, st.Healthy)
}

func TestHeartbeatRegistersPeer(t *testing.T) {
    ctx := context.Background()
    c := start(t, testOptions(memkv.New(), "m1"))
    awaitLeader(t, c)

    _, err := c.OnHeartbeat(ctx, Heartbeat{PeerID: "", Role: RoleDatanode})
    assert.True(t, errors.Is(err, ErrInvalidHeartbeat))

    first, err := c.OnHeartbeat(ctx, Heartbeat{PeerID: "dn-1", Addr: "dn-1:3001", Role: RoleDatanode, Payload: Payload{Regions: []RegionStat{{RegionID: 7, Table: "cpu"}}}})
    require.NoError(t, err)
    assert.Equal(t, "m1", first.LeaderID)
    second, err := c.OnHeartbeat(ctx, Heartbeat{PeerID: "dn-1", Role: RoleDatanode})
    require.NoError(t, err)
    assert.Equal(t, first.FencingToken, second.FencingToken, "renewal keeps the fencing token")

    peers, err := c.Peers(ctx)
    require.NoError(t, err)
    require.Len(t, peers, 1)
    assert.Equal(t, "dn-1:3001", peers[0].Addr)
    assert.True(t, peers[0].Alive)
    assert.Len(t, peers[0].Payload.Regions, 1, "gossip-style heartbeats keep reported regions")

    rt, ok, err := c.Routes().Get(ctx, 7)
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "dn-1", rt.Leader)

    st := c.Status(ctx)
    assert.Equal(t, 1, st.PeersAlive)
}

func TestDeadDatanodeTriggersFailover(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    c := start(t, testOptions(memkv.New(), "m1"))
    awaitLeader(t, c)

    require.NoError(t, beat(ctx, c, "dn-1", RegionStat{RegionID: 7, Table: "cpu"}, RegionStat{RegionID: 8, Table: "cpu"}))
    require.NoError(t, beat(ctx, c, "dn-2"))
    stopDn1 := make(chan struct{})
    go func() {
        tick := time.NewTicker(20 * time.Millisecond)
        defer tick.Stop()
        dn1 := true
        for {
            select {
            case <-ctx.Done():
                return
            case <-stopDn1:
                dn1 = false
                stopDn1 = nil
            case <-tick.C:
                if dn1 { _ = beat(ctx, c, "dn-1") }
                _ = beat(ctx, c, "dn-2")
            }
        }
    }()
    time.Sleep(300 * time.Millisecond)
    close(stopDn1)

    require.Eventually(t, func() bool {
        for _, region := range []uint64{7, 8} {
            rt, ok, err := c.Routes().Get(ctx, region)
            if err != nil || !ok || rt.Leader != "dn-2" { return false }
        }
        return true
    }, 10*time.Second, 20*time.Millisecond)

    recs, err := c.Procedures(ctx)
    require.NoError(t, err)
    require.Len(t, recs, 2)
    for _, r := range recs {
        assert.Equal(t, failover.Type, r.Type)
        assert.Eventually(t, func() bool {
            got, err := c.ProcedureStatus(ctx, r.ID)
            return err == nil && got.Status == procedure.StatusDone
        }, 5*time.Second, 10*time.Millisecond)
    }
}

// Verdict events may be dropped; the snapshot reconcile still fails the
// dead datanode over.
func TestDeadDatanodeFailoverWithoutEvents(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    c, err := New(testOptions(memkv.New(), "m1"))
    require.NoError(t, err)
    var wg sync.WaitGroup
    for _, fn := range []func(){
        func() { c.monitor.Run(ctx) },
        func() { _ = c.election.Run(ctx) },
        func() { _ = c.leadershipLoop(ctx) },
        func() { _ = c.failoverLoop(ctx, nil) },
    } {
        fn := fn
        wg.Add(1)
        go func() { defer wg.Done(); fn() }()
    }
    t.Cleanup(func() {
        cancel()
        wg.Wait()
        c.exec.Stop()
        c.exec.Wait()
    })
    awaitLeader(t, c)

    require.NoError(t, beat(ctx, c, "dn-1", RegionStat{RegionID: 7, Table: "cpu"}))
    require.NoError(t, beat(ctx, c, "dn-2"))
    go func() {
        tick := time.NewTicker(20 * time.Millisecond)
        defer tick.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-tick.C:
                _ = beat(ctx, c, "dn-2")
            }
        }
    }()

    require.Eventually(t, func() bool {
        rt, ok, err := c.Routes().Get(ctx, 7)
        return err == nil && ok && rt.Leader == "dn-2"
    }, 10*time.Second, 20*time.Millisecond)

    // Later reconciles do not resubmit for the same dead datanode.
    time.Sleep(200 * time.Millisecond)
    recs, err := c.Procedures(ctx)
    require.NoError(t, err)
    assert.Len(t, recs, 1)
}

func TestTriggerFailoverSkipsActiveRegions(t *testing.T) {
    ctx := context.Background()
    opts := testOptions(memkv.New(), "m1")
    c := start(t, opts)
    awaitLeader(t, c)
    require.NoError(t, beat(ctx, c, "dn-1", RegionStat{RegionID: 3}))

    // No other datanode is alive, so the first failover parks suspended.
    ids, err := c.TriggerFailover(ctx, "dn-1")
    require.NoError(t, err)
    require.Len(t, ids, 1)
    again, err := c.TriggerFailover(ctx, "dn-1")
    require.NoError(t, err)
    assert.Empty(t, again)

    _, err = c.TriggerFailover(ctx, "dn-404")
    assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestLeadershipQueueKeepsEveryEvent(t *testing.T) {
    q := newEventQueue()
    for i := 1; i <= 100; i++ {
        q.push(election.Event{Type: election.EventBecameLeader, Term: uint64(i)})
    }
    select {
    case <-q.notify:
    default:
        t.Fatal("push did not signal")
    }
    evs := q.drain()
    require.Len(t, evs, 100)
    for i, ev := range evs { assert.Equal(t, uint64(i+1), ev.Term) }
    assert.Empty(t, q.drain())
}

func TestSplitPeerName(t *testing.T) {
    role, id, ok := splitPeerName(peerName(RoleDatanode, "dn-1"))
    require.True(t, ok)
    assert.Equal(t, RoleDatanode, role)
    assert.Equal(t, "dn-1", id)
    _, _, ok = splitPeerName("bogus/dn-1")
    assert.False(t, ok)
}
