package election_test

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
)

// partStore simulates a network partition between one elector and the
// shared store and counts leader renewals written by that elector.
type partStore struct {
    kv.Store
    id   string
    down atomic.Bool

    mu       sync.Mutex
    renewals map[uint64]int
}

func (p *partStore) renewalsFor(term uint64) int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.renewals[term]
}

func (p *partStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    if p.down.Load() { return false, kv.Unavailable(errors.New("partitioned"), "cas") }
    var prev, next election.Record
    if json.Unmarshal(expected, &prev) == nil && json.Unmarshal(value, &next) == nil &&
        prev.LeaderID == p.id && next.LeaderID == p.id && prev.Term == next.Term {
        p.mu.Lock()
        if p.renewals == nil { p.renewals = map[uint64]int{} }
        p.renewals[next.Term]++
        p.mu.Unlock()
    }
    return p.Store.CompareAndSwap(ctx, key, expected, value)
}

func (p *partStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
    if p.down.Load() { return nil, false, kv.Unavailable(errors.New("partitioned"), "get") }
    return p.Store.Get(ctx, key)
}

type recorder struct {
    mu     sync.Mutex
    events []election.Event
    byTerm map[uint64]map[string]bool
}

func newRecorder() *recorder { return &recorder{byTerm: map[uint64]map[string]bool{}} }

func (r *recorder) observer(id string) election.Observer {
    return election.ObserverFunc(func(ev election.Event) {
        r.mu.Lock()
        defer r.mu.Unlock()
        r.events = append(r.events, ev)
        if ev.Type == election.EventBecameLeader {
            if r.byTerm[ev.Term] == nil { r.byTerm[ev.Term] = map[string]bool{} }
            r.byTerm[ev.Term][id] = true
        }
    })
}

type node struct {
    e      *election.Election
    store  *partStore
    cancel context.CancelFunc
    done   chan struct{}
}

func startNode(t *testing.T, shared kv.Store, id string, ttl time.Duration, rec *recorder, resignOnStop bool) *node {
    t.Helper()
    ps := &partStore{Store: shared, id: id}
    e, err := election.New(ps, election.Options{Cluster: "c1", NodeID: id, Addr: id + ":3002", TTL: ttl, ResignOnStop: resignOnStop})
    require.NoError(t, err)
    if rec != nil { e.AddObserver(rec.observer(id)) }
    ctx, cancel := context.WithCancel(context.Background())
    n := &node{e: e, store: ps, cancel: cancel, done: make(chan struct{})}
    go func() { defer close(n.done); _ = e.Run(ctx) }()
    t.Cleanup(func() { cancel(); <-n.done })
    return n
}

func awaitLeader(t *testing.T, nodes []*node, timeout time.Duration, skip *node) *node {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        for _, n := range nodes {
            if n != skip && n.e.IsLeader() { return n }
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("no leader within %s", timeout)
    return nil
}

func TestOptionsValidate(t *testing.T) {
    _, err := election.New(memkv.New(), election.Options{NodeID: "a", TTL: time.Second, RenewInterval: time.Second})
    assert.Error(t, err)
    _, err = election.New(memkv.New(), election.Options{TTL: time.Second})
    assert.Error(t, err)
}

func TestSingleLeaderPerTerm(t *testing.T) {
    shared := memkv.New()
    rec := newRecorder()
    var nodes []*node
    for i := 0; i < 5; i++ {
        nodes = append(nodes, startNode(t, shared, fmt.Sprintf("m%d", i), 300*time.Millisecond, rec, true))
    }
    // Churn leadership through resignations.
    for round := 0; round < 4; round++ {
        l := awaitLeader(t, nodes, 3*time.Second, nil)
        require.NoError(t, l.e.Resign(context.Background()))
    }
    awaitLeader(t, nodes, 3*time.Second, nil)

    rec.mu.Lock()
    defer rec.mu.Unlock()
    require.NotEmpty(t, rec.byTerm)
    for term, winners := range rec.byTerm {
        assert.LessOrEqual(t, len(winners), 1, "term %d has winners %v", term, winners)
    }
    var last uint64
    for _, ev := range rec.events {
        if ev.Type != election.EventBecameLeader { continue }
        assert.Greater(t, ev.Term, last, "terms must increase")
        last = ev.Term
    }
}

func TestFailoverWithinTTL(t *testing.T) {
    const ttl = 600 * time.Millisecond
    shared := memkv.New()
    var nodes []*node
    for i := 0; i < 3; i++ {
        nodes = append(nodes, startNode(t, shared, fmt.Sprintf("m%d", i), ttl, nil, false))
    }
    old := awaitLeader(t, nodes, 3*time.Second, nil)
    oldTerm := old.e.State().Term

    // Crash: stop without releasing the key.
    killed := time.Now()
    old.cancel()
    <-old.done

    next := awaitLeader(t, nodes, 3*ttl, old)
    assert.Less(t, time.Since(killed), 2*ttl)
    assert.Greater(t, next.e.State().Term, oldTerm)
}

func TestPartitionedLeaderDemotesAndStopsRenewing(t *testing.T) {
    const ttl = 400 * time.Millisecond
    shared := memkv.New()
    rec := newRecorder()
    var nodes []*node
    for i := 0; i < 2; i++ {
        nodes = append(nodes, startNode(t, shared, fmt.Sprintf("m%d", i), ttl, rec, false))
    }
    l := awaitLeader(t, nodes, 3*time.Second, nil)
    lost := l.e.Subscribe(context.Background())

    term := l.e.State().Term

    l.store.down.Store(true)
    timeout := time.After(2 * ttl)
    for demoted := false; !demoted; {
        select {
        case ev := <-lost:
            demoted = ev.Type == election.EventLostLeadership
        case <-timeout:
            t.Fatalf("partitioned leader did not demote")
        }
    }
    assert.NotEqual(t, election.Leader, l.e.State().Role)
    renewals := l.store.renewalsFor(term)

    l.store.down.Store(false)
    time.Sleep(ttl)
    assert.Equal(t, renewals, l.store.renewalsFor(term), "no renewal of the lost term")

    other := awaitLeader(t, nodes, 3*ttl, nil)
    assert.NotNil(t, other)
}

func TestFollowersObserveLeader(t *testing.T) {
    shared := memkv.New()
    a := startNode(t, shared, "a", 300*time.Millisecond, nil, true)
    leader := awaitLeader(t, []*node{a}, 2*time.Second, nil)
    require.Equal(t, a, leader)

    rec := newRecorder()
    b := startNode(t, shared, "b", 300*time.Millisecond, rec, true)
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        st := b.e.State()
        if st.Role == election.Follower && st.LeaderID == "a" {
            assert.Equal(t, "a:3002", st.LeaderAddr)
            rec.mu.Lock()
            defer rec.mu.Unlock()
            require.NotEmpty(t, rec.events)
            assert.Equal(t, election.EventLeaderChanged, rec.events[0].Type)
            return
        }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("follower never observed leader: %+v", b.e.State())
}

func TestResignHandsOver(t *testing.T) {
    shared := memkv.New()
    nodes := []*node{
        startNode(t, shared, "a", 300*time.Millisecond, nil, true),
        startNode(t, shared, "b", 300*time.Millisecond, nil, true),
    }
    l := awaitLeader(t, nodes, 2*time.Second, nil)
    term := l.e.State().Term
    require.NoError(t, l.e.Resign(context.Background()))
    assert.False(t, l.e.IsLeader(), "resign is effective locally at once")

    var other *node
    for _, n := range nodes {
        if n != l { other = n }
    }
    deadline := time.Now().Add(time.Second)
    for time.Now().Before(deadline) && !other.e.IsLeader() { time.Sleep(5 * time.Millisecond) }
    require.True(t, other.e.IsLeader())
    assert.Equal(t, term+1, other.e.State().Term)
}
