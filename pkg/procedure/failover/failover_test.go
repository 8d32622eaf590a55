package failover_test

import (
    "context"
    "encoding/json"
    "sync"
    "testing"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
    "github.com/amirimatin/go-metasrv/pkg/lock"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/procedure/failover"
    "github.com/amirimatin/go-metasrv/pkg/sequence"
)

// flakyActuator wraps the KV actuator and fails OpenRegion on demand.
type flakyActuator struct {
    *failover.KVActuator
    mu       sync.Mutex
    openErr  error
    closedOn []string
}

func (a *flakyActuator) OpenRegion(ctx context.Context, datanode string, region uint64) error {
    a.mu.Lock()
    err := a.openErr
    a.mu.Unlock()
    if err != nil { return err }
    return a.KVActuator.OpenRegion(ctx, datanode, region)
}

func (a *flakyActuator) CloseRegion(ctx context.Context, datanode string, region uint64) error {
    a.mu.Lock()
    a.closedOn = append(a.closedOn, datanode)
    a.mu.Unlock()
    return a.KVActuator.CloseRegion(ctx, datanode, region)
}

type fixture struct {
    store    *memkv.Store
    routes   *failover.Routes
    actuator *flakyActuator
    exec     *procedure.Executor
    alive    []failover.Candidate
}

func newFixture(t *testing.T) *fixture {
    t.Helper()
    store := memkv.New()
    f := &fixture{store: store, routes: failover.NewRoutes(store, nil)}
    f.actuator = &flakyActuator{KVActuator: failover.NewKVActuator(store)}
    src := func(context.Context) ([]failover.Candidate, error) { return f.alive, nil }
    opts := procedure.DefaultOptions()
    opts.InitialBackoff = 5 * time.Millisecond
    opts.MaxBackoff = 10 * time.Millisecond
    opts.ResumeInterval = 20 * time.Millisecond
    locks := lock.NewManager(store, sequence.New(store, sequence.Fencing, 1, 10), lock.Options{})
    f.exec = procedure.New(store, locks, opts)
    failover.Register(f.exec, failover.Deps{Routes: f.routes, Actuator: f.actuator, Selector: failover.LeastLoaded{Source: src}})
    f.exec.Start(1)
    t.Cleanup(func() {
        f.exec.Stop()
        f.exec.Wait()
    })
    return f
}

func (f *fixture) submit(t *testing.T, in failover.Input) string {
    t.Helper()
    b, err := json.Marshal(in)
    require.NoError(t, err)
    id, err := f.exec.Submit(context.Background(), failover.Type, b)
    require.NoError(t, err)
    return id
}

func (f *fixture) await(t *testing.T, id string, want procedure.Status) procedure.Record {
    t.Helper()
    var rec procedure.Record
    require.Eventually(t, func() bool {
        r, err := f.exec.Status(context.Background(), id)
        rec = r
        return err == nil && r.Status == want
    }, 5*time.Second, 5*time.Millisecond)
    return rec
}

func TestFailoverMovesRegionToLeastLoadedPeer(t *testing.T) {
    ctx := context.Background()
    f := newFixture(t)
    f.alive = []failover.Candidate{{ID: "dn-1", Regions: 3}, {ID: "dn-2", Regions: 9}, {ID: "dn-3", Regions: 1}}
    require.NoError(t, f.routes.Ensure(ctx, 7, "metrics", "dn-1"))

    id := f.submit(t, failover.Input{DatanodeID: "dn-1", RegionID: 7, Table: "metrics"})
    rec := f.await(t, id, procedure.StatusDone)
    assert.Equal(t, []string{"region/7"}, rec.LockKeys)

    rt, ok, err := f.routes.Get(ctx, 7)
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "dn-3", rt.Leader)
    assert.Equal(t, uint64(2), rt.Version)

    b, ok, err := f.store.Get(ctx, failover.InstructionKey("dn-3", 7))
    require.NoError(t, err)
    require.True(t, ok)
    var ins failover.Instruction
    require.NoError(t, json.Unmarshal(b, &ins))
    assert.Equal(t, "open", ins.Op)

    v, ok, err := f.store.Get(ctx, failover.CacheKey("metrics"))
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "1", string(v))

    var st failover.State
    require.NoError(t, json.Unmarshal(rec.State, &st))
    assert.Equal(t, failover.StepEnd, st.Step)
    assert.Equal(t, "dn-3", st.Candidate)
}

func TestFailoverWaitsForCandidate(t *testing.T) {
    f := newFixture(t)
    id := f.submit(t, failover.Input{DatanodeID: "dn-1", RegionID: 1})
    rec := f.await(t, id, procedure.StatusSuspended)
    assert.Contains(t, rec.Reason, "no candidate")

    f.exec.Stop()
    f.exec.Wait()
    f.alive = []failover.Candidate{{ID: "dn-2"}}
    f.exec.Start(2)
    f.await(t, id, procedure.StatusDone)
}

func TestFailoverSkipsRegionAlreadyMoved(t *testing.T) {
    ctx := context.Background()
    f := newFixture(t)
    require.NoError(t, f.routes.Ensure(ctx, 3, "t", "dn-9"))
    id := f.submit(t, failover.Input{DatanodeID: "dn-1", RegionID: 3})
    rec := f.await(t, id, procedure.StatusDone)

    var st failover.State
    require.NoError(t, json.Unmarshal(rec.State, &st))
    assert.True(t, st.Skipped)
    assert.Empty(t, st.Candidate)
}

func TestFailoverRollsBackWhenCandidateCannotOpen(t *testing.T) {
    ctx := context.Background()
    f := newFixture(t)
    f.alive = []failover.Candidate{{ID: "dn-2"}}
    f.actuator.openErr = errors.New("dn-2: open region timed out")
    require.NoError(t, f.routes.Ensure(ctx, 5, "t", "dn-1"))

    id := f.submit(t, failover.Input{DatanodeID: "dn-1", RegionID: 5, Table: "t"})
    rec := f.await(t, id, procedure.StatusRolledBack)
    assert.Contains(t, rec.LastError, "open region timed out")

    rt, _, err := f.routes.Get(ctx, 5)
    require.NoError(t, err)
    assert.Equal(t, "dn-1", rt.Leader)
    f.actuator.mu.Lock()
    defer f.actuator.mu.Unlock()
    assert.Equal(t, []string{"dn-1", "dn-2"}, f.actuator.closedOn)
}

func TestRoutesMoveDetectsConcurrentChange(t *testing.T) {
    ctx := context.Background()
    r := failover.NewRoutes(memkv.New(), nil)
    require.NoError(t, r.Ensure(ctx, 1, "t", "a"))

    rt, err := r.Move(ctx, 1, "a", "b")
    require.NoError(t, err)
    assert.Equal(t, "b", rt.Leader)

    _, err = r.Move(ctx, 1, "a", "b")
    require.NoError(t, err, "repeating a completed move is a no-op")

    _, err = r.Move(ctx, 1, "a", "c")
    assert.True(t, errors.Is(err, failover.ErrRouteMoved))
}

func TestInvalidateCacheRejectsCorruptVersion(t *testing.T) {
    ctx := context.Background()
    store := memkv.New()
    defer store.Close()
    a := failover.NewKVActuator(store)

    require.NoError(t, a.InvalidateCache(ctx, "cpu"))
    require.NoError(t, a.InvalidateCache(ctx, "cpu"))
    v, _, err := store.Get(ctx, failover.CacheKey("cpu"))
    require.NoError(t, err)
    assert.Equal(t, "2", string(v))

    _, err = store.PutIfAbsent(ctx, failover.CacheKey("mem"), []byte("garbage"))
    require.NoError(t, err)
    err = a.InvalidateCache(ctx, "mem")
    assert.True(t, errors.Is(err, failover.ErrCorruptCache))
    v, _, err = store.Get(ctx, failover.CacheKey("mem"))
    require.NoError(t, err)
    assert.Equal(t, "garbage", string(v))
}

func TestSelectors(t *testing.T) {
    ctx := context.Background()
    src := func(context.Context) ([]failover.Candidate, error) {
        return []failover.Candidate{{ID: "c", Regions: 1}, {ID: "a", Regions: 1}, {ID: "b", Regions: 0}}, nil
    }
    got, err := failover.LeastLoaded{Source: src}.Select(ctx, "b")
    require.NoError(t, err)
    assert.Equal(t, "a", got)

    rr := &failover.RoundRobin{Source: src}
    var seq []string
    for i := 0; i < 4; i++ {
        id, err := rr.Select(ctx, "c")
        require.NoError(t, err)
        seq = append(seq, id)
    }
    assert.Equal(t, []string{"a", "b", "a", "b"}, seq)

    _, err = failover.LeastLoaded{Source: func(context.Context) ([]failover.Candidate, error) { return nil, nil }}.Select(ctx, "")
    assert.True(t, errors.Is(err, failover.ErrNoCandidate))
}

func TestLoaderAcceptsInputAndState(t *testing.T) {
    load := failover.Loader(failover.Deps{})
    p, err := load([]byte(`{"datanode_id":"dn-1","region_id":4}`))
    require.NoError(t, err)
    assert.Equal(t, []string{"region/4"}, p.LockKeys())

    b, err := p.Dump()
    require.NoError(t, err)
    again, err := load(b)
    require.NoError(t, err)
    assert.Equal(t, failover.StepStart, again.(*failover.Procedure).State().Step)

    _, err = load([]byte(`{"region_id":4}`))
    assert.Error(t, err)
}
