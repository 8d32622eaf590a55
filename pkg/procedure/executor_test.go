package procedure_test

import (
    "context"
    "encoding/json"
    "fmt"
    "strings"
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
    "github.com/amirimatin/go-metasrv/pkg/lock"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/sequence"
)

type hookFunc func(ctx context.Context, name string, step, attempt int) (*procedure.StepResult, error)

// world is the external system the test procedures act on.
type world struct {
    mu          sync.Mutex
    effects     map[string]int
    running     int
    maxRunning  int
    rollbacks   int
    rollbackErr error
    hook        hookFunc
}

func newWorld() *world { return &world{effects: map[string]int{}} }

func (w *world) effect(name string, step int) int {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.effects[fmt.Sprintf("%s/%d", name, step)]
}

type testState struct {
    Name  string `json:"name"`
    Steps int    `json:"steps"`
    Cur   int    `json:"cur"`
    Lock  string `json:"lock,omitempty"`
}

type testProc struct {
    w *world
    s testState
}

func (p *testProc) Type() string { return "test" }

func (p *testProc) LockKeys() []string {
    if p.s.Lock == "" { return nil }
    return []string{p.s.Lock}
}

func (p *testProc) Dump() ([]byte, error) { return json.Marshal(p.s) }

func (p *testProc) Execute(ctx context.Context, pc *procedure.Context) (procedure.StepResult, error) {
    w := p.w
    w.mu.Lock()
    w.running++
    if w.running > w.maxRunning { w.maxRunning = w.running }
    hook := w.hook
    w.mu.Unlock()
    defer func() {
        w.mu.Lock()
        w.running--
        w.mu.Unlock()
    }()
    if hook != nil {
        res, err := hook(ctx, p.s.Name, p.s.Cur, pc.Attempt)
        if err != nil { return procedure.StepResult{}, err }
        if res != nil { return *res, nil }
    }
    w.mu.Lock()
    w.effects[fmt.Sprintf("%s/%d", p.s.Name, p.s.Cur)]++
    w.mu.Unlock()
    p.s.Cur++
    if p.s.Cur >= p.s.Steps { return procedure.Done(), nil }
    return procedure.Next(), nil
}

type rollbackProc struct{ testProc }

func (p *rollbackProc) Type() string { return "test-rb" }

func (p *rollbackProc) Rollback(context.Context, *procedure.Context) error {
    p.w.mu.Lock()
    defer p.w.mu.Unlock()
    p.w.rollbacks++
    return p.w.rollbackErr
}

func register(x *procedure.Executor, w *world) {
    x.Register("test", func(b []byte) (procedure.Procedure, error) {
        p := &testProc{w: w}
        return p, json.Unmarshal(b, &p.s)
    })
    x.Register("test-rb", func(b []byte) (procedure.Procedure, error) {
        p := &rollbackProc{testProc{w: w}}
        return p, json.Unmarshal(b, &p.s)
    })
}

func input(t *testing.T, s testState) []byte {
    t.Helper()
    b, err := json.Marshal(s)
    require.NoError(t, err)
    return b
}

func fastOptions() procedure.Options {
    o := procedure.DefaultOptions()
    o.InitialBackoff = 5 * time.Millisecond
    o.MaxBackoff = 20 * time.Millisecond
    o.ResumeInterval = 20 * time.Millisecond
    o.LockTTL = time.Second
    return o
}

func newExecutor(t *testing.T, store kv.Store, w *world, opts procedure.Options) *procedure.Executor {
    t.Helper()
    locks := lock.NewManager(store, sequence.New(store, sequence.Fencing, 1, 10), lock.Options{})
    x := procedure.New(store, locks, opts)
    register(x, w)
    t.Cleanup(func() {
        x.Stop()
        x.Wait()
    })
    return x
}

func awaitStatus(t *testing.T, x *procedure.Executor, id string, want procedure.Status) procedure.Record {
    t.Helper()
    var rec procedure.Record
    require.Eventually(t, func() bool {
        r, err := x.Status(context.Background(), id)
        if err != nil { return false }
        rec = r
        return r.Status == want
    }, 5*time.Second, 5*time.Millisecond, "procedure %s never reached %s", id, want)
    return rec
}

func TestSubmitRequiresActiveExecutor(t *testing.T) {
    x := newExecutor(t, memkv.New(), newWorld(), fastOptions())
    _, err := x.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 1}))
    assert.True(t, errors.Is(err, procedure.ErrNotLeader))

    x.Start(1)
    _, err = x.Submit(context.Background(), "nope", nil)
    assert.True(t, errors.Is(err, procedure.ErrUnknownType))
}

func TestRunsEveryStepOnce(t *testing.T) {
    w := newWorld()
    x := newExecutor(t, memkv.New(), w, fastOptions())
    x.Start(1)
    id, err := x.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 3}))
    require.NoError(t, err)

    rec := awaitStatus(t, x, id, procedure.StatusDone)
    assert.Equal(t, 2, rec.StepIndex)
    assert.Equal(t, uint64(1), rec.Term)
    for step := 0; step < 3; step++ { assert.Equal(t, 1, w.effect("a", step), "step %d", step) }
}

func TestTransientFailureIsRetried(t *testing.T) {
    w := newWorld()
    var calls atomic.Int32
    w.hook = func(_ context.Context, _ string, step, _ int) (*procedure.StepResult, error) {
        if step == 1 && calls.Add(1) <= 2 { return nil, errors.New("datanode unreachable") }
        return nil, nil
    }
    x := newExecutor(t, memkv.New(), w, fastOptions())
    x.Start(1)
    id, err := x.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 3}))
    require.NoError(t, err)

    rec := awaitStatus(t, x, id, procedure.StatusDone)
    assert.Len(t, rec.Errors, 2)
    assert.Empty(t, rec.LastError)
    assert.Equal(t, 0, rec.Attempts)
    assert.Equal(t, 1, w.effect("a", 1))
}

func TestExhaustedRetriesRollBack(t *testing.T) {
    w := newWorld()
    w.hook = func(_ context.Context, _ string, step, _ int) (*procedure.StepResult, error) {
        if step == 1 { return nil, errors.New("boom") }
        return nil, nil
    }
    x := newExecutor(t, memkv.New(), w, fastOptions())
    x.Start(1)
    id, err := x.Submit(context.Background(), "test-rb", input(t, testState{Name: "a", Steps: 3}))
    require.NoError(t, err)

    rec := awaitStatus(t, x, id, procedure.StatusRolledBack)
    assert.Equal(t, 3, rec.Attempts)
    assert.Contains(t, rec.LastError, "boom")
    w.mu.Lock()
    defer w.mu.Unlock()
    assert.Equal(t, 1, w.rollbacks)
}

func TestRollbackFailureIsTerminal(t *testing.T) {
    w := newWorld()
    w.rollbackErr = errors.New("cannot undo")
    w.hook = func(context.Context, string, int, int) (*procedure.StepResult, error) {
        return nil, procedure.Fatal(errors.New("bad input"))
    }
    x := newExecutor(t, memkv.New(), w, fastOptions())
    x.Start(1)
    id, err := x.Submit(context.Background(), "test-rb", input(t, testState{Name: "a", Steps: 2}))
    require.NoError(t, err)

    rec := awaitStatus(t, x, id, procedure.StatusFailed)
    assert.Contains(t, rec.LastError, "cannot undo")
    assert.Contains(t, rec.LastError, "bad input")
    w.mu.Lock()
    defer w.mu.Unlock()
    assert.Equal(t, 3, w.rollbacks)
}

func TestFatalErrorSkipsRetries(t *testing.T) {
    w := newWorld()
    w.hook = func(context.Context, string, int, int) (*procedure.StepResult, error) {
        return nil, procedure.Fatal(errors.New("region does not exist"))
    }
    x := newExecutor(t, memkv.New(), w, fastOptions())
    x.Start(1)
    id, err := x.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 2}))
    require.NoError(t, err)

    rec := awaitStatus(t, x, id, procedure.StatusFailed)
    assert.Equal(t, 1, rec.Attempts)
    assert.Len(t, rec.Errors, 1)
}

func TestSuspendedProcedureResumes(t *testing.T) {
    w := newWorld()
    release := make(chan struct{})
    w.hook = func(_ context.Context, _ string, step, _ int) (*procedure.StepResult, error) {
        if step != 0 { return nil, nil }
        select {
        case <-release:
            return nil, nil
        default:
            r := procedure.Suspend("waiting for datanode")
            return &r, nil
        }
    }
    x := newExecutor(t, memkv.New(), w, fastOptions())
    x.Start(1)
    id, err := x.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 2}))
    require.NoError(t, err)

    rec := awaitStatus(t, x, id, procedure.StatusSuspended)
    assert.Equal(t, "waiting for datanode", rec.Reason)
    close(release)
    awaitStatus(t, x, id, procedure.StatusDone)
    assert.Equal(t, 1, w.effect("a", 0))
}

func TestSharedLockSerializesProcedures(t *testing.T) {
    w := newWorld()
    x := newExecutor(t, memkv.New(), w, fastOptions())
    w.hook = func(context.Context, string, int, int) (*procedure.StepResult, error) {
        time.Sleep(10 * time.Millisecond)
        return nil, nil
    }
    x.Start(1)
    var ids []string
    for _, name := range []string{"a", "b", "c"} {
        id, err := x.Submit(context.Background(), "test", input(t, testState{Name: name, Steps: 3, Lock: "region/42"}))
        require.NoError(t, err)
        ids = append(ids, id)
    }
    for _, id := range ids { awaitStatus(t, x, id, procedure.StatusDone) }
    w.mu.Lock()
    defer w.mu.Unlock()
    assert.Equal(t, 1, w.maxRunning)
}

// doneCounter counts writes that move a procedure record to Done.
type doneCounter struct {
    kv.Store
    done atomic.Int32
}

func (s *doneCounter) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    ok, err := s.Store.CompareAndSwap(ctx, key, expected, value)
    if ok && err == nil && strings.HasPrefix(key, kv.PrefixProcedure) {
        var r procedure.Record
        if json.Unmarshal(value, &r) == nil && r.Status == procedure.StatusDone { s.done.Add(1) }
    }
    return ok, err
}

func TestNewLeaderResumesInterruptedProcedure(t *testing.T) {
    store := &doneCounter{Store: memkv.New()}
    w := newWorld()
    entered := make(chan struct{})
    var blocked atomic.Bool
    w.hook = func(ctx context.Context, _ string, step, _ int) (*procedure.StepResult, error) {
        if step == 1 && blocked.CompareAndSwap(false, true) {
            close(entered)
            <-ctx.Done()
            return nil, ctx.Err()
        }
        return nil, nil
    }

    first := newExecutor(t, store, w, fastOptions())
    first.OnLeadership(election.Event{Type: election.EventBecameLeader, Term: 1})
    id, err := first.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 3, Lock: "region/1"}))
    require.NoError(t, err)

    select {
    case <-entered:
    case <-time.After(5 * time.Second):
        t.Fatal("step 1 never started")
    }
    first.OnLeadership(election.Event{Type: election.EventLostLeadership, Term: 1})
    first.Wait()

    rec, err := first.Status(context.Background(), id)
    require.NoError(t, err)
    assert.Equal(t, procedure.StatusRunning, rec.Status)
    assert.Equal(t, 1, rec.StepIndex)
    assert.Empty(t, rec.Errors, "interruption must not be recorded as a failure")

    second := newExecutor(t, store, w, fastOptions())
    second.OnLeadership(election.Event{Type: election.EventBecameLeader, Term: 2})
    rec = awaitStatus(t, second, id, procedure.StatusDone)
    second.Stop()
    second.Wait()

    assert.Equal(t, uint64(2), rec.Term)
    for step := 0; step < 3; step++ { assert.Equal(t, 1, w.effect("a", step), "step %d", step) }
    assert.Equal(t, int32(1), store.done.Load())
}

func TestArchiveRemovesExpiredTerminalRecords(t *testing.T) {
    var now atomic.Int64
    now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
    opts := fastOptions()
    opts.Retention = time.Hour
    opts.Now = func() time.Time { return time.Unix(0, now.Load()) }
    x := newExecutor(t, memkv.New(), newWorld(), opts)
    x.Start(1)
    id, err := x.Submit(context.Background(), "test", input(t, testState{Name: "a", Steps: 1}))
    require.NoError(t, err)
    awaitStatus(t, x, id, procedure.StatusDone)

    require.NoError(t, x.Archive(context.Background()))
    _, err = x.Status(context.Background(), id)
    require.NoError(t, err)

    now.Add(int64(2 * time.Hour))
    require.NoError(t, x.Archive(context.Background()))
    _, err = x.Status(context.Background(), id)
    assert.True(t, errors.Is(err, procedure.ErrNotFound))
}
