package procedure

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/google/uuid"
    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/lock"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
)

// Options tune step retries, suspension polling and retention.
type Options struct {
    MaxAttempts    int           `yaml:"max_attempts"`
    InitialBackoff time.Duration `yaml:"initial_backoff"`
    MaxBackoff     time.Duration `yaml:"max_backoff"`
    ResumeInterval time.Duration `yaml:"resume_interval"`
    LockTTL        time.Duration `yaml:"lock_ttl"`
    // Retention is how long terminal records stay before archival. Zero
    // keeps them forever.
    Retention time.Duration `yaml:"retention"`

    Retry  kv.RetryPolicy   `yaml:"-"`
    Now    func() time.Time `yaml:"-"`
    Logger hclog.Logger     `yaml:"-"`
}

func DefaultOptions() Options {
    return Options{
        MaxAttempts:    3,
        InitialBackoff: 200 * time.Millisecond,
        MaxBackoff:     5 * time.Second,
        ResumeInterval: 5 * time.Second,
        LockTTL:        10 * time.Second,
        Retention:      24 * time.Hour,
    }
}

func (o Options) withDefaults() Options {
    d := DefaultOptions()
    if o.MaxAttempts <= 0 { o.MaxAttempts = d.MaxAttempts }
    if o.InitialBackoff <= 0 { o.InitialBackoff = d.InitialBackoff }
    if o.MaxBackoff <= 0 { o.MaxBackoff = d.MaxBackoff }
    if o.ResumeInterval <= 0 { o.ResumeInterval = d.ResumeInterval }
    if o.LockTTL <= 0 { o.LockTTL = d.LockTTL }
    if o.Retry == (kv.RetryPolicy{}) { o.Retry = kv.DefaultRetryPolicy() }
    if o.Now == nil { o.Now = time.Now }
    return o
}

// Executor drives procedures while this node is the leader. It implements
// election.Observer: gaining leadership resumes every unfinished record and
// losing it cancels all in-flight work without persisting anything further.
type Executor struct {
    store kv.Store
    locks *lock.Manager
    opts  Options
    retry kv.RetryPolicy
    log   hclog.Logger

    regMu   sync.RWMutex
    loaders map[string]Loader

    mu      sync.Mutex
    active  bool
    term    uint64
    ctx     context.Context
    cancel  context.CancelFunc
    running map[string]struct{}
    wg      sync.WaitGroup
}

func New(store kv.Store, locks *lock.Manager, opts Options) *Executor {
    opts = opts.withDefaults()
    return &Executor{
        store:   store,
        locks:   locks,
        opts:    opts,
        retry:   opts.Retry,
        log:     logutil.Named(opts.Logger, "procedure"),
        loaders: make(map[string]Loader),
        running: make(map[string]struct{}),
    }
}

// Register binds a procedure type to its loader. Records of unregistered
// types fail when resumed.
func (x *Executor) Register(typ string, l Loader) {
    x.regMu.Lock()
    x.loaders[typ] = l
    x.regMu.Unlock()
}

func (x *Executor) loader(typ string) (Loader, bool) {
    x.regMu.RLock()
    defer x.regMu.RUnlock()
    l, ok := x.loaders[typ]
    return l, ok
}

// OnLeadership is called synchronously by the election.
func (x *Executor) OnLeadership(ev election.Event) {
    switch ev.Type {
    case election.EventBecameLeader:
        x.Start(ev.Term)
    case election.EventLostLeadership:
        x.Stop()
    }
}

// Start activates the executor for term and resumes unfinished records in
// the background.
func (x *Executor) Start(term uint64) {
    x.mu.Lock()
    if x.active && x.term == term {
        x.mu.Unlock()
        return
    }
    if x.cancel != nil { x.cancel() }
    ctx, cancel := context.WithCancel(context.Background())
    x.active, x.term, x.ctx, x.cancel = true, term, ctx, cancel
    x.wg.Add(1)
    x.mu.Unlock()
    x.log.Info("executor active", "term", term)
    go func() {
        defer x.wg.Done()
        x.background(ctx, term)
    }()
}

// Stop cancels every running procedure. It does not wait; use Wait for that.
func (x *Executor) Stop() {
    x.mu.Lock()
    defer x.mu.Unlock()
    if !x.active { return }
    x.active = false
    x.cancel()
    x.log.Info("executor stopped", "term", x.term)
}

// Wait blocks until every runner started so far has returned.
func (x *Executor) Wait() { x.wg.Wait() }

// Active reports whether the executor accepts submissions, and its term.
func (x *Executor) Active() (bool, uint64) {
    x.mu.Lock()
    defer x.mu.Unlock()
    return x.active, x.term
}

func (x *Executor) isActive(term uint64) bool {
    x.mu.Lock()
    defer x.mu.Unlock()
    return x.active && x.term == term
}

// Submit builds a procedure of typ from input and starts it.
func (x *Executor) Submit(ctx context.Context, typ string, input []byte) (string, error) {
    l, ok := x.loader(typ)
    if !ok { return "", errors.Wrapf(ErrUnknownType, "%q", typ) }
    p, err := l(input)
    if err != nil { return "", errors.Wrapf(err, "procedure: build %s", typ) }
    return x.SubmitProcedure(ctx, p)
}

// SubmitProcedure persists p at step zero and starts running it.
func (x *Executor) SubmitProcedure(ctx context.Context, p Procedure) (string, error) {
    x.mu.Lock()
    active, term, rctx := x.active, x.term, x.ctx
    x.mu.Unlock()
    if !active { return "", ErrNotLeader }
    if _, ok := x.loader(p.Type()); !ok { return "", errors.Wrapf(ErrUnknownType, "%q", p.Type()) }
    state, err := p.Dump()
    if err != nil { return "", errors.Wrap(err, "procedure: dump") }
    now := x.opts.Now()
    rec := Record{
        ID:        uuid.NewString(),
        Type:      p.Type(),
        Status:    StatusRunning,
        State:     state,
        LockKeys:  p.LockKeys(),
        Term:      term,
        Version:   1,
        CreatedAt: now,
        UpdatedAt: now,
    }
    raw, err := x.write(ctx, rec, nil)
    if err != nil { return "", err }
    metrics.ProcedureTransitions.WithLabelValues(rec.Type, string(rec.Status)).Inc()
    x.log.Info("procedure submitted", "id", rec.ID, "type", rec.Type, "locks", rec.LockKeys)
    x.spawn(rctx, term, rec, raw)
    return rec.ID, nil
}

// Status reads a record. It works on any node sharing the store.
func (x *Executor) Status(ctx context.Context, id string) (Record, error) {
    rec, _, ok, err := x.load(ctx, id)
    if err != nil { return Record{}, err }
    if !ok { return Record{}, errors.Wrapf(ErrNotFound, "%s", id) }
    return rec, nil
}

// List returns every stored record, oldest first.
func (x *Executor) List(ctx context.Context) ([]Record, error) {
    recs, _, err := x.scan(ctx)
    if err != nil { return nil, err }
    sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
    return recs, nil
}

// Find returns the unfinished records matching pred.
func (x *Executor) Find(ctx context.Context, pred func(Record) bool) ([]Record, error) {
    recs, err := x.List(ctx)
    if err != nil { return nil, err }
    out := recs[:0]
    for _, r := range recs {
        if !r.Status.Terminal() && pred(r) { out = append(out, r) }
    }
    return out, nil
}

func (x *Executor) spawn(ctx context.Context, term uint64, rec Record, raw []byte) {
    x.mu.Lock()
    if !x.active || x.term != term {
        x.mu.Unlock()
        return
    }
    if _, dup := x.running[rec.ID]; dup {
        x.mu.Unlock()
        return
    }
    x.running[rec.ID] = struct{}{}
    x.wg.Add(1)
    x.mu.Unlock()
    go func() {
        defer x.wg.Done()
        defer func() {
            x.mu.Lock()
            delete(x.running, rec.ID)
            x.mu.Unlock()
        }()
        x.supervise(ctx, term, rec, raw)
    }()
}

// supervise reruns a procedure from its stored record until it reaches a
// terminal status, leadership ends or another writer takes the record.
func (x *Executor) supervise(ctx context.Context, term uint64, rec Record, raw []byte) {
    for {
        err := x.run(ctx, term, rec, raw)
        if err == nil || ctx.Err() != nil || errors.Is(err, ErrFenced) { return }
        x.log.Warn("procedure interrupted, resuming later", "id", rec.ID, "err", err)
        var ok bool
        for {
            if !sleep(ctx, x.opts.ResumeInterval) { return }
            rec, raw, ok, err = x.load(ctx, rec.ID)
            if err == nil { break }
        }
        if !ok || rec.Status.Terminal() { return }
    }
}

// background resumes stored records and then archives expired terminal
// ones until the term ends.
func (x *Executor) background(ctx context.Context, term uint64) {
    for {
        err := x.resumeAll(ctx, term)
        if err == nil { break }
        x.log.Warn("resume scan failed", "err", err)
        if !sleep(ctx, x.opts.ResumeInterval) { return }
    }
    if x.opts.Retention <= 0 { return }
    every := x.opts.Retention / 4
    if every > time.Minute { every = time.Minute }
    if every < 10*time.Millisecond { every = 10 * time.Millisecond }
    for sleep(ctx, every) {
        if err := x.Archive(ctx); err != nil && ctx.Err() == nil {
            x.log.Warn("archive failed", "err", err)
        }
    }
}

func (x *Executor) resumeAll(ctx context.Context, term uint64) error {
    recs, raws, err := x.scan(ctx)
    if err != nil { return err }
    counts := map[Status]int{}
    for i, r := range recs {
        counts[r.Status]++
        if r.Status.Terminal() { continue }
        x.log.Info("resuming procedure", "id", r.ID, "type", r.Type, "step", r.StepIndex, "status", r.Status)
        x.spawn(ctx, term, r, raws[i])
    }
    for _, s := range []Status{StatusRunning, StatusSuspended, StatusDone, StatusFailed, StatusRolledBack} {
        metrics.Procedures.WithLabelValues(string(s)).Set(float64(counts[s]))
    }
    return nil
}

// Archive deletes terminal records older than the retention period.
func (x *Executor) Archive(ctx context.Context) error {
    if x.opts.Retention <= 0 { return nil }
    recs, raws, err := x.scan(ctx)
    if err != nil { return err }
    cutoff := x.opts.Now().Add(-x.opts.Retention)
    for i, r := range recs {
        if !r.Status.Terminal() || r.UpdatedAt.After(cutoff) { continue }
        err := kv.Retry(ctx, x.retry, func(ctx context.Context) error {
            _, err := x.store.CompareAndDelete(ctx, recordKey(r.ID), raws[i])
            return err
        })
        if err != nil { return err }
        x.log.Debug("archived procedure", "id", r.ID, "status", r.Status)
    }
    return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
