// Package election elects one leader per cluster through a single lease
// record at /election/<cluster>/leader holding {leader_id, term, expire_at}.
// Every transition of that record is a compare-and-swap, so for any term at
// most one process ever wrote itself as leader.
package election

import (
    "context"
    "encoding/json"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
)

type Role string

const (
    Candidate Role = "candidate"
    Leader    Role = "leader"
    Follower  Role = "follower"
)

// State is the published, immutable view of this process's election state.
type State struct {
    Role       Role      `json:"role"`
    LeaderID   string    `json:"leader_id,omitempty"`
    LeaderAddr string    `json:"leader_addr,omitempty"`
    Term       uint64    `json:"term"`
    ExpireAt   time.Time `json:"expire_at"`
}

// Record is the stored leadership lease.
type Record struct {
    LeaderID string    `json:"leader_id"`
    Addr     string    `json:"addr,omitempty"`
    Term     uint64    `json:"term"`
    ExpireAt time.Time `json:"expire_at"`
}

func (r Record) Expired(now time.Time) bool { return !now.Before(r.ExpireAt) }

type Options struct {
    Cluster string
    NodeID  string
    // Addr is advertised to followers as the leader's API address.
    Addr string
    TTL  time.Duration
    // RenewInterval must be below TTL; zero means TTL/3.
    RenewInterval time.Duration
    // CallTimeout bounds each backend call; zero means RenewInterval.
    CallTimeout time.Duration
    // ResignOnStop releases the key when Run's context ends.
    ResignOnStop bool
    Now          func() time.Time
    Logger       hclog.Logger
}

func (o *Options) setDefaults() {
    if o.Cluster == "" { o.Cluster = "default" }
    if o.TTL <= 0 { o.TTL = 3 * time.Second }
    if o.RenewInterval <= 0 { o.RenewInterval = o.TTL / 3 }
    if o.CallTimeout <= 0 { o.CallTimeout = o.RenewInterval }
    if o.Now == nil { o.Now = time.Now }
}

func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("election: empty node id") }
    if o.RenewInterval >= o.TTL { return errors.Newf("election: renew interval %s must be below ttl %s", o.RenewInterval, o.TTL) }
    return nil
}

// Key returns the leadership key for cluster.
func Key(cluster string) string { return kv.Join(kv.PrefixElection, cluster, "leader") }

type Election struct {
    store kv.Store
    opts  Options
    key   string
    log   hclog.Logger

    state atomic.Pointer[State]
    eb    eventBus

    omu       sync.Mutex
    observers []Observer

    resignCh chan chan struct{}
    running  atomic.Bool
}

func New(store kv.Store, opts Options) (*Election, error) {
    opts.setDefaults()
    if err := opts.Validate(); err != nil { return nil, err }
    e := &Election{
        store:    store,
        opts:     opts,
        key:      Key(opts.Cluster),
        log:      logutil.Named(opts.Logger, "election"),
        resignCh: make(chan chan struct{}),
    }
    e.state.Store(&State{Role: Candidate})
    return e, nil
}

// State returns the last published state.
func (e *Election) State() State { return *e.state.Load() }

func (e *Election) IsLeader() bool { return e.state.Load().Role == Leader }

func (e *Election) NodeID() string { return e.opts.NodeID }

// AddObserver registers a synchronous observer. Observers added after Run
// starts see only later events.
func (e *Election) AddObserver(o Observer) {
    e.omu.Lock()
    e.observers = append(e.observers, o)
    e.omu.Unlock()
}

// Resign gives up leadership if held. It always succeeds locally; releasing
// the key in the store is best effort.
func (e *Election) Resign(ctx context.Context) error {
    if !e.running.Load() { return nil }
    done := make(chan struct{})
    select {
    case e.resignCh <- done:
    case <-ctx.Done():
        return ctx.Err()
    }
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Leader reads the current leadership record from the store.
func (e *Election) Leader(ctx context.Context) (Record, bool, error) {
    rec, _, ok, err := e.read(ctx)
    if err != nil || !ok { return Record{}, false, err }
    if rec.Expired(e.opts.Now()) { return rec, false, nil }
    return rec, true, nil
}

func (e *Election) read(ctx context.Context) (Record, []byte, bool, error) {
    cctx, cancel := kv.WithTimeout(ctx, e.opts.CallTimeout)
    defer cancel()
    raw, ok, err := e.store.Get(cctx, e.key)
    if err != nil || !ok { return Record{}, nil, false, err }
    var r Record
    if err := json.Unmarshal(raw, &r); err != nil {
        // An unreadable record is treated as expired so it can be replaced.
        e.log.Warn("undecodable leader record", "err", err)
        return Record{}, raw, true, nil
    }
    return r, raw, true, nil
}

func (e *Election) publish(st State, ev *Event) {
    e.state.Store(&st)
    if ev == nil { return }
    e.omu.Lock()
    obs := append([]Observer(nil), e.observers...)
    e.omu.Unlock()
    for _, o := range obs { o.OnLeadership(*ev) }
    e.eb.publish(*ev)
}
