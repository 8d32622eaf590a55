// Package cluster assembles a metasrv node: leader election drives the
// procedure executor, heartbeats feed the lease table and the failure
// monitor, and dead datanodes trigger region failover.
package cluster

import (
    "context"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/failure"
    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/lease"
    "github.com/amirimatin/go-metasrv/pkg/lock"
    "github.com/amirimatin/go-metasrv/pkg/membership"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
    "github.com/amirimatin/go-metasrv/pkg/observability/tracing"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/procedure/failover"
    "github.com/amirimatin/go-metasrv/pkg/sequence"
)

type Cluster struct {
    opts  Options
    log   hclog.Logger
    store kv.Store
    retry kv.RetryPolicy

    seq      *sequence.Sequence
    leases   *lease.Manager
    locks    *lock.Manager
    election *election.Election
    monitor  *failure.Monitor
    exec     *procedure.Executor
    routes   *failover.Routes
    deps     failover.Deps

    leadership *eventQueue
}

func New(opts Options) (*Cluster, error) {
    opts.setDefaults()
    if err := opts.Validate(); err != nil { return nil, err }
    log := logutil.Named(opts.Logger, "cluster")
    retry := kv.DefaultRetryPolicy()
    retry.CallTimeout = opts.CallTimeout
    c := &Cluster{
        opts:       opts,
        log:        log,
        store:      opts.Store,
        retry:      retry,
        leadership: newEventQueue(),
    }
    c.seq = sequence.New(opts.Store, sequence.Fencing, 1, 1)
    c.leases = lease.NewManager(opts.Store, c.seq, lease.Options{Now: opts.Now, Logger: opts.Logger})
    c.locks = lock.NewManager(opts.Store, c.seq, lock.Options{Now: opts.Now, Logger: opts.Logger})

    el, err := election.New(opts.Store, election.Options{
        Cluster:       opts.Cluster,
        NodeID:        opts.NodeID,
        Addr:          opts.Addr,
        TTL:           opts.ElectionTTL,
        RenewInterval: opts.RenewInterval,
        ResignOnStop:  opts.ResignOnStop,
        Now:           opts.Now,
        Logger:        opts.Logger,
    })
    if err != nil { return nil, err }
    c.election = el

    c.monitor = failure.NewMonitor(failure.MonitorOptions{
        Detector:     opts.Failure,
        EvalInterval: opts.EvalInterval,
        Now:          opts.Now,
        Logger:       opts.Logger,
    })

    popts := opts.Procedure
    popts.Logger = opts.Logger
    if popts.Now == nil { popts.Now = opts.Now }
    if popts.Retry == (kv.RetryPolicy{}) { popts.Retry = retry }
    c.exec = procedure.New(opts.Store, c.locks, popts)

    c.routes = failover.NewRoutes(opts.Store, opts.Now)
    actuator := opts.Actuator
    if actuator == nil { actuator = failover.NewKVActuator(opts.Store) }
    var sel failover.Selector = failover.LeastLoaded{Source: c.candidates}
    if opts.Selector == SelectRoundRobin { sel = &failover.RoundRobin{Source: c.candidates} }
    c.deps = failover.Deps{Routes: c.routes, Actuator: actuator, Selector: sel}
    failover.Register(c.exec, c.deps)

    // The executor must stop before anything else reacts to a demotion.
    el.AddObserver(c.exec)
    el.AddObserver(election.ObserverFunc(c.leadership.push))
    return c, nil
}

func (c *Cluster) NodeID() string                  { return c.opts.NodeID }
func (c *Cluster) Election() *election.Election    { return c.election }
func (c *Cluster) Executor() *procedure.Executor   { return c.exec }
func (c *Cluster) Monitor() *failure.Monitor       { return c.monitor }
func (c *Cluster) Leases() *lease.Manager          { return c.leases }
func (c *Cluster) Locks() *lock.Manager            { return c.locks }
func (c *Cluster) Routes() *failover.Routes        { return c.routes }
func (c *Cluster) IsLeader() bool                  { return c.election.IsLeader() }

// Run starts every background loop and blocks until ctx is done or one of
// them fails.
func (c *Cluster) Run(ctx context.Context) error {
    metrics.Register()
    g, gctx := errgroup.WithContext(ctx)
    events, unsubscribe := c.monitor.Subscribe(256)
    defer unsubscribe()

    g.Go(func() error {
        c.monitor.Run(gctx)
        return nil
    })
    g.Go(func() error { return c.election.Run(gctx) })
    g.Go(func() error { return c.leadershipLoop(gctx) })
    g.Go(func() error { return c.failoverLoop(gctx, events) })
    g.Go(func() error { return c.sweepLoop(gctx) })
    if c.opts.Membership != nil {
        if err := c.opts.Membership.Start(gctx); err != nil { return errors.Wrap(err, "cluster: start gossip") }
        g.Go(func() error { return c.joinSeeds(gctx) })
        g.Go(func() error {
            membership.Pump(gctx, c.opts.Membership, c.opts.GossipInterval, []string{string(RoleDatanode), string(RoleFrontend)}, c.gossipBeat, c.log)
            return nil
        })
    }
    c.log.Info("metasrv node running", "node", c.opts.NodeID, "cluster", c.opts.Cluster, "addr", c.opts.Addr)
    err := g.Wait()
    c.exec.Stop()
    c.exec.Wait()
    if c.opts.Membership != nil {
        _ = c.opts.Membership.Leave(time.Second)
        _ = c.opts.Membership.Stop()
    }
    if errors.Is(err, context.Canceled) { return nil }
    return err
}

// Leader reads the leadership record from the store.
func (c *Cluster) Leader(ctx context.Context) (election.Record, bool, error) { return c.election.Leader(ctx) }

// Subscribe streams leadership events until ctx is done.
func (c *Cluster) Subscribe(ctx context.Context) <-chan election.Event { return c.election.Subscribe(ctx) }

// Resign gives up leadership if this node holds it.
func (c *Cluster) Resign(ctx context.Context) error { return c.election.Resign(ctx) }

// OnHeartbeat registers or refreshes a peer. Only the leader accepts
// heartbeats; followers answer with a leader hint.
func (c *Cluster) OnHeartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResponse, error) {
    if err := hb.Validate(); err != nil { return HeartbeatResponse{}, err }
    st := c.election.State()
    if st.Role != election.Leader { return HeartbeatResponse{}, c.notLeader() }
    ctx, span := tracing.Start(ctx, "cluster.heartbeat")
    var err error
    defer func() { tracing.End(span, err) }()

    if hb.Timestamp.IsZero() { hb.Timestamp = c.opts.Now() }
    name := peerName(hb.Role, hb.PeerID)
    l, err := c.leases.Grant(ctx, name, hb.PeerID, c.opts.DatanodeLeaseTTL)
    if err != nil { return HeartbeatResponse{}, err }
    if err = c.savePeer(ctx, hb); err != nil { return HeartbeatResponse{}, err }
    if hb.Role == RoleDatanode {
        for _, r := range hb.Payload.Regions {
            if err = c.routes.Ensure(ctx, r.RegionID, r.Table, hb.PeerID); err != nil { return HeartbeatResponse{}, err }
        }
    }
    if err = c.monitor.Heartbeat(ctx, name, hb.Timestamp); err != nil { return HeartbeatResponse{}, err }
    metrics.Heartbeats.WithLabelValues(string(hb.Role)).Inc()
    return HeartbeatResponse{LeaderID: c.opts.NodeID, Term: st.Term, LeaseExpireAt: l.ExpireAt, FencingToken: l.FencingToken}, nil
}

func (c *Cluster) gossipBeat(ctx context.Context, m membership.MemberInfo, at time.Time) error {
    if !c.IsLeader() { return nil }
    _, err := c.OnHeartbeat(ctx, Heartbeat{PeerID: m.ID, Addr: m.APIAddr(), Role: Role(m.Role()), Timestamp: at})
    return err
}

func (c *Cluster) notLeader() error {
    st := c.election.State()
    return &NotLeaderError{LeaderID: st.LeaderID, LeaderAddr: st.LeaderAddr}
}

// Submit starts a procedure on the leader.
func (c *Cluster) Submit(ctx context.Context, typ string, input []byte) (string, error) {
    if !c.IsLeader() { return "", c.notLeader() }
    id, err := c.exec.Submit(ctx, typ, input)
    if errors.Is(err, procedure.ErrNotLeader) { return "", c.notLeader() }
    return id, err
}

// ProcedureStatus reads a procedure record; any node can answer.
func (c *Cluster) ProcedureStatus(ctx context.Context, id string) (procedure.Record, error) {
    return c.exec.Status(ctx, id)
}

func (c *Cluster) Procedures(ctx context.Context) ([]procedure.Record, error) { return c.exec.List(ctx) }

// candidates lists datanodes that can take over regions.
func (c *Cluster) candidates(ctx context.Context) ([]failover.Candidate, error) {
    peers, err := c.Peers(ctx)
    if err != nil { return nil, err }
    var out []failover.Candidate
    for _, p := range peers {
        if p.Role == RoleDatanode && p.Alive { out = append(out, failover.Candidate{ID: p.ID, Regions: len(p.Payload.Regions)}) }
    }
    return out, nil
}

func (c *Cluster) joinSeeds(ctx context.Context) error {
    for {
        seeds, err := c.opts.Discovery.Seeds(ctx)
        if err == nil && len(seeds) > 0 {
            n, jerr := c.opts.Membership.Join(seeds)
            if jerr == nil {
                c.log.Info("joined gossip", "seeds", seeds, "contacted", n)
                return nil
            }
            err = jerr
        }
        if err != nil { c.log.Debug("gossip join failed, retrying", "err", err) }
        if len(seeds) == 0 && err == nil { return nil }
        select {
        case <-ctx.Done():
            return nil
        case <-time.After(2 * time.Second):
        }
    }
}
