package cluster

import (
    "context"
    "slices"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/failure"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/procedure/failover"
)

// leadershipLoop seeds the failure monitor from the registry when this
// node becomes leader and forgets every peer when it stops leading.
func (c *Cluster) leadershipLoop(ctx context.Context) error {
    tracked := map[string]struct{}{}
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-c.leadership.notify:
        }
        for _, ev := range c.leadership.drain() {
            if !c.onLeadership(ctx, ev, tracked) { return nil }
        }
    }
}

// onLeadership returns false once the monitor has stopped.
func (c *Cluster) onLeadership(ctx context.Context, ev election.Event, tracked map[string]struct{}) bool {
    switch ev.Type {
    case election.EventBecameLeader:
        peers, err := c.Peers(ctx)
        if err != nil {
            c.log.Warn("cannot seed failure monitor", "err", err)
            return true
        }
        now := c.opts.Now()
        for _, p := range peers {
            // Registration starts a fresh grace period; old heartbeat
            // times would declare everyone dead at once.
            if err := c.monitor.Register(ctx, p.LeaseKey, now); err != nil { return false }
            tracked[p.LeaseKey] = struct{}{}
        }
        c.log.Info("failure monitor seeded", "peers", len(peers), "term", ev.Term)
    case election.EventLostLeadership:
        for name := range tracked {
            if err := c.monitor.Remove(ctx, name); err != nil { return false }
        }
        for _, p := range c.monitor.Snapshot().Peers {
            if err := c.monitor.Remove(ctx, p.ID); err != nil { return false }
        }
        clear(tracked)
    }
    return true
}

// failoverLoop turns PeerDead verdicts on datanodes into region failovers.
// Events can be dropped by a full subscriber buffer, so the loop also
// reconciles against the monitor snapshot on every EvalInterval: a dead
// datanode stays pending until a failover was submitted for it.
func (c *Cluster) failoverLoop(ctx context.Context, events <-chan failure.Event) error {
    handled := map[string]struct{}{}
    t := time.NewTicker(c.opts.EvalInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case ev, ok := <-events:
            if !ok { return nil }
            c.onFailureEvent(ctx, ev, handled)
        case <-t.C:
            c.reconcileDead(ctx, handled)
        }
    }
}

func (c *Cluster) onFailureEvent(ctx context.Context, ev failure.Event, handled map[string]struct{}) {
    if ev.Type == failure.PeerAlive {
        delete(handled, ev.PeerID)
        c.log.Info("peer recovered", "peer", ev.PeerID)
        return
    }
    c.log.Warn("peer declared dead", "peer", ev.PeerID, "phi", ev.Phi)
    c.remediate(ctx, ev.PeerID, handled)
}

// reconcileDead catches dead datanodes whose event never arrived and
// forgets peers that recovered or are no longer tracked.
func (c *Cluster) reconcileDead(ctx context.Context, handled map[string]struct{}) {
    snap := c.monitor.Snapshot()
    for name := range handled {
        if p, ok := snap.Peer(name); !ok || p.Alive { delete(handled, name) }
    }
    for _, p := range snap.Peers {
        if p.Alive { continue }
        if _, ok := handled[p.ID]; ok { continue }
        c.remediate(ctx, p.ID, handled)
    }
}

// remediate submits failovers for a dead datanode once. Failed submissions
// stay pending and are retried by the next reconcile.
func (c *Cluster) remediate(ctx context.Context, name string, handled map[string]struct{}) {
    role, id, ok := splitPeerName(name)
    if !ok || role != RoleDatanode || !c.IsLeader() { return }
    if _, done := handled[name]; done { return }
    _, err := c.TriggerFailover(ctx, id)
    switch {
    case err == nil, errors.Is(err, ErrUnknownPeer):
        handled[name] = struct{}{}
    case ctx.Err() == nil:
        c.log.Error("failover submission failed", "datanode", id, "err", err)
    }
}

// TriggerFailover submits one region failover per region the datanode last
// reported, skipping regions that already have an unfinished failover.
func (c *Cluster) TriggerFailover(ctx context.Context, datanode string) ([]string, error) {
    if !c.IsLeader() { return nil, c.notLeader() }
    p, ok, err := c.loadPeer(ctx, RoleDatanode, datanode)
    if err != nil { return nil, err }
    if !ok { return nil, errors.Wrapf(ErrUnknownPeer, "datanode %q", datanode) }
    var ids []string
    for _, r := range p.Payload.Regions {
        key := failover.LockKey(r.RegionID)
        active, err := c.exec.Find(ctx, func(rec procedure.Record) bool {
            return rec.Type == failover.Type && slices.Contains(rec.LockKeys, key)
        })
        if err != nil { return ids, err }
        if len(active) > 0 {
            c.log.Debug("failover already running", "region", r.RegionID, "procedure", active[0].ID)
            continue
        }
        id, err := c.exec.SubmitProcedure(ctx, failover.New(c.deps, failover.Input{DatanodeID: datanode, RegionID: r.RegionID, Table: r.Table}))
        if err != nil { return ids, err }
        c.log.Info("region failover submitted", "region", r.RegionID, "datanode", datanode, "procedure", id)
        ids = append(ids, id)
    }
    return ids, nil
}

// sweepLoop deletes lease and peer records that expired longer than the
// grace period ago. Only the leader sweeps.
func (c *Cluster) sweepLoop(ctx context.Context) error {
    t := time.NewTicker(c.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-t.C:
        }
        if !c.IsLeader() { continue }
        if err := c.sweep(ctx); err != nil && ctx.Err() == nil { c.log.Warn("peer sweep failed", "err", err) }
    }
}

func (c *Cluster) sweep(ctx context.Context) error {
    peers, err := c.Peers(ctx)
    if err != nil { return err }
    cutoff := c.opts.Now().Add(-c.opts.SweepGrace)
    for _, p := range peers {
        if p.Alive || p.LastHeartbeat.After(cutoff) { continue }
        if err := c.deletePeer(ctx, p.Role, p.ID); err != nil { return err }
        _ = c.monitor.Remove(ctx, p.LeaseKey)
        c.log.Info("removed stale peer", "peer", p.LeaseKey, "last_heartbeat", p.LastHeartbeat)
    }
    n, err := c.leases.Sweep(ctx, c.opts.SweepGrace)
    if n > 0 { c.log.Debug("swept expired leases", "count", n) }
    return err
}
