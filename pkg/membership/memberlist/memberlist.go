// Package memberlist implements membership.Membership on hashicorp/memberlist.
package memberlist

import (
    "context"
    "encoding/json"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    base "github.com/amirimatin/go-metasrv/pkg/membership"
)

type Options struct {
    NodeID string
    // Bind is host:port; port 0 picks a free one.
    Bind      string
    Advertise string
    Role      string
    // APIAddr is gossiped so heartbeats carry a reachable address.
    APIAddr string
    Meta    map[string]string
    Logger  hclog.Logger

    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

type Gossip struct {
    opts Options
    log  hclog.Logger

    mu sync.RWMutex
    ml *memberlist.Memberlist

    emu    sync.Mutex
    evts   chan base.Event
    closed bool
}

func New(opts Options) (*Gossip, error) {
    if opts.NodeID == "" { return nil, errors.New("memberlist: empty node id") }
    if opts.Bind == "" { return nil, errors.New("memberlist: empty bind address") }
    return &Gossip{opts: opts, log: logutil.Named(opts.Logger, "gossip"), evts: make(chan base.Event, 64)}, nil
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, errors.Wrapf(err, "memberlist: address %q", addr) }
    port, err := strconv.Atoi(ps)
    if err != nil || port < 0 || port > 65535 { return "", 0, errors.Newf("memberlist: invalid port in %q", addr) }
    return host, port, nil
}

func (g *Gossip) meta() map[string]string {
    meta := map[string]string{}
    for k, v := range g.opts.Meta { meta[k] = v }
    if g.opts.Role != "" { meta[base.MetaRole] = g.opts.Role }
    if g.opts.APIAddr != "" { meta[base.MetaAddr] = g.opts.APIAddr }
    return meta
}

func (g *Gossip) Start(ctx context.Context) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = g.opts.NodeID
    host, port, err := splitHostPort(g.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if g.opts.Advertise != "" {
        ah, ap, err := splitHostPort(g.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ah, ap
    }
    if g.opts.ProbeInterval > 0 { cfg.ProbeInterval = g.opts.ProbeInterval }
    if g.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = g.opts.ProbeTimeout }
    if g.opts.SuspicionMult > 0 { cfg.SuspicionMult = g.opts.SuspicionMult }
    cfg.Logger = logutil.Std(g.log)
    cfg.LogOutput = nil

    meta, err := json.Marshal(g.meta())
    if err != nil { return err }
    if len(meta) > memberlist.MetaMaxSize { return errors.Newf("memberlist: node meta is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize) }
    cfg.Delegate = &nodeDelegate{meta: meta}
    cfg.Events = &eventDelegate{emit: g.emit}

    ml, err := memberlist.Create(cfg)
    if err != nil { return errors.Wrap(err, "memberlist: create") }
    g.ml = ml
    g.log.Info("gossip started", "addr", g.local(ml).Addr, "role", g.opts.Role)

    go func() {
        <-ctx.Done()
        _ = g.Stop()
    }()
    return nil
}

func (g *Gossip) Join(seeds []string) (int, error) {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil { return 0, errors.New("memberlist: not started") }
    if len(seeds) == 0 { return 0, nil }
    n, err := ml.Join(seeds)
    if err != nil { return n, errors.Wrap(err, "memberlist: join") }
    return n, nil
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (g *Gossip) local(ml *memberlist.Memberlist) base.MemberInfo { return toInfo(ml.LocalNode()) }

func (g *Gossip) Local() base.MemberInfo {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil { return base.MemberInfo{ID: g.opts.NodeID, Meta: g.meta()} }
    return g.local(g.ml)
}

func (g *Gossip) Members() []base.MemberInfo {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil { return nil }
    nodes := g.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    return out
}

func (g *Gossip) Events() <-chan base.Event { return g.evts }

func (g *Gossip) Leave(timeout time.Duration) error {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(timeout)
}

func (g *Gossip) Stop() error {
    g.mu.Lock()
    ml := g.ml
    g.ml = nil
    g.mu.Unlock()
    var err error
    if ml != nil { err = ml.Shutdown() }
    g.emu.Lock()
    defer g.emu.Unlock()
    if !g.closed {
        g.closed = true
        close(g.evts)
    }
    return err
}

// HealthScore is memberlist's awareness score.
func (g *Gossip) HealthScore() int {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil { return -1 }
    return g.ml.GetHealthScore()
}

func (g *Gossip) emit(e base.Event) {
    g.emu.Lock()
    defer g.emu.Unlock()
    if g.closed { return }
    select {
    case g.evts <- e:
    default:
        g.log.Debug("dropping membership event, channel full", "type", e.Type, "member", e.Member.ID)
    }
}

type eventDelegate struct{ emit func(base.Event) }

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: t, Member: toInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) > limit { return nil }
    return d.meta
}

func (d *nodeDelegate) NotifyMsg([]byte)                  {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte   { return nil }
func (d *nodeDelegate) LocalState(bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)     {}

var _ base.Membership = (*Gossip)(nil)
