package failure

import (
    "context"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
)

type EventType string

const (
    PeerDead  EventType = "peer_dead"
    PeerAlive EventType = "peer_alive"
)

// Event reports a verdict transition. The monitor only reports; it never
// remediates.
type Event struct {
    Type   EventType `json:"type"`
    PeerID string    `json:"peer_id"`
    Phi    float64   `json:"phi"`
    At     time.Time `json:"at"`
}

type PeerState struct {
    ID            string    `json:"id"`
    Alive         bool      `json:"alive"`
    Phi           float64   `json:"phi"`
    LastHeartbeat time.Time `json:"last_heartbeat"`
    Samples       int       `json:"samples"`
}

// Snapshot is an immutable view published after every evaluation.
type Snapshot struct {
    At    time.Time   `json:"at"`
    Peers []PeerState `json:"peers"`
}

func (s *Snapshot) Peer(id string) (PeerState, bool) {
    for _, p := range s.Peers {
        if p.ID == id { return p, true }
    }
    return PeerState{}, false
}

type MonitorOptions struct {
    Detector     Options
    EvalInterval time.Duration
    Now          func() time.Time
    Logger       hclog.Logger
}

type msgKind int

const (
    msgHeartbeat msgKind = iota
    msgRegister
    msgRemove
    msgEvaluate
)

type message struct {
    kind  msgKind
    peer  string
    at    time.Time
    reply chan []Event
}

// Monitor owns all per-peer detectors in a single goroutine. Callers talk to
// it through messages and read published snapshots.
type Monitor struct {
    opts   MonitorOptions
    log    hclog.Logger
    inbox  chan message
    snap   atomic.Pointer[Snapshot]
    peers  map[string]*Detector
    bus    *bus
    closed chan struct{}
    once   sync.Once
}

func NewMonitor(opts MonitorOptions) *Monitor {
    if opts.EvalInterval <= 0 { opts.EvalInterval = 500 * time.Millisecond }
    if opts.Now == nil { opts.Now = time.Now }
    if opts.Detector.MaxSamples == 0 { opts.Detector = DefaultOptions() }
    m := &Monitor{
        opts:   opts,
        log:    logutil.Named(opts.Logger, "failure"),
        inbox:  make(chan message, 1024),
        peers:  make(map[string]*Detector),
        bus:    newBus(),
        closed: make(chan struct{}),
    }
    m.snap.Store(&Snapshot{})
    return m
}

// Run processes messages and evaluates on every EvalInterval until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) {
    defer m.once.Do(func() { close(m.closed); m.bus.close() })
    t := time.NewTicker(m.opts.EvalInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            m.evaluate(m.opts.Now())
        case msg := <-m.inbox:
            m.handle(msg)
        }
    }
}

func (m *Monitor) handle(msg message) {
    switch msg.kind {
    case msgRegister:
        if _, ok := m.peers[msg.peer]; !ok { m.peers[msg.peer] = NewDetector(m.opts.Detector, msg.at) }
    case msgHeartbeat:
        d, ok := m.peers[msg.peer]
        if !ok {
            d = NewDetector(m.opts.Detector, msg.at)
            m.peers[msg.peer] = d
        }
        before := d.Phi(msg.at)
        if d.Heartbeat(msg.at) {
            ev := Event{Type: PeerAlive, PeerID: msg.peer, Phi: before, At: msg.at}
            m.log.Info("peer alive", "peer", msg.peer, "phi", before)
            m.bus.publish(ev)
            m.publishSnapshot(msg.at)
        }
    case msgRemove:
        delete(m.peers, msg.peer)
        m.publishSnapshot(m.opts.Now())
    case msgEvaluate:
        msg.reply <- m.evaluate(msg.at)
    }
}

func (m *Monitor) evaluate(now time.Time) []Event {
    var evs []Event
    for id, d := range m.peers {
        phi, died := d.Evaluate(now)
        metrics.Phi.Observe(capPhi(phi))
        if died {
            ev := Event{Type: PeerDead, PeerID: id, Phi: phi, At: now}
            m.log.Warn("peer dead", "peer", id, "phi", phi, "last_heartbeat", d.LastHeartbeat())
            evs = append(evs, ev)
        }
    }
    sort.Slice(evs, func(i, j int) bool { return evs[i].PeerID < evs[j].PeerID })
    for _, ev := range evs { m.bus.publish(ev) }
    m.publishSnapshot(now)
    return evs
}

func (m *Monitor) publishSnapshot(now time.Time) {
    s := &Snapshot{At: now, Peers: make([]PeerState, 0, len(m.peers))}
    alive, dead := 0, 0
    for id, d := range m.peers {
        s.Peers = append(s.Peers, PeerState{ID: id, Alive: d.Alive(), Phi: d.Phi(now), LastHeartbeat: d.LastHeartbeat(), Samples: d.Samples()})
        if d.Alive() { alive++ } else { dead++ }
    }
    sort.Slice(s.Peers, func(i, j int) bool { return s.Peers[i].ID < s.Peers[j].ID })
    m.snap.Store(s)
    metrics.PeersAlive.Set(float64(alive))
    metrics.PeersDead.Set(float64(dead))
}

func (m *Monitor) send(ctx context.Context, msg message) error {
    select {
    case m.inbox <- msg:
        return nil
    case <-m.closed:
        return context.Canceled
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Heartbeat records an arrival for peer at the given time.
func (m *Monitor) Heartbeat(ctx context.Context, peer string, at time.Time) error {
    return m.send(ctx, message{kind: msgHeartbeat, peer: peer, at: at})
}

// Register starts the grace period for a peer that has not sent a heartbeat.
func (m *Monitor) Register(ctx context.Context, peer string, at time.Time) error {
    return m.send(ctx, message{kind: msgRegister, peer: peer, at: at})
}

func (m *Monitor) Remove(ctx context.Context, peer string) error {
    return m.send(ctx, message{kind: msgRemove, peer: peer})
}

// Evaluate runs one evaluation at now on the owner goroutine and returns the
// transitions it produced.
func (m *Monitor) Evaluate(ctx context.Context, now time.Time) ([]Event, error) {
    reply := make(chan []Event, 1)
    if err := m.send(ctx, message{kind: msgEvaluate, at: now, reply: reply}); err != nil { return nil, err }
    select {
    case evs := <-reply:
        return evs, nil
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// Snapshot returns the last published view.
func (m *Monitor) Snapshot() *Snapshot { return m.snap.Load() }

// Subscribe returns a buffered event stream and a cancel func. Slow
// subscribers lose events rather than stall the monitor.
func (m *Monitor) Subscribe(buf int) (<-chan Event, func()) { return m.bus.subscribe(buf) }

func capPhi(p float64) float64 {
    if p > 1e6 { return 1e6 }
    return p
}
