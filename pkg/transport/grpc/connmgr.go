package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
)

// DialFunc opens a client connection to target.
type DialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches one client connection per address. Connections with
// no outstanding users are closed after sitting idle for ttl.
type ConnManager struct {
    ttl    time.Duration
    dial   DialFunc
    mu     sync.Mutex
    conns  map[string]*managedConn
    closed bool
    stop   chan struct{}
    done   chan struct{}
}

type managedConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

// NewConnManager starts the idle janitor; Close stops it.
func NewConnManager(ttl time.Duration, dial DialFunc) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), stop: make(chan struct{}), done: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and a release func to be called when
// done with it.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc, ok := m.acquire(target); ok {
        metrics.GRPCConnReuse.Inc()
        return cc, func() { m.release(target) }, nil
    }
    cc, err := m.dial(ctx, target)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = cc.Close()
        return nil, func() {}, grpc.ErrClientConnClosing
    }
    if existing, ok := m.conns[target]; ok {
        // Lost a dial race; keep the cached one.
        existing.ref++
        existing.lastUsed = time.Now()
        out := existing.cc
        m.mu.Unlock()
        _ = cc.Close()
        metrics.GRPCConnReuse.Inc()
        return out, func() { m.release(target) }, nil
    }
    m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
    m.mu.Unlock()
    metrics.GRPCConnDials.Inc()
    metrics.GRPCConnActive.Inc()
    return cc, func() { m.release(target) }, nil
}

func (m *ConnManager) acquire(target string) (*grpc.ClientConn, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    mc, ok := m.conns[target]
    if !ok { return nil, false }
    mc.ref++
    mc.lastUsed = time.Now()
    return mc.cc, true
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc, ok := m.conns[target]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = time.Now()
    }
}

// Len reports how many connections are cached.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return
    }
    m.closed = true
    conns := m.conns
    m.conns = make(map[string]*managedConn)
    m.mu.Unlock()
    close(m.stop)
    <-m.done
    for _, mc := range conns {
        _ = mc.cc.Close()
        metrics.GRPCConnActive.Dec()
    }
}

func (m *ConnManager) janitor() {
    defer close(m.done)
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.stop:
            return
        case <-ticker.C:
            m.evictIdle(time.Now().Add(-m.ttl))
        }
    }
}

func (m *ConnManager) evictIdle(cutoff time.Time) {
    m.mu.Lock()
    var idle []*grpc.ClientConn
    for addr, mc := range m.conns {
        if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
            idle = append(idle, mc.cc)
            delete(m.conns, addr)
        }
    }
    m.mu.Unlock()
    for _, cc := range idle {
        _ = cc.Close()
        metrics.GRPCConnEvictions.Inc()
        metrics.GRPCConnActive.Dec()
    }
}
