// Package raftkv replicates the kv.Store map through hashicorp/raft. Writes
// are conditional commands applied by the FSM in log order, which makes
// compare-and-swap linearizable across replicas. Reads are served from the
// local FSM; callers that need fresh state rely on CAS to detect staleness.
package raftkv

import (
    "context"
    "encoding/json"
    "os"
    "path/filepath"
    "strconv"
    "sync/atomic"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
)

type Store struct {
    opts  Options
    log   hclog.Logger
    // r is nil once Close has run.
    r     atomic.Pointer[raft.Raft]
    fsm   *kvFSM
    hub   *kv.Hub
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore
}

var _ kv.Store = (*Store)(nil)

func Open(opts Options) (*Store, error) {
    if opts.NodeID == "" { return nil, errors.New("raftkv: empty NodeID") }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 5 * time.Second }
    s := &Store{opts: opts, log: logutil.Named(opts.Logger, "raftkv"), hub: kv.NewHub()}

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(opts.NodeID)
    cfg.Logger = s.log.Named("raft")
    if opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = opts.HeartbeatTimeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2 }
    }
    if opts.ElectionTimeout > 0 { cfg.ElectionTimeout = opts.ElectionTimeout }
    if opts.CommitTimeout > 0 { cfg.CommitTimeout = opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        err    error
    )
    if opts.DataDir != "" {
        if opts.SnapshotsRetained == 0 { opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(opts.DataDir, 0o755); err != nil { return nil, errors.Wrap(err, "raftkv: data dir") }
        s.bolt, err = raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft.db"))
        if err != nil { return nil, kv.Unavailable(err, "open raft log") }
        logs, stable = s.bolt, s.bolt
        snaps, err = raft.NewFileSnapshotStoreWithLogger(opts.DataDir, opts.SnapshotsRetained, cfg.Logger)
        if err != nil { return nil, kv.Unavailable(err, "open snapshots") }
    } else {
        mem := raft.NewInmemStore()
        logs, stable = mem, mem
        snaps = raft.NewInmemSnapshotStore()
    }

    if opts.BindAddr != "" {
        nt, err := raft.NewTCPTransportWithLogger(opts.BindAddr, nil, 3, time.Second, cfg.Logger)
        if err != nil { return nil, kv.Unavailable(err, "raft transport") }
        s.trans, s.addr = nt, nt.LocalAddr()
    } else {
        s.addr, s.trans = raft.NewInmemTransport(raft.ServerAddress(opts.NodeID))
    }
    if lb, ok := s.trans.(raft.LoopbackTransport); ok { s.lb = lb }

    s.fsm = newFSM(s.hub)
    rf, err := raft.NewRaft(cfg, s.fsm, logs, stable, snaps, s.trans)
    if err != nil { return nil, errors.Wrap(err, "raftkv: new raft") }
    s.r.Store(rf)

    if opts.Bootstrap {
        servers := []raft.Server{{ID: cfg.LocalID, Address: s.addr}}
        for _, sv := range opts.Servers {
            if sv.ID == opts.NodeID { continue }
            servers = append(servers, raft.Server{ID: raft.ServerID(sv.ID), Address: raft.ServerAddress(sv.Addr)})
        }
        f := rf.BootstrapCluster(raft.Configuration{Servers: servers})
        if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            _ = s.Close()
            return nil, errors.Wrap(err, "raftkv: bootstrap")
        }
    }
    s.log.Info("raft store opened", "id", opts.NodeID, "addr", s.addr, "persistent", opts.DataDir != "")
    return s, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
    return s.Apply(ctx, Command{Op: OpCAS, Key: key, Absent: true, Value: value})
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    return s.Apply(ctx, Command{Op: OpCAS, Key: key, Absent: expected == nil, Expected: expected, Value: value})
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
    return s.Apply(ctx, Command{Op: OpCAD, Key: key, Expected: expected})
}

// Apply commits cmd through the raft log, forwarding to the leader when
// this replica is a follower.
func (s *Store) Apply(ctx context.Context, cmd Command) (bool, error) {
    if err := ctx.Err(); err != nil { return false, kv.Classify(ctx, err, cmd.Op) }
    r := s.r.Load()
    if r == nil { return false, kv.ErrClosed }
    if r.State() != raft.Leader {
        _, id := r.LeaderWithID()
        if id == "" { return false, kv.Unavailable(raft.ErrNotLeader, cmd.Op) }
        if s.opts.Forward == nil || string(id) == s.opts.NodeID { return false, kv.Unavailable(raft.ErrNotLeader, cmd.Op) }
        ok, err := s.opts.Forward(ctx, string(id), cmd)
        return ok, kv.Classify(ctx, err, "forward "+cmd.Op)
    }

    data, err := json.Marshal(cmd)
    if err != nil { return false, errors.Wrap(err, "raftkv: encode command") }
    timeout := s.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok { timeout = time.Until(dl) }
    af := r.Apply(data, timeout)
    done := make(chan error, 1)
    go func() { done <- af.Error() }()
    select {
    case <-ctx.Done():
        return false, kv.Classify(ctx, ctx.Err(), cmd.Op)
    case err := <-done:
        switch {
        case err == nil:
        case errors.Is(err, raft.ErrLeadershipLost):
            // Entry may still commit under the next leader.
            return false, errors.Mark(errors.Wrap(err, "raftkv: apply"), kv.ErrUnknownOutcome)
        default:
            return false, kv.Unavailable(err, "apply")
        }
    }
    switch v := af.Response().(type) {
    case bool:
        return v, nil
    case error:
        return false, errors.Wrap(v, "raftkv: fsm")
    default:
        return false, nil
    }
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
    if err := ctx.Err(); err != nil { return nil, false, kv.Classify(ctx, err, "get") }
    v, ok := s.fsm.get(key)
    return v, ok, nil
}

func (s *Store) Range(ctx context.Context, prefix string) ([]kv.KeyValue, error) {
    if err := ctx.Err(); err != nil { return nil, kv.Classify(ctx, err, "range") }
    return s.fsm.scan(prefix), nil
}

func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Event, error) {
    return s.hub.Watch(ctx, prefix)
}

func (s *Store) IsLeader() bool {
    r := s.r.Load()
    return r != nil && r.State() == raft.Leader
}

// Leader reports the raft leader's server id and raft address.
func (s *Store) Leader() (id, addr string, ok bool) {
    r := s.r.Load()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (s *Store) Term() uint64 {
    r := s.r.Load()
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the raft transport address of this replica.
func (s *Store) Addr() string { return string(s.addr) }

// AddVoter adds a voting server, replacing a stale entry with another address.
func (s *Store) AddVoter(id, addr string, timeout time.Duration) error {
    r := s.r.Load()
    if r == nil { return kv.ErrClosed }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return errors.Wrap(err, "raftkv: remove stale server") }
            break
        }
    }
    return errors.Wrap(r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error(), "raftkv: add voter")
}

func (s *Store) RemoveServer(id string, timeout time.Duration) error {
    r := s.r.Load()
    if r == nil { return kv.ErrClosed }
    return errors.Wrap(r.RemoveServer(raft.ServerID(id), 0, timeout).Error(), "raftkv: remove server")
}

func (s *Store) Close() error {
    s.hub.Close()
    var err error
    if r := s.r.Swap(nil); r != nil { err = r.Shutdown().Error() }
    if c, ok := s.trans.(interface{ Close() error }); ok { _ = c.Close() }
    if s.bolt != nil { err = errors.CombineErrors(err, s.bolt.Close()) }
    return err
}
