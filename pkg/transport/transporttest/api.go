// Package transporttest provides a fake management API for transport tests.
package transporttest

import (
    "context"
    "sync"
    "sync/atomic"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/transport"
)

var _ transport.API = (*API)(nil)

// API is an in-memory transport.API that answers as a leader unless
// LeaderHint is set. Submit accepts only the "noop" type.
type API struct {
    LeaderHint *cluster.NotLeaderError
    // BeatFails makes the next n heartbeats fail as unavailable.
    BeatFails atomic.Int32
    // Events feeds Subscribe.
    Events chan election.Event

    mu    sync.Mutex
    beats []cluster.Heartbeat
    procs map[string]procedure.Record
}

func NewAPI() *API {
    return &API{procs: map[string]procedure.Record{}, Events: make(chan election.Event, 4)}
}

func (a *API) Status(context.Context) cluster.Status {
    return cluster.Status{NodeID: "m1", Role: election.Leader, LeaderID: "m1", Healthy: a.LeaderHint == nil, Term: 3}
}

func (a *API) OnHeartbeat(_ context.Context, hb cluster.Heartbeat) (cluster.HeartbeatResponse, error) {
    if a.LeaderHint != nil { return cluster.HeartbeatResponse{}, a.LeaderHint }
    if a.BeatFails.Add(-1) >= 0 { return cluster.HeartbeatResponse{}, kv.Unavailable(errors.New("store down"), "put") }
    if err := hb.Validate(); err != nil { return cluster.HeartbeatResponse{}, err }
    a.mu.Lock()
    a.beats = append(a.beats, hb)
    a.mu.Unlock()
    return cluster.HeartbeatResponse{LeaderID: "m1", Term: 3, FencingToken: 7}, nil
}

func (a *API) BeatCount() int {
    a.mu.Lock()
    defer a.mu.Unlock()
    return len(a.beats)
}

func (a *API) Peers(context.Context) ([]cluster.Peer, error) {
    return []cluster.Peer{{ID: "dn-1", Role: cluster.RoleDatanode, Alive: true}}, nil
}

func (a *API) Leader(context.Context) (election.Record, bool, error) {
    return election.Record{LeaderID: "m1", Term: 3}, true, nil
}

func (a *API) Subscribe(ctx context.Context) <-chan election.Event {
    out := make(chan election.Event)
    go func() {
        defer close(out)
        for {
            select {
            case <-ctx.Done():
                return
            case ev := <-a.Events:
                select {
                case out <- ev:
                case <-ctx.Done():
                    return
                }
            }
        }
    }()
    return out
}

func (a *API) Submit(_ context.Context, typ string, input []byte) (string, error) {
    if a.LeaderHint != nil { return "", a.LeaderHint }
    if typ != "noop" { return "", errors.Wrapf(procedure.ErrUnknownType, "%q", typ) }
    a.mu.Lock()
    defer a.mu.Unlock()
    id := "p-1"
    a.procs[id] = procedure.Record{ID: id, Type: typ, Status: procedure.StatusRunning, State: input}
    return id, nil
}

func (a *API) ProcedureStatus(_ context.Context, id string) (procedure.Record, error) {
    a.mu.Lock()
    defer a.mu.Unlock()
    rec, ok := a.procs[id]
    if !ok { return procedure.Record{}, errors.Wrapf(procedure.ErrNotFound, "%s", id) }
    return rec, nil
}

func (a *API) Procedures(context.Context) ([]procedure.Record, error) {
    a.mu.Lock()
    defer a.mu.Unlock()
    out := make([]procedure.Record, 0, len(a.procs))
    for _, r := range a.procs { out = append(out, r) }
    return out, nil
}

func (a *API) TriggerFailover(_ context.Context, datanode string) ([]string, error) {
    if a.LeaderHint != nil { return nil, a.LeaderHint }
    return []string{"fo-" + datanode}, nil
}
