// Package transport defines the management API served over HTTP and gRPC
// and the wire types both protocols share.
package transport

import (
    "context"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
)

// API is what the management servers expose. *cluster.Cluster satisfies it.
type API interface {
    Status(ctx context.Context) cluster.Status
    OnHeartbeat(ctx context.Context, hb cluster.Heartbeat) (cluster.HeartbeatResponse, error)
    Peers(ctx context.Context) ([]cluster.Peer, error)
    Leader(ctx context.Context) (election.Record, bool, error)
    Subscribe(ctx context.Context) <-chan election.Event
    Submit(ctx context.Context, typ string, input []byte) (string, error)
    ProcedureStatus(ctx context.Context, id string) (procedure.Record, error)
    Procedures(ctx context.Context) ([]procedure.Record, error)
    TriggerFailover(ctx context.Context, datanode string) ([]string, error)
}

var _ API = (*cluster.Cluster)(nil)

// Client performs management calls against addr using one protocol.
// Leader-only calls return a *cluster.NotLeaderError when addr is a
// follower.
type Client interface {
    Status(ctx context.Context, addr string) (cluster.Status, error)
    Heartbeat(ctx context.Context, addr string, hb cluster.Heartbeat) (cluster.HeartbeatResponse, error)
    Peers(ctx context.Context, addr string) ([]cluster.Peer, error)
    Leader(ctx context.Context, addr string) (election.Record, bool, error)
    Submit(ctx context.Context, addr string, typ string, input []byte) (string, error)
    Procedure(ctx context.Context, addr string, id string) (procedure.Record, error)
    Procedures(ctx context.Context, addr string) ([]procedure.Record, error)
    Failover(ctx context.Context, addr string, datanode string) ([]string, error)
}

// FollowLeader calls fn against addr and, when addr answers with a leader
// hint, once more against the hinted leader.
func FollowLeader(addr string, fn func(addr string) error) error {
    err := fn(addr)
    hint, ok := cluster.LeaderHint(err)
    if !ok || hint.LeaderAddr == "" || hint.LeaderAddr == addr { return err }
    return fn(hint.LeaderAddr)
}
