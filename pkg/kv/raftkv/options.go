package raftkv

import (
    "context"
    "time"

    "github.com/hashicorp/go-hclog"
)

// Server is a raft voter known at bootstrap.
type Server struct {
    ID   string `yaml:"id" json:"id"`
    Addr string `yaml:"addr" json:"addr"`
}

// ForwardFunc ships a write to the current raft leader when this node is a
// follower. leaderID is the raft server id of the leader.
type ForwardFunc func(ctx context.Context, leaderID string, cmd Command) (bool, error)

// Options configure the raft-backed store.
type Options struct {
    NodeID string
    Logger hclog.Logger

    // Bootstrap forms the cluster on Open with Servers as the initial voter
    // set (or just this node when Servers is empty).
    Bootstrap bool
    Servers   []Server

    // Timeouts (optional). Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration

    // BindAddr selects a TCP transport; empty means in-memory transport.
    BindAddr string
    // DataDir selects bolt log/stable stores and file snapshots; empty means
    // in-memory stores.
    DataDir           string
    SnapshotsRetained int

    Forward ForwardFunc
}
