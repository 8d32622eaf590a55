package cluster

import (
    "fmt"

    "github.com/cockroachdb/errors"
)

var (
    ErrNotLeader        = errors.New("cluster: not leader")
    ErrInvalidHeartbeat = errors.New("cluster: invalid heartbeat")
    ErrUnknownPeer      = errors.New("cluster: unknown peer")
)

// NotLeaderError carries the leader hint followers hand back to callers.
type NotLeaderError struct {
    LeaderID   string
    LeaderAddr string
}

func (e *NotLeaderError) Error() string {
    if e.LeaderID == "" { return "cluster: not leader, no leader known" }
    return fmt.Sprintf("cluster: not leader, leader is %s at %s", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// LeaderHint extracts the leader hint from err, if it has one.
func LeaderHint(err error) (*NotLeaderError, bool) {
    var nl *NotLeaderError
    if errors.As(err, &nl) { return nl, true }
    return nil, false
}
