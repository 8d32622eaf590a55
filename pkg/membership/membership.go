package membership

import (
    "context"
    "time"
)

// Meta keys every metasrv gossip member advertises.
const (
    MetaRole = "role"
    MetaAddr = "addr"
)

// MemberInfo describes a gossip member. Meta carries its role and the
// address heartbeats should report for it.
type MemberInfo struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

// Role returns the advertised role, or "" when the member has none.
func (m MemberInfo) Role() string { return m.Meta[MetaRole] }

// APIAddr prefers the advertised address over the gossip address.
func (m MemberInfo) APIAddr() string {
    if a := m.Meta[MetaAddr]; a != "" { return a }
    return m.Addr
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the gossip layer. Members it reports as alive are turned
// into heartbeats by Pump.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) (int, error)
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave(timeout time.Duration) error
    Stop() error
}
