package election

import (
    "context"
    "sync"
    "time"
)

type EventType string

const (
    EventBecameLeader   EventType = "became_leader"
    EventLostLeadership EventType = "lost_leadership"
    EventLeaderChanged  EventType = "leader_changed"
)

// Event is a leadership notification. LeaderID and Term describe the leader
// the event refers to; LostLeadership carries the term that was lost.
type Event struct {
    Type     EventType `json:"type"`
    LeaderID string    `json:"leader_id,omitempty"`
    Addr     string    `json:"addr,omitempty"`
    Term     uint64    `json:"term"`
    At       time.Time `json:"at"`
}

// Observer is notified synchronously, on the election goroutine, before any
// further coordination action. Implementations must return quickly.
type Observer interface {
    OnLeadership(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnLeadership(ev Event) { f(ev) }

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow; use AddObserver where delivery must not be missed.
func (e *Election) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    e.eb.add(ch)
    go func() {
        <-ctx.Done()
        e.eb.remove(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (b *eventBus) add(ch chan Event) {
    b.mu.Lock()
    if b.subs == nil { b.subs = make(map[chan Event]struct{}) }
    b.subs[ch] = struct{}{}
    b.mu.Unlock()
}

func (b *eventBus) remove(ch chan Event) {
    b.mu.Lock()
    if _, ok := b.subs[ch]; ok {
        delete(b.subs, ch)
        close(ch)
    }
    b.mu.Unlock()
}

func (b *eventBus) publish(ev Event) {
    b.mu.Lock()
    for ch := range b.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    b.mu.Unlock()
}
