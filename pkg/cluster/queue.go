package cluster

import (
    "sync"

    "github.com/amirimatin/go-metasrv/pkg/election"
)

// eventQueue hands leadership events from the election goroutine to
// leadershipLoop in order. push never blocks and never drops.
type eventQueue struct {
    mu     sync.Mutex
    items  []election.Event
    notify chan struct{}
}

func newEventQueue() *eventQueue { return &eventQueue{notify: make(chan struct{}, 1)} }

func (q *eventQueue) push(ev election.Event) {
    q.mu.Lock()
    q.items = append(q.items, ev)
    q.mu.Unlock()
    select {
    case q.notify <- struct{}{}:
    default:
    }
}

// drain returns every queued event, oldest first.
func (q *eventQueue) drain() []election.Event {
    q.mu.Lock()
    defer q.mu.Unlock()
    out := q.items
    q.items = nil
    return out
}
