package failure

import (
    "sync"

    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
)

// bus fans events out to subscribers without blocking the publisher.
// Events that do not fit a subscriber buffer are counted and dropped.
type bus struct {
    mu     sync.RWMutex
    subs   map[int]chan Event
    next   int
    closed bool
}

func newBus() *bus { return &bus{subs: make(map[int]chan Event)} }

func (b *bus) subscribe(buf int) (<-chan Event, func()) {
    if buf <= 0 { buf = 64 }
    ch := make(chan Event, buf)
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        close(ch)
        return ch, func() {}
    }
    id := b.next
    b.next++
    b.subs[id] = ch
    b.mu.Unlock()
    return ch, func() {
        b.mu.Lock()
        if c, ok := b.subs[id]; ok {
            delete(b.subs, id)
            close(c)
        }
        b.mu.Unlock()
    }
}

func (b *bus) publish(ev Event) {
    b.mu.RLock()
    defer b.mu.RUnlock()
    for _, ch := range b.subs {
        select {
        case ch <- ev:
        default:
            metrics.FailureEventsDropped.Inc()
        }
    }
}

func (b *bus) close() {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed { return }
    b.closed = true
    for id, ch := range b.subs {
        delete(b.subs, id)
        close(ch)
    }
}
