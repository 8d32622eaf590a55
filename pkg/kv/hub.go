package kv

import (
    "context"
    "strings"
    "sync"
)

const watchBuffer = 256

// Hub fans committed events out to prefix watchers. Backends that observe
// their own commits (memory, bolt, raft FSM, polling) publish through it.
type Hub struct {
    mu     sync.Mutex
    subs   map[*watcher]struct{}
    closed bool
}

type watcher struct {
    prefix string
    ch     chan Event
}

func NewHub() *Hub { return &Hub{subs: make(map[*watcher]struct{})} }

// Watch registers a watcher that is removed and closed when ctx is done.
func (h *Hub) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
    w := &watcher{prefix: prefix, ch: make(chan Event, watchBuffer)}
    h.mu.Lock()
    if h.closed {
        h.mu.Unlock()
        return nil, ErrClosed
    }
    h.subs[w] = struct{}{}
    h.mu.Unlock()
    go func() {
        <-ctx.Done()
        h.drop(w)
    }()
    return w.ch, nil
}

// Publish delivers evs to matching watchers in order. A watcher whose buffer
// is full is closed rather than allowed to miss events silently.
func (h *Hub) Publish(evs ...Event) {
    h.mu.Lock()
    defer h.mu.Unlock()
    for w := range h.subs {
        for _, ev := range evs {
            if !strings.HasPrefix(ev.Key, w.prefix) { continue }
            select {
            case w.ch <- ev:
            default:
                delete(h.subs, w)
                close(w.ch)
            }
            if _, ok := h.subs[w]; !ok { break }
        }
    }
}

func (h *Hub) drop(w *watcher) {
    h.mu.Lock()
    defer h.mu.Unlock()
    if _, ok := h.subs[w]; ok {
        delete(h.subs, w)
        close(w.ch)
    }
}

// Close closes every watcher and rejects new ones.
func (h *Hub) Close() {
    h.mu.Lock()
    defer h.mu.Unlock()
    if h.closed { return }
    h.closed = true
    for w := range h.subs {
        delete(h.subs, w)
        close(w.ch)
    }
}

// Reset closes every current watcher but keeps the hub open. Used when the
// backing state is replaced wholesale (snapshot restore).
func (h *Hub) Reset() {
    h.mu.Lock()
    defer h.mu.Unlock()
    for w := range h.subs {
        delete(h.subs, w)
        close(w.ch)
    }
}
