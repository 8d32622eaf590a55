package lock

import (
    "context"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
)

// Held is a lock kept alive by a background refresher until Release or
// until a refresh proves the lock was lost.
type Held struct {
    m      *Manager
    mu     sync.Mutex
    tok    Token
    lost   chan struct{}
    cancel context.CancelFunc
    done   chan struct{}
    err    error
}

// Hold acquires every name for owner, in order, and keeps them alive by
// refreshing at ttl/3. On a partial failure the locks taken so far are
// released.
func (m *Manager) Hold(ctx context.Context, owner string, ttl time.Duration, names ...string) ([]*Held, error) {
    out := make([]*Held, 0, len(names))
    for _, n := range names {
        tok, err := m.Acquire(ctx, n, owner, ttl)
        if err != nil {
            for _, h := range out { _ = h.Release(context.WithoutCancel(ctx)) }
            return nil, err
        }
        out = append(out, m.keepAlive(tok))
    }
    return out, nil
}

func (m *Manager) keepAlive(tok Token) *Held {
    ctx, cancel := context.WithCancel(context.Background())
    h := &Held{m: m, tok: tok, lost: make(chan struct{}), cancel: cancel, done: make(chan struct{})}
    go h.loop(ctx)
    return h
}

func (h *Held) loop(ctx context.Context) {
    defer close(h.done)
    interval := h.tok.TTL / 3
    if interval <= 0 { interval = time.Millisecond }
    t := time.NewTicker(interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        h.mu.Lock()
        tok := h.tok
        h.mu.Unlock()
        next, err := h.m.Refresh(ctx, tok)
        if err == nil {
            h.mu.Lock()
            h.tok = next
            h.mu.Unlock()
            continue
        }
        if ctx.Err() != nil { return }
        if errors.IsAny(err, ErrNotOwner, ErrExpired) || !h.m.now().Before(tok.ExpireAt) {
            h.m.log.Warn("lock lost", "lock", tok.LockName, "owner", tok.OwnerID, "err", err)
            h.mu.Lock()
            h.err = err
            h.mu.Unlock()
            close(h.lost)
            return
        }
        h.m.log.Debug("lock refresh failed, retrying", "lock", tok.LockName, "err", err)
    }
}

func (h *Held) Token() Token {
    h.mu.Lock()
    defer h.mu.Unlock()
    return h.tok
}

// Lost is closed when the lock can no longer be refreshed.
func (h *Held) Lost() <-chan struct{} { return h.lost }

// Err returns the refresh error that closed Lost, if any.
func (h *Held) Err() error {
    h.mu.Lock()
    defer h.mu.Unlock()
    return h.err
}

// Release stops refreshing and releases the lock.
func (h *Held) Release(ctx context.Context) error {
    h.cancel()
    <-h.done
    err := h.m.Release(ctx, h.Token())
    if errors.Is(err, ErrNotOwner) { return nil }
    return err
}

// Abandon stops refreshing without releasing; the lock lapses by TTL.
func (h *Held) Abandon() {
    h.cancel()
    <-h.done
}
