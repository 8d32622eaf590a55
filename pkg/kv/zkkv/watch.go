package zkkv

import (
    "context"
    "time"

    "github.com/go-zookeeper/zk"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

// Watch arms a children watch on Root plus a data watch on every matching
// key, diffing the observed state on each trigger. ZooKeeper watches are one
// shot, so each fired watch is re-armed on the next pass. Changes committed
// before the first scan completes are not reported.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Event, error) {
    if _, _, err := s.conn.Children(s.root); err != nil { return nil, kv.Unavailable(err, "watch") }
    out := make(chan kv.Event, 256)
    go s.watchLoop(ctx, prefix, out)
    return out, nil
}

func (s *Store) watchLoop(ctx context.Context, prefix string, out chan<- kv.Event) {
    stop := make(chan struct{})
    defer close(out)
    defer close(stop)
    var (
        seen    map[string]uint64
        armed   = map[string]bool{}
        fired   = make(chan string, 64)
        childCh <-chan zk.Event
    )
    for {
        if childCh == nil {
            _, _, ch, err := s.conn.ChildrenW(s.root)
            if err != nil {
                s.log.Warn("children watch failed", "err", err)
                if !sleepCtx(ctx, s.done, time.Second) { return }
                continue
            }
            childCh = ch
        }
        cur, err := s.scan(prefix)
        if err != nil {
            s.log.Warn("watch rescan failed", "err", err)
            if !sleepCtx(ctx, s.done, time.Second) { return }
            continue
        }
        evs, next := kv.Diff(seen, cur)
        if seen == nil { evs = nil }
        for _, ev := range evs {
            if !emit(ctx, out, ev) { return }
        }
        seen = next
        for _, e := range cur {
            if armed[e.Key] { continue }
            if _, _, dch, err := s.conn.GetW(s.path(e.Key)); err == nil {
                armed[e.Key] = true
                go forward(e.Key, dch, fired, stop)
            }
        }

        select {
        case <-ctx.Done():
            return
        case <-s.done:
            return
        case <-childCh:
            childCh = nil
        case k := <-fired:
            delete(armed, k)
        }
    }
}

func forward(key string, ch <-chan zk.Event, fired chan<- string, stop <-chan struct{}) {
    select {
    case <-ch:
    case <-stop:
        return
    }
    select {
    case fired <- key:
    case <-stop:
    }
}

func emit(ctx context.Context, out chan<- kv.Event, ev kv.Event) bool {
    select {
    case out <- ev:
        return true
    case <-ctx.Done():
        return false
    }
}

func sleepCtx(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-done:
        return false
    case <-t.C:
        return true
    }
}
