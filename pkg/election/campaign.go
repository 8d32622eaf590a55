package election

import (
    "bytes"
    "context"
    "encoding/json"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
    "github.com/amirimatin/go-metasrv/pkg/observability/tracing"
)

// Run drives the election until ctx is done: campaign when the leadership
// record is empty or expired, lead while renewals succeed, follow otherwise.
func (e *Election) Run(ctx context.Context) error {
    if !e.running.CompareAndSwap(false, true) { return errors.New("election: already running") }
    defer e.running.Store(false)

    var (
        wch     <-chan kv.Event
        wcancel = func() {}
        holdOff time.Time
    )
    defer func() { wcancel() }()
    for {
        if ctx.Err() != nil {
            e.publish(State{Role: Candidate}, nil)
            return nil
        }
        if wch == nil {
            wcancel()
            wctx, cancel := context.WithCancel(ctx)
            if ch, err := e.store.Watch(wctx, e.key); err == nil {
                wch, wcancel = ch, cancel
            } else {
                cancel()
                e.log.Debug("leader watch unavailable, polling", "err", err)
            }
        }

        rec, raw, ok, err := e.read(ctx)
        if err != nil {
            e.log.Warn("read leader record failed", "err", err)
            sleep(ctx, e.opts.RenewInterval)
            continue
        }
        now := e.opts.Now()
        mine := ok && rec.LeaderID == e.opts.NodeID
        if (!ok || rec.Expired(now) || mine) && !now.Before(holdOff) {
            won, cur, curRaw, start, err := e.campaign(ctx, rec, raw, ok)
            if err != nil {
                e.log.Warn("campaign failed", "err", err)
                sleep(ctx, e.opts.RenewInterval)
                continue
            }
            if won {
                // Our own renewals would only fill the follower watch.
                wcancel()
                wch, wcancel = nil, func() {}
                holdOff = e.lead(ctx, cur, curRaw, start)
            }
            continue
        }
        e.follow(ctx, rec, ok && !rec.Expired(now) && !mine, holdOff, &wch)
    }
}

func (e *Election) campaign(ctx context.Context, prev Record, prevRaw []byte, exists bool) (bool, Record, []byte, time.Time, error) {
    ctx, span := tracing.Start(ctx, "election.campaign")
    term := uint64(1)
    if exists { term = prev.Term + 1 }
    start := e.opts.Now()
    next := Record{LeaderID: e.opts.NodeID, Addr: e.opts.Addr, Term: term, ExpireAt: start.Add(e.opts.TTL)}
    b, err := json.Marshal(next)
    if err != nil { tracing.End(span, err); return false, Record{}, nil, start, err }

    cctx, cancel := kv.WithTimeout(ctx, e.opts.CallTimeout)
    var swapped bool
    if exists {
        swapped, err = e.store.CompareAndSwap(cctx, e.key, prevRaw, b)
    } else {
        swapped, err = e.store.PutIfAbsent(cctx, e.key, b)
    }
    cancel()
    if errors.Is(err, kv.ErrUnknownOutcome) {
        _, cur, ok, rerr := e.read(ctx)
        if rerr == nil {
            swapped, err = ok && bytes.Equal(cur, b), nil
        }
    }
    tracing.End(span, err)
    return swapped, next, b, start, err
}

// lead holds leadership for rec until renewal fails, the lease deadline
// passes, resignation, or ctx ends. It returns the time before which this
// node should not campaign again.
func (e *Election) lead(ctx context.Context, rec Record, raw []byte, start time.Time) time.Time {
    deadline := start.Add(e.opts.TTL)
    e.log.Info("became leader", "term", rec.Term)
    metrics.IsLeader.Set(1)
    metrics.ElectionTerm.Set(float64(rec.Term))
    metrics.ElectionTransitions.WithLabelValues(string(Leader)).Inc()
    e.publish(State{Role: Leader, LeaderID: e.opts.NodeID, LeaderAddr: e.opts.Addr, Term: rec.Term, ExpireAt: deadline},
        &Event{Type: EventBecameLeader, LeaderID: e.opts.NodeID, Addr: e.opts.Addr, Term: rec.Term, At: e.opts.Now()})

    tick := time.NewTicker(e.opts.RenewInterval)
    defer tick.Stop()
    expiry := time.NewTimer(deadline.Sub(e.opts.Now()))
    defer expiry.Stop()

    for {
        select {
        case <-ctx.Done():
            e.demote(rec.Term, "shutdown")
            if e.opts.ResignOnStop {
                rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CallTimeout)
                e.release(rctx, raw)
                cancel()
            }
            return time.Time{}
        case done := <-e.resignCh:
            e.demote(rec.Term, "resigned")
            e.release(ctx, raw)
            close(done)
            return e.opts.Now().Add(e.opts.TTL)
        case <-expiry.C:
            e.demote(rec.Term, "lease deadline passed without renewal")
            return time.Time{}
        case <-tick.C:
            renewStart := e.opts.Now()
            next := rec
            next.ExpireAt = renewStart.Add(e.opts.TTL)
            nb, err := json.Marshal(next)
            if err != nil {
                e.demote(rec.Term, "encode: "+err.Error())
                return time.Time{}
            }
            swapped, err := e.renew(ctx, raw, nb, deadline)
            switch {
            case err == nil && swapped:
                rec, raw, deadline = next, nb, next.ExpireAt
                if !expiry.Stop() {
                    select {
                    case <-expiry.C:
                    default:
                    }
                }
                expiry.Reset(deadline.Sub(e.opts.Now()))
                st := e.State()
                st.ExpireAt = deadline
                e.publish(st, nil)
            case err == nil:
                e.demote(rec.Term, "renewal rejected")
                return time.Time{}
            default:
                e.log.Warn("leader renewal failed, will retry", "term", rec.Term, "err", err, "deadline", deadline)
            }
        }
    }
}

func (e *Election) renew(ctx context.Context, raw, next []byte, deadline time.Time) (bool, error) {
    timeout := e.opts.CallTimeout
    if left := deadline.Sub(e.opts.Now()); left < timeout { timeout = left }
    if timeout <= 0 { return false, errors.Mark(errors.New("election: lease deadline reached"), kv.ErrUnknownOutcome) }
    cctx, cancel := kv.WithTimeout(ctx, timeout)
    swapped, err := e.store.CompareAndSwap(cctx, e.key, raw, next)
    cancel()
    if !errors.Is(err, kv.ErrUnknownOutcome) || ctx.Err() != nil { return swapped, err }
    // Unknown outcome: the stored value decides.
    _, cur, ok, rerr := e.read(ctx)
    if rerr != nil { return false, err }
    switch {
    case ok && bytes.Equal(cur, next):
        return true, nil
    case ok && bytes.Equal(cur, raw):
        return false, err
    default:
        return false, nil
    }
}

// demote publishes the loss of leadership to synchronous observers and
// subscribers before the caller does anything else.
func (e *Election) demote(term uint64, reason string) {
    e.log.Warn("lost leadership", "term", term, "reason", reason)
    metrics.IsLeader.Set(0)
    metrics.ElectionTransitions.WithLabelValues(string(Candidate)).Inc()
    e.publish(State{Role: Candidate, Term: term},
        &Event{Type: EventLostLeadership, LeaderID: e.opts.NodeID, Term: term, At: e.opts.Now()})
}

// release marks our record expired. The record is kept rather than deleted
// so the next campaign still sees the term and increments it.
func (e *Election) release(ctx context.Context, raw []byte) {
    var rec Record
    if err := json.Unmarshal(raw, &rec); err != nil { return }
    rec.ExpireAt = time.Time{}
    b, err := json.Marshal(rec)
    if err != nil { return }
    cctx, cancel := kv.WithTimeout(ctx, e.opts.CallTimeout)
    defer cancel()
    if _, err := e.store.CompareAndSwap(cctx, e.key, raw, b); err != nil {
        e.log.Debug("release leader key failed", "err", err)
    }
}

// follow records the observed leader and waits for the record to change or
// lapse.
func (e *Election) follow(ctx context.Context, rec Record, live bool, holdOff time.Time, wch *<-chan kv.Event) {
    prev := e.State()
    if live {
        changed := prev.LeaderID != rec.LeaderID || prev.Term != rec.Term
        if changed || prev.Role != Follower {
            if prev.Role != Follower { metrics.ElectionTransitions.WithLabelValues(string(Follower)).Inc() }
            metrics.ElectionTerm.Set(float64(rec.Term))
            var ev *Event
            if changed {
                metrics.LeaderChanges.Inc()
                e.log.Info("leader changed", "leader", rec.LeaderID, "term", rec.Term)
                ev = &Event{Type: EventLeaderChanged, LeaderID: rec.LeaderID, Addr: rec.Addr, Term: rec.Term, At: e.opts.Now()}
            }
            e.publish(State{Role: Follower, LeaderID: rec.LeaderID, LeaderAddr: rec.Addr, Term: rec.Term, ExpireAt: rec.ExpireAt}, ev)
        }
    } else if prev.Role != Candidate {
        e.publish(State{Role: Candidate, Term: prev.Term}, nil)
    }

    now := e.opts.Now()
    wake := e.opts.RenewInterval
    if live { wake = rec.ExpireAt.Sub(now) }
    if !live && holdOff.After(now) { wake = holdOff.Sub(now) }
    if *wch == nil && wake > e.opts.RenewInterval { wake = e.opts.RenewInterval }
    if wake < time.Millisecond { wake = time.Millisecond }
    t := time.NewTimer(wake)
    defer t.Stop()

    select {
    case <-ctx.Done():
    case done := <-e.resignCh:
        close(done)
    case _, open := <-*wch:
        if !open { *wch = nil }
    case <-t.C:
    }
}

func sleep(ctx context.Context, d time.Duration) {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
    case <-t.C:
    }
}
