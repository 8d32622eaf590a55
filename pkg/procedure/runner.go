package procedure

import (
    "context"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/cockroachdb/errors"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-metasrv/pkg/lock"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
    "github.com/amirimatin/go-metasrv/pkg/observability/tracing"
)

var errLockLost = errors.New("procedure: lock lost while running")

// run drives one record to a terminal status. A nil return means the
// record is terminal; any error means the run was interrupted and the
// record holds the last durable transition.
func (x *Executor) run(ctx context.Context, term uint64, rec Record, raw []byte) error {
    log := x.log.With("id", rec.ID, "type", rec.Type)
    load, ok := x.loader(rec.Type)
    if !ok {
        rec.Status = StatusFailed
        rec.recordError(rec.StepIndex, rec.Attempts, errors.Wrapf(ErrUnknownType, "%q", rec.Type), x.opts.Now())
        _, err := x.persist(ctx, term, &rec, raw)
        return err
    }

    held, err := x.acquire(ctx, rec)
    if err != nil { return err }
    runCtx, cancel := context.WithCancelCause(ctx)
    defer cancel(nil)
    for _, h := range held {
        go func(h *lock.Held) {
            select {
            case <-h.Lost():
                cancel(errLockLost)
            case <-runCtx.Done():
            }
        }(h)
    }
    finished := false
    defer func() {
        for _, h := range held {
            if finished {
                if err := h.Release(context.WithoutCancel(ctx)); err != nil {
                    log.Warn("lock release failed", "lock", h.Token().LockName, "err", err)
                }
            } else {
                h.Abandon()
            }
        }
    }()

    interrupted := func() error {
        if c := context.Cause(runCtx); c != nil { return c }
        return nil
    }

    p, err := load(rec.State)
    if err != nil {
        rec.Status = StatusFailed
        rec.recordError(rec.StepIndex, rec.Attempts, errors.Wrap(err, "procedure: load state"), x.opts.Now())
        if raw, err = x.persist(runCtx, term, &rec, raw); err != nil { return err }
        finished = true
        return nil
    }

    for {
        if rec.RollingBack {
            raw, err = x.rollback(runCtx, term, p, &rec, raw)
            if err != nil { return err }
            finished = true
            return nil
        }
        if rec.Status.Terminal() {
            finished = true
            return nil
        }
        if rec.Status == StatusSuspended {
            if !sleep(runCtx, x.opts.ResumeInterval) { return interrupted() }
            rec.Status, rec.Reason = StatusRunning, ""
            if raw, err = x.persist(runCtx, term, &rec, raw); err != nil { return err }
        }

        pc := &Context{ID: rec.ID, Step: rec.StepIndex, Attempt: rec.Attempts + 1, Term: term, Logger: log}
        sctx, span := tracing.Start(runCtx, "procedure.step",
            attribute.String("procedure.id", rec.ID),
            attribute.String("procedure.type", rec.Type),
            attribute.Int("procedure.step", rec.StepIndex),
            attribute.Int("procedure.attempt", pc.Attempt))
        res, stepErr := p.Execute(sctx, pc)
        tracing.End(span, stepErr)
        if err := interrupted(); err != nil {
            log.Info("procedure interrupted", "step", rec.StepIndex, "cause", err)
            return err
        }

        if stepErr != nil {
            rec.Attempts++
            rec.recordError(rec.StepIndex, rec.Attempts, stepErr, x.opts.Now())
            if rec.Attempts >= x.opts.MaxAttempts || errors.Is(stepErr, ErrFatal) {
                log.Warn("procedure step failed permanently", "step", rec.StepIndex, "attempts", rec.Attempts, "err", stepErr)
                if _, ok := p.(Rollbacker); ok {
                    rec.RollingBack = true
                } else {
                    rec.Status = StatusFailed
                }
                // Rollback starts from the last good state, not from whatever
                // the failed attempt left in memory.
                if raw, err = x.persist(runCtx, term, &rec, raw); err != nil { return err }
                if p, err = load(rec.State); err != nil { return err }
                continue
            }
            if raw, err = x.persist(runCtx, term, &rec, raw); err != nil { return err }
            metrics.StepRetries.WithLabelValues(rec.Type).Inc()
            wait := x.backoff(rec.Attempts)
            log.Debug("retrying procedure step", "step", rec.StepIndex, "attempt", rec.Attempts+1, "in", wait, "err", stepErr)
            if !sleep(runCtx, wait) { return interrupted() }
            if p, err = load(rec.State); err != nil { return err }
            continue
        }

        state, err := p.Dump()
        if err != nil { return errors.Wrap(err, "procedure: dump") }
        rec.State = state
        switch res.kind {
        case kindNext:
            rec.StepIndex++
            rec.Attempts, rec.LastError = 0, ""
        case kindDone:
            rec.Status = StatusDone
            rec.LastError = ""
        case kindSuspend:
            rec.Status, rec.Reason = StatusSuspended, res.Reason
            log.Info("procedure suspended", "step", rec.StepIndex, "reason", res.Reason)
        }
        if raw, err = x.persist(runCtx, term, &rec, raw); err != nil { return err }
        if rec.Status == StatusDone { log.Info("procedure done", "steps", rec.StepIndex+1) }
    }
}

func (x *Executor) rollback(ctx context.Context, term uint64, p Procedure, rec *Record, raw []byte) ([]byte, error) {
    rb := p.(Rollbacker)
    cause := rec.LastError
    var err error
    for attempt := 1; attempt <= x.opts.MaxAttempts; attempt++ {
        pc := &Context{ID: rec.ID, Step: rec.StepIndex, Attempt: attempt, Term: term, Logger: x.log.With("id", rec.ID)}
        rerr := rb.Rollback(ctx, pc)
        if c := context.Cause(ctx); c != nil { return raw, c }
        if rerr == nil {
            rec.Status, rec.RollingBack = StatusRolledBack, false
            x.log.Info("procedure rolled back", "id", rec.ID, "cause", cause)
            return x.persist(ctx, term, rec, raw)
        }
        x.log.Warn("rollback failed", "id", rec.ID, "attempt", attempt, "err", rerr)
        err = rerr
        if attempt < x.opts.MaxAttempts && !sleep(ctx, x.backoff(attempt)) { return raw, context.Cause(ctx) }
    }
    rec.Status, rec.RollingBack = StatusFailed, false
    rec.recordError(rec.StepIndex, x.opts.MaxAttempts, errors.Wrapf(err, "rollback after %s", cause), x.opts.Now())
    return x.persist(ctx, term, rec, raw)
}

// acquire takes the record's locks, owned by the procedure id so a resumed
// run on a new leader re-enters them. Conflicts wait for the holder.
func (x *Executor) acquire(ctx context.Context, rec Record) ([]*lock.Held, error) {
    if len(rec.LockKeys) == 0 || x.locks == nil { return nil, nil }
    for {
        held, err := x.locks.Hold(ctx, rec.ID, x.opts.LockTTL, rec.LockKeys...)
        if err == nil { return held, nil }
        if ctx.Err() != nil { return nil, ctx.Err() }
        x.log.Debug("waiting for procedure locks", "id", rec.ID, "locks", rec.LockKeys, "err", err)
        if !sleep(ctx, x.opts.ResumeInterval) { return nil, ctx.Err() }
    }
}

// persist writes rec over raw, but only while term is still ours.
func (x *Executor) persist(ctx context.Context, term uint64, rec *Record, raw []byte) ([]byte, error) {
    if !x.isActive(term) { return raw, ErrNotLeader }
    if err := ctx.Err(); err != nil { return raw, err }
    prev := *rec
    rec.Term = term
    rec.Version++
    rec.UpdatedAt = x.opts.Now()
    b, err := x.write(ctx, *rec, raw)
    if err != nil {
        *rec = prev
        return raw, err
    }
    metrics.ProcedureTransitions.WithLabelValues(rec.Type, string(rec.Status)).Inc()
    return b, nil
}

func (x *Executor) backoff(attempt int) time.Duration {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = x.opts.InitialBackoff
    b.MaxInterval = x.opts.MaxBackoff
    b.MaxElapsedTime = 0
    b.Reset()
    d := b.NextBackOff()
    for i := 1; i < attempt; i++ { d = b.NextBackOff() }
    return d
}
