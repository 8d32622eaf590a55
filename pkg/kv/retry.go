package kv

import (
    "context"
    "time"

    "github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient backend errors.
type RetryPolicy struct {
    InitialInterval time.Duration
    MaxInterval     time.Duration
    MaxAttempts     int
    // CallTimeout bounds each attempt; zero means only ctx applies.
    CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
    return RetryPolicy{InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second, MaxAttempts: 5, CallTimeout: 2 * time.Second}
}

// BackOff builds the exponential schedule for p, bound to ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
    eb := backoff.NewExponentialBackOff()
    if p.InitialInterval > 0 { eb.InitialInterval = p.InitialInterval }
    if p.MaxInterval > 0 { eb.MaxInterval = p.MaxInterval }
    eb.MaxElapsedTime = 0
    var b backoff.BackOff = eb
    if p.MaxAttempts > 0 { b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)) }
    return backoff.WithContext(b, ctx)
}

// Retry calls op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Each attempt gets its own CallTimeout.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
    return backoff.Retry(func() error {
        cctx, cancel := WithTimeout(ctx, p.CallTimeout)
        defer cancel()
        err := op(cctx)
        if err == nil { return nil }
        if ctx.Err() != nil { return backoff.Permanent(err) }
        if !IsRetryable(err) { return backoff.Permanent(err) }
        return err
    }, p.BackOff(ctx))
}
