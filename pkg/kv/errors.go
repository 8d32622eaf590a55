package kv

import (
    "context"

    "github.com/cockroachdb/errors"
)

var (
    // ErrUnavailable marks backend failures (unreachable, I/O). Components
    // retry these with backoff and never assume the write did not apply.
    ErrUnavailable = errors.New("kv: backend unavailable")
    // ErrUnknownOutcome is returned when a call timed out: the write may or
    // may not have been applied and the caller must re-read.
    ErrUnknownOutcome = errors.New("kv: unknown outcome")
    // ErrConflict is returned by Update when contention on a key outlasted
    // the retry budget.
    ErrConflict = errors.New("kv: compare-and-swap conflict")
    ErrClosed   = errors.New("kv: store closed")
)

// Unavailable wraps a backend error and marks it as ErrUnavailable.
func Unavailable(err error, op string) error {
    if err == nil { return nil }
    return errors.Mark(errors.Wrapf(err, "kv: %s", op), ErrUnavailable)
}

// Classify converts context expiry during a backend call into
// ErrUnknownOutcome and marks every other error as ErrUnavailable, unless
// it already carries a kv marker.
func Classify(ctx context.Context, err error, op string) error {
    if err == nil { return nil }
    if errors.IsAny(err, ErrUnavailable, ErrUnknownOutcome, ErrConflict, ErrClosed) { return err }
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
        return errors.Mark(errors.Wrapf(err, "kv: %s", op), ErrUnknownOutcome)
    }
    if errors.Is(err, context.Canceled) { return err }
    return Unavailable(err, op)
}

// IsRetryable reports whether err is a transient backend condition.
func IsRetryable(err error) bool {
    return errors.IsAny(err, ErrUnavailable, ErrUnknownOutcome)
}
