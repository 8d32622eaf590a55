package kv

import (
    "bytes"
    "context"
    "time"

    "github.com/cockroachdb/errors"
)

const maxUpdateAttempts = 32

// Skip, returned by an UpdateFunc, ends the update without writing. Update
// then returns the current value and a nil error.
var Skip = errors.New("kv: skip update")

// UpdateFunc computes the next value from the current one. ok is false when
// the key is absent. Returning a nil next deletes the key; returning an
// error aborts the update and is passed through unchanged.
type UpdateFunc func(cur []byte, ok bool) (next []byte, err error)

// Update runs a read-modify-CAS loop on key. It returns the value that was
// committed (nil after a delete). An unknown outcome from the backend is
// resolved by re-reading: if the stored value already equals the intended
// one the write is treated as applied.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) ([]byte, error) {
    for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
        cur, ok, err := s.Get(ctx, key)
        if err != nil { return nil, err }
        next, err := fn(cur, ok)
        if errors.Is(err, Skip) { return cur, nil }
        if err != nil { return nil, err }

        var swapped bool
        switch {
        case next == nil && !ok:
            return nil, nil
        case next == nil:
            swapped, err = s.CompareAndDelete(ctx, key, cur)
        case !ok:
            swapped, err = s.PutIfAbsent(ctx, key, next)
        default:
            swapped, err = s.CompareAndSwap(ctx, key, cur, next)
        }
        if errors.Is(err, ErrUnknownOutcome) {
            if ctx.Err() != nil { return nil, err }
            if applied, rerr := resolve(ctx, s, key, next); rerr == nil && applied { return next, nil }
            continue
        }
        if err != nil { return nil, err }
        if swapped { return next, nil }
    }
    return nil, errors.Wrapf(ErrConflict, "update %s", key)
}

func resolve(ctx context.Context, s Store, key string, want []byte) (bool, error) {
    got, ok, err := s.Get(ctx, key)
    if err != nil { return false, err }
    if want == nil { return !ok, nil }
    return ok && bytes.Equal(got, want), nil
}

// WithTimeout bounds a single backend call. Zero d leaves ctx untouched.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
    if d <= 0 { return context.WithCancel(ctx) }
    return context.WithTimeout(ctx, d)
}
