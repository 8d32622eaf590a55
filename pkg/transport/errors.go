package transport

import (
    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
)

// Error codes carried on the wire.
const (
    CodeNotLeader      = "not_leader"
    CodeNotFound       = "not_found"
    CodeInvalid        = "invalid"
    CodeUnavailable    = "unavailable"
    CodeUnknownOutcome = "unknown_outcome"
    CodeInternal       = "internal"
)

// ErrInvalid marks a request the server rejected as malformed.
var ErrInvalid = errors.New("transport: invalid request")

// Error is the JSON error body both protocols use.
type Error struct {
    Message    string `json:"error"`
    Code       string `json:"code"`
    LeaderID   string `json:"leader_id,omitempty"`
    LeaderAddr string `json:"leader_addr,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Code classifies err for the wire.
func Code(err error) string {
    switch {
    case errors.Is(err, cluster.ErrNotLeader), errors.Is(err, procedure.ErrNotLeader):
        return CodeNotLeader
    case errors.Is(err, procedure.ErrNotFound), errors.Is(err, cluster.ErrUnknownPeer):
        return CodeNotFound
    case errors.IsAny(err, ErrInvalid, cluster.ErrInvalidHeartbeat, procedure.ErrUnknownType, procedure.ErrInvalidInput):
        return CodeInvalid
    case errors.Is(err, kv.ErrUnknownOutcome):
        return CodeUnknownOutcome
    case errors.IsAny(err, kv.ErrUnavailable, kv.ErrClosed):
        return CodeUnavailable
    default:
        return CodeInternal
    }
}

// Encode converts err into its wire form.
func Encode(err error) *Error {
    out := &Error{Message: err.Error(), Code: Code(err)}
    if hint, ok := cluster.LeaderHint(err); ok { out.LeaderID, out.LeaderAddr = hint.LeaderID, hint.LeaderAddr }
    return out
}

// Decode rebuilds an error that matches the sentinels the server saw.
func Decode(e *Error) error {
    if e == nil { return nil }
    switch e.Code {
    case CodeNotLeader:
        return &cluster.NotLeaderError{LeaderID: e.LeaderID, LeaderAddr: e.LeaderAddr}
    case CodeNotFound:
        return errors.Mark(errors.New(e.Message), procedure.ErrNotFound)
    case CodeInvalid:
        return errors.Mark(errors.New(e.Message), ErrInvalid)
    case CodeUnknownOutcome:
        return errors.Mark(errors.New(e.Message), kv.ErrUnknownOutcome)
    case CodeUnavailable:
        return errors.Mark(errors.New(e.Message), kv.ErrUnavailable)
    default:
        return errors.New(e.Message)
    }
}
