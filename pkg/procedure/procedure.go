// Package procedure runs durable multi-step metadata procedures on the
// leader. Every transition is persisted at /procedure/<id> before the next
// side effect, so a new leader can rebuild and resume any procedure purely
// from the store.
package procedure

import (
    "context"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
)

type Status string

const (
    StatusRunning    Status = "Running"
    StatusSuspended  Status = "Suspended"
    StatusDone       Status = "Done"
    StatusFailed     Status = "Failed"
    StatusRolledBack Status = "RolledBack"
)

func (s Status) Terminal() bool {
    return s == StatusDone || s == StatusFailed || s == StatusRolledBack
}

var (
    ErrNotLeader   = errors.New("procedure: executor is not active on this node")
    ErrUnknownType = errors.New("procedure: unknown procedure type")
    ErrNotFound    = errors.New("procedure: not found")
    ErrFenced      = errors.New("procedure: record changed by another writer")
    // ErrInvalidInput marks a submission whose input a Loader rejected.
    ErrInvalidInput = errors.New("procedure: invalid input")
    // ErrFatal marks a step error that must not be retried.
    ErrFatal = errors.New("procedure: fatal step error")
)

// Fatal marks err so the executor fails the procedure without retrying.
func Fatal(err error) error { return errors.Mark(err, ErrFatal) }

type resultKind int

const (
    kindNext resultKind = iota
    kindDone
    kindSuspend
)

// StepResult tells the executor how to proceed after a successful step.
type StepResult struct {
    kind   resultKind
    Reason string
}

// Next advances to the following step.
func Next() StepResult { return StepResult{kind: kindNext} }

// Done completes the procedure.
func Done() StepResult { return StepResult{kind: kindDone} }

// Suspend parks the procedure; the same step runs again after the resume
// interval.
func Suspend(reason string) StepResult { return StepResult{kind: kindSuspend, Reason: reason} }

// Context is handed to every step.
type Context struct {
    ID      string
    Step    int
    Attempt int
    Term    uint64
    Logger  hclog.Logger
}

// Procedure is one typed state machine. Steps must be idempotent: a step may
// run again after a crash that happened after its state was persisted.
type Procedure interface {
    Type() string
    // LockKeys are held from the first step until a terminal status.
    LockKeys() []string
    Execute(ctx context.Context, pc *Context) (StepResult, error)
    // Dump serializes the state needed to rebuild the procedure.
    Dump() ([]byte, error)
}

// Rollbacker is implemented by procedures that can undo partial effects.
type Rollbacker interface {
    Rollback(ctx context.Context, pc *Context) error
}

// Loader rebuilds a procedure from its dumped state. It also turns the
// submitted input into a fresh procedure.
type Loader func(state []byte) (Procedure, error)

// StepError is one failed attempt kept in the record's history.
type StepError struct {
    Step    int       `json:"step"`
    Attempt int       `json:"attempt"`
    Error   string    `json:"error"`
    At      time.Time `json:"at"`
}

// Record is the persisted form of a procedure, overwritten on each
// transition.
type Record struct {
    ID          string      `json:"id"`
    Type        string      `json:"type"`
    Status      Status      `json:"status"`
    StepIndex   int         `json:"step_index"`
    State       []byte      `json:"state"`
    Attempts    int         `json:"attempts"`
    LastError   string      `json:"last_error,omitempty"`
    Errors      []StepError `json:"errors,omitempty"`
    Reason      string      `json:"reason,omitempty"`
    RollingBack bool        `json:"rolling_back,omitempty"`
    LockKeys    []string    `json:"lock_keys,omitempty"`
    Term        uint64      `json:"term"`
    Version     uint64      `json:"version"`
    CreatedAt   time.Time   `json:"created_at"`
    UpdatedAt   time.Time   `json:"updated_at"`
}

const maxErrorHistory = 32

func (r *Record) recordError(step, attempt int, err error, now time.Time) {
    r.LastError = err.Error()
    r.Errors = append(r.Errors, StepError{Step: step, Attempt: attempt, Error: err.Error(), At: now})
    if len(r.Errors) > maxErrorHistory { r.Errors = r.Errors[len(r.Errors)-maxErrorHistory:] }
}
