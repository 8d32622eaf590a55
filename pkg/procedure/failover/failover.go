// Package failover moves regions off a dead datanode as a durable
// procedure.
package failover

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/procedure"
)

const Type = "region_failover"

type Step string

const (
    StepStart            Step = "Start"
    StepDeactivateRegion Step = "DeactivateRegion"
    StepActivateRegion   Step = "ActivateRegion"
    StepUpdateMetadata   Step = "UpdateMetadata"
    StepInvalidateCache  Step = "InvalidateCache"
    StepEnd              Step = "End"
)

// Input names the region to move and the datanode it was on.
type Input struct {
    ClusterID  uint64 `json:"cluster_id"`
    DatanodeID string `json:"datanode_id"`
    RegionID   uint64 `json:"region_id"`
    Table      string `json:"table"`
}

func (in Input) Validate() error {
    if in.DatanodeID == "" { return errors.Wrap(procedure.ErrInvalidInput, "failover: datanode_id is required") }
    return nil
}

// State is what gets persisted between steps.
type State struct {
    Input     Input  `json:"input"`
    Step      Step   `json:"step"`
    Candidate string `json:"candidate,omitempty"`
    Prev      *Route `json:"prev,omitempty"`
    Skipped   bool   `json:"skipped,omitempty"`
}

// Deps are the collaborators every failover procedure uses.
type Deps struct {
    Routes   *Routes
    Actuator Actuator
    Selector Selector
}

type Procedure struct {
    deps  Deps
    state State
}

// LockKey is the lock that serializes procedures touching one region.
func LockKey(region uint64) string { return fmt.Sprintf("region/%d", region) }

func New(deps Deps, in Input) *Procedure {
    return &Procedure{deps: deps, state: State{Input: in, Step: StepStart}}
}

// Loader rebuilds procedures from either a submitted Input or a dumped
// State.
func Loader(deps Deps) procedure.Loader {
    return func(b []byte) (procedure.Procedure, error) {
        var st State
        if err := json.Unmarshal(b, &st); err != nil { return nil, errors.Mark(errors.Wrap(err, "failover: decode state"), procedure.ErrInvalidInput) }
        if st.Step == "" {
            var in Input
            if err := json.Unmarshal(b, &in); err != nil { return nil, errors.Mark(errors.Wrap(err, "failover: decode input"), procedure.ErrInvalidInput) }
            st = State{Input: in, Step: StepStart}
        }
        if err := st.Input.Validate(); err != nil { return nil, err }
        return &Procedure{deps: deps, state: st}, nil
    }
}

// Register binds the failover type on x.
func Register(x *procedure.Executor, deps Deps) { x.Register(Type, Loader(deps)) }

func (p *Procedure) Type() string { return Type }

func (p *Procedure) State() State { return p.state }

func (p *Procedure) LockKeys() []string { return []string{LockKey(p.state.Input.RegionID)} }

func (p *Procedure) Dump() ([]byte, error) { return json.Marshal(p.state) }

func (p *Procedure) Execute(ctx context.Context, pc *procedure.Context) (procedure.StepResult, error) {
    in := p.state.Input
    log := pc.Logger.With("region", in.RegionID, "from", in.DatanodeID, "step", p.state.Step)
    switch p.state.Step {
    case StepStart:
        rt, ok, err := p.deps.Routes.Get(ctx, in.RegionID)
        if err != nil { return procedure.StepResult{}, err }
        if ok && rt.Leader != in.DatanodeID {
            log.Info("region already served elsewhere, nothing to do", "leader", rt.Leader)
            p.state.Skipped = true
            p.state.Step = StepEnd
            return procedure.Next(), nil
        }
        cand, err := p.deps.Selector.Select(ctx, in.DatanodeID)
        if errors.Is(err, ErrNoCandidate) { return procedure.Suspend("no candidate datanode available"), nil }
        if err != nil { return procedure.StepResult{}, err }
        if ok { p.state.Prev = &rt }
        p.state.Candidate = cand
        p.state.Step = StepDeactivateRegion
        log.Info("failover candidate selected", "candidate", cand)
    case StepDeactivateRegion:
        if err := p.deps.Actuator.CloseRegion(ctx, in.DatanodeID, in.RegionID); err != nil { return procedure.StepResult{}, err }
        p.state.Step = StepActivateRegion
    case StepActivateRegion:
        if err := p.deps.Actuator.OpenRegion(ctx, p.state.Candidate, in.RegionID); err != nil { return procedure.StepResult{}, err }
        p.state.Step = StepUpdateMetadata
    case StepUpdateMetadata:
        _, err := p.deps.Routes.Move(ctx, in.RegionID, in.DatanodeID, p.state.Candidate)
        if errors.Is(err, ErrRouteMoved) { return procedure.StepResult{}, procedure.Fatal(err) }
        if err != nil { return procedure.StepResult{}, err }
        p.state.Step = StepInvalidateCache
    case StepInvalidateCache:
        if in.Table != "" {
            if err := p.deps.Actuator.InvalidateCache(ctx, in.Table); err != nil { return procedure.StepResult{}, err }
        }
        p.state.Step = StepEnd
    case StepEnd:
        log.Info("region failover finished", "candidate", p.state.Candidate, "skipped", p.state.Skipped)
        return procedure.Done(), nil
    default:
        return procedure.StepResult{}, procedure.Fatal(errors.Newf("failover: unknown step %q", p.state.Step))
    }
    return procedure.Next(), nil
}

// Rollback points the route back at the failed datanode's previous entry
// and closes the region on the candidate.
func (p *Procedure) Rollback(ctx context.Context, pc *procedure.Context) error {
    in := p.state.Input
    if p.state.Candidate == "" { return nil }
    if err := p.deps.Actuator.CloseRegion(ctx, p.state.Candidate, in.RegionID); err != nil { return err }
    if p.state.Prev == nil { return nil }
    _, err := p.deps.Routes.Move(ctx, in.RegionID, p.state.Candidate, p.state.Prev.Leader)
    if errors.Is(err, ErrRouteMoved) {
        pc.Logger.Warn("route no longer points at candidate, leaving it", "region", in.RegionID)
        return nil
    }
    return err
}
