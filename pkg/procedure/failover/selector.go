package failover

import (
    "context"
    "sort"
    "sync/atomic"

    "github.com/cockroachdb/errors"
)

var ErrNoCandidate = errors.New("failover: no candidate datanode")

// Candidate is an alive datanode and how many regions it reported.
type Candidate struct {
    ID      string
    Regions int
}

// CandidateSource lists alive datanodes.
type CandidateSource func(ctx context.Context) ([]Candidate, error)

// Selector picks the datanode that takes over a region.
type Selector interface {
    Select(ctx context.Context, exclude string) (string, error)
}

func filter(cs []Candidate, exclude string) []Candidate {
    out := make([]Candidate, 0, len(cs))
    for _, c := range cs {
        if c.ID != exclude { out = append(out, c) }
    }
    return out
}

// LeastLoaded picks the candidate serving the fewest regions, ties broken
// by id.
type LeastLoaded struct{ Source CandidateSource }

func (s LeastLoaded) Select(ctx context.Context, exclude string) (string, error) {
    cs, err := s.Source(ctx)
    if err != nil { return "", err }
    cs = filter(cs, exclude)
    if len(cs) == 0 { return "", ErrNoCandidate }
    sort.Slice(cs, func(i, j int) bool {
        if cs[i].Regions != cs[j].Regions { return cs[i].Regions < cs[j].Regions }
        return cs[i].ID < cs[j].ID
    })
    return cs[0].ID, nil
}

// RoundRobin cycles through candidates in id order.
type RoundRobin struct {
    Source CandidateSource
    next   atomic.Uint64
}

func (s *RoundRobin) Select(ctx context.Context, exclude string) (string, error) {
    cs, err := s.Source(ctx)
    if err != nil { return "", err }
    cs = filter(cs, exclude)
    if len(cs) == 0 { return "", ErrNoCandidate }
    sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
    i := s.next.Add(1) - 1
    return cs[i%uint64(len(cs))].ID, nil
}
