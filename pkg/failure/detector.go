// Package failure implements phi-accrual failure detection over heartbeat
// arrival times, with hysteresis on the alive/dead verdict.
package failure

import (
    "math"
    "time"

    "github.com/cockroachdb/errors"
)

type Options struct {
    // Threshold is the phi above which a live peer is declared dead.
    Threshold float64 `yaml:"threshold"`
    // RecoverThreshold is the phi a heartbeat must arrive under to revive a
    // dead peer.
    RecoverThreshold       float64       `yaml:"recover_threshold"`
    MinStdDev              time.Duration `yaml:"min_std_dev"`
    AcceptablePause        time.Duration `yaml:"acceptable_pause"`
    FirstHeartbeatEstimate time.Duration `yaml:"first_heartbeat_estimate"`
    MaxSamples             int           `yaml:"max_samples"`
    // GracePeriod is how long a registered peer without any heartbeat is
    // assumed alive.
    GracePeriod time.Duration `yaml:"grace_period"`
}

func DefaultOptions() Options {
    return Options{
        Threshold:              8.0,
        RecoverThreshold:       1.0,
        MinStdDev:              100 * time.Millisecond,
        AcceptablePause:        3 * time.Second,
        FirstHeartbeatEstimate: time.Second,
        MaxSamples:             1000,
        GracePeriod:            10 * time.Second,
    }
}

func (o Options) Validate() error {
    if o.Threshold <= 0 { return errors.New("failure: threshold must be positive") }
    if o.RecoverThreshold < 0 || o.RecoverThreshold >= o.Threshold { return errors.New("failure: recover threshold must be in [0, threshold)") }
    if o.MinStdDev <= 0 { return errors.New("failure: min std dev must be positive") }
    if o.FirstHeartbeatEstimate <= 0 { return errors.New("failure: first heartbeat estimate must be positive") }
    if o.MaxSamples < 2 { return errors.New("failure: max samples must be >= 2") }
    if o.GracePeriod < 0 || o.AcceptablePause < 0 { return errors.New("failure: negative duration") }
    return nil
}

// intervals is a bounded window of inter-arrival times in milliseconds
// with running sums for mean and variance.
type intervals struct {
    buf   []float64
    head  int
    n     int
    sum   float64
    sumSq float64
}

func newIntervals(max int) *intervals { return &intervals{buf: make([]float64, max)} }

func (w *intervals) add(v float64) {
    if w.n == len(w.buf) {
        old := w.buf[w.head]
        w.sum -= old
        w.sumSq -= old * old
    } else {
        w.n++
    }
    w.buf[w.head] = v
    w.head = (w.head + 1) % len(w.buf)
    w.sum += v
    w.sumSq += v * v
}

func (w *intervals) mean() float64 { return w.sum / float64(w.n) }

func (w *intervals) stdDev() float64 {
    m := w.mean()
    v := w.sumSq/float64(w.n) - m*m
    if v < 0 { v = 0 }
    return math.Sqrt(v)
}

// Detector tracks one peer. It is not safe for concurrent use; the Monitor
// owns every Detector.
type Detector struct {
    opts       Options
    history    *intervals
    last       time.Time
    registered time.Time
    alive      bool
}

// NewDetector starts tracking a peer registered at now.
func NewDetector(opts Options, now time.Time) *Detector {
    return &Detector{opts: opts, history: newIntervals(opts.MaxSamples), registered: now, alive: true}
}

func (d *Detector) Alive() bool { return d.alive }

func (d *Detector) LastHeartbeat() time.Time { return d.last }

func (d *Detector) Samples() int { return d.history.n }

// Heartbeat records an arrival at now and reports whether it revived a dead
// peer. A dead peer revives only when phi just before this arrival was under
// RecoverThreshold, so the first heartbeat after a long gap never revives.
// Intervals that end while the peer is dead are not added to the history.
func (d *Detector) Heartbeat(now time.Time) bool {
    if d.last.IsZero() {
        est := ms(d.opts.FirstHeartbeatEstimate)
        std := est / 4
        d.history.add(est - std)
        d.history.add(est + std)
        d.last = now
        return false
    }
    if !now.After(d.last) { return false }
    before := d.Phi(now)
    revived := false
    if d.alive {
        d.history.add(ms(now.Sub(d.last)))
    } else if before < d.opts.RecoverThreshold {
        d.alive = true
        revived = true
    }
    d.last = now
    return revived
}

// Phi is the suspicion level at now. A peer that never sent a heartbeat has
// phi 0 until its grace period lapses and +Inf afterwards.
func (d *Detector) Phi(now time.Time) float64 {
    if d.last.IsZero() {
        if now.Sub(d.registered) > d.opts.GracePeriod { return math.Inf(1) }
        return 0
    }
    diff := ms(now.Sub(d.last))
    mean := d.history.mean() + ms(d.opts.AcceptablePause)
    std := math.Max(d.history.stdDev(), ms(d.opts.MinStdDev))
    return phi(diff, mean, std)
}

// Evaluate applies the death threshold at now and reports the phi and
// whether this call moved the peer from alive to dead.
func (d *Detector) Evaluate(now time.Time) (float64, bool) {
    p := d.Phi(now)
    if d.alive && p > d.opts.Threshold {
        d.alive = false
        return p, true
    }
    return p, false
}

// phi uses the logistic approximation of the normal CDF.
func phi(diff, mean, std float64) float64 {
    y := (diff - mean) / std
    e := math.Exp(-y * (1.5976 + 0.070566*y*y))
    if diff > mean {
        return -math.Log10(e / (1.0 + e))
    }
    return -math.Log10(1.0 - 1.0/(1.0+e))
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
