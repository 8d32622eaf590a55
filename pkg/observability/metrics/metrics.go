package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "metasrv"

var (
    once sync.Once

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this replica holds the leadership lease, else 0",
    })

    ElectionTerm = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "election",
        Name:      "term",
        Help:      "Last observed leadership term",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "election",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader changes",
    })

    ElectionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "election",
        Name:      "transitions_total",
        Help:      "Local role transitions by target role",
    }, []string{"role"})

    LeaseOps = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "lease",
        Name:      "ops_total",
        Help:      "Lease operations by kind and result",
    }, []string{"op", "result"})

    LockOps = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "lock",
        Name:      "ops_total",
        Help:      "Lock operations by kind and result",
    }, []string{"op", "result"})

    PeersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "failure",
        Name:      "peers_alive",
        Help:      "Peers currently judged alive",
    })
    PeersDead = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "failure",
        Name:      "peers_dead",
        Help:      "Peers currently judged dead",
    })
    FailureEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "failure",
        Name:      "events_dropped_total",
        Help:      "Verdict events dropped because a subscriber buffer was full",
    })
    Phi = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "failure",
        Name:      "phi",
        Help:      "Suspicion level observed at evaluation",
        Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
    })

    Heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "heartbeats_total",
        Help:      "Heartbeats ingested by role",
    }, []string{"role"})

    Procedures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "procedure",
        Name:      "active",
        Help:      "Procedures tracked by this executor by status",
    }, []string{"status"})
    ProcedureTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "procedure",
        Name:      "transitions_total",
        Help:      "Procedure status transitions by type and status",
    }, []string{"type", "status"})
    StepRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "procedure",
        Name:      "step_retries_total",
        Help:      "Failed step attempts that were retried",
    }, []string{"type"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(IsLeader, ElectionTerm, LeaderChanges, ElectionTransitions)
        prometheus.MustRegister(LeaseOps, LockOps)
        prometheus.MustRegister(PeersAlive, PeersDead, FailureEventsDropped, Phi, Heartbeats)
        prometheus.MustRegister(Procedures, ProcedureTransitions, StepRetries)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}

// Result labels an operation outcome for the *_ops_total counters.
func Result(err error) string {
    if err == nil { return "ok" }
    return "error"
}
