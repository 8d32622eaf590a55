package cluster

import (
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/discovery"
    "github.com/amirimatin/go-metasrv/pkg/failure"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/membership"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/procedure/failover"
)

const (
    SelectLeastLoaded = "least_loaded"
    SelectRoundRobin  = "round_robin"
)

// Options assemble a metasrv node. bootstrap.Build fills them from config.
type Options struct {
    NodeID  string
    Cluster string
    // Addr is the API address advertised to followers and clients.
    Addr  string
    Store kv.Store
    // CallTimeout bounds each store call made by the registry and the
    // executor.
    CallTimeout time.Duration

    ElectionTTL   time.Duration
    RenewInterval time.Duration
    ResignOnStop  bool

    Failure      failure.Options
    EvalInterval time.Duration

    // DatanodeLeaseTTL bounds how long a peer counts as registered after
    // its last heartbeat.
    DatanodeLeaseTTL time.Duration
    // SweepInterval and SweepGrace drive removal of long expired peers.
    SweepInterval time.Duration
    SweepGrace    time.Duration

    Procedure procedure.Options
    Selector  string
    // Actuator defaults to the KV-backed instruction writer.
    Actuator failover.Actuator

    Membership     membership.Membership
    Discovery      discovery.Discovery
    GossipInterval time.Duration

    Logger hclog.Logger
    Now    func() time.Time
}

func (o *Options) setDefaults() {
    if o.Cluster == "" { o.Cluster = "default" }
    if o.ElectionTTL <= 0 { o.ElectionTTL = 3 * time.Second }
    if o.EvalInterval <= 0 { o.EvalInterval = 500 * time.Millisecond }
    if o.Failure == (failure.Options{}) { o.Failure = failure.DefaultOptions() }
    if o.DatanodeLeaseTTL <= 0 { o.DatanodeLeaseTTL = 15 * time.Second }
    if o.SweepInterval <= 0 { o.SweepInterval = 30 * time.Second }
    if o.SweepGrace <= 0 { o.SweepGrace = 5 * time.Minute }
    if o.Selector == "" { o.Selector = SelectLeastLoaded }
    if o.GossipInterval <= 0 { o.GossipInterval = time.Second }
    if o.CallTimeout <= 0 { o.CallTimeout = kv.DefaultRetryPolicy().CallTimeout }
    if o.Now == nil { o.Now = time.Now }
}

func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("cluster: empty node id") }
    if o.Store == nil { return errors.New("cluster: nil store") }
    if o.Selector != SelectLeastLoaded && o.Selector != SelectRoundRobin {
        return errors.Newf("cluster: unknown selector %q", o.Selector)
    }
    if o.Membership != nil && o.Discovery == nil { return errors.New("cluster: gossip needs a seed discovery") }
    return o.Failure.Validate()
}
