// Package bootstrap assembles a metasrv node from configuration: the store
// backend, the cluster facade, gossip, and the HTTP and gRPC servers.
package bootstrap

import (
    "context"
    "crypto/tls"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/config"
    "github.com/amirimatin/go-metasrv/pkg/discovery"
    dDNS "github.com/amirimatin/go-metasrv/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-metasrv/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-metasrv/pkg/discovery/static"
    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/kv/boltkv"
    "github.com/amirimatin/go-metasrv/pkg/kv/memkv"
    "github.com/amirimatin/go-metasrv/pkg/kv/raftkv"
    "github.com/amirimatin/go-metasrv/pkg/kv/sqlkv"
    "github.com/amirimatin/go-metasrv/pkg/kv/zkkv"
    ml "github.com/amirimatin/go-metasrv/pkg/membership/memberlist"
    "github.com/amirimatin/go-metasrv/pkg/observability/metrics"
    mgmtgrpc "github.com/amirimatin/go-metasrv/pkg/transport/grpc"
    "github.com/amirimatin/go-metasrv/pkg/transport/httpjson"
)

// Node is an assembled, not yet running, metasrv process.
type Node struct {
    Config  config.Config
    Cluster *cluster.Cluster
    Store   kv.Store
    HTTP    *httpjson.Server
    GRPC    *mgmtgrpc.Server

    log    hclog.Logger
    client *mgmtgrpc.Client
}

// Build assembles a Node from cfg without starting it. The caller owns the
// returned node and must call Close when Run is not used.
func Build(ctx context.Context, cfg config.Config, logger hclog.Logger) (n *Node, err error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    metrics.Register()
    log := logutil.OrNull(logger)
    n = &Node{Config: cfg, log: log.Named("bootstrap")}
    defer func() {
        if err != nil { _ = n.Close() }
    }()

    var srvTLS, cliTLS *tls.Config
    if srvTLS, err = cfg.TLS.Server(); err != nil { return nil, err }
    if cliTLS, err = cfg.TLS.Client(); err != nil { return nil, err }
    n.client = mgmtgrpc.NewClient(cfg.Store.CallTimeout)
    if cliTLS != nil { n.client.UseTLS(cliTLS) }

    if n.Store, err = openStore(ctx, cfg, log, n.forward); err != nil { return nil, err }

    opts := cluster.Options{
        NodeID:           cfg.Node.ID,
        Cluster:          cfg.Node.Cluster,
        Addr:             cfg.AdvertiseAddr(),
        Store:            n.Store,
        CallTimeout:      cfg.Store.CallTimeout,
        ElectionTTL:      cfg.Election.TTL,
        RenewInterval:    cfg.Election.RenewInterval,
        ResignOnStop:     cfg.Election.ResignOnStop,
        Failure:          cfg.Failure.Options,
        EvalInterval:     cfg.Failure.EvalInterval,
        DatanodeLeaseTTL: cfg.Lease.DatanodeTTL,
        SweepInterval:    cfg.Lease.SweepInterval,
        SweepGrace:       cfg.Lease.SweepGrace,
        Procedure:        cfg.Procedure,
        Selector:         cfg.Failover.Selector,
        GossipInterval:   cfg.Gossip.Interval,
        Logger:           log,
    }
    if cfg.Gossip.Enable {
        g, err := ml.New(ml.Options{
            NodeID:    cfg.Node.ID,
            Bind:      cfg.Gossip.Bind,
            Advertise: cfg.Gossip.Advertise,
            Role:      cfg.Gossip.Role,
            APIAddr:   cfg.AdvertiseAddr(),
            Logger:    log,
        })
        if err != nil { return nil, err }
        opts.Membership = g
        opts.Discovery = buildDiscovery(cfg.Gossip.Discovery)
    }
    if n.Cluster, err = cluster.New(opts); err != nil { return nil, err }

    if cfg.HTTP.Addr != "" {
        n.HTTP = httpjson.NewServer(cfg.HTTP.Addr, n.Cluster, log)
        if srvTLS != nil { n.HTTP.UseTLS(srvTLS) }
    }
    if cfg.GRPC.Addr != "" {
        n.GRPC = mgmtgrpc.NewServer(cfg.GRPC.Addr, n.Cluster, log)
        if srvTLS != nil { n.GRPC.UseTLS(srvTLS) }
        if rs, ok := n.Store.(*raftkv.Store); ok { n.GRPC.UseApply(rs.Apply) }
    }
    return n, nil
}

// forward ships a raft write to the leader's gRPC endpoint.
func (n *Node) forward(ctx context.Context, leaderID string, cmd raftkv.Command) (bool, error) {
    addr, ok := n.Config.GRPCPeer(leaderID)
    if !ok { return false, kv.Unavailable(errors.Newf("no grpc address for raft leader %q", leaderID), "forward") }
    return n.client.Apply(ctx, addr, cmd)
}

func openStore(ctx context.Context, cfg config.Config, log hclog.Logger, fwd raftkv.ForwardFunc) (kv.Store, error) {
    sc := cfg.Store
    var (
        s   kv.Store
        err error
    )
    switch sc.Kind {
    case config.StoreMemory:
        return memkv.New(), nil
    case config.StoreBolt:
        var b *boltkv.Store
        b, err = boltkv.Open(boltkv.Options{Path: sc.Bolt.Path})
        s = b
    case config.StoreRaft:
        servers := make([]raftkv.Server, 0, len(sc.Raft.Peers))
        for _, p := range sc.Raft.Peers { servers = append(servers, raftkv.Server{ID: p.ID, Addr: p.Addr}) }
        var r *raftkv.Store
        r, err = raftkv.Open(raftkv.Options{
            NodeID:           cfg.Node.ID,
            Logger:           log,
            Bootstrap:        sc.Raft.Bootstrap,
            Servers:          servers,
            HeartbeatTimeout: sc.Raft.HeartbeatTimeout,
            ElectionTimeout:  sc.Raft.ElectionTimeout,
            ApplyTimeout:     sc.Raft.ApplyTimeout,
            BindAddr:         sc.Raft.Bind,
            DataDir:          sc.Raft.DataDir,
            Forward:          fwd,
        })
        s = r
    case config.StoreZooKeeper:
        var z *zkkv.Store
        z, err = zkkv.Open(zkkv.Options{Servers: sc.ZooKeeper.Servers, Root: sc.ZooKeeper.Root, SessionTimeout: sc.ZooKeeper.SessionTimeout, Logger: log})
        s = z
    case config.StoreSQLServer:
        var q *sqlkv.Store
        q, err = sqlkv.Open(ctx, sqlkv.Options{DSN: sc.SQLServer.DSN, PollInterval: sc.SQLServer.PollInterval, EnsureSchema: sc.SQLServer.EnsureSchema, Logger: log})
        s = q
    default:
        return nil, errors.Newf("bootstrap: unknown store kind %q", sc.Kind)
    }
    // Never hand back a typed nil inside the interface.
    if err != nil { return nil, err }
    log.Info("store opened", "kind", sc.Kind)
    return s, nil
}

func buildDiscovery(d config.Discovery) discovery.Discovery {
    switch d.Kind {
    case config.DiscoveryDNS:
        return dDNS.New(dDNS.Options{Names: d.Names, Port: d.Port, Refresh: d.Refresh})
    case config.DiscoveryFile:
        return dFile.New(dFile.Options{Path: d.Path, Env: d.Env, Refresh: d.Refresh})
    default:
        return dStatic.New(d.Seeds...)
    }
}

// Run starts the servers and the cluster and blocks until ctx is done or a
// component fails. The store is closed on return.
func (n *Node) Run(ctx context.Context) error {
    defer n.Close()
    g, gctx := errgroup.WithContext(ctx)
    if n.HTTP != nil {
        if err := n.HTTP.Start(gctx); err != nil { return err }
    }
    if n.GRPC != nil {
        if err := n.GRPC.Start(gctx); err != nil { return err }
        n.GRPC.SetServing(true)
    }
    g.Go(func() error { return n.Cluster.Run(gctx) })
    err := g.Wait()

    stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if n.GRPC != nil {
        n.GRPC.SetServing(false)
        _ = n.GRPC.Stop(stopCtx)
    }
    if n.HTTP != nil { _ = n.HTTP.Stop(stopCtx) }
    if errors.Is(err, context.Canceled) { return nil }
    return err
}

// Close releases the store and cached connections. It is safe to call
// more than once.
func (n *Node) Close() error {
    if n.client != nil { n.client.Close(); n.client = nil }
    if n.Store == nil { return nil }
    err := n.Store.Close()
    n.Store = nil
    return err
}
