//go:build integration

package integration

import (
    "context"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/config"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    tlsx "github.com/amirimatin/go-metasrv/pkg/security/tlsconfig"
    mgmtgrpc "github.com/amirimatin/go-metasrv/pkg/transport/grpc"
    "github.com/amirimatin/go-metasrv/pkg/transport/httpjson"
)

func TestTLS_BoltNode_RegionFailover(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()

    dir := t.TempDir()
    crt, key := writeSelfSigned(t, dir)
    tlsOpts := tlsx.Options{Enable: true, CAFile: crt, CertFile: crt, KeyFile: key}

    cfg := config.Default()
    cfg.Node.ID = "m1"
    cfg.HTTP.Addr = "127.0.0.1:17411"
    cfg.GRPC.Addr = "127.0.0.1:17511"
    cfg.Store.Kind = config.StoreBolt
    cfg.Store.Bolt.Path = filepath.Join(dir, "metasrv.db")
    cfg.Election.TTL = 2 * time.Second
    cfg.Election.RenewInterval = 500 * time.Millisecond
    cfg.TLS = tlsOpts
    start(t, cfg)

    cliTLS, err := tlsOpts.Client()
    if err != nil { t.Fatal(err) }
    hc := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)
    gc := mgmtgrpc.NewClient(3 * time.Second).UseTLS(cliTLS)
    defer gc.Close()

    waitUntil(t, 15*time.Second, func() error {
        st, err := gc.Status(ctx, cfg.GRPC.Addr)
        if err != nil { return err }
        if st.Role != election.Leader { return errNotYet }
        return nil
    })

    // A client without a certificate is refused.
    plain := httpjson.NewClient(time.Second)
    if _, err := plain.Status(ctx, cfg.HTTP.Addr); err == nil { t.Fatal("plain HTTP accepted by TLS listener") }

    beat := func(id string, regions ...cluster.RegionStat) {
        _, err := hc.Heartbeat(ctx, cfg.HTTP.Addr, cluster.Heartbeat{PeerID: id, Addr: id + ":4001", Role: cluster.RoleDatanode, Payload: cluster.Payload{Regions: regions}})
        if err != nil { t.Fatalf("heartbeat %s: %v", id, err) }
    }
    beat("dn-1", cluster.RegionStat{RegionID: 7, Table: "cpu"})
    beat("dn-2")

    ids, err := hc.Failover(ctx, cfg.HTTP.Addr, "dn-1")
    if err != nil { t.Fatalf("failover: %v", err) }
    if len(ids) != 1 { t.Fatalf("expected one procedure, got %v", ids) }

    waitUntil(t, 20*time.Second, func() error {
        beat("dn-2")
        rec, err := gc.Procedure(ctx, cfg.GRPC.Addr, ids[0])
        if err != nil { return err }
        if rec.Status != procedure.StatusDone { return errNotYet }
        return nil
    })

    // A second trigger finds the region already moved and finishes as a no-op.
    again, err := hc.Failover(ctx, cfg.HTTP.Addr, "dn-1")
    if err != nil { t.Fatalf("second failover: %v", err) }
    for _, id := range again {
        waitUntil(t, 20*time.Second, func() error {
            rec, err := hc.Procedure(ctx, cfg.HTTP.Addr, id)
            if err != nil { return err }
            if rec.Status != procedure.StatusDone { return errNotYet }
            return nil
        })
    }
}
