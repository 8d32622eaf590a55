package cli

import (
    "context"
    "encoding/json"
    "strconv"
    "strings"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/procedure/failover"
    tlsx "github.com/amirimatin/go-metasrv/pkg/security/tlsconfig"
    "github.com/amirimatin/go-metasrv/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-metasrv/pkg/transport/grpc"
    "github.com/amirimatin/go-metasrv/pkg/transport/httpjson"
)

// clientFlags are shared by every command that talks to a running node.
type clientFlags struct {
    addr    string
    proto   string
    timeout time.Duration
    tls     tlsx.Options
}

func (f *clientFlags) register(cmd *cobra.Command) {
    fl := cmd.Flags()
    fl.StringVar(&f.addr, "addr", "127.0.0.1:4000", "management address of a node (host:port)")
    fl.StringVar(&f.proto, "proto", "http", "management protocol: http|grpc")
    fl.DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
    fl.BoolVar(&f.tls.Enable, "tls-enable", false, "use TLS")
    fl.StringVar(&f.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    fl.StringVar(&f.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
    fl.StringVar(&f.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
    fl.BoolVar(&f.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fl.StringVar(&f.tls.ServerName, "tls-server-name", "", "expected server name")
}

func (f *clientFlags) client() (transport.Client, func(), error) {
    cfg, err := f.tls.Client()
    if err != nil { return nil, nil, errors.Wrap(err, "tls client config") }
    switch f.proto {
    case "grpc":
        c := mgmtgrpc.NewClient(f.timeout)
        if cfg != nil { c.UseTLS(cfg) }
        return c, c.Close, nil
    case "http", "":
        c := httpjson.NewClient(f.timeout)
        if cfg != nil { c.UseTLS(cfg) }
        return c, func() {}, nil
    default:
        return nil, nil, errors.Newf("unknown protocol %q", f.proto)
    }
}

// leader runs fn against --addr and, over HTTP, follows a leader hint once.
// Hints carry HTTP addresses, so gRPC calls are not redirected.
func (f *clientFlags) leader(fn func(addr string) error) error {
    if f.proto == "grpc" { return fn(f.addr) }
    return transport.FollowLeader(f.addr, fn)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's view of the cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, f.timeout)
            defer cancel()
            st, err := c.Status(ctx, f.addr)
            if err != nil { return errors.Wrap(err, "status") }
            return printJSON(cmd.OutOrStdout(), st)
        },
    }
    f.register(cmd)
    return cmd
}

// NewLeaderCmd returns the "leader" command; --watch streams changes.
func NewLeaderCmd() *cobra.Command {
    var (
        f     clientFlags
        watch bool
    )
    cmd := &cobra.Command{
        Use:   "leader",
        Short: "Show the current leader, or stream leadership events",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            if watch { return watchLeader(cmd, c, f.addr) }
            ctx, cancel := withTimeout(cmd, f.timeout)
            defer cancel()
            rec, known, err := c.Leader(ctx, f.addr)
            if err != nil { return errors.Wrap(err, "leader") }
            return printJSON(cmd.OutOrStdout(), transport.LeaderResponse{Leader: rec, Known: known})
        },
    }
    f.register(cmd)
    cmd.Flags().BoolVar(&watch, "watch", false, "stream leadership events until interrupted")
    return cmd
}

func watchLeader(cmd *cobra.Command, c transport.Client, addr string) error {
    ctx, cancel := signalContext(cmd.Context())
    defer cancel()
    out := cmd.OutOrStdout()
    emit := func(ev election.Event) { _ = json.NewEncoder(out).Encode(ev) }
    var err error
    switch wc := c.(type) {
    case *httpjson.Client:
        err = wc.Watch(ctx, addr, emit)
    case *mgmtgrpc.Client:
        err = wc.Watch(ctx, addr, "metasrv-cli", emit)
    default:
        return errors.New("watch is not supported by this protocol")
    }
    if errors.Is(err, context.Canceled) { return nil }
    return err
}

// NewPeersCmd lists registered peers with their liveness.
func NewPeersCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "peers",
        Short: "List registered peers",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, f.timeout)
            defer cancel()
            peers, err := c.Peers(ctx, f.addr)
            if err != nil { return errors.Wrap(err, "peers") }
            return printJSON(cmd.OutOrStdout(), peers)
        },
    }
    f.register(cmd)
    return cmd
}

// parseRegion reads "<id>" or "<id>:<table>".
func parseRegion(s string) (cluster.RegionStat, error) {
    idPart, table, _ := strings.Cut(s, ":")
    id, err := strconv.ParseUint(idPart, 10, 64)
    if err != nil { return cluster.RegionStat{}, errors.Wrapf(err, "region %q", s) }
    return cluster.RegionStat{RegionID: id, Table: table}, nil
}

// NewHeartbeatCmd sends one heartbeat on behalf of a peer.
func NewHeartbeatCmd() *cobra.Command {
    var (
        f       clientFlags
        hb      cluster.Heartbeat
        role    string
        regions []string
    )
    cmd := &cobra.Command{
        Use:   "heartbeat",
        Short: "Send a heartbeat for a peer to the leader",
        RunE: func(cmd *cobra.Command, args []string) error {
            hb.Role = cluster.Role(role)
            for _, r := range regions {
                st, err := parseRegion(r)
                if err != nil { return err }
                hb.Payload.Regions = append(hb.Payload.Regions, st)
            }
            if err := hb.Validate(); err != nil { return err }
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, f.timeout)
            defer cancel()
            var resp cluster.HeartbeatResponse
            err = f.leader(func(addr string) error {
                var err error
                resp, err = c.Heartbeat(ctx, addr, hb)
                return err
            })
            if err != nil { return errors.Wrap(err, "heartbeat") }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    f.register(cmd)
    cmd.Flags().StringVar(&hb.PeerID, "peer-id", "", "peer id (required)")
    cmd.Flags().StringVar(&hb.Addr, "peer-addr", "", "peer address")
    cmd.Flags().StringVar(&role, "role", string(cluster.RoleDatanode), "datanode|frontend|meta")
    cmd.Flags().StringSliceVar(&regions, "region", nil, "hosted region as <id>[:<table>], repeatable")
    return cmd
}

// NewSubmitCmd submits a procedure.
func NewSubmitCmd() *cobra.Command {
    var (
        f     clientFlags
        typ   string
        input string
    )
    cmd := &cobra.Command{
        Use:   "submit",
        Short: "Submit a procedure to the leader",
        RunE: func(cmd *cobra.Command, args []string) error {
            body, err := readInput(cmd.InOrStdin(), input)
            if err != nil { return err }
            if !json.Valid(body) { return errors.New("input is not valid JSON") }
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, f.timeout)
            defer cancel()
            var id string
            err = f.leader(func(addr string) error {
                var err error
                id, err = c.Submit(ctx, addr, typ, body)
                return err
            })
            if err != nil { return errors.Wrap(err, "submit") }
            return printJSON(cmd.OutOrStdout(), transport.SubmitResponse{ID: id})
        },
    }
    f.register(cmd)
    cmd.Flags().StringVar(&typ, "type", failover.Type, "procedure type")
    cmd.Flags().StringVar(&input, "input", "", "procedure input: inline JSON, @file, or - for stdin")
    return cmd
}

// NewProcedureCmd groups procedure inspection commands.
func NewProcedureCmd() *cobra.Command {
    parent := &cobra.Command{Use: "procedure", Aliases: []string{"proc"}, Short: "Inspect procedures"}

    var getFlags clientFlags
    get := &cobra.Command{
        Use:   "get <id>",
        Short: "Show one procedure record",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := getFlags.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, getFlags.timeout)
            defer cancel()
            rec, err := c.Procedure(ctx, getFlags.addr, args[0])
            if err != nil { return errors.Wrap(err, "procedure") }
            return printJSON(cmd.OutOrStdout(), rec)
        },
    }
    getFlags.register(get)

    var (
        listFlags clientFlags
        status    string
    )
    list := &cobra.Command{
        Use:   "list",
        Short: "List procedure records",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := listFlags.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, listFlags.timeout)
            defer cancel()
            recs, err := c.Procedures(ctx, listFlags.addr)
            if err != nil { return errors.Wrap(err, "procedures") }
            if status != "" {
                kept := recs[:0]
                for _, r := range recs {
                    if r.Status == procedure.Status(status) { kept = append(kept, r) }
                }
                recs = kept
            }
            return printJSON(cmd.OutOrStdout(), recs)
        },
    }
    listFlags.register(list)
    list.Flags().StringVar(&status, "status", "", "only show records with this status")

    parent.AddCommand(get, list)
    return parent
}

// NewFailoverCmd triggers failover of every region a datanode hosts.
func NewFailoverCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "failover <datanode>",
        Short: "Fail over every region of a datanode",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := withTimeout(cmd, f.timeout)
            defer cancel()
            var ids []string
            err = f.leader(func(addr string) error {
                var err error
                ids, err = c.Failover(ctx, addr, args[0])
                return err
            })
            if err != nil { return errors.Wrap(err, "failover") }
            return printJSON(cmd.OutOrStdout(), transport.FailoverResponse{Procedures: ids})
        },
    }
    f.register(cmd)
    return cmd
}
