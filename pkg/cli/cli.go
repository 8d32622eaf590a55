// Package cli holds the cobra commands of the metasrv binary.
package cli

import (
    "context"
    "encoding/json"
    "io"
    "os"
    "os/signal"
    "path/filepath"
    "syscall"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-metasrv/pkg/bootstrap"
    "github.com/amirimatin/go-metasrv/pkg/config"
    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/observability/tracing"
)

// AddAll attaches every metasrv subcommand to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewConfigCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewLeaderCmd())
    root.AddCommand(NewPeersCmd())
    root.AddCommand(NewHeartbeatCmd())
    root.AddCommand(NewSubmitCmd())
    root.AddCommand(NewProcedureCmd())
    root.AddCommand(NewFailoverCmd())
}

// runFlags override values loaded from the config file.
type runFlags struct {
    configPath string
    id         string
    cluster    string
    store      string
    httpAddr   string
    grpcAddr   string
    advertise  string
    raftBind   string
    dataDir    string
    bootstrap  bool
    logLevel   string
    logJSON    bool
    trace      bool
}

func (f *runFlags) register(cmd *cobra.Command) {
    fl := cmd.Flags()
    fl.StringVarP(&f.configPath, "config", "c", "", "path to the YAML config file")
    fl.StringVar(&f.id, "id", "", "node id")
    fl.StringVar(&f.cluster, "cluster", "", "cluster name")
    fl.StringVar(&f.store, "store", "", "store backend: memory|bolt|raft|zookeeper|sqlserver")
    fl.StringVar(&f.httpAddr, "http-addr", "", "HTTP management listen address")
    fl.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC management listen address")
    fl.StringVar(&f.advertise, "advertise", "", "HTTP address advertised as the leader hint")
    fl.StringVar(&f.raftBind, "raft-bind", "", "raft bind address (raft store)")
    fl.StringVar(&f.dataDir, "data", "", "data directory (bolt file or raft logs)")
    fl.BoolVar(&f.bootstrap, "bootstrap", false, "bootstrap the raft cluster from this node")
    fl.StringVar(&f.logLevel, "log-level", "", "trace|debug|info|warn|error")
    fl.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
    fl.BoolVar(&f.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
}

// load reads the config file and applies the flags that were set.
func (f *runFlags) load(cmd *cobra.Command) (config.Config, error) {
    cfg, err := config.Load(f.configPath)
    if err != nil { return cfg, err }
    set := func(name string, apply func()) {
        if cmd.Flags().Changed(name) { apply() }
    }
    set("id", func() { cfg.Node.ID = f.id })
    set("cluster", func() { cfg.Node.Cluster = f.cluster })
    set("store", func() { cfg.Store.Kind = f.store })
    set("http-addr", func() { cfg.HTTP.Addr = f.httpAddr })
    set("grpc-addr", func() { cfg.GRPC.Addr = f.grpcAddr })
    set("advertise", func() { cfg.Node.Advertise = f.advertise })
    set("raft-bind", func() { cfg.Store.Raft.Bind = f.raftBind })
    set("data", func() {
        cfg.Store.Raft.DataDir = f.dataDir
        cfg.Store.Bolt.Path = filepath.Join(f.dataDir, "metasrv.db")
    })
    set("bootstrap", func() { cfg.Store.Raft.Bootstrap = f.bootstrap })
    set("log-level", func() { cfg.Log.Level = f.logLevel })
    set("log-json", func() { cfg.Log.JSON = f.logJSON })
    set("trace", func() { cfg.Tracing.Enable = f.trace })
    return cfg, cfg.Validate()
}

// NewRunCmd returns the "run" command that starts a metasrv node.
func NewRunCmd() *cobra.Command {
    var f runFlags
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a metasrv node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := f.load(cmd)
            if err != nil { return err }
            log := logutil.New(logutil.Options{Name: "metasrv", Level: cfg.Log.Level, JSON: cfg.Log.JSON, Output: cmd.ErrOrStderr()})

            shutdown, err := tracing.Setup(cfg.Tracing.Enable, nil)
            if err != nil { return errors.Wrap(err, "tracing setup") }
            defer func() { _ = shutdown(context.Background()) }()

            ctx, cancel := signalContext(cmd.Context())
            defer cancel()
            n, err := bootstrap.Build(ctx, cfg, log)
            if err != nil { return err }
            log.Info("starting", "node", cfg.Node.ID, "store", cfg.Store.Kind, "http", cfg.HTTP.Addr, "grpc", cfg.GRPC.Addr)
            return n.Run(ctx)
        },
    }
    f.register(cmd)
    return cmd
}

// NewConfigCmd prints the effective configuration.
func NewConfigCmd() *cobra.Command {
    var f runFlags
    cmd := &cobra.Command{
        Use:   "config",
        Short: "Print the effective configuration as YAML",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := f.load(cmd)
            if err != nil { return err }
            b, err := cfg.Marshal()
            if err != nil { return err }
            _, err = cmd.OutOrStdout().Write(b)
            return err
        },
    }
    f.register(cmd)
    return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
    if parent == nil { parent = context.Background() }
    return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// readInput accepts inline JSON, @file, or - for stdin.
func readInput(in io.Reader, s string) ([]byte, error) {
    switch {
    case s == "":
        return []byte("{}"), nil
    case s == "-":
        return io.ReadAll(in)
    case s[0] == '@':
        return os.ReadFile(s[1:])
    default:
        return []byte(s), nil
    }
}

func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
    ctx := cmd.Context()
    if ctx == nil { ctx = context.Background() }
    return context.WithTimeout(ctx, d)
}
