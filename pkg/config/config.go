// Package config loads the metasrv YAML configuration.
package config

import (
    "os"
    "strings"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/goccy/go-yaml"

    "github.com/amirimatin/go-metasrv/pkg/failure"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/security/tlsconfig"
)

// Store backends.
const (
    StoreMemory    = "memory"
    StoreBolt      = "bolt"
    StoreRaft      = "raft"
    StoreZooKeeper = "zookeeper"
    StoreSQLServer = "sqlserver"
)

// Seed discovery kinds.
const (
    DiscoveryStatic = "static"
    DiscoveryDNS    = "dns"
    DiscoveryFile   = "file"
)

type Config struct {
    Node      Node              `yaml:"node"`
    Store     Store             `yaml:"store"`
    Election  Election          `yaml:"election"`
    Failure   Failure           `yaml:"failure"`
    Lease     Lease             `yaml:"lease"`
    Procedure procedure.Options `yaml:"procedure"`
    Failover  Failover          `yaml:"failover"`
    HTTP      Listener          `yaml:"http"`
    GRPC      Listener          `yaml:"grpc"`
    Gossip    Gossip            `yaml:"gossip"`
    TLS       tlsconfig.Options `yaml:"tls"`
    Log       Log               `yaml:"log"`
    Tracing   Tracing           `yaml:"tracing"`
}

type Node struct {
    ID      string `yaml:"id"`
    Cluster string `yaml:"cluster"`
    // Advertise is the HTTP address handed to clients as the leader hint;
    // defaults to the HTTP listen address.
    Advertise string `yaml:"advertise"`
}

type Store struct {
    Kind      string    `yaml:"kind"`
    Bolt      Bolt      `yaml:"bolt"`
    Raft      Raft      `yaml:"raft"`
    ZooKeeper ZooKeeper `yaml:"zookeeper"`
    SQLServer SQLServer `yaml:"sqlserver"`
    // CallTimeout bounds each backend call.
    CallTimeout time.Duration `yaml:"call_timeout"`
}

type Bolt struct {
    Path string `yaml:"path"`
}

type Raft struct {
    Bind      string `yaml:"bind"`
    DataDir   string `yaml:"data_dir"`
    Bootstrap bool   `yaml:"bootstrap"`
    // Peers lists every voter with the gRPC address that accepts its
    // forwarded writes.
    Peers            []RaftPeer    `yaml:"peers"`
    HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
    ElectionTimeout  time.Duration `yaml:"election_timeout"`
    ApplyTimeout     time.Duration `yaml:"apply_timeout"`
}

type RaftPeer struct {
    ID   string `yaml:"id"`
    Addr string `yaml:"addr"`
    GRPC string `yaml:"grpc"`
}

type ZooKeeper struct {
    Servers        []string      `yaml:"servers"`
    Root           string        `yaml:"root"`
    SessionTimeout time.Duration `yaml:"session_timeout"`
}

type SQLServer struct {
    DSN          string        `yaml:"dsn"`
    PollInterval time.Duration `yaml:"poll_interval"`
    EnsureSchema bool          `yaml:"ensure_schema"`
}

type Election struct {
    TTL           time.Duration `yaml:"ttl"`
    RenewInterval time.Duration `yaml:"renew_interval"`
    ResignOnStop  bool          `yaml:"resign_on_stop"`
}

type Failure struct {
    failure.Options `yaml:",inline"`
    EvalInterval    time.Duration `yaml:"eval_interval"`
}

type Lease struct {
    DatanodeTTL   time.Duration `yaml:"datanode_ttl"`
    SweepInterval time.Duration `yaml:"sweep_interval"`
    SweepGrace    time.Duration `yaml:"sweep_grace"`
}

type Failover struct {
    Selector string `yaml:"selector"`
}

type Listener struct {
    Addr string `yaml:"addr"`
}

type Gossip struct {
    Enable    bool          `yaml:"enable"`
    Bind      string        `yaml:"bind"`
    Advertise string        `yaml:"advertise"`
    Role      string        `yaml:"role"`
    Interval  time.Duration `yaml:"interval"`
    Discovery Discovery     `yaml:"discovery"`
}

type Discovery struct {
    Kind    string        `yaml:"kind"`
    Seeds   []string      `yaml:"seeds"`
    Names   []string      `yaml:"names"`
    Port    int           `yaml:"port"`
    Path    string        `yaml:"path"`
    Env     string        `yaml:"env"`
    Refresh time.Duration `yaml:"refresh"`
}

type Log struct {
    Level string `yaml:"level"`
    JSON  bool   `yaml:"json"`
}

type Tracing struct {
    Enable bool `yaml:"enable"`
}

// Default is a single node on an in-memory store.
func Default() Config {
    host, _ := os.Hostname()
    if host == "" { host = "metasrv-1" }
    return Config{
        Node:      Node{ID: host, Cluster: "default"},
        Store:     Store{Kind: StoreMemory, Bolt: Bolt{Path: "data/metasrv.db"}, ZooKeeper: ZooKeeper{Root: "/metasrv"}, CallTimeout: 2 * time.Second},
        Election:  Election{TTL: 3 * time.Second, RenewInterval: time.Second, ResignOnStop: true},
        Failure:   Failure{Options: failure.DefaultOptions(), EvalInterval: 500 * time.Millisecond},
        Lease:     Lease{DatanodeTTL: 15 * time.Second, SweepInterval: 30 * time.Second, SweepGrace: 5 * time.Minute},
        Procedure: procedure.DefaultOptions(),
        Failover:  Failover{Selector: "least_loaded"},
        HTTP:      Listener{Addr: ":4000"},
        GRPC:      Listener{Addr: ":4001"},
        Gossip:    Gossip{Bind: ":7946", Role: "meta", Interval: time.Second, Discovery: Discovery{Kind: DiscoveryStatic}},
        Log:       Log{Level: "info"},
    }
}

// Load reads path over the defaults. An empty path yields Default().
func Load(path string) (Config, error) {
    if path == "" { return Default(), nil }
    b, err := os.ReadFile(path)
    if err != nil { return Config{}, errors.Wrapf(err, "config: read %s", path) }
    return Parse(b)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(b []byte) (Config, error) {
    cfg := Default()
    if err := yaml.UnmarshalWithOptions(b, &cfg, yaml.Strict()); err != nil {
        return Config{}, errors.Wrap(err, "config: decode")
    }
    if err := cfg.Validate(); err != nil { return Config{}, err }
    return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

// AdvertiseAddr is the HTTP address other nodes and clients should use.
func (c Config) AdvertiseAddr() string {
    if c.Node.Advertise != "" { return c.Node.Advertise }
    addr := c.HTTP.Addr
    if strings.HasPrefix(addr, ":") { addr = "127.0.0.1" + addr }
    return addr
}

// GRPCPeer returns the gRPC address configured for a raft voter.
func (c Config) GRPCPeer(id string) (string, bool) {
    for _, p := range c.Store.Raft.Peers {
        if p.ID == id && p.GRPC != "" { return p.GRPC, true }
    }
    return "", false
}

func (c Config) Validate() error {
    if c.Node.ID == "" { return errors.New("config: node.id is required") }
    if strings.Contains(c.Node.ID, "/") { return errors.Newf("config: node.id %q must not contain '/'", c.Node.ID) }
    switch c.Store.Kind {
    case StoreMemory:
    case StoreBolt:
        if c.Store.Bolt.Path == "" { return errors.New("config: store.bolt.path is required") }
    case StoreRaft:
        if c.Store.Raft.Bind == "" && len(c.Store.Raft.Peers) > 0 { return errors.New("config: store.raft.bind is required with peers") }
        seen := map[string]bool{}
        for _, p := range c.Store.Raft.Peers {
            if p.ID == "" || p.Addr == "" { return errors.New("config: store.raft.peers need id and addr") }
            if seen[p.ID] { return errors.Newf("config: duplicate raft peer %q", p.ID) }
            seen[p.ID] = true
        }
    case StoreZooKeeper:
        if len(c.Store.ZooKeeper.Servers) == 0 { return errors.New("config: store.zookeeper.servers is required") }
    case StoreSQLServer:
        if c.Store.SQLServer.DSN == "" { return errors.New("config: store.sqlserver.dsn is required") }
    default:
        return errors.Newf("config: unknown store kind %q", c.Store.Kind)
    }
    if c.Election.TTL <= 0 { return errors.New("config: election.ttl must be positive") }
    if c.Election.RenewInterval <= 0 || c.Election.RenewInterval >= c.Election.TTL {
        return errors.New("config: election.renew_interval must be in (0, ttl)")
    }
    if err := c.Failure.Options.Validate(); err != nil { return errors.Wrap(err, "config") }
    if c.Procedure.MaxAttempts < 1 { return errors.New("config: procedure.max_attempts must be at least 1") }
    if c.Lease.DatanodeTTL <= 0 { return errors.New("config: lease.datanode_ttl must be positive") }
    if c.HTTP.Addr == "" && c.GRPC.Addr == "" { return errors.New("config: at least one of http.addr and grpc.addr is required") }
    if c.Gossip.Enable {
        if c.Gossip.Bind == "" { return errors.New("config: gossip.bind is required") }
        switch c.Gossip.Discovery.Kind {
        case DiscoveryStatic, DiscoveryDNS, DiscoveryFile:
        default:
            return errors.Newf("config: unknown discovery kind %q", c.Gossip.Discovery.Kind)
        }
    }
    return nil
}
