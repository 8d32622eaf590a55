package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/metadata"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/kv/raftkv"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/transport"
)

// Client calls the gRPC management API over cached connections.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    cm   *ConnManager
}

var _ transport.Client = (*Client)(nil)

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close drops every cached connection.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
    creds := insecure.NewCredentials()
    if c.tlsCfg != nil { creds = credentials.NewTLS(c.tlsCfg) }
    return grpc.NewClient(target,
        grpc.WithTransportCredentials(creds),
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    )
}

func (c *Client) conns() *ConnManager {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial) })
    return c.cm
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.conns().Get(cctx, addr)
    if err != nil { return kv.Unavailable(err, "dial "+addr) }
    defer rel()
    var md metadata.MD
    if err := cc.Invoke(cctx, method, in, out, grpc.Trailer(&md)); err != nil { return fromStatus(ctx, err, md) }
    return nil
}

// fromStatus turns a call failure back into the sentinel the server saw.
// Transport failures become kv errors so forwarded writes are classified
// like local ones.
func fromStatus(ctx context.Context, err error, md metadata.MD) error {
    st, ok := status.FromError(err)
    if !ok { return err }
    if code := first(md, trailerCode); code != "" {
        return transport.Decode(&transport.Error{
            Message:    st.Message(),
            Code:       code,
            LeaderID:   first(md, trailerLeaderID),
            LeaderAddr: first(md, trailerLeaderAddr),
        })
    }
    switch st.Code() {
    case codes.Canceled:
        if ctx.Err() != nil { return ctx.Err() }
        return errors.Mark(err, kv.ErrUnknownOutcome)
    case codes.DeadlineExceeded:
        return errors.Mark(err, kv.ErrUnknownOutcome)
    case codes.Unavailable:
        return kv.Unavailable(err, "rpc")
    default:
        return err
    }
}

func first(md metadata.MD, key string) string {
    if v := md.Get(key); len(v) > 0 { return v[0] }
    return ""
}

func (c *Client) Status(ctx context.Context, addr string) (cluster.Status, error) {
    var out cluster.Status
    return out, c.invoke(ctx, addr, "/"+metaService+"/GetStatus", &transport.Empty{}, &out)
}

func (c *Client) Heartbeat(ctx context.Context, addr string, hb cluster.Heartbeat) (cluster.HeartbeatResponse, error) {
    var out cluster.HeartbeatResponse
    return out, c.invoke(ctx, addr, "/"+metaService+"/Heartbeat", &hb, &out)
}

func (c *Client) Peers(ctx context.Context, addr string) ([]cluster.Peer, error) {
    var out transport.PeersResponse
    err := c.invoke(ctx, addr, "/"+metaService+"/GetPeers", &transport.Empty{}, &out)
    return out.Peers, err
}

func (c *Client) Leader(ctx context.Context, addr string) (election.Record, bool, error) {
    var out transport.LeaderResponse
    err := c.invoke(ctx, addr, "/"+metaService+"/GetLeader", &transport.Empty{}, &out)
    return out.Leader, out.Known, err
}

func (c *Client) Submit(ctx context.Context, addr string, typ string, input []byte) (string, error) {
    var out transport.SubmitResponse
    err := c.invoke(ctx, addr, "/"+metaService+"/Submit", &transport.SubmitRequest{Type: typ, Input: input}, &out)
    return out.ID, err
}

func (c *Client) Procedure(ctx context.Context, addr string, id string) (procedure.Record, error) {
    var out procedure.Record
    return out, c.invoke(ctx, addr, "/"+metaService+"/ProcedureStatus", &transport.ProcedureRequest{ID: id}, &out)
}

func (c *Client) Procedures(ctx context.Context, addr string) ([]procedure.Record, error) {
    var out transport.ProceduresResponse
    err := c.invoke(ctx, addr, "/"+metaService+"/ListProcedures", &transport.Empty{}, &out)
    return out.Procedures, err
}

func (c *Client) Failover(ctx context.Context, addr string, datanode string) ([]string, error) {
    var out transport.FailoverResponse
    err := c.invoke(ctx, addr, "/"+metaService+"/Failover", &transport.FailoverRequest{Datanode: datanode}, &out)
    return out.Procedures, err
}

// Apply forwards a store write to the raft leader at addr.
func (c *Client) Apply(ctx context.Context, addr string, cmd raftkv.Command) (bool, error) {
    var out transport.ApplyResponse
    err := c.invoke(ctx, addr, "/"+kvService+"/Apply", &cmd, &out)
    return out.Applied, err
}
