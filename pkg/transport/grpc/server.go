// Package grpc serves the management API, leadership watch, and forwarded
// store writes over gRPC with a JSON codec.
package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/metadata"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv/raftkv"
    "github.com/amirimatin/go-metasrv/pkg/observability/tracing"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/transport"
)

const (
    metaService     = "metasrv.v1.Meta"
    electionService = "metasrv.v1.Election"
    kvService       = "metasrv.v1.KV"

    trailerCode       = "x-error-code"
    trailerLeaderID   = "x-leader-id"
    trailerLeaderAddr = "x-leader-addr"
)

// ApplyFunc commits a store write forwarded by a follower.
type ApplyFunc func(ctx context.Context, cmd raftkv.Command) (bool, error)

// Server exposes the management API over gRPC.
type Server struct {
    bind   string
    api    transport.API
    apply  ApplyFunc
    log    hclog.Logger
    tlsCfg *tls.Config

    mu     sync.Mutex
    srv    *grpc.Server
    lis    net.Listener
    health *health.Server
}

func NewServer(bind string, api transport.API, logger hclog.Logger) *Server {
    return &Server{bind: bind, api: api, log: logutil.Named(logger, "grpc")}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// UseApply serves the KV service for raft write forwarding.
func (s *Server) UseApply(fn ApplyFunc) *Server { s.apply = fn; return s }

// Start listens and serves until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return errors.Wrapf(err, "grpc: listen %s", s.bind) }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&metaServiceDesc, s)
    srv.RegisterService(&electionServiceDesc, s)
    if s.apply != nil { srv.RegisterService(&kvServiceDesc, s) }

    s.mu.Lock()
    s.srv, s.lis, s.health = srv, lis, hs
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            s.log.Error("server error", "err", err)
        }
    }()
    s.log.Info("listening", "addr", lis.Addr().String(), "tls", s.tlsCfg != nil)
    return nil
}

func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// SetServing flips the standard health service status.
func (s *Server) SetServing(ok bool) {
    s.mu.Lock()
    hs := s.health
    s.mu.Unlock()
    if hs == nil { return }
    st := healthpb.HealthCheckResponse_NOT_SERVING
    if ok { st = healthpb.HealthCheckResponse_SERVING }
    hs.SetServingStatus("", st)
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends
// or after two seconds.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    case <-time.After(2 * time.Second):
        srv.Stop()
    }
    return nil
}

// toStatus maps err to a gRPC status and attaches the wire error code and
// leader hint as trailers.
func toStatus(ctx context.Context, err error) error {
    if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) && ctx.Err() != nil {
        return status.FromContextError(err).Err()
    }
    e := transport.Encode(err)
    md := metadata.Pairs(trailerCode, e.Code)
    if e.LeaderID != "" { md.Append(trailerLeaderID, e.LeaderID) }
    if e.LeaderAddr != "" { md.Append(trailerLeaderAddr, e.LeaderAddr) }
    _ = grpc.SetTrailer(ctx, md)
    return status.Error(grpcCode(e.Code), e.Message)
}

func grpcCode(code string) codes.Code {
    switch code {
    case transport.CodeNotLeader:
        return codes.FailedPrecondition
    case transport.CodeNotFound:
        return codes.NotFound
    case transport.CodeInvalid:
        return codes.InvalidArgument
    case transport.CodeUnavailable:
        return codes.Unavailable
    case transport.CodeUnknownOutcome:
        return codes.Aborted
    default:
        return codes.Internal
    }
}

// unary builds a method descriptor for a JSON request/response handler.
func unary[Req, Resp any](service, name string, fn func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
    full := "/" + service + "/" + name
    return grpc.MethodDesc{
        MethodName: name,
        Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            h := func(ctx context.Context, req any) (any, error) {
                ctx, span := tracing.Start(ctx, "grpc."+name)
                out, err := fn(srv.(*Server), ctx, req.(*Req))
                tracing.End(span, err)
                if err != nil { return nil, toStatus(ctx, err) }
                return out, nil
            }
            if interceptor == nil { return h(ctx, in) }
            return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, h)
        },
    }
}

var metaServiceDesc = grpc.ServiceDesc{
    ServiceName: metaService,
    HandlerType: (*any)(nil),
    Methods: []grpc.MethodDesc{
        unary(metaService, "GetStatus", (*Server).getStatus),
        unary(metaService, "Heartbeat", (*Server).heartbeat),
        unary(metaService, "GetPeers", (*Server).getPeers),
        unary(metaService, "GetLeader", (*Server).getLeader),
        unary(metaService, "Submit", (*Server).submit),
        unary(metaService, "ProcedureStatus", (*Server).procedureStatus),
        unary(metaService, "ListProcedures", (*Server).listProcedures),
        unary(metaService, "Failover", (*Server).failover),
    },
}

func (s *Server) getStatus(ctx context.Context, _ *transport.Empty) (*cluster.Status, error) {
    st := s.api.Status(ctx)
    return &st, nil
}

func (s *Server) heartbeat(ctx context.Context, in *cluster.Heartbeat) (*cluster.HeartbeatResponse, error) {
    out, err := s.api.OnHeartbeat(ctx, *in)
    if err != nil { return nil, err }
    return &out, nil
}

func (s *Server) getPeers(ctx context.Context, _ *transport.Empty) (*transport.PeersResponse, error) {
    peers, err := s.api.Peers(ctx)
    if err != nil { return nil, err }
    return &transport.PeersResponse{Peers: peers}, nil
}

func (s *Server) getLeader(ctx context.Context, _ *transport.Empty) (*transport.LeaderResponse, error) {
    rec, ok, err := s.api.Leader(ctx)
    if err != nil { return nil, err }
    return &transport.LeaderResponse{Leader: rec, Known: ok}, nil
}

func (s *Server) submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error) {
    if in.Type == "" { return nil, errors.Wrap(transport.ErrInvalid, "type is required") }
    id, err := s.api.Submit(ctx, in.Type, in.Input)
    if err != nil { return nil, err }
    return &transport.SubmitResponse{ID: id}, nil
}

func (s *Server) procedureStatus(ctx context.Context, in *transport.ProcedureRequest) (*procedure.Record, error) {
    rec, err := s.api.ProcedureStatus(ctx, in.ID)
    if err != nil { return nil, err }
    return &rec, nil
}

func (s *Server) listProcedures(ctx context.Context, _ *transport.Empty) (*transport.ProceduresResponse, error) {
    recs, err := s.api.Procedures(ctx)
    if err != nil { return nil, err }
    return &transport.ProceduresResponse{Procedures: recs}, nil
}

func (s *Server) failover(ctx context.Context, in *transport.FailoverRequest) (*transport.FailoverResponse, error) {
    ids, err := s.api.TriggerFailover(ctx, in.Datanode)
    if err != nil { return nil, err }
    return &transport.FailoverResponse{Procedures: ids}, nil
}

var electionServiceDesc = grpc.ServiceDesc{
    ServiceName: electionService,
    HandlerType: (*any)(nil),
    Streams: []grpc.StreamDesc{{
        StreamName:    "Watch",
        ServerStreams: true,
        Handler:       watchHandler,
    }},
}

// watchHandler streams leadership events until the client disconnects.
func watchHandler(srv any, stream grpc.ServerStream) error {
    in := new(transport.WatchRequest)
    if err := stream.RecvMsg(in); err != nil { return err }
    s := srv.(*Server)
    s.log.Debug("watch opened", "node", in.NodeID)
    defer s.log.Debug("watch closed", "node", in.NodeID)
    for ev := range s.api.Subscribe(stream.Context()) {
        if err := stream.SendMsg(&ev); err != nil { return err }
    }
    return nil
}

var kvServiceDesc = grpc.ServiceDesc{
    ServiceName: kvService,
    HandlerType: (*any)(nil),
    Methods: []grpc.MethodDesc{
        unary(kvService, "Apply", (*Server).applyCommand),
    },
}

func (s *Server) applyCommand(ctx context.Context, in *raftkv.Command) (*transport.ApplyResponse, error) {
    ok, err := s.apply(ctx, *in)
    if err != nil { return nil, err }
    return &transport.ApplyResponse{Applied: ok}, nil
}
