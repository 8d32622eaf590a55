// Package httpjson serves the management API as JSON over HTTP.
package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "io"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/hashicorp/go-hclog"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/observability/tracing"
    "github.com/amirimatin/go-metasrv/pkg/transport"
)

const (
    contentTypeJSON        = "application/json"
    defaultShutdownTimeout = 2 * time.Second
    maxBodyBytes           = 1 << 20
)

// Server exposes the management API: status and health probes, peer
// heartbeats, leadership, and procedure submission and inspection.
type Server struct {
    bind   string
    api    transport.API
    log    hclog.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    lis net.Listener
}

// NewServer binds to the given TCP address (e.g., ":4000").
func NewServer(bind string, api transport.API, logger hclog.Logger) *Server {
    return &Server{bind: bind, api: api, log: logutil.Named(logger, "http")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.Recoverer)
    r.Use(s.logRequests)

    r.Get("/healthz", s.handleHealth)
    r.Get("/readyz", s.handleReady)
    r.Handle("/metrics", promhttp.Handler())
    r.Get("/status", s.handleStatus)
    r.Get("/leader", s.handleLeader)
    r.Get("/watch", s.handleWatch)
    r.Get("/peers", s.handlePeers)
    r.Post("/heartbeat", s.handleHeartbeat)
    r.Route("/procedures", func(r chi.Router) {
        r.Get("/", s.handleProcedures)
        r.Post("/", s.handleSubmit)
        r.Get("/{id}", s.handleProcedure)
    })
    r.Post("/failover/{datanode}", s.handleFailover)
    return r
}

// Start listens on the bind address and serves until ctx is done or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return errors.Wrapf(err, "http: listen %s", s.bind) }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.lis = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            s.log.Error("server error", "err", err)
        }
    }()
    s.log.Info("listening", "addr", ln.Addr().String(), "tls", s.tlsCfg != nil)
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
    defer cancel()
    return srv.Shutdown(c)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
        start := time.Now()
        next.ServeHTTP(ww, r)
        s.log.Trace("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
    })
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write([]byte("ok"))
}

// handleReady answers 503 until a leader is known.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
    st := s.api.Status(r.Context())
    if !st.Healthy {
        http.Error(w, "no leader", http.StatusServiceUnavailable)
        return
    }
    _, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
    ctx, span := tracing.Start(r.Context(), "http.status")
    defer tracing.End(span, nil)
    writeJSON(w, http.StatusOK, s.api.Status(ctx))
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
    rec, ok, err := s.api.Leader(r.Context())
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusOK, transport.LeaderResponse{Leader: rec, Known: ok})
}

// handleWatch streams leadership events as newline-delimited JSON until
// the client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
    flusher, ok := w.(http.Flusher)
    if !ok {
        http.Error(w, "streaming unsupported", http.StatusInternalServerError)
        return
    }
    w.Header().Set("Content-Type", "application/x-ndjson")
    w.WriteHeader(http.StatusOK)
    flusher.Flush()
    enc := json.NewEncoder(w)
    for ev := range s.api.Subscribe(r.Context()) {
        if err := enc.Encode(ev); err != nil { return }
        flusher.Flush()
    }
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
    peers, err := s.api.Peers(r.Context())
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusOK, transport.PeersResponse{Peers: peers})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
    var hb cluster.Heartbeat
    if err := readJSON(r, &hb); err != nil { s.writeError(w, err); return }
    ctx, span := tracing.Start(r.Context(), "http.heartbeat")
    resp, err := s.api.OnHeartbeat(ctx, hb)
    tracing.End(span, err)
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
    var req transport.SubmitRequest
    if err := readJSON(r, &req); err != nil { s.writeError(w, err); return }
    if req.Type == "" { s.writeError(w, errors.Wrap(transport.ErrInvalid, "type is required")); return }
    ctx, span := tracing.Start(r.Context(), "http.submit")
    id, err := s.api.Submit(ctx, req.Type, req.Input)
    tracing.End(span, err)
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusAccepted, transport.SubmitResponse{ID: id})
}

func (s *Server) handleProcedures(w http.ResponseWriter, r *http.Request) {
    recs, err := s.api.Procedures(r.Context())
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusOK, transport.ProceduresResponse{Procedures: recs})
}

func (s *Server) handleProcedure(w http.ResponseWriter, r *http.Request) {
    rec, err := s.api.ProcedureStatus(r.Context(), chi.URLParam(r, "id"))
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
    ids, err := s.api.TriggerFailover(r.Context(), chi.URLParam(r, "datanode"))
    if err != nil { s.writeError(w, err); return }
    writeJSON(w, http.StatusAccepted, transport.FailoverResponse{Procedures: ids})
}

// statusFor maps wire error codes to HTTP statuses. A follower answers
// leader-only calls with 421 Misdirected Request and a leader hint.
func statusFor(code string) int {
    switch code {
    case transport.CodeNotLeader:
        return http.StatusMisdirectedRequest
    case transport.CodeNotFound:
        return http.StatusNotFound
    case transport.CodeInvalid:
        return http.StatusBadRequest
    case transport.CodeUnavailable, transport.CodeUnknownOutcome:
        return http.StatusServiceUnavailable
    default:
        return http.StatusInternalServerError
    }
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
    e := transport.Encode(err)
    if e.Code == transport.CodeInternal { s.log.Error("request failed", "err", err) }
    writeJSON(w, statusFor(e.Code), e)
}

func readJSON(r *http.Request, v any) error {
    dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
    if err := dec.Decode(v); err != nil { return errors.Mark(errors.Wrap(err, "decode body"), transport.ErrInvalid) }
    return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", contentTypeJSON)
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}
