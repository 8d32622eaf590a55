package httpjson

import (
    "bufio"
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/kv"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
    "github.com/amirimatin/go-metasrv/pkg/transport"
)

// Client is a thin HTTP client for the management API. Idempotent calls
// retry transport failures with backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    retry     kv.RetryPolicy
}

var _ transport.Client = (*Client)(nil)

// NewClient constructs a new Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{
        httpc:     &http.Client{Transport: tr},
        transport: tr,
        retry:     kv.RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, MaxAttempts: 3, CallTimeout: timeout},
    }
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) Status(ctx context.Context, addr string) (cluster.Status, error) {
    var out cluster.Status
    return out, c.call(ctx, true, http.MethodGet, c.url(addr, "/status"), nil, &out)
}

func (c *Client) Heartbeat(ctx context.Context, addr string, hb cluster.Heartbeat) (cluster.HeartbeatResponse, error) {
    var out cluster.HeartbeatResponse
    return out, c.call(ctx, true, http.MethodPost, c.url(addr, "/heartbeat"), hb, &out)
}

func (c *Client) Peers(ctx context.Context, addr string) ([]cluster.Peer, error) {
    var out transport.PeersResponse
    err := c.call(ctx, true, http.MethodGet, c.url(addr, "/peers"), nil, &out)
    return out.Peers, err
}

func (c *Client) Leader(ctx context.Context, addr string) (election.Record, bool, error) {
    var out transport.LeaderResponse
    err := c.call(ctx, true, http.MethodGet, c.url(addr, "/leader"), nil, &out)
    return out.Leader, out.Known, err
}

// Submit is not retried: a lost response may hide an accepted submission.
func (c *Client) Submit(ctx context.Context, addr string, typ string, input []byte) (string, error) {
    var out transport.SubmitResponse
    err := c.call(ctx, false, http.MethodPost, c.url(addr, "/procedures"), transport.SubmitRequest{Type: typ, Input: input}, &out)
    return out.ID, err
}

func (c *Client) Procedure(ctx context.Context, addr string, id string) (procedure.Record, error) {
    var out procedure.Record
    return out, c.call(ctx, true, http.MethodGet, c.url(addr, "/procedures/"+url.PathEscape(id)), nil, &out)
}

func (c *Client) Procedures(ctx context.Context, addr string) ([]procedure.Record, error) {
    var out transport.ProceduresResponse
    err := c.call(ctx, true, http.MethodGet, c.url(addr, "/procedures"), nil, &out)
    return out.Procedures, err
}

func (c *Client) Failover(ctx context.Context, addr string, datanode string) ([]string, error) {
    var out transport.FailoverResponse
    err := c.call(ctx, false, http.MethodPost, c.url(addr, "/failover/"+url.PathEscape(datanode)), nil, &out)
    return out.Procedures, err
}

// Watch streams leadership events from addr into fn until the stream ends
// or ctx is done.
func (c *Client) Watch(ctx context.Context, addr string, fn func(election.Event)) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/watch"), nil)
    if err != nil { return errors.Wrap(err, "http: build watch request") }
    resp, err := c.httpc.Do(req)
    if err != nil { return kv.Unavailable(err, "watch") }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK { return readError(resp) }
    sc := bufio.NewScanner(resp.Body)
    for sc.Scan() {
        var ev election.Event
        if err := json.Unmarshal(sc.Bytes(), &ev); err != nil { return errors.Wrap(err, "http: decode event") }
        fn(ev)
    }
    if ctx.Err() != nil { return ctx.Err() }
    return sc.Err()
}

func (c *Client) call(ctx context.Context, retry bool, method, u string, in, out any) error {
    var body []byte
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return errors.Wrap(err, "http: encode request") }
        body = b
    }
    once := func(ctx context.Context) error { return c.do(ctx, method, u, body, out) }
    if !retry {
        cctx, cancel := kv.WithTimeout(ctx, c.retry.CallTimeout)
        defer cancel()
        return once(cctx)
    }
    return kv.Retry(ctx, c.retry, once)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
    var rd io.Reader
    if body != nil { rd = bytes.NewReader(body) }
    req, err := http.NewRequestWithContext(ctx, method, u, rd)
    if err != nil { return errors.Wrap(err, "http: build request") }
    if body != nil { req.Header.Set("Content-Type", contentTypeJSON) }
    resp, err := c.httpc.Do(req)
    if err != nil { return kv.Classify(ctx, err, method+" "+u) }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 { return readError(resp) }
    if out == nil { return nil }
    if err := json.NewDecoder(resp.Body).Decode(out); err != nil { return errors.Wrap(err, "http: decode response") }
    return nil
}

func readError(resp *http.Response) error {
    b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
    var e transport.Error
    if err := json.Unmarshal(b, &e); err != nil || e.Code == "" {
        return errors.Newf("http status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
    }
    return transport.Decode(&e)
}
