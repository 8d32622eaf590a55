// Package dns resolves gossip seeds from SRV or A/AAAA records.
package dns

import (
    "context"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/discovery"
)

type Options struct {
    // Names are SRV names (_gossip._tcp.example.com), hostnames or
    // host:port pairs.
    Names []string
    // Port is used for A/AAAA answers.
    Port     int
    Refresh  time.Duration
    Resolver *net.Resolver
}

type Source struct {
    opts Options

    mu     sync.Mutex
    loaded time.Time
    cache  []string
}

func New(opts Options) *Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &Source{opts: opts}
}

func (s *Source) Seeds(ctx context.Context) ([]string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.cache != nil && time.Since(s.loaded) < s.opts.Refresh { return append([]string(nil), s.cache...), nil }
    var (
        out  []string
        errs error
    )
    for _, name := range s.opts.Names {
        addrs, err := s.resolve(ctx, strings.TrimSpace(name))
        if err != nil {
            errs = errors.CombineErrors(errs, err)
            continue
        }
        out = append(out, addrs...)
    }
    out = discovery.Normalize(out)
    if len(out) == 0 && errs != nil { return nil, errs }
    s.cache, s.loaded = out, time.Now()
    return append([]string(nil), out...), nil
}

func (s *Source) resolve(ctx context.Context, name string) ([]string, error) {
    switch {
    case name == "":
        return nil, nil
    case strings.HasPrefix(name, "_"):
        svc, proto, domain, ok := splitSRV(name)
        if !ok { return nil, errors.Newf("dns: malformed srv name %q", name) }
        _, recs, err := s.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
        if err != nil { return nil, errors.Wrapf(err, "dns: srv %s", name) }
        out := make([]string, 0, len(recs))
        for _, r := range recs {
            out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
        }
        return out, nil
    default:
        if _, _, err := net.SplitHostPort(name); err == nil { return []string{name}, nil }
        ips, err := s.opts.Resolver.LookupHost(ctx, name)
        if err != nil { return nil, errors.Wrapf(err, "dns: host %s", name) }
        out := make([]string, 0, len(ips))
        for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(s.opts.Port))) }
        return out, nil
    }
}

// splitSRV splits _service._proto.domain.
func splitSRV(name string) (svc, proto, domain string, ok bool) {
    parts := strings.SplitN(name, ".", 3)
    if len(parts) != 3 || !strings.HasPrefix(parts[1], "_") { return "", "", "", false }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2], true
}
