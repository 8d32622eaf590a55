// Package file reads gossip seeds from an environment variable or from
// files, one or more comma separated seeds per line.
package file

import (
    "bufio"
    "context"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/discovery"
)

type Options struct {
    // Path may be a glob.
    Path string
    // Env, when set and non-empty in the environment, wins over Path.
    Env     string
    Refresh time.Duration
}

type Source struct {
    opts Options

    mu     sync.Mutex
    loaded time.Time
    cache  []string
}

func New(opts Options) *Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &Source{opts: opts}
}

func (s *Source) Seeds(context.Context) ([]string, error) {
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return discovery.Split(v), nil }
    }
    if s.opts.Path == "" { return nil, nil }
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.cache != nil && time.Since(s.loaded) < s.opts.Refresh { return append([]string(nil), s.cache...), nil }
    paths, err := filepath.Glob(s.opts.Path)
    if err != nil { return nil, errors.Wrapf(err, "discovery: glob %q", s.opts.Path) }
    if len(paths) == 0 { return nil, errors.Newf("discovery: no seed file matches %q", s.opts.Path) }
    var all []string
    for _, p := range paths {
        seeds, err := readFile(p)
        if err != nil { return nil, err }
        all = append(all, seeds...)
    }
    s.cache, s.loaded = discovery.Normalize(all), time.Now()
    return append([]string(nil), s.cache...), nil
}

func readFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, errors.Wrap(err, "discovery: open seed file") }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, strings.Split(line, ",")...)
    }
    return out, errors.Wrapf(sc.Err(), "discovery: read %s", path)
}
