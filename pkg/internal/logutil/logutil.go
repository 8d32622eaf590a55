package logutil

import (
    "io"
    "log"
    "os"
    "strings"
    "sync/atomic"

    "github.com/hashicorp/go-hclog"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("METASRV_LOG_JSON") == "1" || os.Getenv("METASRV_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON switches loggers created afterwards to JSON output.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// Options configure a root logger.
type Options struct {
    Name   string
    Level  string // trace|debug|info|warn|error, default info
    JSON   bool
    Output io.Writer
}

// New builds the root hclog logger shared by every component, including the
// raft library which accepts hclog directly.
func New(opts Options) hclog.Logger {
    if opts.Output == nil { opts.Output = os.Stderr }
    lvl := hclog.LevelFromString(strings.ToLower(opts.Level))
    if lvl == hclog.NoLevel { lvl = hclog.Info }
    return hclog.New(&hclog.LoggerOptions{
        Name:       opts.Name,
        Level:      lvl,
        Output:     opts.Output,
        JSONFormat: opts.JSON || jsonMode.Load(),
    })
}

// OrNull returns l, or a discarding logger when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
    if l == nil { return hclog.NewNullLogger() }
    return l
}

// Named returns a sub-logger for a component, tolerating a nil parent.
func Named(l hclog.Logger, name string) hclog.Logger {
    return OrNull(l).Named(name)
}

// Std adapts l for libraries that only take a *log.Logger (memberlist).
func Std(l hclog.Logger) *log.Logger {
    return OrNull(l).StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
}
