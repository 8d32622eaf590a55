package kv

import (
    "context"
    "strings"
)

// Key namespaces. Every key written by the coordination core lives under one
// of these prefixes.
const (
    PrefixElection  = "/election/"
    PrefixLease     = "/lease/"
    PrefixLock      = "/lock/"
    PrefixProcedure = "/procedure/"
    PrefixSequence  = "/sequence/"
    PrefixPeer      = "/peer/"
    PrefixRoute     = "/route/"
)

// KeyValue is a single stored entry.
type KeyValue struct {
    Key      string
    Value    []byte
    Revision uint64
}

type EventType string

const (
    EventPut    EventType = "put"
    EventDelete EventType = "delete"
)

// Event describes one committed change observed through Watch.
type Event struct {
    Type     EventType
    Key      string
    Value    []byte // nil for deletes
    Revision uint64
}

// Store is the transactional contract the coordination core needs from the
// replicated backend. Implementations must make PutIfAbsent, CompareAndSwap
// and CompareAndDelete linearizable per key; nothing else is assumed.
//
// A nil expected value in CompareAndSwap means "key must be absent".
type Store interface {
    PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
    CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error)
    CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
    Get(ctx context.Context, key string) (value []byte, ok bool, err error)
    Range(ctx context.Context, prefix string) ([]KeyValue, error)
    // Watch streams changes under prefix until ctx is done. The channel is
    // closed when ctx ends or when the watcher falls too far behind; callers
    // re-read state and watch again in the latter case.
    Watch(ctx context.Context, prefix string) (<-chan Event, error)
    Close() error
}

// Join builds a key from a namespace prefix and name parts.
func Join(prefix string, parts ...string) string {
    var b strings.Builder
    b.WriteString(strings.TrimSuffix(prefix, "/"))
    for _, p := range parts {
        p = strings.Trim(p, "/")
        if p == "" { continue }
        b.WriteByte('/')
        b.WriteString(p)
    }
    return b.String()
}

// Name strips prefix from key.
func Name(prefix, key string) string {
    return strings.TrimPrefix(strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")), "/")
}
