package kv

// Diff compares a fresh scan against the revisions seen on the previous scan
// and returns the changes as events, plus the revision map for the next call.
// Backends without native change notification (polling, one-shot watches)
// build their Watch on it.
func Diff(prev map[string]uint64, cur []KeyValue) ([]Event, map[string]uint64) {
    next := make(map[string]uint64, len(cur))
    var evs []Event
    for _, e := range cur {
        next[e.Key] = e.Revision
        if rev, ok := prev[e.Key]; !ok || rev != e.Revision {
            evs = append(evs, Event{Type: EventPut, Key: e.Key, Value: e.Value, Revision: e.Revision})
        }
    }
    for k, rev := range prev {
        if _, ok := next[k]; !ok {
            evs = append(evs, Event{Type: EventDelete, Key: k, Revision: rev})
        }
    }
    return evs, next
}
