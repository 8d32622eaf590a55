package raftkv

import (
    "bytes"
    "encoding/json"
    "io"
    "sort"
    "strings"
    "sync"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

const (
    OpCAS = "cas"
    OpCAD = "cad"
)

// Command is one conditional write in the raft log. Absent requires the key
// to be missing; otherwise Expected must equal the stored value.
type Command struct {
    Op       string `json:"op"`
    Key      string `json:"key"`
    Absent   bool   `json:"absent,omitempty"`
    Expected []byte `json:"expected,omitempty"`
    Value    []byte `json:"value,omitempty"`
}

type entry struct {
    Value []byte `json:"v"`
    Rev   uint64 `json:"r"`
}

// kvFSM is the replicated map. Every replica publishes applied changes to
// its own hub, so watches work on followers too.
type kvFSM struct {
    mu   sync.RWMutex
    data map[string]entry
    rev  uint64
    hub  *kv.Hub
}

func newFSM(hub *kv.Hub) *kvFSM { return &kvFSM{data: make(map[string]entry), hub: hub} }

func (f *kvFSM) Apply(l *raft.Log) interface{} {
    var cmd Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return err }
    f.mu.Lock()
    defer f.mu.Unlock()
    cur, ok := f.data[cmd.Key]
    switch cmd.Op {
    case OpCAS:
        if cmd.Absent && ok { return false }
        if !cmd.Absent && (!ok || !bytes.Equal(cur.Value, cmd.Expected)) { return false }
        f.rev = l.Index
        f.data[cmd.Key] = entry{Value: cmd.Value, Rev: l.Index}
        f.hub.Publish(kv.Event{Type: kv.EventPut, Key: cmd.Key, Value: append([]byte{}, cmd.Value...), Revision: l.Index})
        return true
    case OpCAD:
        if !ok || !bytes.Equal(cur.Value, cmd.Expected) { return false }
        f.rev = l.Index
        delete(f.data, cmd.Key)
        f.hub.Publish(kv.Event{Type: kv.EventDelete, Key: cmd.Key, Revision: l.Index})
        return true
    default:
        return false
    }
}

func (f *kvFSM) get(key string) ([]byte, bool) {
    f.mu.RLock()
    defer f.mu.RUnlock()
    e, ok := f.data[key]
    if !ok { return nil, false }
    return append([]byte{}, e.Value...), true
}

func (f *kvFSM) scan(prefix string) []kv.KeyValue {
    f.mu.RLock()
    out := make([]kv.KeyValue, 0)
    for k, e := range f.data {
        if strings.HasPrefix(k, prefix) {
            out = append(out, kv.KeyValue{Key: k, Value: append([]byte{}, e.Value...), Revision: e.Rev})
        }
    }
    f.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out
}

type snapshotBlob struct {
    Rev  uint64           `json:"rev"`
    Data map[string]entry `json:"data"`
}

func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
    f.mu.RLock()
    defer f.mu.RUnlock()
    cp := make(map[string]entry, len(f.data))
    for k, v := range f.data { cp[k] = v }
    blob, err := json.Marshal(snapshotBlob{Rev: f.rev, Data: cp})
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *kvFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    var s snapshotBlob
    if err := json.NewDecoder(rc).Decode(&s); err != nil { return err }
    if s.Data == nil { s.Data = make(map[string]entry) }
    f.mu.Lock()
    f.data, f.rev = s.Data, s.Rev
    f.mu.Unlock()
    f.hub.Reset()
    return nil
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*kvFSM)(nil)
