package cluster

import (
    "context"
    "encoding/json"
    "strings"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

type Role string

const (
    RoleDatanode Role = "datanode"
    RoleFrontend Role = "frontend"
    RoleMeta     Role = "meta"
)

func (r Role) Valid() bool { return r == RoleDatanode || r == RoleFrontend || r == RoleMeta }

// RegionStat is one region a datanode reports serving.
type RegionStat struct {
    RegionID uint64 `json:"region_id"`
    Table    string `json:"table,omitempty"`
    Rows     uint64 `json:"rows,omitempty"`
}

type Payload struct {
    Regions []RegionStat      `json:"regions,omitempty"`
    Labels  map[string]string `json:"labels,omitempty"`
}

type Heartbeat struct {
    PeerID    string    `json:"peer_id"`
    Addr      string    `json:"addr"`
    Role      Role      `json:"role"`
    Timestamp time.Time `json:"timestamp"`
    Payload   Payload   `json:"payload"`
}

func (hb Heartbeat) Validate() error {
    if hb.PeerID == "" || strings.Contains(hb.PeerID, "/") { return errors.Wrapf(ErrInvalidHeartbeat, "peer id %q", hb.PeerID) }
    if !hb.Role.Valid() { return errors.Wrapf(ErrInvalidHeartbeat, "role %q", hb.Role) }
    return nil
}

type HeartbeatResponse struct {
    LeaderID      string    `json:"leader_id"`
    Term          uint64    `json:"term"`
    LeaseExpireAt time.Time `json:"lease_expire_at"`
    FencingToken  uint64    `json:"fencing_token"`
}

// Peer is the registry entry kept at /peer/<role>/<id>.
type Peer struct {
    ID            string    `json:"id"`
    Addr          string    `json:"addr"`
    Role          Role      `json:"role"`
    LeaseKey      string    `json:"lease_key"`
    LastHeartbeat time.Time `json:"last_heartbeat"`
    Payload       Payload   `json:"payload"`

    // Filled on read.
    Alive bool    `json:"alive"`
    Phi   float64 `json:"phi"`
}

// peerName is the registry, lease and failure-monitor name of a peer.
func peerName(role Role, id string) string { return string(role) + "/" + id }

func splitPeerName(name string) (Role, string, bool) {
    role, id, ok := strings.Cut(name, "/")
    return Role(role), id, ok && Role(role).Valid()
}

func peerKey(role Role, id string) string { return kv.Join(kv.PrefixPeer, string(role), id) }

func (c *Cluster) savePeer(ctx context.Context, hb Heartbeat) error {
    return kv.Retry(ctx, c.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, c.store, peerKey(hb.Role, hb.PeerID), func(cur []byte, ok bool) ([]byte, error) {
            p := Peer{ID: hb.PeerID, Role: hb.Role, LeaseKey: peerName(hb.Role, hb.PeerID)}
            if ok {
                if err := json.Unmarshal(cur, &p); err != nil { c.log.Warn("replacing undecodable peer record", "peer", hb.PeerID, "err", err) }
            }
            if hb.Addr != "" { p.Addr = hb.Addr }
            if hb.Timestamp.After(p.LastHeartbeat) { p.LastHeartbeat = hb.Timestamp }
            // Gossip heartbeats carry no payload; keep what the node itself
            // reported last.
            if hb.Payload.Regions != nil { p.Payload.Regions = hb.Payload.Regions }
            if hb.Payload.Labels != nil { p.Payload.Labels = hb.Payload.Labels }
            p.Alive, p.Phi = false, 0
            return json.Marshal(p)
        })
        return err
    })
}

func (c *Cluster) loadPeer(ctx context.Context, role Role, id string) (Peer, bool, error) {
    var (
        p  Peer
        ok bool
    )
    err := kv.Retry(ctx, c.retry, func(ctx context.Context) error {
        b, found, err := c.store.Get(ctx, peerKey(role, id))
        if err != nil || !found { return err }
        if err := json.Unmarshal(b, &p); err != nil { return errors.Wrap(err, "cluster: decode peer") }
        ok = true
        return nil
    })
    return p, ok, err
}

// Peers lists registered peers, marking those with a live lease that the
// failure monitor does not consider dead as alive.
func (c *Cluster) Peers(ctx context.Context) ([]Peer, error) {
    var kvs []kv.KeyValue
    err := kv.Retry(ctx, c.retry, func(ctx context.Context) error {
        var err error
        kvs, err = c.store.Range(ctx, kv.PrefixPeer)
        return err
    })
    if err != nil { return nil, err }
    leases, err := c.leases.List(ctx, "")
    if err != nil { return nil, err }
    now := c.opts.Now()
    live := make(map[string]bool, len(leases))
    for _, l := range leases { live[l.ResourceKey] = !l.Expired(now) }
    snap := c.monitor.Snapshot()
    out := make([]Peer, 0, len(kvs))
    for _, e := range kvs {
        var p Peer
        if err := json.Unmarshal(e.Value, &p); err != nil { continue }
        p.Alive = live[p.LeaseKey]
        if st, ok := snap.Peer(p.LeaseKey); ok {
            p.Phi = st.Phi
            p.Alive = p.Alive && st.Alive
        }
        out = append(out, p)
    }
    return out, nil
}

func (c *Cluster) deletePeer(ctx context.Context, role Role, id string) error {
    return kv.Retry(ctx, c.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, c.store, peerKey(role, id), func([]byte, bool) ([]byte, error) { return nil, nil })
        return err
    })
}
