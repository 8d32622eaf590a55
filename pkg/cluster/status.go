package cluster

import (
    "context"
    "time"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/membership"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
)

// Status is this node's JSON view of the cluster.
type Status struct {
    NodeID     string        `json:"node_id"`
    Cluster    string        `json:"cluster"`
    Role       election.Role `json:"role"`
    Term       uint64        `json:"term"`
    LeaderID   string        `json:"leader_id,omitempty"`
    LeaderAddr string        `json:"leader_addr,omitempty"`
    Healthy    bool          `json:"healthy"`

    PeersAlive int `json:"peers_alive"`
    PeersDead  int `json:"peers_dead"`

    Procedures map[procedure.Status]int `json:"procedures,omitempty"`

    Members      []membership.MemberInfo `json:"members,omitempty"`
    GossipHealth int                     `json:"gossip_health"`

    At       time.Time `json:"at"`
    Warnings []string  `json:"warnings,omitempty"`
}

// Status never fails: backend errors become warnings.
func (c *Cluster) Status(ctx context.Context) Status {
    st := c.election.State()
    s := Status{
        NodeID:       c.opts.NodeID,
        Cluster:      c.opts.Cluster,
        Role:         st.Role,
        Term:         st.Term,
        LeaderID:     st.LeaderID,
        LeaderAddr:   st.LeaderAddr,
        Healthy:      st.LeaderID != "",
        GossipHealth: -1,
        At:           c.opts.Now(),
    }
    if st.Role == election.Leader { s.LeaderID, s.LeaderAddr = c.opts.NodeID, c.opts.Addr }
    if peers, err := c.Peers(ctx); err != nil {
        s.Warnings = append(s.Warnings, "peers: "+err.Error())
    } else {
        for _, p := range peers {
            if p.Alive {
                s.PeersAlive++
            } else {
                s.PeersDead++
            }
        }
    }
    if recs, err := c.exec.List(ctx); err != nil {
        s.Warnings = append(s.Warnings, "procedures: "+err.Error())
    } else if len(recs) > 0 {
        s.Procedures = map[procedure.Status]int{}
        for _, r := range recs { s.Procedures[r.Status]++ }
    }
    if m := c.opts.Membership; m != nil {
        s.Members = m.Members()
        s.GossipHealth = membership.Health(m)
    }
    return s
}
