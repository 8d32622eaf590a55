package transport

import (
    "encoding/json"

    "github.com/amirimatin/go-metasrv/pkg/cluster"
    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/procedure"
)

type Empty struct{}

// SubmitRequest starts a procedure of Type with Input as its initial
// state.
type SubmitRequest struct {
    Type  string          `json:"type"`
    Input json.RawMessage `json:"input"`
}

type SubmitResponse struct {
    ID string `json:"id"`
}

type ProcedureRequest struct {
    ID string `json:"id"`
}

type ProceduresResponse struct {
    Procedures []procedure.Record `json:"procedures"`
}

type PeersResponse struct {
    Peers []cluster.Peer `json:"peers"`
}

// LeaderResponse carries the stored leadership record. Known is false when
// no record exists yet.
type LeaderResponse struct {
    Leader election.Record `json:"leader"`
    Known  bool            `json:"known"`
}

type FailoverRequest struct {
    Datanode string `json:"datanode"`
}

type FailoverResponse struct {
    Procedures []string `json:"procedures"`
}

// WatchRequest opens a leadership event stream.
type WatchRequest struct {
    NodeID string `json:"node_id,omitempty"`
}

// ApplyResponse answers a forwarded store write.
type ApplyResponse struct {
    Applied bool `json:"applied"`
}
