// Package discovery locates the other stores of the bridge cluster so the
// raft feed can connect its transport and join an existing cluster.
package discovery

import "time"

// Discovery finds peer stores.
type Discovery interface {
	// GetClusterNodes returns the raft URLs of all known stores.
	GetClusterNodes() ([]string, error)

	// GetJoinEndpoints returns the HTTP endpoints accepting join requests.
	GetJoinEndpoints() ([]string, error)

	// JoinCluster registers this store with the cluster, retrying with
	// exponential backoff.
	JoinCluster(nodeID uint64, raftAddress string, initialBackoff time.Duration, maxRetries int) error

	// GetNodeURL resolves a store id to its raft URL.
	GetNodeURL(nodeID uint64) (string, error)
}

// NodeJoinRequest is the body of a join request.
type NodeJoinRequest struct {
	NodeID  uint64 `json:"node_id"`
	NodeURL string `json:"node_url"`
}

// NodeJoinResponse is the body of a join response.
type NodeJoinResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Leader  string `json:"leader,omitempty"`
}
