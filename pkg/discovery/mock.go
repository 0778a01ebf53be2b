package discovery

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MockDiscovery is an in-memory discovery service for tests and
// single-process clusters.
type MockDiscovery struct {
	mu       sync.RWMutex
	nodes    map[uint64]string // node id -> address (host:port)
	raftPort int
	logger   *zap.Logger
}

var _ Discovery = (*MockDiscovery)(nil)

// NewMockDiscovery creates a mock discovery service.
func NewMockDiscovery(logger *zap.Logger, raftPort int) *MockDiscovery {
	return &MockDiscovery{
		nodes:    make(map[uint64]string),
		raftPort: raftPort,
		logger:   logger,
	}
}

// AddNode registers a store.
func (m *MockDiscovery) AddNode(nodeID uint64, address string) {
	m.mu.Lock()
	m.nodes[nodeID] = address
	m.mu.Unlock()
	m.logger.Info("added node to discovery",
		zap.Uint64("node_id", nodeID),
		zap.String("address", address))
}

// RemoveNode forgets a store.
func (m *MockDiscovery) RemoveNode(nodeID uint64) {
	m.mu.Lock()
	delete(m.nodes, nodeID)
	m.mu.Unlock()
}

// GetClusterNodes returns the raft URLs of all registered stores.
func (m *MockDiscovery) GetClusterNodes() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]string, 0, len(m.nodes))
	for _, addr := range m.nodes {
		nodes = append(nodes, fmt.Sprintf("http://%s", addr))
	}
	return nodes, nil
}

// GetJoinEndpoints returns nothing: mock joins register directly.
func (m *MockDiscovery) GetJoinEndpoints() ([]string, error) {
	return nil, nil
}

// JoinCluster registers the store directly, without HTTP.
func (m *MockDiscovery) JoinCluster(nodeID uint64, raftAddress string, _ time.Duration, _ int) error {
	m.AddNode(nodeID, raftAddress)
	return nil
}

// GetNodeURL resolves a registered store id.
func (m *MockDiscovery) GetNodeURL(nodeID uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("node %d not registered", nodeID)
	}
	return fmt.Sprintf("http://%s", addr), nil
}
