package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DNSDiscovery resolves peer stores from a DNS name whose A records list
// the cluster members (headless-service style).
type DNSDiscovery struct {
	mu          sync.RWMutex
	dnsName     string
	raftPort    int
	httpPort    int
	logger      *zap.Logger
	cacheExpiry time.Duration
	lastLookup  time.Time
	cachedNodes []string

	nodeIDToURL map[uint64]string

	// lookUpHostFn is swapped in tests.
	lookUpHostFn func(host string) (addrs []string, err error)
}

var _ Discovery = (*DNSDiscovery)(nil)

// NewDNSDiscovery creates a DNS-based discovery service.
func NewDNSDiscovery(dnsName string, raftPort, httpPort int, logger *zap.Logger) *DNSDiscovery {
	return &DNSDiscovery{
		dnsName:      dnsName,
		raftPort:     raftPort,
		httpPort:     httpPort,
		logger:       logger,
		cacheExpiry:  30 * time.Second,
		lookUpHostFn: net.LookupHost,
		nodeIDToURL:  make(map[uint64]string),
	}
}

// GetClusterNodes returns all stores registered in DNS. Lookups are
// cached briefly to keep the feed's hot paths off the resolver.
func (d *DNSDiscovery) GetClusterNodes() ([]string, error) {
	d.mu.RLock()
	if time.Since(d.lastLookup) < d.cacheExpiry && len(d.cachedNodes) > 0 {
		nodes := make([]string, len(d.cachedNodes))
		copy(nodes, d.cachedNodes)
		d.mu.RUnlock()
		return nodes, nil
	}
	d.mu.RUnlock()

	ips, err := d.lookUpHostFn(d.dnsName)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed: %w", err)
	}

	nodes := make([]string, len(ips))
	for i, ip := range ips {
		nodes[i] = fmt.Sprintf("http://%s:%d", ip, d.raftPort)
	}

	d.mu.Lock()
	d.cachedNodes = nodes
	d.lastLookup = time.Now()
	d.mu.Unlock()

	return nodes, nil
}

// GetJoinEndpoints returns the join URLs of all stores found in DNS.
func (d *DNSDiscovery) GetJoinEndpoints() ([]string, error) {
	ips, err := d.lookUpHostFn(d.dnsName)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed: %w", err)
	}

	endpoints := make([]string, len(ips))
	for i, ip := range ips {
		endpoints[i] = fmt.Sprintf("http://%s:%d/join", ip, d.httpPort)
	}
	return endpoints, nil
}

// JoinCluster posts a join request to any reachable store, refreshing the
// endpoint list between retries.
func (d *DNSDiscovery) JoinCluster(nodeID uint64, raftAddress string, backoff time.Duration, maxRetries int) error {
	endpoints, err := d.GetJoinEndpoints()
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("no endpoints found in DNS - nothing to join")
	}

	myURL := fmt.Sprintf("http://%s", raftAddress)
	jsonData, err := json.Marshal(NodeJoinRequest{NodeID: nodeID, NodeURL: myURL})
	if err != nil {
		return err
	}

	for retry := 0; retry < maxRetries; retry++ {
		for _, endpoint := range endpoints {
			d.logger.Info("attempting to join via endpoint",
				zap.String("endpoint", endpoint),
				zap.Int("retry", retry+1))

			resp, err := http.Post(endpoint, "application/json", bytes.NewBuffer(jsonData))
			if err != nil {
				d.logger.Warn("join request failed",
					zap.String("endpoint", endpoint), zap.Error(err))
				continue
			}

			if resp.StatusCode == http.StatusOK {
				body, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err == nil {
					var joinResp NodeJoinResponse
					if jerr := json.Unmarshal(body, &joinResp); jerr == nil && joinResp.Leader != "" {
						d.logger.Info("join request accepted",
							zap.String("leader", joinResp.Leader))
					}
				}

				d.mu.Lock()
				d.nodeIDToURL[nodeID] = myURL
				d.mu.Unlock()
				return nil
			}

			resp.Body.Close()
			d.logger.Warn("join request rejected",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode))
		}

		if retry < maxRetries-1 {
			d.logger.Info("all join attempts failed, retrying after backoff",
				zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2

			if newEndpoints, err := d.GetJoinEndpoints(); err == nil && len(newEndpoints) > 0 {
				endpoints = newEndpoints
			}
		}
	}

	return fmt.Errorf("failed to join cluster after %d retries", maxRetries)
}

// RegisterNode records a store id → URL mapping learned from a conf
// change or join request.
func (d *DNSDiscovery) RegisterNode(nodeID uint64, url string) {
	d.mu.Lock()
	d.nodeIDToURL[nodeID] = url
	d.mu.Unlock()
}

// GetNodeURL resolves a store id to its raft URL. Only stores seen via
// JoinCluster or RegisterNode are resolvable.
func (d *DNSDiscovery) GetNodeURL(nodeID uint64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if url, ok := d.nodeIDToURL[nodeID]; ok {
		return url, nil
	}
	return "", fmt.Errorf("no URL mapping found for node ID %d", nodeID)
}
