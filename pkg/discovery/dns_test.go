package discovery

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDNSDiscoveryWithMockResolver(t *testing.T) {
	logger := zaptest.NewLogger(t)
	d := NewDNSDiscovery("bridge-service.test", 9021, 9121, logger)
	d.lookUpHostFn = func(host string) ([]string, error) {
		return []string{"127.0.0.1"}, nil
	}

	nodes, err := d.GetClusterNodes()
	if err != nil {
		t.Fatalf("GetClusterNodes failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0] != "http://127.0.0.1:9021" {
		t.Fatalf("unexpected nodes: %v", nodes)
	}

	endpoints, err := d.GetJoinEndpoints()
	if err != nil {
		t.Fatalf("GetJoinEndpoints failed: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0] != "http://127.0.0.1:9121/join" {
		t.Fatalf("unexpected endpoints: %v", endpoints)
	}
}

func TestDNSDiscoveryCaching(t *testing.T) {
	logger := zaptest.NewLogger(t)
	d := NewDNSDiscovery("bridge-service.test", 9021, 9121, logger)
	d.lookUpHostFn = func(host string) ([]string, error) {
		return []string{"127.0.0.1"}, nil
	}

	if _, err := d.GetClusterNodes(); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	d.cachedNodes = []string{"http://cached-value:9021"}
	d.lastLookup = time.Now()
	d.mu.Unlock()

	nodes, err := d.GetClusterNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0] != "http://cached-value:9021" {
		t.Fatalf("cache not used: %v", nodes)
	}
}

func TestDNSDiscoveryNodeURLMapping(t *testing.T) {
	logger := zaptest.NewLogger(t)
	d := NewDNSDiscovery("bridge-service.test", 9021, 9121, logger)

	if _, err := d.GetNodeURL(3); err == nil {
		t.Fatal("expected unknown node id to fail")
	}
	d.RegisterNode(3, "http://10.0.0.3:9021")
	url, err := d.GetNodeURL(3)
	if err != nil || url != "http://10.0.0.3:9021" {
		t.Fatalf("GetNodeURL = %q, %v", url, err)
	}
}

func TestMockDiscovery(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := NewMockDiscovery(logger, 9021)

	if err := m.JoinCluster(1, "127.0.0.1:9021", time.Millisecond, 1); err != nil {
		t.Fatal(err)
	}
	nodes, err := m.GetClusterNodes()
	if err != nil || len(nodes) != 1 {
		t.Fatalf("nodes %v, err %v", nodes, err)
	}
	url, err := m.GetNodeURL(1)
	if err != nil || url != "http://127.0.0.1:9021" {
		t.Fatalf("GetNodeURL = %q, %v", url, err)
	}
	m.RemoveNode(1)
	if _, err := m.GetNodeURL(1); err == nil {
		t.Fatal("expected removed node to be unresolvable")
	}
}
