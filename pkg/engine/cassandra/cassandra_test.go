package cassandra

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap/zaptest"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/region"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bridgeerr.Class
	}{
		{"timeout", gocql.ErrTimeoutNoResponse, bridgeerr.Transient},
		{"no connections", gocql.ErrNoConnections, bridgeerr.Transient},
		{"deadline", context.DeadlineExceeded, bridgeerr.Transient},
		{"syntax", errors.New("line 1: syntax error"), bridgeerr.Consistency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err, "op")
			if bridgeerr.Of(got) != tc.want {
				t.Fatalf("classify(%v) class %v, want %v", tc.err, bridgeerr.Of(got), tc.want)
			}
		})
	}
}

// testSession connects to a live cluster when one is reachable. Set
// CASSANDRA_HOST to run the integration tests.
func testSession(t *testing.T) *gocql.Session {
	t.Helper()
	host := os.Getenv("CASSANDRA_HOST")
	if host == "" {
		t.Skip("CASSANDRA_HOST not set")
	}
	cluster := gocql.NewCluster(host)
	cluster.Keyspace = "enginebridge"
	cluster.Consistency = gocql.One
	cluster.NumConns = 1
	cluster.Timeout = 2 * time.Second
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 2}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	sess, err := cluster.CreateSession()
	if err != nil {
		t.Fatalf("connecting to %s: %v", host, err)
	}
	t.Cleanup(sess.Close)
	return sess
}

// The apply record must carry the entry's term alongside its index. A
// snapshot cut built from a record with a zero term would be rejected
// by the importer on the receiving side.
func TestApplyWritePersistsTerm(t *testing.T) {
	sess := testSession(t)
	ctx := context.Background()
	if err := EnsureSchema(sess); err != nil {
		t.Fatal(err)
	}
	eng := New(sess, zaptest.NewLogger(t))

	const regionID = 910001
	meta := region.Region{
		ID:       regionID,
		StartKey: []byte("a"),
		EndKey:   []byte("z"),
		Epoch:    region.Epoch{Version: 1, ConfVer: 1},
		Peers:    []region.Peer{{ID: 1, StoreID: 100}},
	}
	if err := eng.Bootstrap(ctx, meta); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = eng.Destroy(context.Background(), regionID) })

	hdr := engine.CmdHeader{RegionID: regionID, Index: 4, Term: 7}
	ops := []command.WriteOp{
		{CF: command.CFDefault, Type: command.OpPut, Key: []byte("k"), Value: []byte("v")},
	}
	if _, err := eng.ApplyWrite(ctx, hdr, ops); err != nil {
		t.Fatal(err)
	}

	var idx, term int64
	err := sess.Query(
		`SELECT applied_index, applied_term FROM bridge_apply WHERE region_id = ?`,
		int64(regionID),
	).WithContext(ctx).Scan(&idx, &term)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 4 || term != 7 {
		t.Fatalf("apply record index=%d term=%d, want index=4 term=7", idx, term)
	}
}
