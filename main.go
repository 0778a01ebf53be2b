// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gocql/gocql"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/leader"
	"github.com/bridgekv/enginebridge/pkg/apply"
	"github.com/bridgekv/enginebridge/pkg/discovery"
	enginepkg "github.com/bridgekv/enginebridge/pkg/engine"
	enginecass "github.com/bridgekv/enginebridge/pkg/engine/cassandra"
	"github.com/bridgekv/enginebridge/pkg/engine/memory"
	"github.com/bridgekv/enginebridge/pkg/guard"
	"github.com/bridgekv/enginebridge/pkg/progress"
	"github.com/bridgekv/enginebridge/pkg/raftfeed"
	"github.com/bridgekv/enginebridge/pkg/read"
	"github.com/bridgekv/enginebridge/pkg/region"
	"github.com/bridgekv/enginebridge/pkg/snapimport"
	raftcass "github.com/bridgekv/enginebridge/storage/cassandra"
)

const clusterID = "enginebridge"

// bootstrapRegionID is the initial region covering the whole keyspace on
// a fresh cluster.
const bootstrapRegionID = 1

// snapshotChunkPairs is how many key/value pairs an engine-served
// snapshot source packs per chunk.
const snapshotChunkPairs = 256

// verifyEngine confirms the engine speaks the interface revision this
// bridge was built against, before any entry reaches it.
func verifyEngine(eng enginepkg.Engine) error {
	magic, version := eng.Version()
	if magic != enginepkg.Magic {
		return fmt.Errorf("engine magic %#x, want %#x", magic, enginepkg.Magic)
	}
	if version != enginepkg.InterfaceVersion {
		return fmt.Errorf("engine interface version %d, want %d", version, enginepkg.InterfaceVersion)
	}
	return nil
}

func main() {
	id := flag.Uint64("id", 1, "store ID")
	apiPort := flag.Int("port", 9121, "bridge API port")
	raftPort := flag.Int("raftport", 9021, "raft server port")
	join := flag.Bool("join", false, "join an existing cluster")
	bootstrapAllowed := flag.Bool("bootstrap", true, "allow starting a fresh single-store cluster")
	cassandraHost := flag.String("cassandra", "127.0.0.1", "cassandra host")
	keyspace := flag.String("keyspace", "enginebridge", "cassandra keyspace")
	engineKind := flag.String("engine", "memory", "foreign engine: memory or cassandra")
	dataDir := flag.String("datadir", "data", "directory for the progress store")
	dnsName := flag.String("dns", "", "DNS name for peer discovery (empty uses static single-node discovery)")
	diskFullPct := flag.Float64("disk-full-pct", 90, "used-disk percentage above which writes are rejected (0 disables)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}

	clusterConfig := gocql.NewCluster(*cassandraHost)
	clusterConfig.Keyspace = *keyspace
	clusterConfig.Consistency = gocql.One
	clusterConfig.NumConns = 1
	clusterConfig.Timeout = 2 * time.Second
	clusterConfig.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 2}
	clusterConfig.PoolConfig.HostSelectionPolicy =
		gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	sess, err := clusterConfig.CreateSession()
	if err != nil {
		logger.Fatal("connect cassandra", zap.Error(err))
	}

	if err := raftcass.EnsureSchema(sess); err != nil {
		logger.Fatal("raft schema", zap.Error(err))
	}
	raftStorage, err := raftcass.New(sess, clusterID, *id, logger)
	if err != nil {
		logger.Fatal("raft storage", zap.Error(err))
	}

	var eng enginepkg.Engine
	var bootstrapRegion func(region.Region) error
	var snapSource snapSourceFunc
	switch *engineKind {
	case "memory":
		m := memory.New(logger)
		eng = m
		bootstrapRegion = func(r region.Region) error {
			m.Bootstrap(r)
			return nil
		}
		snapSource = func(ctx context.Context, meta region.Region) (enginepkg.ChunkSource, error) {
			return m.Snapshot(meta.ID, snapshotChunkPairs)
		}
	case "cassandra":
		if err := enginecass.EnsureSchema(sess); err != nil {
			logger.Fatal("engine schema", zap.Error(err))
		}
		c := enginecass.New(sess, logger)
		eng = c
		bootstrapRegion = func(r region.Region) error {
			return c.Bootstrap(context.Background(), r)
		}
		snapSource = func(ctx context.Context, meta region.Region) (enginepkg.ChunkSource, error) {
			return c.Snapshot(ctx, meta, snapshotChunkPairs)
		}
	default:
		logger.Fatal("unknown engine", zap.String("engine", *engineKind))
	}
	if err := verifyEngine(eng); err != nil {
		logger.Fatal("engine handshake", zap.String("engine", *engineKind), zap.Error(err))
	}

	store, err := progress.OpenBolt(filepath.Join(*dataDir, "progress.db"))
	if err != nil {
		logger.Fatal("open progress store", zap.Error(err))
	}

	ledger := region.NewLedger()

	disk := guard.NewDiskWatcher(guard.DiskWatcherConfig{
		Logger:      logger,
		Path:        *dataDir,
		FullPercent: *diskFullPct,
		Interval:    10 * time.Second,
	})
	disk.Start()

	var br *bridge

	seq := apply.NewSequencer(apply.Config{
		Logger: logger,
		Ledger: ledger,
		Engine: eng,
		Guard:  guard.New(logger, *id, disk),
		Store:  store,
		OnRegionRemoved: func(regionID uint64) {
			if br != nil {
				br.regionRemoved(regionID)
			}
		},
	})
	disp := apply.NewDispatcher(logger, seq, 128)

	importer := snapimport.New(snapimport.Config{
		Logger: logger,
		Ledger: ledger,
		Engine: eng,
		Store:  store,
		OnInstalled: func(r region.Region) {
			seq.Reset(r.ID)
		},
	})

	recs, err := store.LoadAll()
	if err != nil {
		logger.Fatal("load progress records", zap.Error(err))
	}
	if len(recs) == 0 && !*join {
		initial := region.Region{
			ID:    bootstrapRegionID,
			Epoch: region.Epoch{Version: 1, ConfVer: 1},
			Peers: []region.Peer{{ID: *id, StoreID: *id}},
		}
		if err := bootstrapRegion(initial); err != nil {
			logger.Fatal("bootstrap engine region", zap.Error(err))
		}
		if err := store.Save(progress.FromRegion(initial)); err != nil {
			logger.Fatal("persist bootstrap region", zap.Error(err))
		}
		logger.Info("bootstrapped initial region", zap.Uint64("region", bootstrapRegionID))
	}

	var disc discovery.Discovery
	if *dnsName != "" {
		disc = discovery.NewDNSDiscovery(*dnsName, *raftPort, *apiPort, logger)
	} else {
		disc = discovery.NewMockDiscovery(logger, *raftPort)
	}

	// Flush apply progress on the leader so the snapshot manifest stays
	// close to the engine.
	leaderProcess := leader.NewProcess(logger, func(ctx context.Context) error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := seq.FlushProgress(); err != nil {
					logger.Error("flush progress", zap.Error(err))
				}
			}
		}
	})

	proposeC := make(chan []byte)
	defer close(proposeC)
	confChangeC := make(chan raftpb.ConfChange)
	defer close(confChangeC)

	getSnapshot := func() ([]byte, error) {
		if br == nil {
			return nil, fmt.Errorf("bridge not ready")
		}
		return br.manifest()
	}

	feed, batchC, snapC, errorC := raftfeed.New(raftfeed.Params{
		ID:               *id,
		RaftPort:         *raftPort,
		Address:          fmt.Sprintf("127.0.0.1:%d", *raftPort),
		Logger:           logger,
		Storage:          raftStorage,
		Discovery:        disc,
		LeaderProcess:    leaderProcess,
		Join:             *join,
		BootstrapAllowed: *bootstrapAllowed,
		GetSnapshot:      getSnapshot,
		ProposeC:         proposeC,
		ConfChangeC:      confChangeC,
	})

	br, err = newBridge(bridgeParams{
		Logger:     logger,
		Ledger:     ledger,
		Store:      store,
		Seq:        seq,
		Disp:       disp,
		Importer:   importer,
		SnapSource: snapSource,
		ProposeC:   proposeC,
		BatchC:     batchC,
		SnapC:      snapC,
		ErrorC:     errorC,
	})
	if err != nil {
		logger.Fatal("start bridge", zap.Error(err))
	}

	api := &httpBridgeAPI{
		bridge:      br,
		reader:      read.NewCoordinator(logger, ledger, seq),
		feed:        feed,
		confChangeC: confChangeC,
		logger:      logger,
	}
	serveBridgeAPI(logger, api, *apiPort, errorC)
}
