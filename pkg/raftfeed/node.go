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

package raftfeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.etcd.io/etcd/server/v3/etcdserver/api/rafthttp"
	stats "go.etcd.io/etcd/server/v3/etcdserver/api/v2stats"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/discovery"
	"github.com/bridgekv/enginebridge/storage"
)

type node struct {
	raftPort int
	address  string

	proposeC    <-chan []byte
	confChangeC <-chan raftpb.ConfChange
	batchC      chan<- *Batch
	snapC       chan<- SnapshotNotice
	errorC      chan<- error

	id          uint64
	join        bool
	getSnapshot func() ([]byte, error)

	confState     raftpb.ConfState
	snapshotIndex uint64
	appliedIndex  uint64

	raftNode  raft.Node
	storage   storage.Raft
	transport *rafthttp.Transport
	snapCount uint64
	stopc     chan struct{}
	httpstopc chan struct{}
	httpdonec chan struct{}

	logger           *zap.Logger
	leaderProcess    LeaderProcess
	discovery        discovery.Discovery
	bootstrapAllowed bool

	mu sync.RWMutex
}

func newNode(p Params) (Feed, <-chan *Batch, <-chan SnapshotNotice, <-chan error) {
	batchC := make(chan *Batch)
	snapC := make(chan SnapshotNotice, 1)
	errorC := make(chan error)

	n := &node{
		raftPort: p.RaftPort,
		address:  p.Address,

		proposeC:    p.ProposeC,
		confChangeC: p.ConfChangeC,
		batchC:      batchC,
		snapC:       snapC,
		errorC:      errorC,
		id:          p.ID,
		join:        p.Join,
		getSnapshot: p.GetSnapshot,
		snapCount:   defaultSnapCount,
		stopc:       make(chan struct{}),
		httpstopc:   make(chan struct{}),
		httpdonec:   make(chan struct{}),

		logger:           p.Logger,
		discovery:        p.Discovery,
		bootstrapAllowed: p.BootstrapAllowed,
		storage:          p.Storage,
		leaderProcess:    p.LeaderProcess,
	}

	go n.startRaft()
	return n, batchC, snapC, errorC
}

func (n *node) ConfState() raftpb.ConfState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.confState
}

func (n *node) IsLeader() bool {
	if n.raftNode == nil {
		return false
	}
	return n.raftNode.Status().Lead == n.id
}

func (n *node) GetLocalURL() string {
	return fmt.Sprintf("http://%s", n.address)
}

func (n *node) GetLeaderURL() (string, error) {
	if n.IsLeader() {
		return n.GetLocalURL(), nil
	}

	leaderID := n.raftNode.Status().Lead
	if leaderID == 0 {
		return "", errors.New("no leader elected yet")
	}

	if n.discovery != nil {
		leaderURL, err := n.discovery.GetNodeURL(leaderID)
		if err == nil {
			return leaderURL, nil
		}
		n.logger.Debug("failed to get leader URL from discovery",
			zap.Error(err),
			zap.Uint64("leader_id", leaderID))
	}

	return "", errors.New("leader URL not found")
}

func (n *node) Process(ctx context.Context, m raftpb.Message) error {
	return n.raftNode.Step(ctx, m)
}

func (n *node) IsIDRemoved(id uint64) bool { return false }

func (n *node) ReportUnreachable(id uint64) { n.raftNode.ReportUnreachable(id) }

func (n *node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	n.raftNode.ReportSnapshot(id, status)
}

func (n *node) Stop() {
	n.stopHTTP()
	close(n.batchC)
	close(n.errorC)
	n.raftNode.Stop()
}

func (n *node) stopHTTP() {
	n.transport.Stop()
	close(n.httpstopc)
	<-n.httpdonec
}

func (n *node) joinCluster() error {
	if n.discovery == nil {
		return errors.New("no discovery service configured")
	}
	return n.discovery.JoinCluster(n.id, n.address, 500*time.Millisecond, 10)
}

func (n *node) startRaft() {
	c := &raft.Config{
		ID:                        n.id,
		ElectionTick:              10,
		HeartbeatTick:             1,
		Storage:                   n.storage,
		MaxSizePerMsg:             1024 * 1024,
		MaxInflightMsgs:           256,
		PreVote:                   true,
		CheckQuorum:               true,
		DisableProposalForwarding: false,
	}

	n.initTransport()

	if n.join {
		n.logger.Info("joining existing cluster", zap.Uint64("id", n.id))
		n.raftNode = raft.RestartNode(c)
		if err := n.joinCluster(); err != nil {
			n.logger.Error("failed to join cluster", zap.Error(err))
			// Keep running; the join is retried by discovery.
		}
	} else {
		shouldBootstrap := true

		if n.discovery != nil {
			nodes, err := n.discovery.GetClusterNodes()
			if err == nil && len(nodes) > 0 {
				n.logger.Info("existing nodes found, switching to join mode",
					zap.Int("found_nodes", len(nodes)),
					zap.Strings("nodes", nodes))
				shouldBootstrap = false
				n.join = true

				n.raftNode = raft.RestartNode(c)
				if err := n.joinCluster(); err != nil {
					n.logger.Error("failed to join existing cluster", zap.Error(err))
				}
			}
		}

		if shouldBootstrap {
			if !n.bootstrapAllowed {
				n.logger.Fatal("attempted to bootstrap but not allowed")
			}

			n.logger.Info("bootstrapping new cluster", zap.Uint64("id", n.id))
			n.raftNode = raft.StartNode(c, []raft.Peer{{ID: n.id}})
		}
	}

	go n.serveRaft()
	go n.serveChannels()
}

func (n *node) serveProposals() {
	confChangeCount := uint64(0)

	for n.proposeC != nil && n.confChangeC != nil {
		select {
		case prop, ok := <-n.proposeC:
			if !ok {
				n.proposeC = nil
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := n.raftNode.Propose(ctx, prop)
				cancel()
				if err != nil {
					n.logger.Error("failed to propose", zap.Error(err))
				}
			}

		case cc, ok := <-n.confChangeC:
			if !ok {
				n.confChangeC = nil
			} else {
				confChangeCount++
				cc.ID = confChangeCount
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := n.raftNode.ProposeConfChange(ctx, cc)
				cancel()
				if err != nil {
					n.logger.Error("failed to propose conf change", zap.Error(err))
				}
			}
		}
	}

	// client closed channel; shutdown raft if not already
	close(n.stopc)
}

func (n *node) serveChannels() {
	snap, err := n.storage.Snapshot()
	if err != nil {
		n.logger.Fatal("get snapshot", zap.Error(err))
	}
	n.mu.Lock()
	n.confState = snap.Metadata.ConfState
	n.mu.Unlock()
	n.snapshotIndex = snap.Metadata.Index
	n.appliedIndex = snap.Metadata.Index

	go n.serveProposals()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastLeader bool

	for {
		select {
		case <-ticker.C:
			n.raftNode.Tick()
			lastLeader = n.notifyLeadership(lastLeader)

		case rd := <-n.raftNode.Ready():
			lastLeader = n.notifyLeadership(lastLeader)

			// Entries and hard state must hit storage before messages go
			// out.
			if err := n.storage.Append(rd.Entries); err != nil {
				n.logger.Fatal("failed to append entries", zap.Error(err))
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					n.logger.Fatal("failed to set hard state", zap.Error(err))
				}
			}
			if !raft.IsEmptySnap(rd.Snapshot) {
				n.logger.Info("applying snapshot",
					zap.Uint64("index", rd.Snapshot.Metadata.Index))
				if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
					n.logger.Fatal("failed to apply snapshot", zap.Error(err))
				}
				if !n.publishSnapshot(rd.Snapshot) {
					n.stop()
					return
				}
			}

			n.transport.Send(rd.Messages)

			if len(rd.CommittedEntries) > 0 {
				applyDoneC, ok := n.publishEntries(n.entriesToApply(rd.CommittedEntries))
				if !ok {
					n.stop()
					return
				}
				n.maybeTriggerSnapshot(applyDoneC)
			}

			n.raftNode.Advance()

		case err := <-n.transport.ErrorC:
			n.writeError(err)
			return

		case <-n.stopc:
			n.stop()
			return
		}
	}
}

func (n *node) notifyLeadership(last bool) bool {
	isLeader := n.IsLeader()
	if isLeader != last && n.leaderProcess != nil {
		n.leaderProcess.OnLeadershipChanged(isLeader)
	}
	return isLeader
}

func (n *node) maybeTriggerSnapshot(applyDoneC <-chan struct{}) {
	if n.appliedIndex-n.snapshotIndex <= n.snapCount {
		return
	}

	// wait until all batched entries are applied (or server is closed)
	if applyDoneC != nil {
		select {
		case <-applyDoneC:
		case <-n.stopc:
			return
		}
	}

	n.logger.Info("creating raft snapshot",
		zap.Uint64("applied", n.appliedIndex),
		zap.Uint64("last_snapshot", n.snapshotIndex))

	data, err := n.getSnapshot()
	if err != nil {
		n.logger.Fatal("snapshot manifest", zap.Error(err))
	}
	cs := n.ConfState()
	snap, err := n.storage.CreateSnapshot(n.appliedIndex, &cs, data)
	if err != nil {
		n.logger.Fatal("create snapshot", zap.Error(err))
	}
	if err := n.storage.ApplySnapshot(snap); err != nil {
		n.logger.Fatal("apply own snapshot", zap.Error(err))
	}

	// Keep one predecessor so a follower mid-transfer can still fetch it.
	if err := n.storage.CleanupSnapshots(2); err != nil {
		n.logger.Fatal("cleanup snapshots", zap.Error(err))
	}

	n.snapshotIndex = n.appliedIndex
}

func (n *node) publishSnapshot(snap raftpb.Snapshot) bool {
	if snap.Metadata.Index <= n.appliedIndex {
		n.logger.Error("stale snapshot ignored",
			zap.Uint64("snapshot_index", snap.Metadata.Index),
			zap.Uint64("applied", n.appliedIndex))
		return true
	}

	select {
	case n.snapC <- SnapshotNotice{
		Index: snap.Metadata.Index,
		Term:  snap.Metadata.Term,
		Data:  snap.Data,
	}:
	case <-n.stopc:
		return false
	}

	n.mu.Lock()
	n.confState = snap.Metadata.ConfState
	n.mu.Unlock()
	n.snapshotIndex = snap.Metadata.Index
	n.appliedIndex = snap.Metadata.Index
	return true
}

func (n *node) writeError(err error) {
	n.stopHTTP()
	close(n.batchC)
	n.errorC <- err
	close(n.errorC)
	n.raftNode.Stop()
}

// stop closes http, closes all channels, and stops raft.
func (n *node) stop() {
	n.stopHTTP()
	close(n.batchC)
	close(n.errorC)
	n.raftNode.Stop()
}

func (n *node) serveRaft() {
	u, err := url.Parse("http://" + n.address)
	if err != nil {
		n.logger.Sugar().Fatalf("failed parsing URL (%v)", err)
	}

	ln, err := newStoppableListener(u.Host, n.httpstopc)
	if err != nil {
		n.logger.Sugar().Fatalf("failed to listen rafthttp (%v)", err)
	}

	err = (&http.Server{Handler: n.transport.Handler()}).Serve(ln)
	select {
	case <-n.httpstopc:
	default:
		n.logger.Sugar().Fatalf("failed to serve rafthttp (%v)", err)
	}
	close(n.httpdonec)
}

func (n *node) initTransport() {
	n.transport = &rafthttp.Transport{
		Logger:      n.logger,
		ID:          types.ID(n.id),
		ClusterID:   0x1000,
		Raft:        n,
		ServerStats: stats.NewServerStats("", ""),
		LeaderStats: stats.NewLeaderStats(n.logger, strconv.FormatUint(n.id, 10)),
		ErrorC:      make(chan error),
	}

	if err := n.transport.Start(); err != nil {
		n.logger.Fatal("rafthttp.Transport.Start", zap.Error(err))
	}

	if n.discovery != nil {
		nodes, err := n.discovery.GetClusterNodes()
		if err == nil {
			for i, nodeURL := range nodes {
				peerID := uint64(i + 1)
				if peerID != n.id {
					n.logger.Info("adding peer to transport",
						zap.Uint64("peer_id", peerID),
						zap.String("url", nodeURL))
					n.transport.AddPeer(types.ID(peerID), []string{nodeURL})
				}
			}
		}
	}
}
