// Package raftfeed turns an embedded raft node into the bridge's input:
// an ordered stream of committed, decoded commands per region, plus
// snapshot notifications when raft decides a follower needs full-state
// transfer. Consensus itself is assumed correct; this package only moves
// its output across to the apply side.
package raftfeed

import (
	"context"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/discovery"
	"github.com/bridgekv/enginebridge/storage"
)

// Batch is a run of committed entries ready for the apply side. ApplyDoneC
// is closed by the consumer once every entry reached the engine, which
// gates raft-log snapshotting.
type Batch struct {
	Entries    []command.Entry
	ApplyDoneC chan<- struct{}
}

// SnapshotNotice announces that raft installed a full-state snapshot and
// the apply side must import it before consuming further entries.
type SnapshotNotice struct {
	Index uint64
	Term  uint64
	// Data is the snapshot manifest produced by the GetSnapshot hook of
	// the sending store.
	Data []byte
}

// LeaderProcess is notified when this store gains or loses raft
// leadership.
type LeaderProcess interface {
	OnLeadershipChanged(isLeader bool)
}

// Feed is the public face of the embedded raft node.
type Feed interface {
	// IsLeader reports whether this store currently leads the group.
	IsLeader() bool

	// GetLeaderURL returns the raft URL of the current leader.
	GetLeaderURL() (string, error)

	// GetLocalURL returns this store's raft URL.
	GetLocalURL() string

	// ConfState returns the current raft membership.
	ConfState() raftpb.ConfState

	// Process, IsIDRemoved, ReportUnreachable and ReportSnapshot serve
	// the rafthttp transport.
	Process(ctx context.Context, m raftpb.Message) error
	IsIDRemoved(id uint64) bool
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)

	// Stop shuts the node and its transport down.
	Stop()
}

// Params configures a feed node.
type Params struct {
	// ID of this store in the raft group.
	ID uint64
	// RaftPort the transport listens on.
	RaftPort int
	// Address of this store (host:port).
	Address string

	Logger        *zap.Logger
	Storage       storage.Raft
	Discovery     discovery.Discovery
	LeaderProcess LeaderProcess

	// Join starts the node against an existing cluster.
	Join bool
	// BootstrapAllowed lets this node start a fresh single-store cluster
	// when discovery finds nobody else.
	BootstrapAllowed bool

	// GetSnapshot produces the manifest stored in raft snapshots, taken
	// from the bridge's ledger.
	GetSnapshot func() ([]byte, error)

	// ProposeC carries encoded commands to replicate; ConfChangeC carries
	// membership changes. Close ProposeC to shut the node down.
	ProposeC    <-chan []byte
	ConfChangeC <-chan raftpb.ConfChange
}

// New starts a feed node. Committed batches arrive on the batch channel,
// snapshot notices on the snapshot channel, terminal failures on the
// error channel.
func New(p Params) (Feed, <-chan *Batch, <-chan SnapshotNotice, <-chan error) {
	return newNode(p)
}

const defaultSnapCount uint64 = 10000
