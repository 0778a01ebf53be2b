// Package storage defines the durable backing the raft feed needs for
// its own log, hard state and snapshots. The foreign engine's data does
// not live here; this is consensus-side persistence only.
package storage

import (
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Raft is the log store consumed by the feed's embedded raft node.
type Raft interface {
	raft.Storage

	Append([]raftpb.Entry) error
	SetHardState(st raftpb.HardState) error

	CreateSnapshot(snapIndex uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	ApplySnapshot(raftpb.Snapshot) error
	CleanupSnapshots(retain int) error
}
