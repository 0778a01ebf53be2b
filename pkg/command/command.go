// Package command defines the payloads carried by committed log entries and
// their wire encoding across the engine boundary. The encoding is JSON with
// additive-only field evolution: decoders ignore unknown fields, so new
// fields may be introduced without breaking an independently-versioned
// engine build.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/bridgekv/enginebridge/pkg/region"
)

// CF names a column family of the foreign engine.
type CF uint8

const (
	CFDefault CF = iota
	CFLock
	CFWrite
)

func (c CF) String() string {
	switch c {
	case CFDefault:
		return "default"
	case CFLock:
		return "lock"
	case CFWrite:
		return "write"
	default:
		return "unknown"
	}
}

// WriteOpType distinguishes puts from deletes inside a write batch.
type WriteOpType uint8

const (
	OpPut WriteOpType = iota
	OpDelete
)

// WriteOp is a single mutation within a write-class entry.
type WriteOp struct {
	CF    CF          `json:"cf"`
	Type  WriteOpType `json:"type"`
	Key   []byte      `json:"key"`
	Value []byte      `json:"value,omitempty"`
}

// AdminType enumerates the admin commands affecting region shape or
// membership.
type AdminType uint8

const (
	AdminCompactLog AdminType = iota
	AdminBatchSplit
	AdminPrepareMerge
	AdminCommitMerge
	AdminRollbackMerge
	AdminChangePeer
	AdminFlashback
	AdminFlashbackUnlock
	AdminComputeHash
	AdminVerifyHash
)

func (t AdminType) String() string {
	switch t {
	case AdminCompactLog:
		return "compact-log"
	case AdminBatchSplit:
		return "batch-split"
	case AdminPrepareMerge:
		return "prepare-merge"
	case AdminCommitMerge:
		return "commit-merge"
	case AdminRollbackMerge:
		return "rollback-merge"
	case AdminChangePeer:
		return "change-peer"
	case AdminFlashback:
		return "flashback"
	case AdminFlashbackUnlock:
		return "flashback-unlock"
	case AdminComputeHash:
		return "compute-hash"
	case AdminVerifyHash:
		return "verify-hash"
	default:
		return "unknown"
	}
}

// Structural reports whether the command changes region shape or
// membership, requiring a pending guard state while in flight.
func (t AdminType) Structural() bool {
	switch t {
	case AdminBatchSplit, AdminPrepareMerge, AdminCommitMerge,
		AdminRollbackMerge, AdminChangePeer:
		return true
	default:
		return false
	}
}

// Recovery reports whether the command must keep flowing while earlier
// writes in the region's stream are held back, because it can clear the
// very condition doing the holding (flashback unlock, log compaction
// under disk pressure) or merely audits state.
func (t AdminType) Recovery() bool {
	switch t {
	case AdminCompactLog, AdminFlashbackUnlock, AdminComputeHash, AdminVerifyHash:
		return true
	default:
		return false
	}
}

// SplitRequest describes one descendant of a batch split. Descendants are
// listed left to right; the last one keeps the parent's region id.
type SplitRequest struct {
	NewRegionID uint64   `json:"new_region_id"`
	SplitKey    []byte   `json:"split_key"`
	NewPeerIDs  []uint64 `json:"new_peer_ids,omitempty"`
}

// PeerChangeType mirrors raft conf-change kinds at the bridge level.
type PeerChangeType uint8

const (
	PeerAdd PeerChangeType = iota
	PeerRemove
	PeerAddLearner
)

// PeerChange is the payload of a change-peer admin command.
type PeerChange struct {
	Type PeerChangeType `json:"type"`
	Peer region.Peer    `json:"peer"`
}

// AdminCmd is an admin command together with the epoch it was proposed
// under. The carried epoch must match the region's current epoch for the
// command to be legal.
type AdminCmd struct {
	Type  AdminType    `json:"type"`
	Epoch region.Epoch `json:"epoch"`

	// CompactIndex/CompactTerm: compact-log target (type == AdminCompactLog).
	CompactIndex uint64 `json:"compact_index,omitempty"`
	CompactTerm  uint64 `json:"compact_term,omitempty"`

	// Splits: batch-split descendants (type == AdminBatchSplit).
	Splits []SplitRequest `json:"splits,omitempty"`

	// MergeTarget: region absorbing this one (type == AdminPrepareMerge).
	// MergeSource: region being absorbed (type == AdminCommitMerge), with
	// its key range at merge time.
	MergeTarget uint64 `json:"merge_target,omitempty"`
	MergeSource uint64 `json:"merge_source,omitempty"`
	SourceStart []byte `json:"source_start,omitempty"`
	SourceEnd   []byte `json:"source_end,omitempty"`

	// PeerChange: membership delta (type == AdminChangePeer).
	PeerChange *PeerChange `json:"peer_change,omitempty"`
}

// Entry is one committed unit of replicated state, produced by the
// consensus layer and consumed exactly once by the Apply Sequencer.
// Exactly one of Write and Admin is set.
type Entry struct {
	RegionID uint64 `json:"region_id"`
	Index    uint64 `json:"index"`
	Term     uint64 `json:"term"`

	Write []WriteOp `json:"write,omitempty"`
	Admin *AdminCmd `json:"admin,omitempty"`
}

// IsAdmin reports whether the entry carries an admin command.
func (e Entry) IsAdmin() bool { return e.Admin != nil }

// Encode serializes the entry payload for the replicated log.
func (e Entry) Encode() ([]byte, error) {
	if e.Admin != nil && len(e.Write) > 0 {
		return nil, fmt.Errorf("entry %d/%d carries both write and admin payloads", e.RegionID, e.Index)
	}
	return json.Marshal(e)
}

// Decode parses an entry payload. Index and term travel inside the payload
// so the bridge does not depend on the consensus layer's framing.
func Decode(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if e.RegionID == 0 {
		return Entry{}, fmt.Errorf("decode entry: missing region id")
	}
	return e, nil
}
