package region

import "bytes"

// Epoch identifies a region's current shape and membership. Version
// increases on split/merge, ConfVer on membership change.
type Epoch struct {
	Version uint64 `json:"version"`
	ConfVer uint64 `json:"conf_ver"`
}

// Match reports whether two epochs are identical. Admin commands carry the
// epoch they were proposed under and are only legal when it still matches.
func (e Epoch) Match(o Epoch) bool {
	return e.Version == o.Version && e.ConfVer == o.ConfVer
}

// Newer reports whether e supersedes o in at least one dimension without
// regressing the other.
func (e Epoch) Newer(o Epoch) bool {
	return (e.Version > o.Version && e.ConfVer >= o.ConfVer) ||
		(e.Version >= o.Version && e.ConfVer > o.ConfVer)
}

// Peer is a member of a region's replication group.
type Peer struct {
	ID      uint64 `json:"id"`
	StoreID uint64 `json:"store_id"`
}

// State is the Consistency Guard's per-region admission state.
type State int

const (
	StateNormal State = iota
	StateSplitPending
	StateMergePending
	StateConfChangePending
	StateFlashback
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSplitPending:
		return "split-pending"
	case StateMergePending:
		return "merge-pending"
	case StateConfChangePending:
		return "conf-change-pending"
	case StateFlashback:
		return "flashback"
	default:
		return "unknown"
	}
}

// Structural reports whether reads must be rejected in this state to avoid
// serving a torn view.
func (s State) Structural() bool {
	return s == StateSplitPending || s == StateMergePending || s == StateFlashback
}

// Cut pins a snapshot to a specific point of the replicated log.
type Cut struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Epoch Epoch  `json:"epoch"`
}

// Region is the per-region ledger entry: key range, epoch, membership and
// apply progress. Values are copied in and out of the ledger; a Region held
// by a caller is never shared.
type Region struct {
	ID       uint64 `json:"id"`
	StartKey []byte `json:"start_key"`
	EndKey   []byte `json:"end_key"`
	Epoch    Epoch  `json:"epoch"`
	Peers    []Peer `json:"peers"`

	AppliedIndex uint64 `json:"applied_index"`
	AppliedTerm  uint64 `json:"applied_term"`

	// TruncatedIndex is the compact-log watermark: entries at or below it
	// are no longer logically retained.
	TruncatedIndex uint64 `json:"truncated_index"`

	State State `json:"state"`

	// FlashbackIndex is the log index of the flashback-lock command while
	// State == StateFlashback. Writes above it are held until unlock.
	FlashbackIndex uint64 `json:"flashback_index,omitempty"`
}

// Clone returns a deep copy.
func (r Region) Clone() Region {
	c := r
	c.StartKey = append([]byte(nil), r.StartKey...)
	c.EndKey = append([]byte(nil), r.EndKey...)
	c.Peers = append([]Peer(nil), r.Peers...)
	return c
}

// Contains reports whether key falls in the region's [start, end) range.
// An empty end key means unbounded.
func (r Region) Contains(key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

// HasPeer reports whether the region's peer set contains peerID.
func (r Region) HasPeer(peerID uint64) bool {
	for _, p := range r.Peers {
		if p.ID == peerID {
			return true
		}
	}
	return false
}

// AdminEffect is the ledger-visible outcome of an accepted admin command,
// computed by the Consistency Guard and installed by the Apply Sequencer
// after the engine acknowledges the command.
type AdminEffect struct {
	// Updated regions are upserted, the commanded region included.
	Updated []Region
	// Removed region ids are retired from the ledger (merge source, peer
	// removed).
	Removed []uint64
}
