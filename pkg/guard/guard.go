// Package guard is the admission layer in front of the foreign engine:
// epoch/version checks that reject stale or reordered commands during
// splits, merges and configuration changes, the flashback write barrier,
// and disk-full admission control.
package guard

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/region"
)

// Descendants of a split start their log at this position, before which
// the log is treated as truncated.
const (
	splitInitialIndex uint64 = 5
	splitInitialTerm  uint64 = 5
)

// Guard performs per-command admission for one store.
type Guard struct {
	storeID uint64
	disk    *DiskWatcher
	logger  *zap.Logger
}

// New creates a guard. disk may be nil when no capacity admission is
// wanted (tests, engines with their own admission).
func New(logger *zap.Logger, storeID uint64, disk *DiskWatcher) *Guard {
	return &Guard{
		storeID: storeID,
		disk:    disk,
		logger:  logger,
	}
}

// AdmitWrite decides whether a write-class entry may reach the engine.
// Rejections do not advance the region's applied index; the caller
// surfaces them for upstream backpressure.
func (g *Guard) AdmitWrite(r region.Region, index uint64) error {
	if r.State == region.StateFlashback && index > r.FlashbackIndex {
		return bridgeerr.ErrFlashback
	}
	if g.disk != nil && g.disk.Full() {
		return bridgeerr.ErrCapacity
	}
	return nil
}

// CheckAdmin gates an admin command on the region's current epoch and
// state. A stale epoch is expected under membership churn and reported as
// bridgeerr.ErrStaleEpoch; the caller drops the command without effect.
func (g *Guard) CheckAdmin(r region.Region, cmd *command.AdminCmd) error {
	if !cmd.Epoch.Match(r.Epoch) {
		return bridgeerr.ErrStaleEpoch
	}

	switch r.State {
	case region.StateMergePending:
		// Only the merge resolution may proceed; anything else racing the
		// merge was proposed against a shape that no longer exists.
		switch cmd.Type {
		case command.AdminCommitMerge, command.AdminRollbackMerge, command.AdminCompactLog:
		default:
			return bridgeerr.ErrStaleEpoch
		}
	case region.StateFlashback:
		switch cmd.Type {
		case command.AdminFlashbackUnlock, command.AdminCompactLog,
			command.AdminComputeHash, command.AdminVerifyHash:
		default:
			return bridgeerr.ErrStaleEpoch
		}
	}

	if cmd.Type == command.AdminCompactLog && cmd.CompactIndex > r.AppliedIndex {
		return bridgeerr.ErrCompactPastApplied
	}
	return nil
}

// PendingState maps a structural admin command to the transitional region
// state held while the engine applies it. Reads against a torn shape are
// refused through this window; the installed effect replaces it with the
// command's final state.
func PendingState(t command.AdminType) (region.State, bool) {
	switch t {
	case command.AdminBatchSplit:
		return region.StateSplitPending, true
	case command.AdminPrepareMerge, command.AdminCommitMerge, command.AdminRollbackMerge:
		return region.StateMergePending, true
	case command.AdminChangePeer:
		return region.StateConfChangePending, true
	default:
		return region.StateNormal, false
	}
}

// AdminEffect computes the ledger-visible outcome of an admin command that
// passed CheckAdmin, applied at (index, term). It is a pure function of
// its inputs; the Apply Sequencer installs the result after the engine's
// acknowledgment, which keeps apply deterministic and replayable.
func (g *Guard) AdminEffect(r region.Region, index, term uint64, cmd *command.AdminCmd) (region.AdminEffect, error) {
	next := r.Clone()
	next.AppliedIndex = index
	next.AppliedTerm = term

	switch cmd.Type {
	case command.AdminCompactLog:
		if cmd.CompactIndex > next.TruncatedIndex {
			next.TruncatedIndex = cmd.CompactIndex
		}
		return region.AdminEffect{Updated: []region.Region{next}}, nil

	case command.AdminBatchSplit:
		return g.splitEffect(next, cmd)

	case command.AdminPrepareMerge:
		next.Epoch.Version++
		next.Epoch.ConfVer++
		next.State = region.StateMergePending
		return region.AdminEffect{Updated: []region.Region{next}}, nil

	case command.AdminCommitMerge:
		return g.commitMergeEffect(next, cmd)

	case command.AdminRollbackMerge:
		next.Epoch.Version++
		next.State = region.StateNormal
		return region.AdminEffect{Updated: []region.Region{next}}, nil

	case command.AdminChangePeer:
		return g.changePeerEffect(next, cmd)

	case command.AdminFlashback:
		next.State = region.StateFlashback
		next.FlashbackIndex = index
		return region.AdminEffect{Updated: []region.Region{next}}, nil

	case command.AdminFlashbackUnlock:
		next.State = region.StateNormal
		next.FlashbackIndex = 0
		return region.AdminEffect{Updated: []region.Region{next}}, nil

	case command.AdminComputeHash, command.AdminVerifyHash:
		return region.AdminEffect{Updated: []region.Region{next}}, nil

	default:
		return region.AdminEffect{}, fmt.Errorf("unknown admin command type %d", cmd.Type)
	}
}

// splitEffect carves descendants off the region left to right. The parent
// keeps its id with the remainder of the range; every resulting region
// gets its version bumped by the number of new regions.
func (g *Guard) splitEffect(parent region.Region, cmd *command.AdminCmd) (region.AdminEffect, error) {
	if len(cmd.Splits) == 0 {
		return region.AdminEffect{}, fmt.Errorf("batch split without descendants for region %d", parent.ID)
	}

	bump := uint64(len(cmd.Splits))
	epoch := region.Epoch{Version: parent.Epoch.Version + bump, ConfVer: parent.Epoch.ConfVer}

	var updated []region.Region
	start := parent.StartKey
	for _, sp := range cmd.Splits {
		if len(sp.SplitKey) == 0 {
			return region.AdminEffect{}, fmt.Errorf("empty split key for region %d", parent.ID)
		}
		if !parent.Contains(sp.SplitKey) {
			return region.AdminEffect{}, fmt.Errorf("split key outside region %d", parent.ID)
		}
		desc := region.Region{
			ID:             sp.NewRegionID,
			StartKey:       append([]byte(nil), start...),
			EndKey:         append([]byte(nil), sp.SplitKey...),
			Epoch:          epoch,
			Peers:          descendantPeers(parent.Peers, sp.NewPeerIDs),
			AppliedIndex:   splitInitialIndex,
			AppliedTerm:    splitInitialTerm,
			TruncatedIndex: splitInitialIndex,
			State:          region.StateNormal,
		}
		updated = append(updated, desc)
		start = sp.SplitKey
	}

	parent.StartKey = append([]byte(nil), start...)
	parent.Epoch = epoch
	parent.State = region.StateNormal
	updated = append(updated, parent)

	g.logger.Info("split region",
		zap.Uint64("region", parent.ID),
		zap.Int("descendants", len(cmd.Splits)),
		zap.Uint64("version", epoch.Version))

	return region.AdminEffect{Updated: updated}, nil
}

// descendantPeers maps the parent's peer placement onto fresh peer ids.
func descendantPeers(parents []region.Peer, newIDs []uint64) []region.Peer {
	peers := make([]region.Peer, len(parents))
	for i, p := range parents {
		peers[i] = p
		if i < len(newIDs) {
			peers[i].ID = newIDs[i]
		}
	}
	return peers
}

// commitMergeEffect absorbs the source region's range into the target and
// retires the source. The new version dominates both participants.
func (g *Guard) commitMergeEffect(target region.Region, cmd *command.AdminCmd) (region.AdminEffect, error) {
	if cmd.MergeSource == 0 {
		return region.AdminEffect{}, fmt.Errorf("commit merge without source for region %d", target.ID)
	}

	srcEpochVer := cmd.Epoch.Version // source version travels with the command epoch at proposal
	if v := target.Epoch.Version; v > srcEpochVer {
		srcEpochVer = v
	}
	target.Epoch.Version = srcEpochVer + 1

	// The source sits immediately left or right of the target.
	sourceAtLeft := len(cmd.SourceStart) == 0 && len(target.StartKey) != 0
	if !sourceAtLeft && len(cmd.SourceEnd) != 0 {
		sourceAtLeft = string(cmd.SourceEnd) == string(target.StartKey)
	}
	if sourceAtLeft {
		target.StartKey = append([]byte(nil), cmd.SourceStart...)
	} else {
		target.EndKey = append([]byte(nil), cmd.SourceEnd...)
	}
	target.State = region.StateNormal

	g.logger.Info("merged region",
		zap.Uint64("target", target.ID),
		zap.Uint64("source", cmd.MergeSource),
		zap.Uint64("version", target.Epoch.Version))

	return region.AdminEffect{
		Updated: []region.Region{target},
		Removed: []uint64{cmd.MergeSource},
	}, nil
}

// changePeerEffect rewrites the membership. Removing this store's own peer
// retires the region locally.
func (g *Guard) changePeerEffect(r region.Region, cmd *command.AdminCmd) (region.AdminEffect, error) {
	if cmd.PeerChange == nil {
		return region.AdminEffect{}, fmt.Errorf("change peer without payload for region %d", r.ID)
	}

	pc := cmd.PeerChange
	r.Epoch.ConfVer++
	r.State = region.StateNormal

	switch pc.Type {
	case command.PeerAdd, command.PeerAddLearner:
		if !r.HasPeer(pc.Peer.ID) {
			r.Peers = append(r.Peers, pc.Peer)
		}
		return region.AdminEffect{Updated: []region.Region{r}}, nil

	case command.PeerRemove:
		peers := r.Peers[:0]
		for _, p := range r.Peers {
			if p.ID != pc.Peer.ID {
				peers = append(peers, p)
			}
		}
		r.Peers = peers
		if pc.Peer.StoreID == g.storeID {
			g.logger.Info("peer removed from this store", zap.Uint64("region", r.ID))
			return region.AdminEffect{Removed: []uint64{r.ID}}, nil
		}
		return region.AdminEffect{Updated: []region.Region{r}}, nil

	default:
		return region.AdminEffect{}, fmt.Errorf("unknown peer change type %d", pc.Type)
	}
}
