// Package read answers whether a replica may serve a stale read at a
// required applied index without consulting the leader.
package read

import (
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/region"
)

// Blocked reports apply streams halted by a consistency violation.
// Implemented by the apply sequencer.
type Blocked interface {
	Blocked(regionID uint64) (error, bool)
}

// Coordinator gates replica reads on local apply progress and the
// region's structural state.
type Coordinator struct {
	ledger  *region.Ledger
	blocked Blocked
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator. blocked may be nil when no apply
// stream exists (pure import nodes).
func NewCoordinator(logger *zap.Logger, ledger *region.Ledger, blocked Blocked) *Coordinator {
	return &Coordinator{
		ledger:  ledger,
		blocked: blocked,
		logger:  logger,
	}
}

// CanServeStaleRead reports whether the replica's applied state is
// sufficient for a read that requires requiredIndex to be visible. Reads
// are refused while the region is mid-split, mid-merge, locked for
// flashback, or blocked on a consistency violation: progress alone does
// not make the local key range trustworthy during a structural change.
func (c *Coordinator) CanServeStaleRead(regionID, requiredIndex uint64) bool {
	r, err := c.ledger.Get(regionID)
	if err != nil {
		return false
	}
	if r.AppliedIndex < requiredIndex {
		return false
	}
	if r.State.Structural() {
		c.logger.Debug("stale read refused during structural change",
			zap.Uint64("region", regionID),
			zap.Stringer("state", r.State))
		return false
	}
	if c.blocked != nil {
		if _, isBlocked := c.blocked.Blocked(regionID); isBlocked {
			return false
		}
	}
	return true
}
