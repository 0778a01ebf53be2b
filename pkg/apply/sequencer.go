// Package apply orders committed raft entries into the foreign engine,
// one strictly sequential stream per region, and folds the engine's
// acknowledgments back into the region ledger and the durable progress
// store.
package apply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/guard"
	"github.com/bridgekv/enginebridge/pkg/progress"
	"github.com/bridgekv/enginebridge/pkg/region"
)

// Config collects the sequencer's collaborators.
type Config struct {
	Logger *zap.Logger
	Ledger *region.Ledger
	Engine engine.Engine
	Guard  *guard.Guard
	Store  progress.Store

	// CallTimeout bounds a single engine invocation. Defaults to 5s.
	CallTimeout time.Duration
	Retry       RetryConfig

	// OnRegionRemoved, if set, is invoked after a region is retired
	// locally (merge source absorbed, own peer removed).
	OnRegionRemoved func(regionID uint64)
}

// stream is the per-region apply state that is not part of the ledger:
// the admission cursor, the set of held indexes and the blocking verdict.
//
// The cursor tracks the highest log index this store has consumed,
// including writes that were rejected by admission control without
// advancing the applied index. Entries in (applied, cursor] may be
// re-delivered; anything beyond cursor+1 is a gap.
//
// held records the indexes inside that window whose entries were turned
// away by admission control. While any index is held, the applied
// position must not move past the lowest of them, or its re-delivery
// would be mistaken for replay and the entry lost.
type stream struct {
	mu      sync.Mutex
	cursor  uint64
	held    map[uint64]struct{}
	blocked error
}

func (st *stream) hold(index uint64) {
	if st.held == nil {
		st.held = make(map[uint64]struct{})
	}
	st.held[index] = struct{}{}
}

func (st *stream) release(index uint64) {
	delete(st.held, index)
}

// heldFloor returns the lowest held index, or zero when nothing is held.
func (st *stream) heldFloor() uint64 {
	var floor uint64
	for i := range st.held {
		if floor == 0 || i < floor {
			floor = i
		}
	}
	return floor
}

// Sequencer owns the apply path. Submit is safe for concurrent use
// across regions; entries for one region must be submitted in log order,
// which the Dispatcher's per-region workers guarantee.
type Sequencer struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	streams map[uint64]*stream
}

// NewSequencer creates a sequencer over an already-seeded ledger.
func NewSequencer(cfg Config) *Sequencer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Sequencer{
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: make(map[uint64]*stream),
	}
}

func (s *Sequencer) stream(regionID uint64) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[regionID]
	if !ok {
		st = &stream{}
		s.streams[regionID] = st
	}
	return st
}

// Submit processes one committed entry. The returned error's class tells
// the caller how to react: Stale and nil mean consumed, Capacity means
// the write was held and may be re-delivered, Consistency means the
// region's stream is now blocked.
func (s *Sequencer) Submit(ctx context.Context, e command.Entry) error {
	st := s.stream(e.RegionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.blocked != nil {
		return fmt.Errorf("%w: region %d: %v", bridgeerr.ErrRegionBlocked, e.RegionID, st.blocked)
	}

	r, err := s.cfg.Ledger.Get(e.RegionID)
	if err != nil {
		// The region was removed from this store; whatever raft still
		// delivers for it is stale.
		s.logger.Debug("entry for unknown region dropped",
			zap.Uint64("region", e.RegionID), zap.Uint64("index", e.Index))
		return nil
	}

	if st.cursor < r.AppliedIndex {
		st.cursor = r.AppliedIndex
	}

	switch {
	case e.Index <= r.AppliedIndex:
		// Replay after restart. The engine saw this entry already (or it
		// predates the snapshot the region was installed from).
		s.logger.Debug("replayed entry skipped",
			zap.Uint64("region", e.RegionID),
			zap.Uint64("index", e.Index),
			zap.Uint64("applied", r.AppliedIndex))
		return nil
	case e.Index <= st.cursor:
		// Re-delivery of an entry rejected by admission control. Run it
		// through admission again below.
	case e.Index == st.cursor+1:
		// The expected next entry.
	default:
		st.blocked = fmt.Errorf("%w: region %d expected index %d, got %d",
			bridgeerr.ErrIndexGap, e.RegionID, st.cursor+1, e.Index)
		s.logger.Error("apply stream blocked on index gap",
			zap.Uint64("region", e.RegionID),
			zap.Uint64("expected", st.cursor+1),
			zap.Uint64("got", e.Index))
		return st.blocked
	}

	var submitErr error
	if e.IsAdmin() {
		submitErr = s.applyAdmin(ctx, st, r, e)
	} else {
		submitErr = s.applyWrite(ctx, st, r, e)
	}

	if submitErr != nil && bridgeerr.IsConsistency(submitErr) {
		st.blocked = submitErr
	}
	return submitErr
}

// applyWrite runs one write-class entry. Admission rejections consume the
// entry's slot (the cursor advances) without advancing the applied index;
// the entry may be re-submitted after the condition clears.
func (s *Sequencer) applyWrite(ctx context.Context, st *stream, r region.Region, e command.Entry) error {
	if err := s.cfg.Guard.AdmitWrite(r, e.Index); err != nil {
		st.hold(e.Index)
		if st.cursor < e.Index {
			st.cursor = e.Index
		}
		s.logger.Warn("write held by admission control",
			zap.Uint64("region", e.RegionID),
			zap.Uint64("index", e.Index),
			zap.Error(err))
		return err
	}
	st.release(e.Index)
	if floor := st.heldFloor(); floor != 0 && e.Index > floor {
		// An earlier write is still held; letting this one through would
		// apply the stream out of order.
		st.hold(e.Index)
		if st.cursor < e.Index {
			st.cursor = e.Index
		}
		return fmt.Errorf("%w: region %d index %d waits for held index %d",
			bridgeerr.ErrCapacity, e.RegionID, e.Index, floor)
	}

	hdr := engine.CmdHeader{RegionID: e.RegionID, Index: e.Index, Term: e.Term}
	res, err := s.callEngine(ctx, func(ctx context.Context) (engine.ApplyResult, error) {
		return s.cfg.Engine.ApplyWrite(ctx, hdr, e.Write)
	})
	if err != nil {
		return s.engineFailure(e, err)
	}
	if res == engine.ApplyNotFound {
		s.logger.Debug("write for region unknown to engine consumed",
			zap.Uint64("region", e.RegionID), zap.Uint64("index", e.Index))
	}

	if err := s.advance(e.RegionID, e.Index, e.Term, res == engine.ApplyPersist); err != nil {
		return err
	}
	if st.cursor < e.Index {
		st.cursor = e.Index
	}
	return nil
}

// applyAdmin runs one admin entry. A stale epoch consumes the entry
// without an engine call so the stream keeps moving; a legal command runs
// through the engine before its ledger effect becomes visible, and the
// resulting progress is always persisted.
//
// While an earlier write in the stream is held, only recovery commands
// keep flowing, and even those may not move the applied position or the
// engine past the held write.
func (s *Sequencer) applyAdmin(ctx context.Context, st *stream, r region.Region, e command.Entry) error {
	st.release(e.Index)
	heldFloor := st.heldFloor()
	heldBack := heldFloor != 0 && e.Index > heldFloor
	if heldBack && !e.Admin.Type.Recovery() {
		st.hold(e.Index)
		if st.cursor < e.Index {
			st.cursor = e.Index
		}
		s.logger.Warn("admin command held behind earlier held write",
			zap.Uint64("region", e.RegionID),
			zap.Uint64("index", e.Index),
			zap.Stringer("type", e.Admin.Type),
			zap.Uint64("held", heldFloor))
		return fmt.Errorf("%w: region %d index %d waits for held index %d",
			bridgeerr.ErrCapacity, e.RegionID, e.Index, heldFloor)
	}

	if err := s.cfg.Guard.CheckAdmin(r, e.Admin); err != nil {
		if bridgeerr.IsStale(err) {
			s.logger.Info("stale admin command consumed",
				zap.Uint64("region", e.RegionID),
				zap.Uint64("index", e.Index),
				zap.Stringer("type", e.Admin.Type))
			if !heldBack {
				if aerr := s.advance(e.RegionID, e.Index, e.Term, true); aerr != nil {
					return aerr
				}
			}
			if st.cursor < e.Index {
				st.cursor = e.Index
			}
			return nil
		}
		return err
	}

	effect, err := s.cfg.Guard.AdminEffect(r, e.Index, e.Term, e.Admin)
	if err != nil {
		return fmt.Errorf("%w: region %d index %d: %v",
			bridgeerr.ErrEngineFatal, e.RegionID, e.Index, err)
	}

	if heldBack {
		// The command's bookkeeping lands in the ledger, but neither the
		// applied position nor the engine may pass the held write, or its
		// re-delivery would be mistaken for replay.
		for i := range effect.Updated {
			if effect.Updated[i].ID == e.RegionID {
				effect.Updated[i].AppliedIndex = r.AppliedIndex
				effect.Updated[i].AppliedTerm = r.AppliedTerm
			}
		}
	} else {
		pending, transitional := guard.PendingState(e.Admin.Type)
		if transitional {
			s.setState(e.RegionID, pending)
		}

		hdr := engine.CmdHeader{RegionID: e.RegionID, Index: e.Index, Term: e.Term}
		res, cerr := s.callEngine(ctx, func(ctx context.Context) (engine.ApplyResult, error) {
			return s.cfg.Engine.ApplyAdmin(ctx, hdr, e.Admin, effect)
		})
		if cerr != nil {
			if transitional {
				s.setState(e.RegionID, r.State)
			}
			return s.engineFailure(e, cerr)
		}
		if res == engine.ApplyNotFound {
			s.logger.Info("admin command for region unknown to engine",
				zap.Uint64("region", e.RegionID), zap.Uint64("index", e.Index))
			if transitional {
				s.setState(e.RegionID, r.State)
			}
			if err := s.advance(e.RegionID, e.Index, e.Term, true); err != nil {
				return err
			}
			if st.cursor < e.Index {
				st.cursor = e.Index
			}
			return nil
		}
	}

	if err := s.installEffect(effect); err != nil {
		return err
	}
	if st.cursor < e.Index {
		st.cursor = e.Index
	}
	return nil
}

// setState flips a region's transitional state in the ledger. The only
// failure mode is the region vanishing mid-command, which the effect
// install settles anyway.
func (s *Sequencer) setState(regionID uint64, state region.State) {
	_ = s.cfg.Ledger.Update(regionID, func(r *region.Region) error {
		r.State = state
		return nil
	})
}

// installEffect makes an admin command's outcome visible: ledger entries
// and durable progress for every surviving region, retirement for every
// removed one.
func (s *Sequencer) installEffect(effect region.AdminEffect) error {
	for _, u := range effect.Updated {
		s.cfg.Ledger.Upsert(u)
		if err := s.cfg.Store.Save(progress.FromRegion(u)); err != nil {
			return fmt.Errorf("%w: persist region %d progress: %v",
				bridgeerr.ErrEngineFatal, u.ID, err)
		}
	}
	for _, id := range effect.Removed {
		s.retire(id)
	}
	return nil
}

// retire removes a region from this store's bookkeeping and drops its
// engine-side state.
func (s *Sequencer) retire(regionID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	if err := s.cfg.Engine.Destroy(ctx, regionID); err != nil {
		s.logger.Warn("destroying engine state failed",
			zap.Uint64("region", regionID), zap.Error(err))
	}
	cancel()

	s.cfg.Ledger.Remove(regionID)
	if err := s.cfg.Store.Delete(regionID); err != nil {
		s.logger.Warn("deleting progress record failed",
			zap.Uint64("region", regionID), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.streams, regionID)
	s.mu.Unlock()

	s.logger.Info("region retired", zap.Uint64("region", regionID))
	if s.cfg.OnRegionRemoved != nil {
		s.cfg.OnRegionRemoved(regionID)
	}
}

// advance moves the region's applied position. Persistence is driven by
// the engine's verdict: ApplyNone advances in memory only and the record
// catches up on the next persisting entry or FlushProgress.
func (s *Sequencer) advance(regionID, index, term uint64, persist bool) error {
	var rec progress.Record
	err := s.cfg.Ledger.Update(regionID, func(r *region.Region) error {
		r.AppliedIndex = index
		r.AppliedTerm = term
		rec = progress.FromRegion(*r)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: advance region %d to %d: %v",
			bridgeerr.ErrEngineFatal, regionID, index, err)
	}
	if !persist {
		return nil
	}
	if err := s.cfg.Store.Save(rec); err != nil {
		return fmt.Errorf("%w: persist region %d progress: %v",
			bridgeerr.ErrEngineFatal, regionID, err)
	}
	return nil
}

// callEngine invokes op with a per-attempt timeout, retrying transient
// failures until the retry budget runs out.
func (s *Sequencer) callEngine(ctx context.Context, op func(ctx context.Context) (engine.ApplyResult, error)) (engine.ApplyResult, error) {
	bo := s.cfg.Retry.newBackOff()
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		res, err := op(attemptCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		if !bridgeerr.IsTransient(err) {
			return res, err
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return res, fmt.Errorf("%w: retry budget exhausted: %v", bridgeerr.ErrEngineFatal, err)
		}
		s.logger.Warn("transient engine failure, retrying",
			zap.Duration("backoff", wait), zap.Error(err))
		if serr := sleep(ctx, wait); serr != nil {
			return res, fmt.Errorf("%w: canceled during retry: %v", bridgeerr.ErrEngineFatal, err)
		}
	}
}

// engineFailure converts a failed engine call into the stream verdict.
func (s *Sequencer) engineFailure(e command.Entry, err error) error {
	s.logger.Error("engine apply failed",
		zap.Uint64("region", e.RegionID),
		zap.Uint64("index", e.Index),
		zap.Error(err))
	if bridgeerr.Of(err) == bridgeerr.None {
		err = fmt.Errorf("%w: %v", bridgeerr.ErrEngineFatal, err)
	}
	return err
}

// Blocked reports whether the region's stream hit a consistency violation,
// and the violation itself.
func (s *Sequencer) Blocked(regionID uint64) (error, bool) {
	s.mu.Lock()
	st, ok := s.streams[regionID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.blocked, st.blocked != nil
}

// Reset clears the region's stream state after its ledger entry was
// replaced wholesale, e.g. by a finished snapshot import.
func (s *Sequencer) Reset(regionID uint64) {
	s.mu.Lock()
	delete(s.streams, regionID)
	s.mu.Unlock()
}

// AdvanceApply persists the region's current applied position and
// returns it. The replication layer calls this before deciding how far
// the raft log may be truncated.
func (s *Sequencer) AdvanceApply(regionID uint64) (uint64, error) {
	r, err := s.cfg.Ledger.Get(regionID)
	if err != nil {
		return 0, err
	}
	if err := s.cfg.Store.Save(progress.FromRegion(r)); err != nil {
		return 0, err
	}
	return r.AppliedIndex, nil
}

// FlushProgress persists the current applied position of every region,
// used on graceful shutdown so the next start replays as little as
// possible.
func (s *Sequencer) FlushProgress() error {
	var firstErr error
	s.cfg.Ledger.Range(func(r region.Region) bool {
		if err := s.cfg.Store.Save(progress.FromRegion(r)); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
