// Package snapimport moves full-state snapshots into the foreign engine:
// traditional full snapshots, fast peer add sourced from a caught-up
// peer, and tablet-chunked transfers with per-chunk acknowledgment. An
// import is all-or-nothing from the region ledger's point of view: the
// ledger jumps to the snapshot's cut only after every chunk landed and
// the engine finalized, and a failed import leaves the prior entry
// untouched.
package snapimport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/progress"
	"github.com/bridgekv/enginebridge/pkg/region"
)

// Status of the most recent import for a region.
type Status int

const (
	StatusNone Status = iota
	StatusPending
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config collects the importer's collaborators.
type Config struct {
	Logger *zap.Logger
	Ledger *region.Ledger
	Engine engine.Engine
	Store  progress.Store

	// ChunkTimeout bounds a single chunk ingest call. Defaults to 30s.
	ChunkTimeout time.Duration
	// WaitInterval is the initial delay when a fast-peer source reports
	// its data is not ready yet. Defaults to 100ms.
	WaitInterval time.Duration
	// WaitBudget bounds how long a fast-peer import waits for the source
	// in total. Defaults to 2m.
	WaitBudget time.Duration

	// OnInstalled, if set, runs after a finished import replaced the
	// region's ledger entry.
	OnInstalled func(region.Region)
}

type job struct {
	id     uuid.UUID
	cancel context.CancelFunc
	status Status
	err    error
}

// Importer runs at most one import per region at a time.
type Importer struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[uint64]*job
}

// New creates an importer.
func New(cfg Config) *Importer {
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 100 * time.Millisecond
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 2 * time.Minute
	}
	return &Importer{
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(map[uint64]*job),
	}
}

// ImportFull ingests a complete snapshot from src. It blocks until the
// import finishes, fails, or ctx is canceled.
func (im *Importer) ImportFull(ctx context.Context, src engine.ChunkSource) error {
	return im.run(ctx, src, false)
}

// ImportFastPeer ingests a snapshot from a caught-up peer's materialized
// state. The source may report bridgeerr.ErrWaitForData while its state
// catches up to the cut; the importer waits with backoff. The resulting
// ledger entry is indistinguishable from a full import at the same cut.
func (im *Importer) ImportFastPeer(ctx context.Context, src engine.ChunkSource) error {
	return im.run(ctx, src, true)
}

func (im *Importer) run(ctx context.Context, src engine.ChunkSource, waitForData bool) error {
	cut := src.Cut()
	meta := src.Meta()
	regionID := meta.ID

	ctx, cancel := context.WithCancel(ctx)
	j := &job{id: uuid.New(), cancel: cancel, status: StatusPending}

	im.mu.Lock()
	if prev, ok := im.jobs[regionID]; ok && prev.status == StatusPending {
		im.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: region %d import already running", bridgeerr.ErrImportFailed, regionID)
	}
	im.jobs[regionID] = j
	im.mu.Unlock()
	defer cancel()

	im.logger.Info("snapshot import started",
		zap.Uint64("region", regionID),
		zap.String("job", j.id.String()),
		zap.Uint64("index", cut.Index),
		zap.Uint64("term", cut.Term),
		zap.Uint32("chunks", src.Total()),
		zap.Bool("fast_peer", waitForData))

	err := im.ingest(ctx, src, cut, meta, waitForData)
	if err != nil {
		im.fail(ctx, regionID, j, err)
		return err
	}
	im.finish(regionID, j, meta, cut)
	return nil
}

// ingest lands every chunk in the engine's staging area and finalizes the
// snapshot, persisting the chunk-completion bitmap after each chunk so a
// resumable source can continue after a restart.
func (im *Importer) ingest(ctx context.Context, src engine.ChunkSource, cut region.Cut, meta region.Region, waitForData bool) error {
	rec, imp, err := im.prepare(src, cut, meta)
	if err != nil {
		return err
	}

	wait := im.waitBackOff()
	for !imp.Complete() {
		chunk, ok, err := im.next(ctx, src, wait, waitForData)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: region %d source ended with %d of %d chunks",
				bridgeerr.ErrImportFailed, meta.ID, imp.Done.GetCardinality(), imp.ChunkCount)
		}
		if imp.Done.Contains(uint64(chunk.Seq)) {
			continue
		}

		ingestCtx, cancel := context.WithTimeout(ctx, im.cfg.ChunkTimeout)
		err = im.cfg.Engine.IngestSnapshotChunk(ingestCtx, cut, chunk)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: region %d chunk %d: %v",
				bridgeerr.ErrImportFailed, meta.ID, chunk.Seq, err)
		}

		imp.Done.Add(uint64(chunk.Seq))
		if err := im.cfg.Store.Save(rec); err != nil {
			return fmt.Errorf("%w: persist chunk progress: %v", bridgeerr.ErrImportFailed, err)
		}
	}

	finCtx, cancel := context.WithTimeout(ctx, im.cfg.ChunkTimeout)
	defer cancel()
	installed := meta.Clone()
	installed.Epoch = cut.Epoch
	installed.AppliedIndex = cut.Index
	installed.AppliedTerm = cut.Term
	installed.TruncatedIndex = cut.Index
	installed.State = region.StateNormal
	if err := im.cfg.Engine.FinalizeSnapshot(finCtx, installed, cut); err != nil {
		return fmt.Errorf("%w: region %d finalize: %v", bridgeerr.ErrImportFailed, meta.ID, err)
	}
	return nil
}

// prepare resolves whether the import resumes a previous attempt at the
// same cut or starts from scratch, and persists the initial record.
func (im *Importer) prepare(src engine.ChunkSource, cut region.Cut, meta region.Region) (progress.Record, *progress.ImportProgress, error) {
	rec, err := im.cfg.Store.Load(meta.ID)
	if err != nil && !errors.Is(err, progress.ErrNoRecord) {
		return progress.Record{}, nil, fmt.Errorf("%w: load progress: %v", bridgeerr.ErrImportFailed, err)
	}
	if errors.Is(err, progress.ErrNoRecord) {
		rec = progress.Record{RegionID: meta.ID}
	}

	resume := rec.Import != nil &&
		rec.Import.Cut.Index == cut.Index &&
		rec.Import.Cut.Term == cut.Term &&
		rec.Import.Cut.Epoch.Match(cut.Epoch) &&
		rec.Import.ChunkCount == src.Total() &&
		src.Resumable()

	if resume {
		if err := src.Rewind(nextMissing(rec.Import)); err != nil {
			resume = false
		}
	}
	if !resume {
		// Anything staged by a previous attempt at a different cut is
		// garbage now.
		abortCtx, cancel := context.WithTimeout(context.Background(), im.cfg.ChunkTimeout)
		err := im.cfg.Engine.AbortSnapshot(abortCtx, meta.ID)
		cancel()
		if err != nil {
			im.logger.Warn("aborting stale staged snapshot failed",
				zap.Uint64("region", meta.ID), zap.Error(err))
		}
		rec.Import = progress.NewImportProgress(cut, src.Total())
	} else {
		im.logger.Info("resuming snapshot import",
			zap.Uint64("region", meta.ID),
			zap.Uint64("done", rec.Import.Done.GetCardinality()),
			zap.Uint32("chunks", rec.Import.ChunkCount))
	}

	if err := im.cfg.Store.Save(rec); err != nil {
		return progress.Record{}, nil, fmt.Errorf("%w: persist import record: %v", bridgeerr.ErrImportFailed, err)
	}
	return rec, rec.Import, nil
}

// nextMissing returns the lowest chunk seq not yet acknowledged.
func nextMissing(imp *progress.ImportProgress) uint32 {
	for seq := uint32(0); seq < imp.ChunkCount; seq++ {
		if !imp.Done.Contains(uint64(seq)) {
			return seq
		}
	}
	return imp.ChunkCount
}

// next pulls one chunk, waiting out ErrWaitForData for fast-peer sources.
func (im *Importer) next(ctx context.Context, src engine.ChunkSource, wait *backoff.ExponentialBackOff, waitForData bool) (engine.Chunk, bool, error) {
	for {
		chunk, ok, err := src.Next(ctx)
		if err == nil {
			return chunk, ok, nil
		}
		if ctx.Err() != nil {
			return engine.Chunk{}, false, fmt.Errorf("%w: %v", bridgeerr.ErrImportCanceled, ctx.Err())
		}
		if !waitForData || !errors.Is(err, bridgeerr.ErrWaitForData) {
			return engine.Chunk{}, false, fmt.Errorf("%w: %v", bridgeerr.ErrImportFailed, err)
		}
		d := wait.NextBackOff()
		if d == backoff.Stop {
			return engine.Chunk{}, false, fmt.Errorf("%w: peer data never became ready", bridgeerr.ErrImportFailed)
		}
		im.logger.Info("peer snapshot data not ready, waiting",
			zap.Uint64("region", src.Meta().ID), zap.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return engine.Chunk{}, false, fmt.Errorf("%w: %v", bridgeerr.ErrImportCanceled, ctx.Err())
		case <-time.After(d):
		}
	}
}

func (im *Importer) waitBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = im.cfg.WaitInterval
	b.MaxElapsedTime = im.cfg.WaitBudget
	b.Reset()
	return b
}

// finish installs the cut into the ledger, wiping whatever apply progress
// preceded the snapshot.
func (im *Importer) finish(regionID uint64, j *job, meta region.Region, cut region.Cut) {
	installed := meta.Clone()
	installed.Epoch = cut.Epoch
	installed.AppliedIndex = cut.Index
	installed.AppliedTerm = cut.Term
	installed.TruncatedIndex = cut.Index
	installed.State = region.StateNormal
	im.cfg.Ledger.Upsert(installed)

	rec := progress.FromRegion(installed)
	if err := im.cfg.Store.Save(rec); err != nil {
		im.logger.Error("persisting final import record failed",
			zap.Uint64("region", regionID), zap.Error(err))
	}

	im.mu.Lock()
	j.status = StatusDone
	im.mu.Unlock()

	im.logger.Info("snapshot import finished",
		zap.Uint64("region", regionID),
		zap.String("job", j.id.String()),
		zap.Uint64("applied", cut.Index))

	if im.cfg.OnInstalled != nil {
		im.cfg.OnInstalled(installed)
	}
}

// fail discards partial state. The prior ledger entry, if any, stays as
// it was; a retry starts from scratch unless the source is resumable at
// the same cut.
func (im *Importer) fail(ctx context.Context, regionID uint64, j *job, cause error) {
	canceled := errors.Is(cause, bridgeerr.ErrImportCanceled)
	if !canceled {
		// Keep the chunk bitmap for a resumable retry; only the engine's
		// staging area for a canceled import is dropped eagerly.
		im.logger.Error("snapshot import failed",
			zap.Uint64("region", regionID),
			zap.String("job", j.id.String()),
			zap.Error(cause))
	} else {
		abortCtx, cancel := context.WithTimeout(context.Background(), im.cfg.ChunkTimeout)
		if err := im.cfg.Engine.AbortSnapshot(abortCtx, regionID); err != nil {
			im.logger.Warn("aborting canceled import failed",
				zap.Uint64("region", regionID), zap.Error(err))
		}
		cancel()
		im.logger.Info("snapshot import canceled",
			zap.Uint64("region", regionID),
			zap.String("job", j.id.String()))
	}

	im.mu.Lock()
	j.status = StatusFailed
	j.err = cause
	im.mu.Unlock()
}

// Cancel aborts the region's in-flight import, if any. Called on region
// removal.
func (im *Importer) Cancel(regionID uint64) {
	im.mu.Lock()
	j, ok := im.jobs[regionID]
	im.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// Status reports the latest import outcome for the region.
func (im *Importer) Status(regionID uint64) Status {
	im.mu.Lock()
	defer im.mu.Unlock()
	j, ok := im.jobs[regionID]
	if !ok {
		return StatusNone
	}
	return j.status
}

// Err returns the failure of the most recent import, if any.
func (im *Importer) Err(regionID uint64) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if j, ok := im.jobs[regionID]; ok {
		return j.err
	}
	return nil
}
