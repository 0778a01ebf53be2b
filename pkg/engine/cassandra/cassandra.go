// Package cassandra implements the foreign-engine boundary on top of a
// Cassandra cluster. Region data lives in one partition per (region, cf);
// the engine keeps its own applied index per region so replayed entries
// are recognized without consulting the bridge.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/region"
)

// persistEvery is how many write entries pass between ApplyPersist
// verdicts. Admin commands always persist.
const persistEvery = 64

// Schema statements for the engine's tables. Applied once at startup.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS bridge_kv (
		region_id bigint,
		cf int,
		key blob,
		value blob,
		PRIMARY KEY ((region_id, cf), key)
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_apply (
		region_id bigint PRIMARY KEY,
		applied_index bigint,
		applied_term bigint,
		last_updated timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_staging (
		region_id bigint,
		cf int,
		key blob,
		value blob,
		PRIMARY KEY ((region_id, cf), key)
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_staging_meta (
		region_id bigint PRIMARY KEY,
		cut_index bigint,
		cut_term bigint,
		version bigint,
		conf_ver bigint
	)`,
}

// EnsureSchema creates the engine's tables if they do not exist.
func EnsureSchema(session *gocql.Session) error {
	for _, stmt := range Schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Engine is a Cassandra-backed engine.Engine.
type Engine struct {
	sync.RWMutex

	session *gocql.Session
	logger  *zap.Logger

	// Cache applied indices to avoid a read per entry.
	applied map[uint64]uint64
	// Entries since the last ApplyPersist verdict, per region.
	sincePersist map[uint64]int
	// Staged chunk seqs per in-flight snapshot.
	staged map[uint64]map[uint32]bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine over an established session.
func New(session *gocql.Session, logger *zap.Logger) *Engine {
	return &Engine{
		session:      session,
		logger:       logger,
		applied:      make(map[uint64]uint64),
		sincePersist: make(map[uint64]int),
		staged:       make(map[uint64]map[uint32]bool),
	}
}

// Version implements the engine handshake.
func (e *Engine) Version() (uint64, uint64) {
	return engine.Magic, engine.InterfaceVersion
}

// appliedIndex returns the region's applied index, loading it from
// bridge_apply on first use. ok is false when the region is unknown.
func (e *Engine) appliedIndex(ctx context.Context, regionID uint64) (uint64, bool, error) {
	e.RLock()
	idx, cached := e.applied[regionID]
	e.RUnlock()
	if cached {
		return idx, true, nil
	}

	err := e.session.Query(`SELECT applied_index FROM bridge_apply WHERE region_id = ?`,
		int64(regionID),
	).WithContext(ctx).Scan(&idx)
	if err == gocql.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify(err, "load applied index")
	}

	e.Lock()
	e.applied[regionID] = idx
	e.Unlock()
	return idx, true, nil
}

func (e *Engine) setApplied(ctx context.Context, regionID, index, term uint64) error {
	err := e.session.Query(`INSERT INTO bridge_apply (region_id, applied_index, applied_term, last_updated)
	VALUES (?, ?, ?, ?)`,
		int64(regionID), int64(index), int64(term), time.Now(),
	).WithContext(ctx).Exec()
	if err != nil {
		return classify(err, "save applied index")
	}
	e.Lock()
	e.applied[regionID] = index
	e.Unlock()
	return nil
}

// Bootstrap registers an empty region, as region creation outside the
// snapshot path (initial cluster, split descendants) requires.
func (e *Engine) Bootstrap(ctx context.Context, meta region.Region) error {
	return e.setApplied(ctx, meta.ID, meta.AppliedIndex, meta.AppliedTerm)
}

// ApplyWrite lands one write batch. Entries at or below the engine's own
// applied index are acknowledged without effect.
func (e *Engine) ApplyWrite(ctx context.Context, hdr engine.CmdHeader, ops []command.WriteOp) (engine.ApplyResult, error) {
	applied, known, err := e.appliedIndex(ctx, hdr.RegionID)
	if err != nil {
		return engine.ApplyNone, err
	}
	if !known {
		return engine.ApplyNotFound, nil
	}
	if applied >= hdr.Index {
		return engine.ApplyNone, nil
	}

	batch := e.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, op := range ops {
		switch op.Type {
		case command.OpPut:
			batch.Query(`INSERT INTO bridge_kv (region_id, cf, key, value) VALUES (?, ?, ?, ?)`,
				int64(hdr.RegionID), int(op.CF), op.Key, op.Value)
		case command.OpDelete:
			batch.Query(`DELETE FROM bridge_kv WHERE region_id = ? AND cf = ? AND key = ?`,
				int64(hdr.RegionID), int(op.CF), op.Key)
		default:
			return engine.ApplyNone, fmt.Errorf("%w: unknown write op %d", bridgeerr.ErrEngineFatal, op.Type)
		}
	}
	if err := e.session.ExecuteBatch(batch); err != nil {
		return engine.ApplyNone, classify(err, "apply write batch")
	}
	if err := e.setApplied(ctx, hdr.RegionID, hdr.Index, hdr.Term); err != nil {
		return engine.ApplyNone, err
	}

	e.Lock()
	e.sincePersist[hdr.RegionID]++
	persist := e.sincePersist[hdr.RegionID] >= persistEvery
	if persist {
		e.sincePersist[hdr.RegionID] = 0
	}
	e.Unlock()
	if persist {
		return engine.ApplyPersist, nil
	}
	return engine.ApplyNone, nil
}

// ApplyAdmin lands one admin command. Data movement implied by the
// effect (split descendants, merge absorption) happens here, before the
// bridge makes the new region shapes visible.
func (e *Engine) ApplyAdmin(ctx context.Context, hdr engine.CmdHeader, cmd *command.AdminCmd, effect region.AdminEffect) (engine.ApplyResult, error) {
	applied, known, err := e.appliedIndex(ctx, hdr.RegionID)
	if err != nil {
		return engine.ApplyNone, err
	}
	if !known {
		return engine.ApplyNotFound, nil
	}
	if applied >= hdr.Index {
		return engine.ApplyNone, nil
	}

	switch cmd.Type {
	case command.AdminBatchSplit:
		for _, u := range effect.Updated {
			if u.ID == hdr.RegionID {
				continue
			}
			if err := e.moveRange(ctx, hdr.RegionID, u.ID, u.StartKey, u.EndKey); err != nil {
				return engine.ApplyNone, err
			}
			if err := e.setApplied(ctx, u.ID, u.AppliedIndex, u.AppliedTerm); err != nil {
				return engine.ApplyNone, err
			}
		}
	case command.AdminCommitMerge:
		if err := e.moveRange(ctx, cmd.MergeSource, hdr.RegionID, cmd.SourceStart, cmd.SourceEnd); err != nil {
			return engine.ApplyNone, err
		}
		if err := e.dropRegion(ctx, cmd.MergeSource); err != nil {
			return engine.ApplyNone, err
		}
	}

	if err := e.setApplied(ctx, hdr.RegionID, hdr.Index, hdr.Term); err != nil {
		return engine.ApplyNone, err
	}
	return engine.ApplyPersist, nil
}

// moveRange relocates [start, end) in every column family from src to dst.
func (e *Engine) moveRange(ctx context.Context, src, dst uint64, start, end []byte) error {
	for _, cf := range []command.CF{command.CFDefault, command.CFLock, command.CFWrite} {
		iter := e.rangeQuery(ctx, `SELECT key, value FROM bridge_kv`, src, cf, start, end).Iter()

		batch := e.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		var key, value []byte
		for iter.Scan(&key, &value) {
			k := append([]byte(nil), key...)
			v := append([]byte(nil), value...)
			batch.Query(`INSERT INTO bridge_kv (region_id, cf, key, value) VALUES (?, ?, ?, ?)`,
				int64(dst), int(cf), k, v)
			batch.Query(`DELETE FROM bridge_kv WHERE region_id = ? AND cf = ? AND key = ?`,
				int64(src), int(cf), k)
		}
		if err := iter.Close(); err != nil {
			return classify(err, "scan range")
		}
		if len(batch.Entries) == 0 {
			continue
		}
		if err := e.session.ExecuteBatch(batch); err != nil {
			return classify(err, "move range")
		}
	}
	return nil
}

// rangeQuery builds the partition scan for [start, end), where an empty
// end key means unbounded.
func (e *Engine) rangeQuery(ctx context.Context, sel string, regionID uint64, cf command.CF, start, end []byte) *gocql.Query {
	switch {
	case len(end) == 0 && len(start) == 0:
		return e.session.Query(sel+` WHERE region_id = ? AND cf = ?`,
			int64(regionID), int(cf)).WithContext(ctx)
	case len(end) == 0:
		return e.session.Query(sel+` WHERE region_id = ? AND cf = ? AND key >= ?`,
			int64(regionID), int(cf), start).WithContext(ctx)
	default:
		return e.session.Query(sel+` WHERE region_id = ? AND cf = ? AND key >= ? AND key < ?`,
			int64(regionID), int(cf), start, end).WithContext(ctx)
	}
}

func (e *Engine) dropRegion(ctx context.Context, regionID uint64) error {
	for _, cf := range []command.CF{command.CFDefault, command.CFLock, command.CFWrite} {
		err := e.session.Query(`DELETE FROM bridge_kv WHERE region_id = ? AND cf = ?`,
			int64(regionID), int(cf),
		).WithContext(ctx).Exec()
		if err != nil {
			return classify(err, "drop region data")
		}
	}
	err := e.session.Query(`DELETE FROM bridge_apply WHERE region_id = ?`,
		int64(regionID),
	).WithContext(ctx).Exec()
	if err != nil {
		return classify(err, "drop region apply state")
	}

	e.Lock()
	delete(e.applied, regionID)
	delete(e.sincePersist, regionID)
	e.Unlock()
	return nil
}

// IngestSnapshotChunk stages one chunk. A chunk at a different cut than
// the current staging area restarts the staging from scratch.
func (e *Engine) IngestSnapshotChunk(ctx context.Context, cut region.Cut, chunk engine.Chunk) error {
	restart, err := e.checkStagingCut(ctx, chunk.RegionID, cut)
	if err != nil {
		return err
	}
	if restart {
		if err := e.clearStaging(ctx, chunk.RegionID); err != nil {
			return err
		}
		err := e.session.Query(`INSERT INTO bridge_staging_meta (region_id, cut_index, cut_term, version, conf_ver)
		VALUES (?, ?, ?, ?, ?)`,
			int64(chunk.RegionID), int64(cut.Index), int64(cut.Term),
			int64(cut.Epoch.Version), int64(cut.Epoch.ConfVer),
		).WithContext(ctx).Exec()
		if err != nil {
			return classify(err, "save staging cut")
		}
	}

	e.Lock()
	seen := e.staged[chunk.RegionID]
	if seen == nil || restart {
		seen = make(map[uint32]bool)
		e.staged[chunk.RegionID] = seen
	}
	dup := seen[chunk.Seq]
	seen[chunk.Seq] = true
	e.Unlock()
	if dup {
		return nil
	}

	batch := e.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, p := range chunk.Pairs {
		batch.Query(`INSERT INTO bridge_staging (region_id, cf, key, value) VALUES (?, ?, ?, ?)`,
			int64(chunk.RegionID), int(p.CF), p.Key, p.Value)
	}
	if len(batch.Entries) == 0 {
		return nil
	}
	if err := e.session.ExecuteBatch(batch); err != nil {
		return classify(err, "stage snapshot chunk")
	}
	return nil
}

// checkStagingCut reports whether staging must restart because no staging
// exists yet or it was taken at a different cut.
func (e *Engine) checkStagingCut(ctx context.Context, regionID uint64, cut region.Cut) (bool, error) {
	var index, term, version, confVer int64
	err := e.session.Query(`SELECT cut_index, cut_term, version, conf_ver FROM bridge_staging_meta WHERE region_id = ?`,
		int64(regionID),
	).WithContext(ctx).Scan(&index, &term, &version, &confVer)
	if err == gocql.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, classify(err, "load staging cut")
	}
	same := uint64(index) == cut.Index && uint64(term) == cut.Term &&
		uint64(version) == cut.Epoch.Version && uint64(confVer) == cut.Epoch.ConfVer
	return !same, nil
}

func (e *Engine) clearStaging(ctx context.Context, regionID uint64) error {
	for _, cf := range []command.CF{command.CFDefault, command.CFLock, command.CFWrite} {
		err := e.session.Query(`DELETE FROM bridge_staging WHERE region_id = ? AND cf = ?`,
			int64(regionID), int(cf),
		).WithContext(ctx).Exec()
		if err != nil {
			return classify(err, "clear staging")
		}
	}
	err := e.session.Query(`DELETE FROM bridge_staging_meta WHERE region_id = ?`,
		int64(regionID),
	).WithContext(ctx).Exec()
	if err != nil {
		return classify(err, "clear staging meta")
	}
	e.Lock()
	delete(e.staged, regionID)
	e.Unlock()
	return nil
}

// FinalizeSnapshot atomically replaces the region's live data with the
// staged snapshot and pins the applied index to the cut.
func (e *Engine) FinalizeSnapshot(ctx context.Context, meta region.Region, cut region.Cut) error {
	// Drop whatever the region held before the snapshot.
	for _, cf := range []command.CF{command.CFDefault, command.CFLock, command.CFWrite} {
		err := e.session.Query(`DELETE FROM bridge_kv WHERE region_id = ? AND cf = ?`,
			int64(meta.ID), int(cf),
		).WithContext(ctx).Exec()
		if err != nil {
			return classify(err, "drop pre-snapshot data")
		}
	}

	for _, cf := range []command.CF{command.CFDefault, command.CFLock, command.CFWrite} {
		iter := e.session.Query(`SELECT key, value FROM bridge_staging WHERE region_id = ? AND cf = ?`,
			int64(meta.ID), int(cf),
		).WithContext(ctx).Iter()

		batch := e.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		var key, value []byte
		for iter.Scan(&key, &value) {
			batch.Query(`INSERT INTO bridge_kv (region_id, cf, key, value) VALUES (?, ?, ?, ?)`,
				int64(meta.ID), int(cf),
				append([]byte(nil), key...), append([]byte(nil), value...))
		}
		if err := iter.Close(); err != nil {
			return classify(err, "scan staging")
		}
		if len(batch.Entries) == 0 {
			continue
		}
		if err := e.session.ExecuteBatch(batch); err != nil {
			return classify(err, "promote staging")
		}
	}

	if err := e.clearStaging(ctx, meta.ID); err != nil {
		return err
	}
	if err := e.setApplied(ctx, meta.ID, cut.Index, cut.Term); err != nil {
		return err
	}

	e.logger.Info("snapshot finalized",
		zap.Uint64("region", meta.ID),
		zap.Uint64("applied", cut.Index))
	return nil
}

// AbortSnapshot discards the region's staging area.
func (e *Engine) AbortSnapshot(ctx context.Context, regionID uint64) error {
	return e.clearStaging(ctx, regionID)
}

// Destroy removes the region entirely: live data, staging, apply state.
func (e *Engine) Destroy(ctx context.Context, regionID uint64) error {
	if err := e.clearStaging(ctx, regionID); err != nil {
		return err
	}
	return e.dropRegion(ctx, regionID)
}

// Snapshot materializes the region's landed rows as an ordered chunk
// stream at the engine's recorded apply position. Every store shares the
// keyspace, so a store that fell behind a truncated log imports the
// region this way; the rows a caught-up peer landed are the transfer
// source. meta supplies the shape and epoch the stream installs under.
func (e *Engine) Snapshot(ctx context.Context, meta region.Region, pairsPerChunk int) (*Snapshot, error) {
	if pairsPerChunk <= 0 {
		pairsPerChunk = 256
	}

	var appliedIdx, appliedTerm uint64
	err := e.session.Query(`SELECT applied_index, applied_term FROM bridge_apply WHERE region_id = ?`,
		int64(meta.ID),
	).WithContext(ctx).Scan(&appliedIdx, &appliedTerm)
	if err == gocql.ErrNotFound {
		return nil, fmt.Errorf("%w: region %d has no landed state", bridgeerr.ErrWaitForData, meta.ID)
	}
	if err != nil {
		return nil, classify(err, "load apply record")
	}

	var pairs []engine.Pair
	for _, cf := range []command.CF{command.CFDefault, command.CFLock, command.CFWrite} {
		iter := e.session.Query(`SELECT key, value FROM bridge_kv WHERE region_id = ? AND cf = ?`,
			int64(meta.ID), int(cf)).WithContext(ctx).Iter()
		var key, value []byte
		for iter.Scan(&key, &value) {
			pairs = append(pairs, engine.Pair{
				CF:    cf,
				Key:   append([]byte(nil), key...),
				Value: append([]byte(nil), value...),
			})
		}
		if err := iter.Close(); err != nil {
			return nil, classify(err, "scan region rows")
		}
	}

	var chunks []engine.Chunk
	for len(pairs) > 0 {
		n := pairsPerChunk
		if n > len(pairs) {
			n = len(pairs)
		}
		chunks = append(chunks, engine.Chunk{
			RegionID: meta.ID,
			Pairs:    pairs[:n],
		})
		pairs = pairs[n:]
	}
	if len(chunks) == 0 {
		chunks = []engine.Chunk{{RegionID: meta.ID}}
	}
	total := uint32(len(chunks))
	for i := range chunks {
		chunks[i].Seq = uint32(i)
		chunks[i].Total = total
	}

	installed := meta.Clone()
	installed.AppliedIndex = appliedIdx
	installed.AppliedTerm = appliedTerm
	return &Snapshot{
		meta: installed,
		cut: region.Cut{
			Index: appliedIdx,
			Term:  appliedTerm,
			Epoch: meta.Epoch,
		},
		chunks: chunks,
	}, nil
}

// Snapshot is a materialized, resumable chunk source over a region's
// landed rows.
type Snapshot struct {
	meta   region.Region
	cut    region.Cut
	chunks []engine.Chunk
	next   uint32
}

var _ engine.ChunkSource = (*Snapshot)(nil)

func (s *Snapshot) Cut() region.Cut     { return s.cut }
func (s *Snapshot) Meta() region.Region { return s.meta.Clone() }
func (s *Snapshot) Total() uint32       { return uint32(len(s.chunks)) }
func (s *Snapshot) Resumable() bool     { return true }

func (s *Snapshot) Next(ctx context.Context) (engine.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.Chunk{}, false, err
	}
	if int(s.next) >= len(s.chunks) {
		return engine.Chunk{}, false, nil
	}
	c := s.chunks[s.next]
	s.next++
	return c, true, nil
}

func (s *Snapshot) Rewind(seq uint32) error {
	if int(seq) > len(s.chunks) {
		return fmt.Errorf("rewind to %d beyond %d chunks", seq, len(s.chunks))
	}
	s.next = seq
	return nil
}

// classify maps gocql failures onto the bridge's error taxonomy:
// timeouts and unavailability are transient and retried upstream,
// anything else is fatal for the region.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var writeTimeout *gocql.RequestErrWriteTimeout
	var readTimeout *gocql.RequestErrReadTimeout
	var unavailable *gocql.RequestErrUnavailable
	switch {
	case errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &writeTimeout),
		errors.As(err, &readTimeout),
		errors.As(err, &unavailable):
		return fmt.Errorf("%w: %s: %v", bridgeerr.ErrTransient, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", bridgeerr.ErrEngineFatal, op, err)
	}
}
