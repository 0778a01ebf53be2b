// Package memory is an in-process foreign engine used by tests and the
// default development wiring. It keeps per-region, per-column-family
// ordered key/value state and mirrors the engine-side apply bookkeeping a
// real external engine performs, including the idempotent replay check.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/region"
)

type cfMap = skipmap.FuncMap[[]byte, []byte]

func newCFMap() *cfMap {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// regionState is the engine's view of one region.
type regionState struct {
	meta    region.Region
	applied uint64
	term    uint64
	data    [3]*cfMap
}

func newRegionState(meta region.Region) *regionState {
	rs := &regionState{meta: meta}
	for i := range rs.data {
		rs.data[i] = newCFMap()
	}
	return rs
}

// staging holds chunks of an in-flight snapshot, invisible until finalized.
type staging struct {
	cut  region.Cut
	data [3]*cfMap
	seen map[uint32]bool
}

// Engine is the in-memory adapter.
type Engine struct {
	mu      sync.RWMutex
	regions map[uint64]*regionState
	staged  map[uint64]*staging
	logger  *zap.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New creates an empty in-memory engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		regions: make(map[uint64]*regionState),
		staged:  make(map[uint64]*staging),
		logger:  logger,
	}
}

// Version implements engine.Engine.
func (e *Engine) Version() (uint64, uint64) {
	return engine.Magic, engine.InterfaceVersion
}

// Bootstrap seeds engine state for a region without a snapshot. Used when
// a region is created empty at the start of its log.
func (e *Engine) Bootstrap(meta region.Region) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.regions[meta.ID]; !ok {
		rs := newRegionState(meta.Clone())
		rs.applied = meta.AppliedIndex
		rs.term = meta.AppliedTerm
		e.regions[meta.ID] = rs
	}
}

// ApplyWrite implements engine.Engine.
func (e *Engine) ApplyWrite(ctx context.Context, hdr engine.CmdHeader, ops []command.WriteOp) (engine.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ApplyNone, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.regions[hdr.RegionID]
	if !ok {
		return engine.ApplyNotFound, nil
	}
	if rs.applied >= hdr.Index {
		// Replay after a crash before the bridge persisted progress.
		return engine.ApplyNone, nil
	}

	for _, op := range ops {
		if op.CF > command.CFWrite {
			return engine.ApplyNone, fmt.Errorf("write to unknown cf %d", op.CF)
		}
		switch op.Type {
		case command.OpPut:
			rs.data[op.CF].Store(op.Key, op.Value)
		case command.OpDelete:
			rs.data[op.CF].Delete(op.Key)
		default:
			return engine.ApplyNone, fmt.Errorf("unknown write op type %d", op.Type)
		}
	}
	rs.applied = hdr.Index
	rs.term = hdr.Term
	return engine.ApplyPersist, nil
}

// ApplyAdmin implements engine.Engine. The effect computed by the guard
// tells the engine which regions to create, reshape or retire; data is not
// moved since all regions share the same store.
func (e *Engine) ApplyAdmin(ctx context.Context, hdr engine.CmdHeader, cmd *command.AdminCmd, effect region.AdminEffect) (engine.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ApplyNone, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.regions[hdr.RegionID]
	if !ok {
		return engine.ApplyNotFound, nil
	}
	if rs.applied >= hdr.Index {
		return engine.ApplyPersist, nil
	}

	for _, upd := range effect.Updated {
		if upd.ID == hdr.RegionID {
			rs.meta = upd.Clone()
			continue
		}
		if cur, ok := e.regions[upd.ID]; ok {
			cur.meta = upd.Clone()
			continue
		}
		// Descendant of a split: starts at the split command's position.
		nrs := newRegionState(upd.Clone())
		nrs.applied = upd.AppliedIndex
		nrs.term = upd.AppliedTerm
		e.regions[upd.ID] = nrs
		if cmd.Type == command.AdminBatchSplit {
			e.moveRangeLocked(rs, nrs)
		}
	}
	for _, id := range effect.Removed {
		if id == hdr.RegionID {
			continue // retired below only via Destroy
		}
		if src, ok := e.regions[id]; ok && cmd.Type == command.AdminCommitMerge {
			e.moveRangeLocked(src, rs)
		}
		delete(e.regions, id)
		delete(e.staged, id)
	}

	rs.applied = hdr.Index
	rs.term = hdr.Term
	return engine.ApplyPersist, nil
}

// moveRangeLocked migrates keys now owned by dst out of src.
func (e *Engine) moveRangeLocked(src, dst *regionState) {
	for cf := range src.data {
		var moved [][2][]byte
		src.data[cf].Range(func(k, v []byte) bool {
			if dst.meta.Contains(k) {
				moved = append(moved, [2][]byte{k, v})
			}
			return true
		})
		for _, kv := range moved {
			dst.data[cf].Store(kv[0], kv[1])
			src.data[cf].Delete(kv[0])
		}
	}
}

// IngestSnapshotChunk implements engine.Engine.
func (e *Engine) IngestSnapshotChunk(ctx context.Context, cut region.Cut, chunk engine.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.staged[chunk.RegionID]
	if ok && st.cut != cut {
		// A fresh import always restarts staging from scratch.
		ok = false
	}
	if !ok {
		st = &staging{cut: cut, seen: make(map[uint32]bool)}
		for i := range st.data {
			st.data[i] = newCFMap()
		}
		e.staged[chunk.RegionID] = st
	}
	if st.seen[chunk.Seq] {
		return nil
	}
	for _, p := range chunk.Pairs {
		if p.CF > command.CFWrite {
			return fmt.Errorf("snapshot pair in unknown cf %d", p.CF)
		}
		st.data[p.CF].Store(p.Key, p.Value)
	}
	st.seen[chunk.Seq] = true
	return nil
}

// FinalizeSnapshot implements engine.Engine.
func (e *Engine) FinalizeSnapshot(ctx context.Context, meta region.Region, cut region.Cut) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.staged[meta.ID]
	if !ok || st.cut != cut {
		return fmt.Errorf("no staged snapshot for region %d at index %d", meta.ID, cut.Index)
	}

	rs := newRegionState(meta.Clone())
	rs.data = st.data
	rs.applied = cut.Index
	rs.term = cut.Term
	e.regions[meta.ID] = rs
	delete(e.staged, meta.ID)

	if e.logger != nil {
		e.logger.Info("installed snapshot",
			zap.Uint64("region", meta.ID),
			zap.Uint64("index", cut.Index),
			zap.Uint64("term", cut.Term))
	}
	return nil
}

// AbortSnapshot implements engine.Engine.
func (e *Engine) AbortSnapshot(ctx context.Context, regionID uint64) error {
	e.mu.Lock()
	delete(e.staged, regionID)
	e.mu.Unlock()
	return nil
}

// Destroy implements engine.Engine.
func (e *Engine) Destroy(ctx context.Context, regionID uint64) error {
	e.mu.Lock()
	delete(e.regions, regionID)
	delete(e.staged, regionID)
	e.mu.Unlock()
	return nil
}

// AppliedIndex reports the engine-side apply state for a region.
func (e *Engine) AppliedIndex(regionID uint64) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.regions[regionID]
	if !ok {
		return 0, false
	}
	return rs.applied, true
}

// Get reads a single key from the engine's visible state.
func (e *Engine) Get(regionID uint64, cf command.CF, key []byte) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.regions[regionID]
	if !ok {
		return nil, false
	}
	return rs.data[cf].Load(key)
}

// Len reports the number of visible keys in a region's column family.
func (e *Engine) Len(regionID uint64, cf command.CF) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.regions[regionID]
	if !ok {
		return 0
	}
	return rs.data[cf].Len()
}

// Snapshot materializes the region's visible state as an ordered chunk
// stream at its current apply position. It backs fast peer add, where an
// already-caught-up peer serves as the transfer source.
func (e *Engine) Snapshot(regionID uint64, pairsPerChunk int) (*Snapshot, error) {
	if pairsPerChunk <= 0 {
		pairsPerChunk = 256
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	rs, ok := e.regions[regionID]
	if !ok {
		return nil, fmt.Errorf("region %d not present in engine", regionID)
	}

	var pairs []engine.Pair
	for cf := range rs.data {
		rs.data[cf].Range(func(k, v []byte) bool {
			pairs = append(pairs, engine.Pair{
				CF:    command.CF(cf),
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
			return true
		})
	}

	var chunks []engine.Chunk
	for len(pairs) > 0 {
		n := pairsPerChunk
		if n > len(pairs) {
			n = len(pairs)
		}
		chunks = append(chunks, engine.Chunk{
			RegionID: regionID,
			Pairs:    pairs[:n],
		})
		pairs = pairs[n:]
	}
	if len(chunks) == 0 {
		chunks = []engine.Chunk{{RegionID: regionID}}
	}
	total := uint32(len(chunks))
	for i := range chunks {
		chunks[i].Seq = uint32(i)
		chunks[i].Total = total
	}

	meta := rs.meta.Clone()
	meta.AppliedIndex = rs.applied
	meta.AppliedTerm = rs.term
	return &Snapshot{
		meta: meta,
		cut: region.Cut{
			Index: rs.applied,
			Term:  rs.term,
			Epoch: rs.meta.Epoch,
		},
		chunks: chunks,
	}, nil
}

// Snapshot is a materialized, resumable chunk source over a point-in-time
// copy of a region's data.
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
