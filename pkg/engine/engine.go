// Package engine defines the versioned call surface of the foreign storage
// engine. What was historically dynamic dispatch across a binary boundary
// is expressed as a fixed interface; any conforming adapter can sit behind
// it. The surface evolves additively only: methods are never removed or
// re-ordered, and the interface version is checked at startup.
package engine

import (
	"context"

	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/region"
)

// Magic and InterfaceVersion pin the call surface. An adapter built against
// a different major surface must be rejected at wiring time rather than
// fail mid-apply.
const (
	Magic            uint64 = 0x2e72616674666c61
	InterfaceVersion uint64 = 1
)

// CmdHeader identifies the log position of a forwarded command.
type CmdHeader struct {
	RegionID uint64
	Index    uint64
	Term     uint64
}

// ApplyResult is the engine's verdict on a forwarded command.
type ApplyResult uint8

const (
	// ApplyNone: applied, no persistence of apply state requested.
	ApplyNone ApplyResult = iota
	// ApplyPersist: applied, engine persisted its apply state.
	ApplyPersist
	// ApplyNotFound: the engine has no state for the region yet; the
	// caller decides whether that is fatal or expected (e.g. pre-snapshot).
	ApplyNotFound
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyNone:
		return "none"
	case ApplyPersist:
		return "persist"
	case ApplyNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Pair is one key/value of a snapshot chunk.
type Pair struct {
	CF    command.CF `json:"cf"`
	Key   []byte     `json:"key"`
	Value []byte     `json:"value"`
}

// Chunk is one tablet-level unit of a snapshot transfer: a contiguous
// sub-range of a region's data at the snapshot cut. Seq runs 0..Total-1.
type Chunk struct {
	RegionID uint64 `json:"region_id"`
	Seq      uint32 `json:"seq"`
	Total    uint32 `json:"total"`
	StartKey []byte `json:"start_key"`
	EndKey   []byte `json:"end_key"`
	Pairs    []Pair `json:"pairs"`
}

// Engine is the foreign engine's binary call surface.
//
// Error contract: a nil error with any ApplyResult is a durable
// acknowledgment. Retryable conditions are reported wrapped in
// bridgeerr.ErrTransient; any other error is fatal for the region.
// All calls are idempotent with respect to the command header: re-applying
// an index at or below the engine's recorded apply state is a no-op.
type Engine interface {
	// Version returns the adapter's magic number and interface version.
	Version() (magic, version uint64)

	// ApplyWrite forwards a write-class command.
	ApplyWrite(ctx context.Context, hdr CmdHeader, ops []command.WriteOp) (ApplyResult, error)

	// ApplyAdmin forwards an admin command together with the region state
	// the command produces, so the engine can mirror shape changes.
	ApplyAdmin(ctx context.Context, hdr CmdHeader, cmd *command.AdminCmd, effect region.AdminEffect) (ApplyResult, error)

	// IngestSnapshotChunk stages one chunk of a snapshot at the given cut.
	// Staged data is invisible until FinalizeSnapshot.
	IngestSnapshotChunk(ctx context.Context, cut region.Cut, chunk Chunk) error

	// FinalizeSnapshot atomically installs all staged chunks for the
	// region, replacing existing state, and records the cut as the
	// engine's apply state.
	FinalizeSnapshot(ctx context.Context, meta region.Region, cut region.Cut) error

	// AbortSnapshot discards staged chunks for the region, if any.
	AbortSnapshot(ctx context.Context, regionID uint64) error

	// Destroy removes all engine state for the region.
	Destroy(ctx context.Context, regionID uint64) error
}

// ChunkSource supplies the ordered chunk stream of one snapshot. Chunks
// arrive in Seq order; Next returns false when the stream is exhausted.
type ChunkSource interface {
	// Cut returns the log position and epoch the snapshot was taken at.
	Cut() region.Cut
	// Meta returns the region descriptor at the cut.
	Meta() region.Region
	// Total returns the number of chunks in the stream.
	Total() uint32
	// Next returns the next chunk. ok is false after the last chunk.
	Next(ctx context.Context) (chunk Chunk, ok bool, err error)
	// Resumable reports whether the source can re-deliver from an
	// arbitrary chunk sequence, enabling chunk-idempotent resumption.
	Resumable() bool
	// Rewind repositions the stream at seq. Only legal when Resumable.
	Rewind(seq uint32) error
}
