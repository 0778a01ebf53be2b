// Package progress persists per-region apply progress. The record is the
// recovery root: on restart, the foreign engine's visible state must
// correspond exactly to it. Nothing at or below AppliedIndex is ever
// reapplied, nothing above it is skipped.
package progress

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/bridgekv/enginebridge/pkg/region"
)

// ImportProgress records an in-flight snapshot import: the cut and which
// chunks have been durably staged. It survives restarts so a resumable
// import can continue, and is cleared when the import completes or is
// discarded.
type ImportProgress struct {
	Cut        region.Cut `json:"cut"`
	ChunkCount uint32     `json:"chunk_count"`

	// Done tracks acknowledged chunk sequence numbers.
	Done *roaring64.Bitmap `json:"-"`

	// DoneBits carries Done on the wire (portable roaring serialization,
	// base64 inside JSON).
	DoneBits string `json:"done_bits,omitempty"`
}

// NewImportProgress starts tracking an import at cut with chunkCount
// chunks, none acknowledged yet.
func NewImportProgress(cut region.Cut, chunkCount uint32) *ImportProgress {
	return &ImportProgress{
		Cut:        cut,
		ChunkCount: chunkCount,
		Done:       roaring64.New(),
	}
}

// Complete reports whether every chunk has been acknowledged.
func (p *ImportProgress) Complete() bool {
	return p.Done != nil && p.Done.GetCardinality() == uint64(p.ChunkCount)
}

// Record is the durable apply state of one region. It carries the full
// region metadata so the ledger can be rebuilt from records alone after a
// restart.
type Record struct {
	RegionID       uint64          `json:"region_id"`
	AppliedIndex   uint64          `json:"applied_index"`
	AppliedTerm    uint64          `json:"applied_term"`
	Epoch          region.Epoch    `json:"epoch"`
	TruncatedIndex uint64          `json:"truncated_index"`
	StartKey       []byte          `json:"start_key,omitempty"`
	EndKey         []byte          `json:"end_key,omitempty"`
	Peers          []region.Peer   `json:"peers,omitempty"`
	State          region.State    `json:"state,omitempty"`
	FlashbackIndex uint64          `json:"flashback_index,omitempty"`
	Import         *ImportProgress `json:"import,omitempty"`
}

// FromRegion builds a record from a ledger entry.
func FromRegion(r region.Region) Record {
	return Record{
		RegionID:       r.ID,
		AppliedIndex:   r.AppliedIndex,
		AppliedTerm:    r.AppliedTerm,
		Epoch:          r.Epoch,
		TruncatedIndex: r.TruncatedIndex,
		StartKey:       append([]byte(nil), r.StartKey...),
		EndKey:         append([]byte(nil), r.EndKey...),
		Peers:          append([]region.Peer(nil), r.Peers...),
		State:          r.State,
		FlashbackIndex: r.FlashbackIndex,
	}
}

// Region reconstructs the ledger entry the record was taken from.
func (r Record) Region() region.Region {
	return region.Region{
		ID:             r.RegionID,
		StartKey:       append([]byte(nil), r.StartKey...),
		EndKey:         append([]byte(nil), r.EndKey...),
		Epoch:          r.Epoch,
		Peers:          append([]region.Peer(nil), r.Peers...),
		AppliedIndex:   r.AppliedIndex,
		AppliedTerm:    r.AppliedTerm,
		TruncatedIndex: r.TruncatedIndex,
		State:          r.State,
		FlashbackIndex: r.FlashbackIndex,
	}
}

// Marshal encodes the record. Field evolution is additive only.
func (r Record) Marshal() ([]byte, error) {
	if r.Import != nil && r.Import.Done != nil {
		var buf bytes.Buffer
		if _, err := r.Import.Done.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("serialize chunk bitmap: %w", err)
		}
		r.Import.DoneBits = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return json.Marshal(r)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode progress record: %w", err)
	}
	if r.Import != nil {
		r.Import.Done = roaring64.New()
		if r.Import.DoneBits != "" {
			raw, err := base64.StdEncoding.DecodeString(r.Import.DoneBits)
			if err != nil {
				return Record{}, fmt.Errorf("decode chunk bitmap: %w", err)
			}
			if _, err := r.Import.Done.ReadFrom(bytes.NewReader(raw)); err != nil {
				return Record{}, fmt.Errorf("read chunk bitmap: %w", err)
			}
			r.Import.DoneBits = ""
		}
	}
	return r, nil
}

// Store is the durable record keeper, keyed by region id.
type Store interface {
	// Load returns the record, or ErrNoRecord.
	Load(regionID uint64) (Record, error)
	// Save durably replaces the record.
	Save(Record) error
	// Delete removes the record. Deleting an absent record is a no-op.
	Delete(regionID uint64) error
	// LoadAll returns every stored record, for restart recovery.
	LoadAll() ([]Record, error)
	// Close releases the underlying storage.
	Close() error
}
