package region

import (
	"fmt"
	"sync"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
)

// Ledger is the shared catalog of regions. All mutations are linearizable
// per region id: concurrent callers for the same region observe a single
// total order of updates. No cross-region atomicity is provided.
type Ledger struct {
	mu      sync.RWMutex
	regions map[uint64]*slot
}

type slot struct {
	mu sync.Mutex
	r  Region
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{regions: make(map[uint64]*slot)}
}

// Get returns a copy of the region, or bridgeerr.ErrRegionNotFound.
func (l *Ledger) Get(id uint64) (Region, error) {
	l.mu.RLock()
	s, ok := l.regions[id]
	l.mu.RUnlock()
	if !ok {
		return Region{}, bridgeerr.ErrRegionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Clone(), nil
}

// Upsert inserts or replaces the region's ledger entry.
func (l *Ledger) Upsert(r Region) {
	l.mu.Lock()
	s, ok := l.regions[r.ID]
	if !ok {
		l.regions[r.ID] = &slot{r: r.Clone()}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	s.mu.Lock()
	s.r = r.Clone()
	s.mu.Unlock()
}

// Update applies fn to the region under its latch. fn sees a private copy;
// the update is discarded if fn errors. Moving AppliedIndex backward is a
// programming error and fails the update.
func (l *Ledger) Update(id uint64, fn func(*Region) error) error {
	l.mu.RLock()
	s, ok := l.regions[id]
	l.mu.RUnlock()
	if !ok {
		return bridgeerr.ErrRegionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.r.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if next.AppliedIndex < s.r.AppliedIndex {
		return fmt.Errorf("applied index moved backward (%d -> %d) for region %d",
			s.r.AppliedIndex, next.AppliedIndex, id)
	}
	next.ID = id
	s.r = next
	return nil
}

// Remove retires the region's entry. Removing an absent region is a no-op.
func (l *Ledger) Remove(id uint64) {
	l.mu.Lock()
	delete(l.regions, id)
	l.mu.Unlock()
}

// Len returns the number of tracked regions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.regions)
}

// Range calls fn with a copy of every region until fn returns false.
// The iteration order is unspecified and the set is a point-in-time view.
func (l *Ledger) Range(fn func(Region) bool) {
	l.mu.RLock()
	slots := make([]*slot, 0, len(l.regions))
	for _, s := range l.regions {
		slots = append(slots, s)
	}
	l.mu.RUnlock()

	for _, s := range slots {
		s.mu.Lock()
		r := s.r.Clone()
		s.mu.Unlock()
		if !fn(r) {
			return
		}
	}
}
