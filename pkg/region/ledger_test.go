package region

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
)

func TestLedgerGetNotFound(t *testing.T) {
	l := NewLedger()
	if _, err := l.Get(42); !errors.Is(err, bridgeerr.ErrRegionNotFound) {
		t.Fatalf("expected ErrRegionNotFound, got %v", err)
	}
}

func TestLedgerUpsertGet(t *testing.T) {
	l := NewLedger()
	l.Upsert(Region{
		ID:       1,
		StartKey: []byte("a"),
		EndKey:   []byte("m"),
		Epoch:    Epoch{Version: 2, ConfVer: 1},
		Peers:    []Peer{{ID: 10, StoreID: 100}},
	})

	got, err := l.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Epoch.Version != 2 || string(got.EndKey) != "m" {
		t.Fatalf("unexpected region: %+v", got)
	}

	// Mutating the returned copy must not leak into the ledger.
	got.EndKey[0] = 'z'
	got.Peers[0].ID = 99
	again, _ := l.Get(1)
	if string(again.EndKey) != "m" || again.Peers[0].ID != 10 {
		t.Fatal("Get returned a shared reference")
	}
}

func TestLedgerUpdateRejectsAppliedRegression(t *testing.T) {
	l := NewLedger()
	l.Upsert(Region{ID: 1, AppliedIndex: 10})

	err := l.Update(1, func(r *Region) error {
		r.AppliedIndex = 5
		return nil
	})
	if err == nil {
		t.Fatal("expected error for applied index regression")
	}

	r, _ := l.Get(1)
	if r.AppliedIndex != 10 {
		t.Fatalf("rejected update mutated ledger: %+v", r)
	}
}

func TestLedgerUpdateErrorDiscardsChanges(t *testing.T) {
	l := NewLedger()
	l.Upsert(Region{ID: 1, AppliedIndex: 10})

	boom := errors.New("boom")
	err := l.Update(1, func(r *Region) error {
		r.AppliedIndex = 20
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	r, _ := l.Get(1)
	if r.AppliedIndex != 10 {
		t.Fatal("errored update leaked into ledger")
	}
}

func TestLedgerConcurrentUpdatesAreOrdered(t *testing.T) {
	l := NewLedger()
	l.Upsert(Region{ID: 7})

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := l.Update(7, func(r *Region) error {
				r.AppliedIndex++
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	r, _ := l.Get(7)
	if r.AppliedIndex != n {
		t.Fatalf("lost updates: applied=%d want %d", r.AppliedIndex, n)
	}
}

func TestLedgerRange(t *testing.T) {
	l := NewLedger()
	for i := uint64(1); i <= 5; i++ {
		l.Upsert(Region{ID: i})
	}
	seen := map[uint64]bool{}
	l.Range(func(r Region) bool {
		seen[r.ID] = true
		return true
	})
	if len(seen) != 5 {
		t.Fatalf("expected 5 regions, saw %d", len(seen))
	}
	if l.Len() != 5 {
		t.Fatalf("Len=%d", l.Len())
	}
}

func TestEpochMatchAndNewer(t *testing.T) {
	base := Epoch{Version: 3, ConfVer: 2}
	if !base.Match(Epoch{Version: 3, ConfVer: 2}) {
		t.Fatal("identical epochs should match")
	}
	if base.Match(Epoch{Version: 4, ConfVer: 2}) {
		t.Fatal("different versions should not match")
	}
	if !(Epoch{Version: 4, ConfVer: 2}).Newer(base) {
		t.Fatal("bumped version should be newer")
	}
	if (Epoch{Version: 2, ConfVer: 3}).Newer(base) {
		t.Fatal("regressed version is not newer")
	}
}

func TestRegionContains(t *testing.T) {
	r := Region{StartKey: []byte("b"), EndKey: []byte("f")}
	for _, tc := range []struct {
		key  string
		want bool
	}{
		{"a", false},
		{"b", true},
		{"e", true},
		{"f", false},
	} {
		if got := r.Contains([]byte(tc.key)); got != tc.want {
			t.Errorf("Contains(%q)=%v want %v", tc.key, got, tc.want)
		}
	}

	unbounded := Region{StartKey: []byte("b")}
	if !unbounded.Contains([]byte(fmt.Sprintf("%c", 0xff))) {
		t.Fatal("empty end key should be unbounded")
	}
}
