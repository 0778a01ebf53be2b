package progress

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/bridgekv/enginebridge/pkg/region"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltLoadMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(1); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
}

func TestBoltSaveLoadDelete(t *testing.T) {
	s := openTestStore(t)
	rec := Record{
		RegionID:       7,
		AppliedIndex:   42,
		AppliedTerm:    3,
		Epoch:          region.Epoch{Version: 2, ConfVer: 1},
		TruncatedIndex: 30,
	}
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(7)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Fatalf("got %+v want %+v", got, rec)
	}

	if err := s.Delete(7); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(7); !errors.Is(err, ErrNoRecord) {
		t.Fatal("record survived delete")
	}
	// Deleting again is a no-op.
	if err := s.Delete(7); err != nil {
		t.Fatal(err)
	}
}

func TestBoltImportBitmapRoundTrip(t *testing.T) {
	s := openTestStore(t)

	done := roaring64.New()
	done.Add(0)
	done.Add(2)
	done.Add(5)

	rec := Record{
		RegionID:     4,
		AppliedIndex: 10,
		Import: &ImportProgress{
			Cut:        region.Cut{Index: 100, Term: 5, Epoch: region.Epoch{Version: 3, ConfVer: 2}},
			ChunkCount: 6,
			Done:       done,
		},
	}
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(4)
	if err != nil {
		t.Fatal(err)
	}
	if got.Import == nil {
		t.Fatal("import progress lost")
	}
	if got.Import.Cut.Index != 100 || got.Import.ChunkCount != 6 {
		t.Fatalf("cut mismatch: %+v", got.Import)
	}
	for _, seq := range []uint64{0, 2, 5} {
		if !got.Import.Done.Contains(seq) {
			t.Fatalf("bitmap lost chunk %d", seq)
		}
	}
	if got.Import.Done.Contains(1) {
		t.Fatal("bitmap gained a phantom chunk")
	}
	if got.Import.Complete() {
		t.Fatal("3 of 6 chunks should not be complete")
	}

	got.Import.Done.Add(1)
	got.Import.Done.Add(3)
	got.Import.Done.Add(4)
	if !got.Import.Complete() {
		t.Fatal("all chunks acknowledged should be complete")
	}
}

func TestBoltLoadAllSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := s.Save(Record{RegionID: i, AppliedIndex: i * 10}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	recs, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	// Big-endian keys keep records ordered by region id.
	for i, rec := range recs {
		if rec.RegionID != uint64(i+1) || rec.AppliedIndex != uint64(i+1)*10 {
			t.Fatalf("record %d: %+v", i, rec)
		}
	}
}
