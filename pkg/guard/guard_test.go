package guard

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap/zaptest"

	"github.com/bridgekv/enginebridge/pkg/bridgeerr"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/region"
)

func testRegion() region.Region {
	return region.Region{
		ID:       1,
		StartKey: []byte("a"),
		EndKey:   []byte("z"),
		Epoch:    region.Epoch{Version: 3, ConfVer: 2},
		Peers: []region.Peer{
			{ID: 11, StoreID: 100},
			{ID: 12, StoreID: 200},
		},
		AppliedIndex: 10,
		AppliedTerm:  2,
		State:        region.StateNormal,
	}
}

func newTestGuard(t *testing.T) *Guard {
	return New(zaptest.NewLogger(t), 100, nil)
}

func TestCheckAdminStaleEpoch(t *testing.T) {
	g := newTestGuard(t)
	r := testRegion()

	cmd := &command.AdminCmd{
		Type:  command.AdminBatchSplit,
		Epoch: region.Epoch{Version: 2, ConfVer: 2},
	}
	if err := g.CheckAdmin(r, cmd); !errors.Is(err, bridgeerr.ErrStaleEpoch) {
		t.Fatalf("expected stale epoch, got %v", err)
	}

	cmd.Epoch = r.Epoch
	cmd.Splits = []command.SplitRequest{{NewRegionID: 2, SplitKey: []byte("m")}}
	if err := g.CheckAdmin(r, cmd); err != nil {
		t.Fatalf("matching epoch rejected: %v", err)
	}
}

func TestCheckAdminMergePendingGate(t *testing.T) {
	g := newTestGuard(t)
	r := testRegion()
	r.State = region.StateMergePending

	split := &command.AdminCmd{Type: command.AdminBatchSplit, Epoch: r.Epoch}
	if err := g.CheckAdmin(r, split); !errors.Is(err, bridgeerr.ErrStaleEpoch) {
		t.Fatalf("split during merge should be stale, got %v", err)
	}

	rollback := &command.AdminCmd{Type: command.AdminRollbackMerge, Epoch: r.Epoch}
	if err := g.CheckAdmin(r, rollback); err != nil {
		t.Fatalf("rollback during merge rejected: %v", err)
	}
}

func TestCheckAdminCompactPastApplied(t *testing.T) {
	g := newTestGuard(t)
	r := testRegion() // applied = 10

	ok := &command.AdminCmd{Type: command.AdminCompactLog, Epoch: r.Epoch, CompactIndex: 8}
	if err := g.CheckAdmin(r, ok); err != nil {
		t.Fatalf("compact at 8 with applied 10 rejected: %v", err)
	}

	bad := &command.AdminCmd{Type: command.AdminCompactLog, Epoch: r.Epoch, CompactIndex: 12}
	if err := g.CheckAdmin(r, bad); !errors.Is(err, bridgeerr.ErrCompactPastApplied) {
		t.Fatalf("expected compact-past-applied, got %v", err)
	}
}

func TestAdmitWriteFlashbackBarrier(t *testing.T) {
	g := newTestGuard(t)
	r := testRegion()
	r.State = region.StateFlashback
	r.FlashbackIndex = 20

	if err := g.AdmitWrite(r, 20); err != nil {
		t.Fatalf("write at the barrier rejected: %v", err)
	}
	if err := g.AdmitWrite(r, 21); !errors.Is(err, bridgeerr.ErrFlashback) {
		t.Fatalf("write above the barrier admitted: %v", err)
	}
}

func TestSplitEffect(t *testing.T) {
	g := newTestGuard(t)
	r := testRegion()

	cmd := &command.AdminCmd{
		Type:  command.AdminBatchSplit,
		Epoch: r.Epoch,
		Splits: []command.SplitRequest{
			{NewRegionID: 2, SplitKey: []byte("h"), NewPeerIDs: []uint64{21, 22}},
			{NewRegionID: 3, SplitKey: []byte("p"), NewPeerIDs: []uint64{31, 32}},
		},
	}
	eff, err := g.AdminEffect(r, 11, 2, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if len(eff.Updated) != 3 || len(eff.Removed) != 0 {
		t.Fatalf("expected 3 updated regions, got %+v", eff)
	}

	wantVersion := r.Epoch.Version + 2
	ranges := map[uint64][2]string{
		2: {"a", "h"},
		3: {"h", "p"},
		1: {"p", "z"},
	}
	for _, u := range eff.Updated {
		want := ranges[u.ID]
		if !bytes.Equal(u.StartKey, []byte(want[0])) || !bytes.Equal(u.EndKey, []byte(want[1])) {
			t.Fatalf("region %d range [%q, %q), want [%q, %q)",
				u.ID, u.StartKey, u.EndKey, want[0], want[1])
		}
		if u.Epoch.Version != wantVersion {
			t.Fatalf("region %d version %d, want %d", u.ID, u.Epoch.Version, wantVersion)
		}
	}

	for _, u := range eff.Updated {
		if u.ID != 2 {
			continue
		}
		if u.AppliedIndex != splitInitialIndex || u.TruncatedIndex != splitInitialIndex {
			t.Fatalf("descendant progress %+v", u)
		}
		if u.Peers[0].ID != 21 || u.Peers[0].StoreID != 100 {
			t.Fatalf("descendant peers %+v", u.Peers)
		}
	}
}

func TestPrepareAndCommitMergeEffect(t *testing.T) {
	g := newTestGuard(t)
	source := testRegion()
	source.ID = 5
	source.StartKey, source.EndKey = []byte("a"), []byte("m")

	prep := &command.AdminCmd{Type: command.AdminPrepareMerge, Epoch: source.Epoch, MergeTarget: 6}
	eff, err := g.AdminEffect(source, 11, 2, prep)
	if err != nil {
		t.Fatal(err)
	}
	got := eff.Updated[0]
	if got.State != region.StateMergePending {
		t.Fatalf("state after prepare: %v", got.State)
	}
	if got.Epoch.Version != source.Epoch.Version+1 || got.Epoch.ConfVer != source.Epoch.ConfVer+1 {
		t.Fatalf("epoch after prepare: %+v", got.Epoch)
	}

	target := testRegion()
	target.ID = 6
	target.StartKey, target.EndKey = []byte("m"), []byte("z")
	target.Epoch = region.Epoch{Version: 7, ConfVer: 2}

	commit := &command.AdminCmd{
		Type:        command.AdminCommitMerge,
		Epoch:       target.Epoch,
		MergeSource: 5,
		SourceStart: []byte("a"),
		SourceEnd:   []byte("m"),
	}
	eff, err = g.AdminEffect(target, 30, 3, commit)
	if err != nil {
		t.Fatal(err)
	}
	if len(eff.Removed) != 1 || eff.Removed[0] != 5 {
		t.Fatalf("source not retired: %+v", eff)
	}
	merged := eff.Updated[0]
	if !bytes.Equal(merged.StartKey, []byte("a")) || !bytes.Equal(merged.EndKey, []byte("z")) {
		t.Fatalf("merged range [%q, %q)", merged.StartKey, merged.EndKey)
	}
	// New version dominates both participants.
	if merged.Epoch.Version != 8 {
		t.Fatalf("merged version %d, want 8", merged.Epoch.Version)
	}
}

func TestChangePeerRemoveSelf(t *testing.T) {
	g := newTestGuard(t) // store 100
	r := testRegion()

	add := &command.AdminCmd{
		Type:       command.AdminChangePeer,
		Epoch:      r.Epoch,
		PeerChange: &command.PeerChange{Type: command.PeerAdd, Peer: region.Peer{ID: 13, StoreID: 300}},
	}
	eff, err := g.AdminEffect(r, 11, 2, add)
	if err != nil {
		t.Fatal(err)
	}
	if got := eff.Updated[0]; len(got.Peers) != 3 || got.Epoch.ConfVer != r.Epoch.ConfVer+1 {
		t.Fatalf("after add: %+v", got)
	}

	removeSelf := &command.AdminCmd{
		Type:       command.AdminChangePeer,
		Epoch:      r.Epoch,
		PeerChange: &command.PeerChange{Type: command.PeerRemove, Peer: region.Peer{ID: 11, StoreID: 100}},
	}
	eff, err = g.AdminEffect(r, 12, 2, removeSelf)
	if err != nil {
		t.Fatal(err)
	}
	if len(eff.Updated) != 0 || len(eff.Removed) != 1 || eff.Removed[0] != r.ID {
		t.Fatalf("removing own peer should retire region: %+v", eff)
	}
}

func TestFlashbackEffectCycle(t *testing.T) {
	g := newTestGuard(t)
	r := testRegion()

	lock := &command.AdminCmd{Type: command.AdminFlashback, Epoch: r.Epoch}
	eff, err := g.AdminEffect(r, 15, 2, lock)
	if err != nil {
		t.Fatal(err)
	}
	locked := eff.Updated[0]
	if locked.State != region.StateFlashback || locked.FlashbackIndex != 15 {
		t.Fatalf("after lock: %+v", locked)
	}

	unlock := &command.AdminCmd{Type: command.AdminFlashbackUnlock, Epoch: locked.Epoch}
	eff, err = g.AdminEffect(locked, 16, 2, unlock)
	if err != nil {
		t.Fatal(err)
	}
	if got := eff.Updated[0]; got.State != region.StateNormal || got.FlashbackIndex != 0 {
		t.Fatalf("after unlock: %+v", got)
	}
}

func TestDiskWatcherAdmission(t *testing.T) {
	used := 50.0
	w := NewDiskWatcher(DiskWatcherConfig{
		Logger:      zaptest.NewLogger(t),
		Path:        t.TempDir(),
		FullPercent: 90,
		Interval:    5 * time.Millisecond,
		Usage: func(path string) (*disk.UsageStat, error) {
			return &disk.UsageStat{Path: path, UsedPercent: used}, nil
		},
	})
	w.Start()
	defer w.Stop()

	if w.Full() {
		t.Fatal("watcher full at 50%")
	}

	used = 95
	deadline := time.Now().Add(time.Second)
	for !w.Full() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never noticed full disk")
		}
		time.Sleep(time.Millisecond)
	}

	g := New(zaptest.NewLogger(t), 100, w)
	if err := g.AdmitWrite(testRegion(), 11); !errors.Is(err, bridgeerr.ErrCapacity) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
}
