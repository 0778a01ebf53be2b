package memory

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/region"
)

func testRegion(id uint64) region.Region {
	return region.Region{
		ID:    id,
		Epoch: region.Epoch{Version: 1, ConfVer: 1},
		Peers: []region.Peer{{ID: id * 10, StoreID: 1}},
	}
}

func TestApplyWriteAndReplayIdempotence(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	e.Bootstrap(testRegion(1))
	ctx := context.Background()

	ops := []command.WriteOp{
		{CF: command.CFDefault, Type: command.OpPut, Key: []byte("k"), Value: []byte("v1")},
	}
	res, err := e.ApplyWrite(ctx, engine.CmdHeader{RegionID: 1, Index: 1, Term: 1}, ops)
	if err != nil || res != engine.ApplyPersist {
		t.Fatalf("res=%v err=%v", res, err)
	}

	// Replay of the same index must not change visible state.
	replay := []command.WriteOp{
		{CF: command.CFDefault, Type: command.OpPut, Key: []byte("k"), Value: []byte("stale")},
	}
	if _, err := e.ApplyWrite(ctx, engine.CmdHeader{RegionID: 1, Index: 1, Term: 1}, replay); err != nil {
		t.Fatal(err)
	}
	if v, _ := e.Get(1, command.CFDefault, []byte("k")); string(v) != "v1" {
		t.Fatalf("replay mutated state: %q", v)
	}
	if idx, _ := e.AppliedIndex(1); idx != 1 {
		t.Fatalf("applied=%d", idx)
	}
}

func TestApplyWriteUnknownRegion(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	res, err := e.ApplyWrite(context.Background(), engine.CmdHeader{RegionID: 9, Index: 1}, nil)
	if err != nil || res != engine.ApplyNotFound {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestApplyAdminSplitMovesOwnedKeys(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	parent := testRegion(1)
	parent.EndKey = nil
	e.Bootstrap(parent)
	ctx := context.Background()

	puts := []command.WriteOp{
		{CF: command.CFDefault, Type: command.OpPut, Key: []byte("a"), Value: []byte("1")},
		{CF: command.CFDefault, Type: command.OpPut, Key: []byte("n"), Value: []byte("2")},
	}
	if _, err := e.ApplyWrite(ctx, engine.CmdHeader{RegionID: 1, Index: 1, Term: 1}, puts); err != nil {
		t.Fatal(err)
	}

	left := region.Region{ID: 2, EndKey: []byte("m"), Epoch: region.Epoch{Version: 2, ConfVer: 1}, AppliedIndex: 2, AppliedTerm: 1}
	right := region.Region{ID: 1, StartKey: []byte("m"), Epoch: region.Epoch{Version: 2, ConfVer: 1}}
	cmd := &command.AdminCmd{Type: command.AdminBatchSplit, Epoch: region.Epoch{Version: 1, ConfVer: 1}}
	effect := region.AdminEffect{Updated: []region.Region{right, left}}

	res, err := e.ApplyAdmin(ctx, engine.CmdHeader{RegionID: 1, Index: 2, Term: 1}, cmd, effect)
	if err != nil || res != engine.ApplyPersist {
		t.Fatalf("res=%v err=%v", res, err)
	}

	if v, ok := e.Get(2, command.CFDefault, []byte("a")); !ok || string(v) != "1" {
		t.Fatal("left descendant missing its key")
	}
	if _, ok := e.Get(1, command.CFDefault, []byte("a")); ok {
		t.Fatal("parent kept a key it no longer owns")
	}
	if v, ok := e.Get(1, command.CFDefault, []byte("n")); !ok || string(v) != "2" {
		t.Fatal("parent lost a key it still owns")
	}
}

func TestSnapshotStageFinalize(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	ctx := context.Background()
	cut := region.Cut{Index: 50, Term: 3, Epoch: region.Epoch{Version: 2, ConfVer: 2}}
	meta := region.Region{ID: 4, Epoch: cut.Epoch, AppliedIndex: 50, AppliedTerm: 3}

	chunk := engine.Chunk{
		RegionID: 4, Seq: 0, Total: 1,
		Pairs: []engine.Pair{{CF: command.CFDefault, Key: []byte("s"), Value: []byte("v")}},
	}
	if err := e.IngestSnapshotChunk(ctx, cut, chunk); err != nil {
		t.Fatal(err)
	}

	// Staged data stays invisible before finalize.
	if _, ok := e.Get(4, command.CFDefault, []byte("s")); ok {
		t.Fatal("staged chunk visible before finalize")
	}

	if err := e.FinalizeSnapshot(ctx, meta, cut); err != nil {
		t.Fatal(err)
	}
	if v, ok := e.Get(4, command.CFDefault, []byte("s")); !ok || string(v) != "v" {
		t.Fatal("finalized snapshot not visible")
	}
	if idx, _ := e.AppliedIndex(4); idx != 50 {
		t.Fatalf("applied=%d want 50", idx)
	}
}

func TestAbortSnapshotDiscardsStaging(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	ctx := context.Background()
	cut := region.Cut{Index: 10, Term: 1}

	chunk := engine.Chunk{RegionID: 6, Seq: 0, Total: 2}
	if err := e.IngestSnapshotChunk(ctx, cut, chunk); err != nil {
		t.Fatal(err)
	}
	if err := e.AbortSnapshot(ctx, 6); err != nil {
		t.Fatal(err)
	}
	if err := e.FinalizeSnapshot(ctx, region.Region{ID: 6}, cut); err == nil {
		t.Fatal("finalize after abort should fail")
	}
}

func TestSnapshotSourceRoundTrip(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	e.Bootstrap(testRegion(1))
	ctx := context.Background()

	for i, k := range []string{"a", "b", "c"} {
		ops := []command.WriteOp{{CF: command.CFDefault, Type: command.OpPut, Key: []byte(k), Value: []byte{byte(i)}}}
		if _, err := e.ApplyWrite(ctx, engine.CmdHeader{RegionID: 1, Index: uint64(i + 1), Term: 1}, ops); err != nil {
			t.Fatal(err)
		}
	}

	src, err := e.Snapshot(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if src.Cut().Index != 3 || src.Total() != 2 {
		t.Fatalf("cut=%+v total=%d", src.Cut(), src.Total())
	}

	// Feed the source into a second engine and compare visible state.
	dst := New(zaptest.NewLogger(t))
	for {
		c, ok, err := src.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if err := dst.IngestSnapshotChunk(ctx, src.Cut(), c); err != nil {
			t.Fatal(err)
		}
	}
	if err := dst.FinalizeSnapshot(ctx, src.Meta(), src.Cut()); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, ok := dst.Get(1, command.CFDefault, []byte(k)); !ok {
			t.Fatalf("key %q missing after transfer", k)
		}
	}
	if dst.Len(1, command.CFDefault) != 3 {
		t.Fatalf("len=%d", dst.Len(1, command.CFDefault))
	}

	// A resumable source can rewind.
	if err := src.Rewind(0); err != nil {
		t.Fatal(err)
	}
	if c, ok, _ := src.Next(ctx); !ok || c.Seq != 0 {
		t.Fatal("rewind did not reposition the stream")
	}
}
