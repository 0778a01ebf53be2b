// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/bridgekv/enginebridge/pkg/apply"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/engine/memory"
	"github.com/bridgekv/enginebridge/pkg/guard"
	"github.com/bridgekv/enginebridge/pkg/progress"
	"github.com/bridgekv/enginebridge/pkg/raftfeed"
	"github.com/bridgekv/enginebridge/pkg/region"
	"github.com/bridgekv/enginebridge/pkg/snapimport"
)

func testRegion() region.Region {
	return region.Region{
		ID:       1,
		StartKey: []byte("a"),
		EndKey:   []byte("z"),
		Epoch:    region.Epoch{Version: 3, ConfVer: 2},
		Peers: []region.Peer{
			{ID: 11, StoreID: 100},
		},
		AppliedIndex: 10,
		AppliedTerm:  2,
	}
}

type testBridge struct {
	br     *bridge
	eng    *memory.Engine
	batchC chan *raftfeed.Batch
	snapC  chan raftfeed.SnapshotNotice
}

func newTestBridge(t *testing.T, seed bool) *testBridge {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := progress.OpenBolt(t.TempDir() + "/progress.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	eng := memory.New(logger)
	ledger := region.NewLedger()
	if seed {
		eng.Bootstrap(testRegion())
		ledger.Upsert(testRegion())
		if err := store.Save(progress.FromRegion(testRegion())); err != nil {
			t.Fatal(err)
		}
	}

	seq := apply.NewSequencer(apply.Config{
		Logger: logger,
		Ledger: ledger,
		Engine: eng,
		Guard:  guard.New(logger, 100, nil),
		Store:  store,
	})
	disp := apply.NewDispatcher(logger, seq, 16)
	t.Cleanup(disp.Close)

	importer := snapimport.New(snapimport.Config{
		Logger: logger,
		Ledger: ledger,
		Engine: eng,
		Store:  store,
	})

	batchC := make(chan *raftfeed.Batch, 4)
	snapC := make(chan raftfeed.SnapshotNotice, 1)
	errorC := make(chan error)

	br, err := newBridge(bridgeParams{
		Logger:   logger,
		Ledger:   ledger,
		Store:    store,
		Seq:      seq,
		Disp:     disp,
		Importer: importer,
		ProposeC: make(chan []byte, 1),
		BatchC:   batchC,
		SnapC:    snapC,
		ErrorC:   errorC,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(br.stop)

	return &testBridge{br: br, eng: eng, batchC: batchC, snapC: snapC}
}

func TestBatchReachesEngine(t *testing.T) {
	tb := newTestBridge(t, true)

	done := make(chan struct{})
	tb.batchC <- &raftfeed.Batch{
		Entries: []command.Entry{
			{
				RegionID: 1, Index: 11, Term: 2,
				Write: []command.WriteOp{
					{CF: command.CFDefault, Type: command.OpPut, Key: []byte("b"), Value: []byte("v1")},
				},
			},
		},
		ApplyDoneC: done,
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch was not consumed")
	}

	// Dispatch is asynchronous per region; poll the engine.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if v, ok := tb.eng.Get(1, command.CFDefault, []byte("b")); ok {
			if string(v) != "v1" {
				t.Fatalf("value %q", v)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("write never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecoverSeedsLedger(t *testing.T) {
	tb := newTestBridge(t, true)

	r, err := tb.br.ledger.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if r.AppliedIndex != 10 || string(r.StartKey) != "a" || string(r.EndKey) != "z" {
		t.Fatalf("recovered region %+v", r)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	tb := newTestBridge(t, true)

	data, err := tb.br.manifest()
	if err != nil {
		t.Fatal(err)
	}

	recs, err := decodeManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("manifest regions %d", len(recs))
	}
	got := recs[0].Region()
	want := testRegion()
	if got.ID != want.ID || got.AppliedIndex != want.AppliedIndex ||
		!got.Epoch.Match(want.Epoch) || string(got.StartKey) != "a" {
		t.Fatalf("round-tripped region %+v", got)
	}
}

func TestInstallManifestSeedsUnknownRegion(t *testing.T) {
	tb := newTestBridge(t, false)

	manifest, err := progress.Record{
		RegionID:     7,
		AppliedIndex: 42,
		AppliedTerm:  3,
		Epoch:        region.Epoch{Version: 2, ConfVer: 1},
		StartKey:     []byte("m"),
		Peers:        []region.Peer{{ID: 71, StoreID: 100}},
	}.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	tb.snapC <- raftfeed.SnapshotNotice{Index: 42, Term: 3, Data: []byte("[" + string(manifest) + "]")}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if r, err := tb.br.ledger.Get(7); err == nil {
			if r.AppliedIndex != 42 || string(r.StartKey) != "m" {
				t.Fatalf("installed region %+v", r)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("manifest region never installed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A manifest region whose log is truncated past this store's applied
// position cannot be caught up by replay; the bridge pulls its full
// state through the importer instead.
func TestManifestTriggersSnapshotImport(t *testing.T) {
	tb := newTestBridge(t, false)

	donorMeta := region.Region{
		ID:           7,
		StartKey:     []byte("m"),
		EndKey:       []byte("t"),
		Epoch:        region.Epoch{Version: 2, ConfVer: 1},
		Peers:        []region.Peer{{ID: 71, StoreID: 100}},
		AppliedIndex: 41,
		AppliedTerm:  3,
	}
	donor := memory.New(zaptest.NewLogger(t))
	donor.Bootstrap(donorMeta)
	hdr := engine.CmdHeader{RegionID: 7, Index: 42, Term: 3}
	ops := []command.WriteOp{
		{CF: command.CFDefault, Type: command.OpPut, Key: []byte("p"), Value: []byte("v")},
	}
	if _, err := donor.ApplyWrite(context.Background(), hdr, ops); err != nil {
		t.Fatal(err)
	}

	tb.br.snapSource = func(ctx context.Context, meta region.Region) (engine.ChunkSource, error) {
		return donor.Snapshot(meta.ID, 8)
	}

	manifest, err := progress.Record{
		RegionID:       7,
		AppliedIndex:   42,
		AppliedTerm:    3,
		TruncatedIndex: 40,
		Epoch:          region.Epoch{Version: 2, ConfVer: 1},
		StartKey:       []byte("m"),
		EndKey:         []byte("t"),
		Peers:          []region.Peer{{ID: 71, StoreID: 100}},
	}.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	tb.snapC <- raftfeed.SnapshotNotice{Index: 42, Term: 3, Data: []byte("[" + string(manifest) + "]")}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if r, err := tb.br.ledger.Get(7); err == nil && r.AppliedIndex == 42 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("imported region never installed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if v, ok := tb.eng.Get(7, command.CFDefault, []byte("p")); !ok || string(v) != "v" {
		t.Fatalf("imported data missing: %q %v", v, ok)
	}
	if got := tb.br.importer.Status(7); got != snapimport.StatusDone {
		t.Fatalf("import status %v", got)
	}
}

type wrongVersionEngine struct{ *memory.Engine }

func (wrongVersionEngine) Version() (uint64, uint64) {
	return engine.Magic, engine.InterfaceVersion + 1
}

type wrongMagicEngine struct{ *memory.Engine }

func (wrongMagicEngine) Version() (uint64, uint64) {
	return 0xbad, engine.InterfaceVersion
}

func TestVerifyEngine(t *testing.T) {
	m := memory.New(zaptest.NewLogger(t))
	if err := verifyEngine(m); err != nil {
		t.Fatalf("memory engine rejected: %v", err)
	}
	if err := verifyEngine(wrongVersionEngine{m}); err == nil {
		t.Fatal("mismatched interface version accepted")
	}
	if err := verifyEngine(wrongMagicEngine{m}); err == nil {
		t.Fatal("foreign magic accepted")
	}
}

func TestInstallManifestKeepsFresherLocalRecord(t *testing.T) {
	tb := newTestBridge(t, true)

	// Manifest from a snapshot taken before this store applied up to 10.
	// The second region only marks when the notice has been processed.
	stale := progress.FromRegion(testRegion())
	stale.AppliedIndex = 4
	marker := progress.Record{
		RegionID:     9,
		AppliedIndex: 1,
		Epoch:        region.Epoch{Version: 1, ConfVer: 1},
		StartKey:     []byte("z"),
	}

	staleJSON, err := stale.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	markerJSON, err := marker.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("[" + string(staleJSON) + "," + string(markerJSON) + "]")

	tb.snapC <- raftfeed.SnapshotNotice{Index: 4, Term: 1, Data: data}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := tb.br.ledger.Get(9); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manifest never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r, err := tb.br.ledger.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if r.AppliedIndex != 10 {
		t.Fatalf("local progress regressed to %d", r.AppliedIndex)
	}
}
