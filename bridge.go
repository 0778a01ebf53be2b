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
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/apply"
	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/engine"
	"github.com/bridgekv/enginebridge/pkg/progress"
	"github.com/bridgekv/enginebridge/pkg/raftfeed"
	"github.com/bridgekv/enginebridge/pkg/region"
	"github.com/bridgekv/enginebridge/pkg/snapimport"
)

// bridge connects the raft feed to the apply side: committed batches go
// to the dispatcher, snapshot notices reseed the ledger, and the ledger
// state is exported as the raft snapshot manifest.
type bridge struct {
	logger     *zap.Logger
	ledger     *region.Ledger
	store      progress.Store
	seq        *apply.Sequencer
	disp       *apply.Dispatcher
	importer   *snapimport.Importer
	snapSource snapSourceFunc

	proposeC chan<- []byte

	stopc chan struct{}
}

// snapSourceFunc materializes a chunk stream holding a region's full
// state, used when log replay cannot catch the region up. meta supplies
// the shape and epoch the stream installs under.
type snapSourceFunc func(ctx context.Context, meta region.Region) (engine.ChunkSource, error)

type bridgeParams struct {
	Logger   *zap.Logger
	Ledger   *region.Ledger
	Store    progress.Store
	Seq      *apply.Sequencer
	Disp     *apply.Dispatcher
	Importer *snapimport.Importer

	// SnapSource enables snapshot imports for regions whose log is
	// truncated past this store's applied position. Nil disables them.
	SnapSource snapSourceFunc

	ProposeC chan<- []byte
	BatchC   <-chan *raftfeed.Batch
	SnapC    <-chan raftfeed.SnapshotNotice
	ErrorC   <-chan error
}

func newBridge(p bridgeParams) (*bridge, error) {
	b := &bridge{
		logger:     p.Logger,
		ledger:     p.Ledger,
		store:      p.Store,
		seq:        p.Seq,
		disp:       p.Disp,
		importer:   p.Importer,
		snapSource: p.SnapSource,
		proposeC:   p.ProposeC,
		stopc:      make(chan struct{}),
	}

	if err := b.recover(); err != nil {
		return nil, err
	}

	go b.consume(p.BatchC, p.SnapC)
	go b.watchErrors(p.ErrorC)
	return b, nil
}

// recover rebuilds the ledger from the durable progress records. Entries
// at or below a recovered applied index are replay and get skipped; the
// window above it is re-delivered by raft.
func (b *bridge) recover() error {
	recs, err := b.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load progress records: %w", err)
	}
	for _, rec := range recs {
		b.ledger.Upsert(rec.Region())
	}
	if len(recs) > 0 {
		b.logger.Info("recovered regions from progress records",
			zap.Int("count", len(recs)))
	}
	return nil
}

// consume drains committed batches and snapshot notices. A pending
// snapshot notice is always installed before the next batch so entries
// never run ahead of the state they apply on.
func (b *bridge) consume(batchC <-chan *raftfeed.Batch, snapC <-chan raftfeed.SnapshotNotice) {
	for {
		select {
		case notice, ok := <-snapC:
			if !ok {
				return
			}
			b.installManifest(notice)

		case batch, ok := <-batchC:
			if !ok {
				return
			}
			select {
			case notice := <-snapC:
				b.installManifest(notice)
			default:
			}
			b.dispatchBatch(batch)

		case <-b.stopc:
			return
		}
	}
}

func (b *bridge) dispatchBatch(batch *raftfeed.Batch) {
	ctx := context.Background()
	for _, e := range batch.Entries {
		if err := b.disp.Dispatch(ctx, e); err != nil {
			b.logger.Error("dispatch entry",
				zap.Uint64("region", e.RegionID),
				zap.Uint64("index", e.Index),
				zap.Error(err))
		}
	}
	if batch.ApplyDoneC != nil {
		close(batch.ApplyDoneC)
	}
}

// installManifest reseeds the ledger from a raft snapshot's manifest.
// Local records that already ran ahead of the manifest win. A region
// whose log is truncated past the local applied position cannot be
// caught up by replay; its full state is imported instead.
func (b *bridge) installManifest(notice raftfeed.SnapshotNotice) {
	recs, err := decodeManifest(notice.Data)
	if err != nil {
		b.logger.Error("undecodable snapshot manifest",
			zap.Uint64("index", notice.Index),
			zap.Error(err))
		return
	}

	for _, rec := range recs {
		r := rec.Region()
		var localApplied uint64
		if local, err := b.store.Load(r.ID); err == nil {
			localApplied = local.AppliedIndex
			if local.AppliedIndex > r.AppliedIndex && !r.Epoch.Newer(local.Epoch) {
				r = local.Region()
			}
		}

		if b.snapSource != nil && rec.TruncatedIndex > localApplied {
			meta := r
			go func() {
				if err := b.importRegion(context.Background(), meta, false); err != nil {
					b.logger.Error("manifest-triggered import failed",
						zap.Uint64("region", meta.ID), zap.Error(err))
				}
			}()
			continue
		}

		b.ledger.Upsert(r)
		if err := b.store.Save(progress.FromRegion(r)); err != nil {
			b.logger.Error("persist manifest region",
				zap.Uint64("region", r.ID),
				zap.Error(err))
		}
		b.seq.Reset(r.ID)
	}

	b.logger.Info("installed snapshot manifest",
		zap.Uint64("index", notice.Index),
		zap.Uint64("term", notice.Term),
		zap.Int("regions", len(recs)))
}

// importRegion pulls a region's full state from the snapshot source and
// runs it through the importer. fast selects the fast-peer path, which
// waits out a source still catching up to its cut.
func (b *bridge) importRegion(ctx context.Context, meta region.Region, fast bool) error {
	if b.snapSource == nil {
		return fmt.Errorf("region %d: no snapshot source configured", meta.ID)
	}
	src, err := b.snapSource(ctx, meta)
	if err != nil {
		return fmt.Errorf("open snapshot source for region %d: %w", meta.ID, err)
	}
	if fast {
		return b.importer.ImportFastPeer(ctx, src)
	}
	return b.importer.ImportFull(ctx, src)
}

// manifest exports the ledger for a raft snapshot. Progress is flushed
// first so the manifest never trails the engine.
func (b *bridge) manifest() ([]byte, error) {
	if err := b.seq.FlushProgress(); err != nil {
		return nil, fmt.Errorf("flush progress: %w", err)
	}

	var recs []progress.Record
	b.ledger.Range(func(r region.Region) bool {
		recs = append(recs, progress.FromRegion(r))
		return true
	})
	return json.Marshal(recs)
}

func decodeManifest(data []byte) ([]progress.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var recs []progress.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return recs, nil
}

// propose replicates an entry through raft. Delivery is optimistic; the
// entry reaches the engine only after commit and admission.
func (b *bridge) propose(ctx context.Context, e command.Entry) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	select {
	case b.proposeC <- data:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("propose region %d index %d: %w", e.RegionID, e.Index, ctx.Err())
	case <-b.stopc:
		return fmt.Errorf("bridge stopped")
	}
}

// regionRemoved is wired as the sequencer's removal hook: a retired
// region loses its dispatch queue and any in-flight import.
func (b *bridge) regionRemoved(regionID uint64) {
	b.disp.Retire(regionID)
	b.importer.Cancel(regionID)
}

func (b *bridge) watchErrors(errorC <-chan error) {
	err, ok := <-errorC
	if !ok {
		return
	}
	b.logger.Fatal("raft feed failed", zap.Error(err))
}

func (b *bridge) stop() {
	close(b.stopc)
}
