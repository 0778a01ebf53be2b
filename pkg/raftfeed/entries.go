package raftfeed

import (
	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/command"
)

// entriesToApply filters out entries already applied by this node. The
// raft log can re-deliver a prefix after restart or snapshot install.
func (n *node) entriesToApply(ents []raftpb.Entry) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}

	firstIdx := ents[0].Index

	// Initial delivery after start.
	if n.appliedIndex == 0 {
		n.appliedIndex = firstIdx - 1
		return ents
	}

	if firstIdx > n.appliedIndex+1 {
		n.logger.Error("gap between applied index and committed entries, dropping batch",
			zap.Uint64("first_index", firstIdx),
			zap.Uint64("applied", n.appliedIndex))
		return nil
	}

	offset := n.appliedIndex - firstIdx + 1
	if offset < uint64(len(ents)) {
		return ents[offset:]
	}
	return nil
}

// publishEntries decodes committed entries and hands them to the apply
// side as one batch. Conf changes are applied to raft and the transport
// here; they never reach the engine.
func (n *node) publishEntries(ents []raftpb.Entry) (<-chan struct{}, bool) {
	if len(ents) == 0 {
		return nil, true
	}

	var batch []command.Entry
	var applyDoneC chan struct{}

	for i := range ents {
		switch ents[i].Type {
		case raftpb.EntryNormal:
			if len(ents[i].Data) == 0 {
				// Empty entries mark leadership changes.
				n.appliedIndex = ents[i].Index
				continue
			}

			e, err := command.Decode(ents[i].Data)
			if err != nil {
				n.logger.Error("undecodable committed entry dropped",
					zap.Uint64("index", ents[i].Index),
					zap.Error(err))
				n.appliedIndex = ents[i].Index
				continue
			}
			batch = append(batch, e)

		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ents[i].Data); err != nil {
				n.logger.Error("failed to unmarshal conf change",
					zap.Error(err),
					zap.Binary("data", ents[i].Data))
				continue
			}

			n.mu.Lock()
			n.confState = *n.raftNode.ApplyConfChange(cc)
			n.mu.Unlock()

			switch {
			case cc.Type == raftpb.ConfChangeAddNode && cc.NodeID != n.id:
				if nodeURL := string(cc.Context); nodeURL != "" {
					n.logger.Info("adding peer to transport",
						zap.Uint64("node_id", cc.NodeID),
						zap.String("url", nodeURL))
					n.transport.AddPeer(types.ID(cc.NodeID), []string{nodeURL})
				}
			case cc.Type == raftpb.ConfChangeRemoveNode && cc.NodeID != n.id:
				n.logger.Info("removing peer from transport",
					zap.Uint64("node_id", cc.NodeID))
				n.transport.RemovePeer(types.ID(cc.NodeID))
			}

			n.appliedIndex = ents[i].Index
		}
	}

	if len(batch) > 0 {
		applyDoneC = make(chan struct{})
		select {
		case n.batchC <- &Batch{Entries: batch, ApplyDoneC: applyDoneC}:
			n.appliedIndex = ents[len(ents)-1].Index
		case <-n.stopc:
			return nil, false
		}
	} else {
		n.appliedIndex = ents[len(ents)-1].Index
	}

	return applyDoneC, true
}
