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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/pkg/command"
	"github.com/bridgekv/enginebridge/pkg/discovery"
	"github.com/bridgekv/enginebridge/pkg/raftfeed"
	"github.com/bridgekv/enginebridge/pkg/read"
	"github.com/bridgekv/enginebridge/pkg/region"
)

// httpBridgeAPI exposes the bridge over HTTP: region status, entry
// proposals, stale-read queries, and cluster membership.
type httpBridgeAPI struct {
	bridge      *bridge
	reader      *read.Coordinator
	feed        raftfeed.Feed
	confChangeC chan<- raftpb.ConfChange
	logger      *zap.Logger
}

// regionStatus is the wire shape of GET /regions/{id}.
type regionStatus struct {
	Region       region.Region `json:"region"`
	Blocked      bool          `json:"blocked"`
	BlockedError string        `json:"blocked_error,omitempty"`
	ImportStatus string        `json:"import_status"`
	ImportError  string        `json:"import_error,omitempty"`
}

func (h *httpBridgeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := r.Body.Close(); err != nil {
			h.logger.Error("close body", zap.Error(err))
		}
	}()

	path := r.URL.Path

	switch {
	case r.Method == http.MethodPost && path == "/join":
		h.handleJoin(w, r)

	case strings.HasPrefix(path, "/regions/"):
		h.handleRegions(w, r, strings.TrimPrefix(path, "/regions/"))

	case strings.HasPrefix(path, "/nodes/"):
		h.handleNodes(w, r, strings.TrimPrefix(path, "/nodes/"))

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *httpBridgeAPI) handleRegions(w http.ResponseWriter, r *http.Request, rest string) {
	idStr, op, _ := strings.Cut(rest, "/")
	regionID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "bad region id", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && op == "":
		h.regionStatus(w, regionID)

	case r.Method == http.MethodGet && op == "read":
		h.staleRead(w, r, regionID)

	case r.Method == http.MethodPost && op == "entries":
		h.proposeEntry(w, r, regionID)

	case r.Method == http.MethodPost && op == "advance-apply":
		h.advanceApply(w, regionID)

	case r.Method == http.MethodPost && op == "import":
		h.importRegion(w, r, regionID)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *httpBridgeAPI) regionStatus(w http.ResponseWriter, regionID uint64) {
	reg, err := h.bridge.ledger.Get(regionID)
	if err != nil {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}

	status := regionStatus{
		Region:       reg,
		ImportStatus: h.bridge.importer.Status(regionID).String(),
	}
	if cause, blocked := h.bridge.seq.Blocked(regionID); blocked {
		status.Blocked = true
		status.BlockedError = cause.Error()
	}
	if err := h.bridge.importer.Err(regionID); err != nil {
		status.ImportError = err.Error()
	}

	writeJSON(w, h.logger, status)
}

// staleRead answers whether this replica can serve a read that requires
// the given applied index. It does not return data; the engine owns the
// read path.
func (h *httpBridgeAPI) staleRead(w http.ResponseWriter, r *http.Request, regionID uint64) {
	required, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}

	if !h.reader.CanServeStaleRead(regionID, required) {
		http.Error(w, "cannot serve read at required index", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpBridgeAPI) proposeEntry(w http.ResponseWriter, r *http.Request, regionID uint64) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var e command.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		h.logger.Error("decode proposed entry", zap.Error(err))
		http.Error(w, "failed to decode entry", http.StatusBadRequest)
		return
	}
	if e.RegionID != regionID {
		http.Error(w, "entry region mismatch", http.StatusBadRequest)
		return
	}

	if err := h.bridge.propose(r.Context(), e); err != nil {
		h.logger.Error("propose entry", zap.Error(err))
		http.Error(w, "failed to propose", http.StatusInternalServerError)
		return
	}

	// Optimistic: the entry is not yet committed, a subsequent status
	// query may not reflect it.
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpBridgeAPI) advanceApply(w http.ResponseWriter, regionID uint64) {
	applied, err := h.bridge.seq.AdvanceApply(regionID)
	if err != nil {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}
	writeJSON(w, h.logger, map[string]uint64{"applied_index": applied})
}

// importRegion kicks off a snapshot import of the region's full state,
// bypassing log replay. fast=1 selects the fast-peer path, which waits
// for a source still catching up. The import runs in the background;
// GET /regions/{id} reports its outcome.
func (h *httpBridgeAPI) importRegion(w http.ResponseWriter, r *http.Request, regionID uint64) {
	reg, err := h.bridge.ledger.Get(regionID)
	if err != nil {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}
	fast := r.URL.Query().Get("fast") == "1"

	go func() {
		if err := h.bridge.importRegion(context.Background(), reg, fast); err != nil {
			h.logger.Error("import region",
				zap.Uint64("region", regionID),
				zap.Bool("fast", fast),
				zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *httpBridgeAPI) handleNodes(w http.ResponseWriter, r *http.Request, idStr string) {
	nodeID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "bad node id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		url, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		h.confChangeC <- raftpb.ConfChange{
			Type:    raftpb.ConfChangeAddNode,
			NodeID:  nodeID,
			Context: url,
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		h.confChangeC <- raftpb.ConfChange{
			Type:   raftpb.ConfChangeRemoveNode,
			NodeID: nodeID,
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJoin processes requests to join the raft cluster, forwarding to
// the leader when this store is not it.
func (h *httpBridgeAPI) handleJoin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("read join request body", zap.Error(err))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req discovery.NodeJoinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("decode join request",
			zap.Error(err),
			zap.String("body", string(body)))
		http.Error(w, "failed to decode request", http.StatusBadRequest)
		return
	}

	h.logger.Info("received join request",
		zap.Uint64("node_id", req.NodeID),
		zap.String("url", req.NodeURL))

	if h.feed != nil && !h.feed.IsLeader() {
		h.logger.Info("forwarding join request to leader")
		leaderURL, err := h.feed.GetLeaderURL()
		if err != nil {
			h.logger.Error("get leader url", zap.Error(err))
			http.Error(w, "cannot determine leader", http.StatusServiceUnavailable)
			return
		}

		forwardURL := fmt.Sprintf("%s/join", leaderURL)
		jsonData, _ := json.Marshal(req)
		resp, err := http.Post(forwardURL, "application/json", bytes.NewBuffer(jsonData))
		if err != nil {
			h.logger.Error("forward join request", zap.Error(err))
			http.Error(w, "failed to forward request", http.StatusInternalServerError)
			return
		}
		defer resp.Body.Close()

		w.WriteHeader(resp.StatusCode)
		responseBody, _ := io.ReadAll(resp.Body)
		w.Write(responseBody)
		return
	}

	cc := raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  req.NodeID,
		Context: []byte(req.NodeURL),
	}

	select {
	case h.confChangeC <- cc:
		h.logger.Info("sent conf change to add node",
			zap.Uint64("node_id", req.NodeID))
	case <-time.After(3 * time.Second):
		h.logger.Error("timed out sending conf change",
			zap.Uint64("node_id", req.NodeID))
		http.Error(w, "timed out processing join request", http.StatusServiceUnavailable)
		return
	}

	response := discovery.NodeJoinResponse{
		Success: true,
		Message: "join request accepted",
	}
	if h.feed != nil {
		response.Leader = h.feed.GetLocalURL()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("encode join response", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", zap.Error(err))
	}
}

// serveBridgeAPI starts the HTTP surface and blocks until the raft feed
// reports a terminal error.
func serveBridgeAPI(logger *zap.Logger, api *httpBridgeAPI, port int, errorC <-chan error) {
	srv := http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: api,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	if err, ok := <-errorC; ok {
		logger.Fatal("got error from error channel", zap.Error(err))
	}
}
