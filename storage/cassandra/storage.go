// Package cassandra persists the raft feed's log in Cassandra, keeping
// the consensus log and the engine data in the same cluster so one
// operational surface covers both.
package cassandra

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/bridgekv/enginebridge/storage"
)

var _ storage.Raft = (*Storage)(nil)

// Schema statements for the raft log tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS raft_entries (
		cluster_id text,
		node_id bigint,
		entry_index bigint,
		term bigint,
		entry_type int,
		data blob,
		created_at timestamp,
		PRIMARY KEY ((cluster_id, node_id), entry_index)
	)`,
	`CREATE TABLE IF NOT EXISTS raft_state (
		cluster_id text,
		node_id bigint,
		term bigint,
		vote bigint,
		commit bigint,
		last_updated timestamp,
		PRIMARY KEY ((cluster_id, node_id))
	)`,
	`CREATE TABLE IF NOT EXISTS raft_snapshots (
		cluster_id text,
		node_id bigint,
		entry_index bigint,
		term bigint,
		data blob,
		conf_state blob,
		created_at timestamp,
		PRIMARY KEY ((cluster_id, node_id), entry_index)
	) WITH CLUSTERING ORDER BY (entry_index DESC)`,
}

// EnsureSchema creates the raft log tables if they do not exist.
func EnsureSchema(session *gocql.Session) error {
	for _, stmt := range Schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("ensure raft schema: %w", err)
		}
	}
	return nil
}

// Storage implements storage.Raft over a Cassandra session.
type Storage struct {
	sync.RWMutex

	session   *gocql.Session
	clusterID string
	nodeID    uint64
	logger    *zap.Logger

	// Cache the boundary indices to avoid a query per raft call.
	firstIndex uint64
	lastIndex  uint64

	// Cache the latest snapshot.
	snapshot *raftpb.Snapshot
}

// New creates a storage instance and loads its index cache.
func New(session *gocql.Session, clusterID string, nodeID uint64, logger *zap.Logger) (*Storage, error) {
	s := &Storage{
		session:   session,
		clusterID: clusterID,
		nodeID:    nodeID,
		logger:    logger,
	}
	if err := s.initIndices(); err != nil {
		return nil, fmt.Errorf("init indices: %w", err)
	}
	return s, nil
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.RLock()
	defer s.RUnlock()

	var hardState raftpb.HardState

	var term, commit uint64
	err := s.session.Query(`SELECT term, commit FROM raft_state
	WHERE cluster_id = ? AND node_id = ?`,
		s.clusterID, int64(s.nodeID),
	).Scan(&term, &commit)
	if err != nil && err != gocql.ErrNotFound {
		return raftpb.HardState{}, raftpb.ConfState{}, fmt.Errorf("get hard state: %w", err)
	}
	if err == nil && commit > 0 {
		hardState.Term = term
		hardState.Commit = commit
	}

	var confState raftpb.ConfState
	if s.snapshot != nil {
		confState = s.snapshot.Metadata.ConfState
	}
	return hardState, confState, nil
}

// SetHardState persists the raft hard state.
func (s *Storage) SetHardState(st raftpb.HardState) error {
	return s.session.Query(`INSERT INTO raft_state (cluster_id, node_id, term, vote, commit, last_updated)
	VALUES (?, ?, ?, ?, ?, ?)`,
		s.clusterID, int64(s.nodeID), int64(st.Term), int64(st.Vote), int64(st.Commit), time.Now(),
	).Exec()
}

// Entries implements raft.Storage.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.RLock()
	defer s.RUnlock()

	if lo < s.firstIndex {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndex+1 {
		return nil, raft.ErrUnavailable
	}

	iter := s.session.Query(`SELECT entry_index, term, entry_type, data
	FROM raft_entries
	WHERE cluster_id = ? AND node_id = ? AND entry_index >= ? AND entry_index < ?`,
		s.clusterID, int64(s.nodeID), int64(lo), int64(hi),
	).Iter()

	var entries []raftpb.Entry
	var size uint64
	var index, term int64
	var entryType int
	var data []byte

	for iter.Scan(&index, &term, &entryType, &data) {
		entry := raftpb.Entry{
			Term:  uint64(term),
			Index: uint64(index),
			Type:  raftpb.EntryType(entryType),
			Data:  append([]byte(nil), data...),
		}
		size += uint64(entry.Size())
		if size > maxSize && len(entries) > 0 {
			break
		}
		entries = append(entries, entry)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("iter close: %w", err)
	}
	return entries, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.RLock()
	defer s.RUnlock()
	return s.termLocked(i)
}

func (s *Storage) termLocked(i uint64) (uint64, error) {
	if i == 0 {
		return 0, nil
	}
	if s.lastIndex == 0 {
		if i <= 1 {
			return 0, nil
		}
		return 0, raft.ErrUnavailable
	}
	if i < s.firstIndex {
		return 0, raft.ErrCompacted
	}
	if i > s.lastIndex {
		return 0, raft.ErrUnavailable
	}
	if s.snapshot != nil && i == s.snapshot.Metadata.Index {
		return s.snapshot.Metadata.Term, nil
	}

	var term int64
	err := s.session.Query(`SELECT term FROM raft_entries
	WHERE cluster_id = ? AND node_id = ? AND entry_index = ?`,
		s.clusterID, int64(s.nodeID), int64(i),
	).Scan(&term)
	if err == gocql.ErrNotFound {
		if i == 1 {
			return 0, nil
		}
		return 0, raft.ErrUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("get term: %w", err)
	}
	return uint64(term), nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.RLock()
	defer s.RUnlock()
	return s.lastIndex, nil
}

// FirstIndex implements raft.Storage.
func (s *Storage) FirstIndex() (uint64, error) {
	s.RLock()
	defer s.RUnlock()
	return s.firstIndex, nil
}

// Snapshot implements raft.Storage.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.RLock()
	defer s.RUnlock()
	if s.snapshot == nil {
		return raftpb.Snapshot{}, nil
	}
	return *s.snapshot, nil
}

// CreateSnapshot captures the state manifest at snapIndex and trims
// entries at or below it.
func (s *Storage) CreateSnapshot(snapIndex uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.Lock()
	defer s.Unlock()

	if snapIndex <= s.firstIndex || snapIndex > s.lastIndex {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}

	term, err := s.termLocked(snapIndex)
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("get term: %w", err)
	}

	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			Index:     snapIndex,
			Term:      term,
			ConfState: *cs,
		},
		Data: data,
	}

	confStateData, err := json.Marshal(cs)
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("marshal confstate: %w", err)
	}

	err = s.session.Query(`INSERT INTO raft_snapshots (cluster_id, node_id, entry_index, term, data, conf_state, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.clusterID, int64(s.nodeID), int64(snapIndex), int64(term), data, confStateData, time.Now(),
	).Exec()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	s.snapshot = &snap
	s.firstIndex = snapIndex + 1

	err = s.session.Query(`DELETE FROM raft_entries
	WHERE cluster_id = ? AND node_id = ? AND entry_index <= ?`,
		s.clusterID, int64(s.nodeID), int64(snapIndex),
	).Exec()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("cleanup entries: %w", err)
	}

	return *s.snapshot, nil
}

// ApplySnapshot installs a snapshot received from a peer.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.Lock()
	defer s.Unlock()

	snapIndex := snap.Metadata.Index
	if snapIndex <= s.firstIndex {
		return raft.ErrSnapOutOfDate
	}

	confStateData, err := json.Marshal(&snap.Metadata.ConfState)
	if err != nil {
		return fmt.Errorf("marshal confstate: %w", err)
	}

	err = s.session.Query(`INSERT INTO raft_snapshots (cluster_id, node_id, entry_index, term, data, conf_state, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.clusterID, int64(s.nodeID), int64(snapIndex), int64(snap.Metadata.Term),
		snap.Data, confStateData, time.Now(),
	).Exec()
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.snapshot = &snap
	s.firstIndex = snapIndex + 1
	s.lastIndex = snapIndex
	return nil
}

// CleanupSnapshots keeps only the retain most recent snapshots.
func (s *Storage) CleanupSnapshots(retain int) error {
	s.Lock()
	defer s.Unlock()

	iter := s.session.Query(`SELECT entry_index FROM raft_snapshots
	WHERE cluster_id = ? AND node_id = ?
	ORDER BY entry_index DESC`,
		s.clusterID, int64(s.nodeID),
	).Iter()

	var indices []int64
	var index int64
	for iter.Scan(&index) {
		indices = append(indices, index)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	if len(indices) <= retain {
		return nil
	}

	batch := s.session.NewBatch(gocql.UnloggedBatch)
	for _, idx := range indices[retain:] {
		batch.Query(`DELETE FROM raft_snapshots
	WHERE cluster_id = ? AND node_id = ? AND entry_index = ?`,
			s.clusterID, int64(s.nodeID), idx)
	}
	return s.session.ExecuteBatch(batch)
}

// Append persists new log entries.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.Lock()
	defer s.Unlock()

	first := entries[0].Index

	if s.lastIndex == 0 {
		s.firstIndex = first
		s.lastIndex = first - 1
	}

	if first <= s.firstIndex {
		entries = entries[s.firstIndex-first:]
		if len(entries) == 0 {
			return nil
		}
	}

	batch := s.session.NewBatch(gocql.UnloggedBatch)
	now := time.Now()
	for _, entry := range entries {
		batch.Query(`INSERT INTO raft_entries (cluster_id, node_id, entry_index, term, entry_type, data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.clusterID, int64(s.nodeID), int64(entry.Index), int64(entry.Term),
			int(entry.Type), entry.Data, now,
		)
		if entry.Index > s.lastIndex {
			s.lastIndex = entry.Index
		}
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	s.logger.Debug("appended raft entries",
		zap.Uint64("first", entries[0].Index),
		zap.Uint64("last", entries[len(entries)-1].Index),
		zap.Uint64("first_index", s.firstIndex),
		zap.Uint64("last_index", s.lastIndex))
	return nil
}

func (s *Storage) initIndices() error {
	snapshot, err := s.loadLatestSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.snapshot = snapshot

	if snapshot != nil {
		s.firstIndex = snapshot.Metadata.Index
		s.lastIndex = snapshot.Metadata.Index
	} else {
		s.firstIndex = 1
		s.lastIndex = 0
	}

	var maxIndex int64
	err = s.session.Query(`SELECT MAX(entry_index) FROM raft_entries
	WHERE cluster_id = ? AND node_id = ?`,
		s.clusterID, int64(s.nodeID),
	).Scan(&maxIndex)
	if err != nil && err != gocql.ErrNotFound {
		return fmt.Errorf("get max index: %w", err)
	}

	if err != gocql.ErrNotFound && maxIndex > 0 {
		s.lastIndex = uint64(maxIndex)
		if s.firstIndex == 1 {
			var minIndex int64
			err = s.session.Query(`SELECT MIN(entry_index) FROM raft_entries
	WHERE cluster_id = ? AND node_id = ?`,
				s.clusterID, int64(s.nodeID),
			).Scan(&minIndex)
			if err == nil && minIndex > 0 {
				s.firstIndex = uint64(minIndex)
			}
		}
	}

	s.logger.Info("raft storage initialized",
		zap.Uint64("first_index", s.firstIndex),
		zap.Uint64("last_index", s.lastIndex))
	return nil
}

func (s *Storage) loadLatestSnapshot() (*raftpb.Snapshot, error) {
	var index, term int64
	var data, confStateData []byte
	var createdAt time.Time

	err := s.session.Query(`SELECT entry_index, term, data, conf_state, created_at
	FROM raft_snapshots
	WHERE cluster_id = ? AND node_id = ?
	ORDER BY entry_index DESC
	LIMIT 1`,
		s.clusterID, int64(s.nodeID),
	).Scan(&index, &term, &data, &confStateData, &createdAt)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}

	var confState raftpb.ConfState
	if err := json.Unmarshal(confStateData, &confState); err != nil {
		return nil, fmt.Errorf("unmarshal confstate: %w", err)
	}

	return &raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     uint64(index),
			Term:      uint64(term),
			ConfState: confState,
		},
	}, nil
}
