package progress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// ErrNoRecord is returned when a region has no persisted progress.
var ErrNoRecord = errors.New("progress: no record")

var progressBucket = []byte("progress")

// BoltStore persists records in a bbolt database, one key per region.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) the progress database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open progress db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(progressBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init progress bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Load implements Store.
func (s *BoltStore) Load(regionID uint64) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(progressBucket).Get(regionKey(regionID))
		if data == nil {
			return ErrNoRecord
		}
		var err error
		rec, err = Unmarshal(data)
		return err
	})
	return rec, err
}

// Save implements Store.
func (s *BoltStore) Save(rec Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(progressBucket).Put(regionKey(rec.RegionID), data)
	})
}

// Delete implements Store.
func (s *BoltStore) Delete(regionID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(progressBucket).Delete(regionKey(regionID))
	})
}

// LoadAll implements Store.
func (s *BoltStore) LoadAll() ([]Record, error) {
	var recs []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(progressBucket).ForEach(func(k, v []byte) error {
			rec, err := Unmarshal(v)
			if err != nil {
				return fmt.Errorf("record %x: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// regionKey encodes a region id big-endian so records sort by id.
func regionKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}
