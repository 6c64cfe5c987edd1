package storage

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/utils/pd"
)

var (
	bucketEntries = []byte("entries")
	bucketState   = []byte("state")

	keyHardState = []byte("hard_state")
	keySnapshot  = []byte("snapshot")
	keyConfState = []byte("conf_state")
)

// BoltStorage is a durable Storage implementation backed by a
// single bbolt file. Entries live in their own bucket keyed by
// big-endian index, so a cursor walks them in log order.
type BoltStorage struct {
	db *bolt.DB

	// cached bounds, maintained on every mutation so reads need
	// not touch the file.
	snapshotIndex uint64
	snapshotTerm  uint64
	lastEntry     uint64
}

// OpenBoltStorage opens (or creates) the storage file at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	bs := &BoltStorage{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := bs.restoreBounds(); err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}

// Close releases the underlying file.
func (bs *BoltStorage) Close() error {
	return bs.db.Close()
}

func (bs *BoltStorage) restoreBounds() error {
	return bs.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketState).Get(keySnapshot); raw != nil {
			var snapshot raftpd.Snapshot
			pd.MustUnmarshal(&snapshot, raw)
			bs.snapshotIndex = snapshot.Metadata.Index
			bs.snapshotTerm = snapshot.Metadata.Term
		}
		bs.lastEntry = bs.snapshotIndex
		if k, _ := tx.Bucket(bucketEntries).Cursor().Last(); k != nil {
			bs.lastEntry = decodeIndex(k)
		}
		return nil
	})
}

// InitialState implements the Storage interface.
func (bs *BoltStorage) InitialState() (raftpd.HardState, raftpd.ConfState, error) {
	var hs raftpd.HardState
	var cs raftpd.ConfState
	err := bs.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if raw := bucket.Get(keyHardState); raw != nil {
			pd.MustUnmarshal(&hs, raw)
		}
		if raw := bucket.Get(keyConfState); raw != nil {
			pd.MustUnmarshal(&cs, raw)
		}
		return nil
	})
	return hs, cs, err
}

// SetHardState saves the current HardState.
func (bs *BoltStorage) SetHardState(st raftpd.HardState) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyHardState, pd.MustMarshal(&st))
	})
}

// SetConfState saves the current membership.
func (bs *BoltStorage) SetConfState(cs raftpd.ConfState) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyConfState, pd.MustMarshal(&cs))
	})
}

// Entries implements the Storage interface.
func (bs *BoltStorage) Entries(lo, hi, maxSize uint64) ([]raftpd.Entry, error) {
	if lo <= bs.snapshotIndex {
		return nil, ErrCompacted
	}
	if hi > bs.lastEntry+1 {
		return nil, ErrOutOfBound
	}

	entries := make([]raftpd.Entry, 0, hi-lo)
	err := bs.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.Seek(encodeIndex(lo)); k != nil && decodeIndex(k) < hi; k, v = cursor.Next() {
			var entry raftpd.Entry
			pd.MustUnmarshal(&entry, v)
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(len(entries)) != hi-lo {
		return nil, ErrUnavailable
	}
	return limitSize(entries, maxSize), nil
}

// Term implements the Storage interface.
func (bs *BoltStorage) Term(idx uint64) (uint64, error) {
	if idx < bs.snapshotIndex {
		return 0, ErrCompacted
	}
	if idx == bs.snapshotIndex {
		return bs.snapshotTerm, nil
	}
	if idx > bs.lastEntry {
		return 0, ErrUnavailable
	}

	var term uint64
	err := bs.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(encodeIndex(idx))
		if raw == nil {
			return ErrUnavailable
		}
		var entry raftpd.Entry
		pd.MustUnmarshal(&entry, raw)
		term = entry.Term
		return nil
	})
	return term, err
}

// FirstIndex implements the Storage interface.
func (bs *BoltStorage) FirstIndex() (uint64, error) {
	return bs.snapshotIndex + 1, nil
}

// LastIndex implements the Storage interface.
func (bs *BoltStorage) LastIndex() (uint64, error) {
	return bs.lastEntry, nil
}

// Snapshot implements the Storage interface.
func (bs *BoltStorage) Snapshot() (raftpd.Snapshot, error) {
	var snapshot raftpd.Snapshot
	err := bs.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketState).Get(keySnapshot); raw != nil {
			pd.MustUnmarshal(&snapshot, raw)
		}
		return nil
	})
	return snapshot, err
}

// ApplySnapshot overwrites the storage with the contents of the
// given snapshot and drops every held entry, including any past the
// snapshot index.
func (bs *BoltStorage) ApplySnapshot(snapshot raftpd.Snapshot) error {
	if bs.snapshotIndex >= snapshot.Metadata.Index {
		return ErrCompacted
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketEntries); err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keySnapshot, pd.MustMarshal(&snapshot))
	})
	if err != nil {
		return err
	}

	bs.snapshotIndex = snapshot.Metadata.Index
	bs.snapshotTerm = snapshot.Metadata.Term
	bs.lastEntry = snapshot.Metadata.Index
	return nil
}

// Compact discards all entries through compactIndex, folding their
// term into the snapshot metadata for log matching.
func (bs *BoltStorage) Compact(compactIndex uint64) error {
	if compactIndex <= bs.snapshotIndex {
		return ErrCompacted
	}
	if compactIndex > bs.lastEntry {
		log.Panicf("compact %d is out of bound last index: %d",
			compactIndex, bs.lastEntry)
	}

	term, err := bs.Term(compactIndex)
	if err != nil {
		return err
	}

	err = bs.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, _ := cursor.First(); k != nil && decodeIndex(k) <= compactIndex; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}

		var snapshot raftpd.Snapshot
		if raw := tx.Bucket(bucketState).Get(keySnapshot); raw != nil {
			pd.MustUnmarshal(&snapshot, raw)
		}
		snapshot.Metadata.Index = compactIndex
		snapshot.Metadata.Term = term
		return tx.Bucket(bucketState).Put(keySnapshot, pd.MustMarshal(&snapshot))
	})
	if err != nil {
		return err
	}

	bs.snapshotIndex = compactIndex
	bs.snapshotTerm = term
	return nil
}

// Append persists the given entries, truncating any conflicting
// suffix already present.
func (bs *BoltStorage) Append(entries []raftpd.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	first := bs.snapshotIndex + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}
	if entries[0].Index > bs.lastEntry+1 {
		log.Panicf("missing log entry [last: %d, append at: %d]",
			bs.lastEntry, entries[0].Index)
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)

		// drop the suffix being overwritten.
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(encodeIndex(entries[0].Index)); k != nil; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}

		for i := range entries {
			entry := &entries[i]
			if err := bucket.Put(encodeIndex(entry.Index), pd.MustMarshal(entry)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	bs.lastEntry = last
	return nil
}

func encodeIndex(idx uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, idx)
	return key
}

func decodeIndex(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
