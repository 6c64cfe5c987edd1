package storage

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/utils"
)

// MemoryStorage keeps the whole log in memory. entries[0] is a
// dummy entry holding the index and term of the last compacted
// entry (the snapshot's, after ApplySnapshot), so the layout
// mirrors the logical log: [dummy idx, last idx].
type MemoryStorage struct {
	sync.RWMutex

	hardState raftpd.HardState
	snapshot  raftpd.Snapshot

	// entries[i] has raft log index entries[0].Index + i.
	entries []raftpd.Entry
}

// MakeMemoryStorage creates an empty MemoryStorage.
func MakeMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		// populate the dummy entry at term zero, index zero.
		entries: make([]raftpd.Entry, 1),
	}
}

// MakeMemoryStorageWithEntries creates a MemoryStorage pre-filled
// with the given entries; handy for tests and rebuilds.
func MakeMemoryStorageWithEntries(entries []raftpd.Entry) *MemoryStorage {
	ms := MakeMemoryStorage()
	if err := ms.Append(entries); err != nil {
		log.Panicf("append to empty storage failed: %v", err)
	}
	return ms
}

// InitialState implements the Storage interface.
func (ms *MemoryStorage) InitialState() (raftpd.HardState, raftpd.ConfState, error) {
	ms.RLock()
	defer ms.RUnlock()
	return ms.hardState, ms.confState(), nil
}

// SetHardState saves the current HardState.
func (ms *MemoryStorage) SetHardState(st raftpd.HardState) error {
	ms.Lock()
	defer ms.Unlock()
	ms.hardState = st
	return nil
}

// Entries implements the Storage interface.
func (ms *MemoryStorage) Entries(lo, hi, maxSize uint64) ([]raftpd.Entry, error) {
	ms.RLock()
	defer ms.RUnlock()

	offset := ms.entries[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if hi > ms.lastIndex()+1 {
		return nil, ErrOutOfBound
	}
	// only the dummy entry left.
	if len(ms.entries) == 1 {
		return nil, ErrUnavailable
	}

	entries := ms.entries[lo-offset : hi-offset]
	entries = limitSize(entries, maxSize)

	// callers may retain the slice across appends.
	dup := make([]raftpd.Entry, len(entries))
	copy(dup, entries)
	return dup, nil
}

// Term implements the Storage interface.
func (ms *MemoryStorage) Term(idx uint64) (uint64, error) {
	ms.RLock()
	defer ms.RUnlock()

	offset := ms.entries[0].Index
	if idx < offset {
		return 0, ErrCompacted
	}
	if idx > ms.lastIndex() {
		return 0, ErrUnavailable
	}
	return ms.entries[idx-offset].Term, nil
}

// FirstIndex implements the Storage interface.
func (ms *MemoryStorage) FirstIndex() (uint64, error) {
	ms.RLock()
	defer ms.RUnlock()
	return ms.firstIndex(), nil
}

// LastIndex implements the Storage interface.
func (ms *MemoryStorage) LastIndex() (uint64, error) {
	ms.RLock()
	defer ms.RUnlock()
	return ms.lastIndex(), nil
}

// Snapshot implements the Storage interface.
func (ms *MemoryStorage) Snapshot() (raftpd.Snapshot, error) {
	ms.RLock()
	defer ms.RUnlock()
	return ms.snapshot, nil
}

// ApplySnapshot overwrites the storage with the contents of the
// given snapshot; every held entry is dropped, including any past
// the snapshot index.
func (ms *MemoryStorage) ApplySnapshot(snapshot raftpd.Snapshot) error {
	ms.Lock()
	defer ms.Unlock()

	if ms.snapshot.Metadata.Index >= snapshot.Metadata.Index {
		return ErrCompacted
	}

	ms.snapshot = snapshot
	ms.entries = make([]raftpd.Entry, 1)
	ms.entries[0].Index = snapshot.Metadata.Index
	ms.entries[0].Term = snapshot.Metadata.Term
	return nil
}

// CreateSnapshot makes a snapshot covering the log through idx and
// returns it; entries are kept until Compact.
func (ms *MemoryStorage) CreateSnapshot(idx uint64, data []byte) (raftpd.Snapshot, error) {
	ms.Lock()
	defer ms.Unlock()

	if idx <= ms.snapshot.Metadata.Index {
		return raftpd.Snapshot{}, ErrCompacted
	}
	utils.Assert(idx <= ms.lastIndex(),
		"snapshot %d is out of bound last index: %d", idx, ms.lastIndex())

	offset := ms.entries[0].Index
	ms.snapshot.Metadata.Index = idx
	ms.snapshot.Metadata.Term = ms.entries[idx-offset].Term
	ms.snapshot.Data = data
	return ms.snapshot, nil
}

// Compact discards all entries through compactIndex. The term of
// compactIndex is retained in the dummy entry for log matching.
func (ms *MemoryStorage) Compact(compactIndex uint64) error {
	ms.Lock()
	defer ms.Unlock()

	offset := ms.entries[0].Index
	if compactIndex <= offset {
		return ErrCompacted
	}
	utils.Assert(compactIndex <= ms.lastIndex(),
		"compact %d is out of bound last index: %d", compactIndex, ms.lastIndex())

	i := compactIndex - offset
	entries := make([]raftpd.Entry, 1, uint64(len(ms.entries))-i)
	entries[0].Index = ms.entries[i].Index
	entries[0].Term = ms.entries[i].Term
	entries = append(entries, ms.entries[i+1:]...)
	ms.entries = entries
	return nil
}

// Append persists the given entries, truncating any conflicting
// suffix already present. Entries older than the snapshot are
// silently dropped.
func (ms *MemoryStorage) Append(entries []raftpd.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ms.Lock()
	defer ms.Unlock()

	first := ms.firstIndex()
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		/* the whole batch is already compacted */
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	offset := entries[0].Index - ms.entries[0].Index
	switch {
	case uint64(len(ms.entries)) > offset:
		ms.entries = append([]raftpd.Entry{}, ms.entries[:offset]...)
		ms.entries = append(ms.entries, entries...)
	case uint64(len(ms.entries)) == offset:
		ms.entries = append(ms.entries, entries...)
	default:
		log.Panicf("missing log entry [last: %d, append at: %d]",
			ms.lastIndex(), entries[0].Index)
	}
	return nil
}

func (ms *MemoryStorage) firstIndex() uint64 {
	return ms.entries[0].Index + 1
}

func (ms *MemoryStorage) lastIndex() uint64 {
	return ms.entries[0].Index + uint64(len(ms.entries)) - 1
}

func (ms *MemoryStorage) confState() raftpd.ConfState {
	return raftpd.ConfState{}
}
