package storage

import (
	"errors"
	"math"

	"github.com/hihacoder/yaraft/raft/proto"
)

var (
	// ErrCompacted is returned when a requested index is older than
	// the last snapshot taken by the storage.
	ErrCompacted = errors.New("storage: requested index is unavailable due to compaction")

	// ErrUnavailable is returned when a requested index is newer than
	// the last index the storage holds.
	ErrUnavailable = errors.New("storage: requested entry at index is unavailable")

	// ErrOutOfBound is returned when a requested range is malformed.
	ErrOutOfBound = errors.New("storage: requested range is out of bound")

	// ErrSnapshotTemporarilyUnavailable is returned when the storage
	// cannot serve a snapshot right now; the caller should retry later.
	ErrSnapshotTemporarilyUnavailable = errors.New("storage: snapshot is temporarily unavailable")
)

// NoLimit lifts the size cap of an Entries read.
const NoLimit = math.MaxUint64

// Storage is the read contract raft consumes for the persisted
// prefix of the log. Writes happen outside raft: the owner persists
// unstable entries read from Ready, then the logical log treats
// them as stable.
//
// Any index strictly less than FirstIndex is compacted away and
// only reachable through Snapshot.
type Storage interface {
	// InitialState returns the persisted HardState and membership.
	InitialState() (raftpd.HardState, raftpd.ConfState, error)

	// Entries returns the range [lo, hi) capped at maxSize bytes,
	// each entry counting 16 bytes plus its data; at least one entry
	// is returned when any exists.
	Entries(lo, hi, maxSize uint64) ([]raftpd.Entry, error)

	// Term returns the term of the entry at idx, which must be in
	// [FirstIndex()-1, LastIndex()]. The term of FirstIndex()-1 is
	// retained for log matching even though its entry is compacted.
	Term(idx uint64) (uint64, error)

	// FirstIndex returns the index of the first available entry,
	// snapshot index + 1.
	FirstIndex() (uint64, error)

	// LastIndex returns the index of the last entry.
	LastIndex() (uint64, error)

	// Snapshot returns the most recent snapshot.
	Snapshot() (raftpd.Snapshot, error)
}

// limitSize caps entries to maxSize bytes of payload, always
// keeping the first entry so replication makes progress.
func limitSize(entries []raftpd.Entry, maxSize uint64) []raftpd.Entry {
	if len(entries) == 0 {
		return entries
	}
	size := uint64(entrySize(&entries[0]))
	var i int
	for i = 1; i < len(entries); i++ {
		size += uint64(entrySize(&entries[i]))
		if size > maxSize {
			break
		}
	}
	return entries[:i]
}

func entrySize(entry *raftpd.Entry) int {
	return 16 + len(entry.Data)
}
