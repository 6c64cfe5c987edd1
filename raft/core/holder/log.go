package holder

import (
	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/raft/storage"
	"github.com/hihacoder/yaraft/utils"
)

// RaftLog is the logical log: the persisted prefix served by a
// read-only Storage plus the unstable suffix still owned by raft.
//
// [first, applied, committed, unstable.offset, last]
// +--------------------+-------------+------------------+
// |   wait apply       | wait commit |   wait stable    |
// +--------------------+-------------+------------------+
// ^ first              ^ applied     ^ committed        ^ last
//
// committed never decreases and applied trails committed. The
// unstable offset normally sits past the storage's last index; a
// conflicting append can move it below, and from the offset on the
// unstable entries take precedence over the stored ones.
type RaftLog struct {
	// raft inner ID, for logging only.
	id uint64

	storage  storage.Storage
	unstable unstable

	// last index of committed entry.
	committed uint64

	// last index of entry handed to the state machine, maintained
	// through AppliedTo by the owner's Advance.
	applied uint64
}

// MakeRaftLog builds the logical log on top of st. applied is the
// owner's restart point; zero means the storage's first index - 1.
func MakeRaftLog(id uint64, st storage.Storage, applied uint64) *RaftLog {
	utils.AssertNotNil(st, "%d storage cannot be nil", id)

	firstIndex, err := st.FirstIndex()
	if err != nil {
		log.Panicf("%d read first index: %v", id, err)
	}
	lastIndex, err := st.LastIndex()
	if err != nil {
		log.Panicf("%d read last index: %v", id, err)
	}

	l := &RaftLog{
		id:        id,
		storage:   st,
		committed: firstIndex - 1,
		applied:   firstIndex - 1,
	}
	l.unstable.id = id
	l.unstable.offset = lastIndex + 1

	if applied != 0 {
		l.AppliedTo(applied)
	}
	return l
}

// FirstIndex returns the first index available through the log;
// anything below it is only reachable via snapshot.
func (l *RaftLog) FirstIndex() uint64 {
	if idx, ok := l.unstable.maybeFirstIndex(); ok {
		return idx
	}
	idx, err := l.storage.FirstIndex()
	if err != nil {
		log.Panicf("%d read first index: %v", l.id, err)
	}
	return idx
}

// LastIndex returns the index of the last entry of the log.
func (l *RaftLog) LastIndex() uint64 {
	if idx, ok := l.unstable.maybeLastIndex(); ok {
		return idx
	}
	idx, err := l.storage.LastIndex()
	if err != nil {
		log.Panicf("%d read last index: %v", l.id, err)
	}
	return idx
}

// LastTerm returns the term of the last entry of the log.
func (l *RaftLog) LastTerm() uint64 {
	term, err := l.Term(l.LastIndex())
	if err != nil {
		log.Panicf("%d read last term: %v", l.id, err)
	}
	return term
}

// CommitIndex returns the index of the last committed entry.
func (l *RaftLog) CommitIndex() uint64 {
	return l.committed
}

// Applied returns the index of the last applied entry.
func (l *RaftLog) Applied() uint64 {
	return l.applied
}

// Term returns the term of the entry at idx. It returns
// storage.ErrCompacted below the log's horizon and
// storage.ErrUnavailable past its last index.
func (l *RaftLog) Term(idx uint64) (uint64, error) {
	// the term of first index - 1 is retained for log matching.
	dummy := l.FirstIndex() - 1
	if idx < dummy {
		return 0, storage.ErrCompacted
	}
	if idx > l.LastIndex() {
		return 0, storage.ErrUnavailable
	}

	if term, ok := l.unstable.maybeTerm(idx); ok {
		return term, nil
	}
	return l.storage.Term(idx)
}

// MatchTerm tests whether the log holds term at idx.
func (l *RaftLog) MatchTerm(idx, term uint64) bool {
	t, err := l.Term(idx)
	if err != nil {
		return false
	}
	return t == term
}

// IsUpToDate determines if the given (idx, term) log is more
// up-to-date, by comparing index and term of the last entry of the
// existing log. The log with the later last term is more
// up-to-date; between equal last terms, the longer log wins.
func (l *RaftLog) IsUpToDate(idx, term uint64) bool {
	return term > l.LastTerm() || (term == l.LastTerm() && idx >= l.LastIndex())
}

// FindConflict returns the index of the first incoming entry whose
// term disagrees with the log, or which lies past the last index;
// zero when every entry matches.
func (l *RaftLog) FindConflict(entries []raftpd.Entry) uint64 {
	for i := 0; i < len(entries); i++ {
		entry := &entries[i]
		if !l.MatchTerm(entry.Index, entry.Term) {
			if entry.Index <= l.LastIndex() {
				existing, _ := l.Term(entry.Index)
				log.Infof("%d found conflict at index %d "+
					"[existing term: %d, conflicting term: %d]",
					l.id, entry.Index, existing, entry.Term)
			}
			return entry.Index
		}
	}
	return 0
}

// MaybeAppend applies an append request: it verifies the log
// matches (prevIdx, prevTerm), resolves conflicts, appends the
// rest, and forwards commit. On success it returns the index of
// the last new entry.
func (l *RaftLog) MaybeAppend(prevIdx, prevTerm, committed uint64,
	entries []raftpd.Entry) (uint64, bool) {
	if !l.MatchTerm(prevIdx, prevTerm) {
		return 0, false
	}

	lastNewIdx := prevIdx + uint64(len(entries))
	conflictIdx := l.FindConflict(entries)
	switch {
	case conflictIdx == 0:
		/* nothing to overwrite */
	case conflictIdx <= l.committed:
		log.Panicf("%d entry %d conflict with committed entry %d",
			l.id, conflictIdx, l.committed)
	default:
		l.Append(entries[conflictIdx-prevIdx-1:])
	}

	l.CommitTo(utils.MinUint64(committed, lastNewIdx))
	return lastNewIdx, true
}

// Append adds entries to the unstable suffix, truncating any
// conflicting tail, and returns the new last index. Appending
// below the commit index is a programming error.
func (l *RaftLog) Append(entries []raftpd.Entry) uint64 {
	if len(entries) == 0 {
		return l.LastIndex()
	}

	prevIdx := entries[0].Index - 1
	utils.Assert(prevIdx >= l.committed,
		"%d append after %d is out of range [committed: %d]",
		l.id, prevIdx, l.committed)

	l.unstable.truncateAndAppend(entries)
	return l.LastIndex()
}

// CommitTo advances the commit index to `to`. Commits never move
// backwards, and committing past the last index is a programming
// error.
func (l *RaftLog) CommitTo(to uint64) {
	if to <= l.committed {
		/* never decrease commit */
		return
	}

	utils.Assert(l.LastIndex() >= to,
		"%d to commit %d is out of range [last index: %d]",
		l.id, to, l.LastIndex())
	l.committed = to
}

// AppliedTo records that the owner handed entries through `to` to
// the state machine.
func (l *RaftLog) AppliedTo(to uint64) {
	if to == 0 {
		return
	}

	utils.Assert(l.committed >= to && to >= l.applied,
		"%d applied %d is out of range [applied: %d, committed: %d]",
		l.id, to, l.applied, l.committed)
	l.applied = to
}

// StableTo forgets the unstable prefix through (idx, term) after
// the owner persisted it.
func (l *RaftLog) StableTo(idx, term uint64) {
	l.unstable.stableTo(idx, term)
}

// StableSnapTo forgets the pending snapshot once persisted.
func (l *RaftLog) StableSnapTo(idx uint64) {
	l.unstable.stableSnapTo(idx)
}

// UnstableEntries returns the suffix the owner has to persist.
func (l *RaftLog) UnstableEntries() []raftpd.Entry {
	if len(l.unstable.entries) == 0 {
		return nil
	}
	return append([]raftpd.Entry{}, l.unstable.entries...)
}

// NextCommittedEntries returns the committed entries the owner has
// not applied yet.
func (l *RaftLog) NextCommittedEntries() []raftpd.Entry {
	if l.committed <= l.applied {
		return nil
	}
	entries, err := l.Slice(l.applied+1, l.committed+1, storage.NoLimit)
	if err != nil {
		log.Panicf("%d read committed entries: %v", l.id, err)
	}
	return entries
}

// UnstableSnapshot returns the snapshot waiting to be persisted,
// if any.
func (l *RaftLog) UnstableSnapshot() *raftpd.Snapshot {
	return l.unstable.snapshot
}

// Snapshot returns the most recent snapshot of the log.
func (l *RaftLog) Snapshot() (raftpd.Snapshot, error) {
	if l.unstable.snapshot != nil {
		return *l.unstable.snapshot, nil
	}
	return l.storage.Snapshot()
}

// Restore resets the log to the given snapshot; every held entry
// is dropped and the owner must persist the snapshot.
func (l *RaftLog) Restore(snapshot raftpd.Snapshot) {
	log.Infof("%d [commit: %d] restore snapshot [index: %d, term: %d]",
		l.id, l.committed, snapshot.Metadata.Index, snapshot.Metadata.Term)

	l.committed = snapshot.Metadata.Index
	l.unstable.restore(snapshot)
}

// Entries returns the entries in [from, last], capped at maxSize
// bytes of payload.
func (l *RaftLog) Entries(from, maxSize uint64) ([]raftpd.Entry, error) {
	if from > l.LastIndex() {
		return nil, nil
	}
	return l.Slice(from, l.LastIndex()+1, maxSize)
}

// Slice returns the entries in [lo, hi), reading the storage
// prefix first and the unstable suffix after it. It returns
// storage.ErrCompacted when lo dips below the log's horizon.
func (l *RaftLog) Slice(lo, hi, maxSize uint64) ([]raftpd.Entry, error) {
	if err := l.checkOutOfBounds(lo, hi); err != nil {
		return nil, err
	}
	if lo == hi {
		return nil, nil
	}

	var entries []raftpd.Entry
	if lo < l.unstable.offset {
		stored, err := l.storage.Entries(lo, utils.MinUint64(hi, l.unstable.offset), maxSize)
		if err != nil {
			return nil, err
		}

		// storage capped the read before the unstable part.
		if uint64(len(stored)) < utils.MinUint64(hi, l.unstable.offset)-lo {
			return stored, nil
		}
		entries = stored
	}

	if hi > l.unstable.offset {
		suffix := l.unstable.slice(utils.MaxUint64(lo, l.unstable.offset), hi)
		entries = append(entries, suffix...)
	}
	return limitEntries(entries, maxSize), nil
}

func (l *RaftLog) checkOutOfBounds(lo, hi uint64) error {
	utils.Assert(lo <= hi, "%d invalid slice %d > %d", l.id, lo, hi)

	if lo < l.FirstIndex() {
		return storage.ErrCompacted
	}
	if hi > l.LastIndex()+1 {
		return storage.ErrOutOfBound
	}
	return nil
}

// limitEntries caps entries to maxSize bytes of payload, always
// keeping the first entry so replication makes progress.
func limitEntries(entries []raftpd.Entry, maxSize uint64) []raftpd.Entry {
	if len(entries) == 0 {
		return entries
	}
	size := uint64(16 + len(entries[0].Data))
	var i int
	for i = 1; i < len(entries); i++ {
		size += uint64(16 + len(entries[i].Data))
		if size > maxSize {
			break
		}
	}
	return entries[:i]
}
