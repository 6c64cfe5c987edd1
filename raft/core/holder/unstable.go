package holder

import (
	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/utils"
)

// unstable buffers entries appended by the leader or received from
// one, before the owner acknowledges them as persisted. When it is
// not empty, offset is the index of entries[0]; indices are
// contiguous and terms non-decreasing.
//
// unstable.snapshot carries a snapshot received from the leader
// that the owner still has to persist; while it is pending, offset
// sits just past the snapshot index.
type unstable struct {
	// raft inner ID, for logging only.
	id uint64

	snapshot *raftpd.Snapshot
	entries  []raftpd.Entry
	offset   uint64
}

// maybeFirstIndex returns the first index of the log if the
// unstable part owns it, which is only the case right after a
// snapshot restore.
func (u *unstable) maybeFirstIndex() (uint64, bool) {
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index + 1, true
	}
	return 0, false
}

// maybeLastIndex returns the last index buffered here, if any.
func (u *unstable) maybeLastIndex() (uint64, bool) {
	if len(u.entries) != 0 {
		return u.offset + uint64(len(u.entries)) - 1, true
	}
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index, true
	}
	return 0, false
}

// maybeTerm returns the term of the entry at idx if the unstable
// part covers it.
func (u *unstable) maybeTerm(idx uint64) (uint64, bool) {
	if idx < u.offset {
		if u.snapshot != nil && u.snapshot.Metadata.Index == idx {
			return u.snapshot.Metadata.Term, true
		}
		return 0, false
	}

	last, ok := u.maybeLastIndex()
	if !ok || idx > last {
		return 0, false
	}
	return u.entries[idx-u.offset].Term, true
}

// stableTo drops the prefix through idx once the owner persisted
// it. A term mismatch means the buffered suffix was truncated and
// rewritten by a new leader in the meantime; nothing is dropped.
func (u *unstable) stableTo(idx, term uint64) {
	gt, ok := u.maybeTerm(idx)
	if !ok {
		return
	}

	if gt == term && idx >= u.offset {
		u.entries = u.entries[idx+1-u.offset:]
		u.offset = idx + 1
		u.shrinkEntries()
	}
}

// stableSnapTo forgets the pending snapshot once persisted.
func (u *unstable) stableSnapTo(idx uint64) {
	if u.snapshot != nil && u.snapshot.Metadata.Index == idx {
		u.snapshot = nil
	}
}

// restore resets the buffer to sit just past the snapshot.
func (u *unstable) restore(snapshot raftpd.Snapshot) {
	u.offset = snapshot.Metadata.Index + 1
	u.entries = nil
	u.snapshot = &snapshot
}

// truncateAndAppend keeps the buffer contiguous: any suffix
// overlapping the incoming entries is dropped first.
func (u *unstable) truncateAndAppend(entries []raftpd.Entry) {
	if len(entries) == 0 {
		return
	}

	after := entries[0].Index
	switch {
	case after == u.offset+uint64(len(u.entries)):
		// after is the next index of the buffer, append directly.
		u.entries = append(u.entries, entries...)
	case after <= u.offset:
		log.Debugf("%d replace the unstable entries from index %d", u.id, after)
		// truncation reaches below offset: the buffer restarts at
		// the incoming first index.
		u.offset = after
		u.entries = append([]raftpd.Entry{}, entries...)
	default:
		log.Debugf("%d truncate the unstable entries before index %d", u.id, after)
		u.entries = append(u.slice(u.offset, after), entries...)
	}
}

// slice returns the buffered entries in [lo, hi).
func (u *unstable) slice(lo uint64, hi uint64) []raftpd.Entry {
	u.mustCheckOutOfBounds(lo, hi)
	return append([]raftpd.Entry{}, u.entries[lo-u.offset:hi-u.offset]...)
}

// shrinkEntries releases the backing array when the buffer uses
// less than half of it.
func (u *unstable) shrinkEntries() {
	if len(u.entries)*2 < cap(u.entries) {
		u.entries = append([]raftpd.Entry{}, u.entries...)
	}
}

func (u *unstable) mustCheckOutOfBounds(lo, hi uint64) {
	utils.Assert(lo <= hi, "%d invalid unstable slice %d > %d", u.id, lo, hi)

	upper := u.offset + uint64(len(u.entries))
	utils.Assert(lo >= u.offset && hi <= upper,
		"%d unstable slice[%d, %d) out of bound [%d, %d]", u.id, lo, hi, u.offset, upper)
}
