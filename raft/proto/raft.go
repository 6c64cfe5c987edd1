package raftpd

import (
	"encoding/gob"
	"fmt"
)

// HardState is the state a node must persist before answering
// any message: term only grows, vote names at most one peer per
// term, commit only grows.
type HardState struct {
	Vote   uint64
	Term   uint64
	Commit uint64
}

func (e *HardState) Reset() { *e = HardState{} }

func (e HardState) String() string {
	return fmt.Sprintf("raftpd.HardState{vote: %d, term: %d, commit: %d}",
		e.Vote, e.Term, e.Commit)
}

// IsEmpty reports whether the hard state carries no information.
func (e HardState) IsEmpty() bool {
	return e == HardState{}
}

type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfChange
)

var entryTypeStr = []string{
	"Normal",
	"ConfChange",
}

func (t EntryType) String() string {
	return entryTypeStr[t]
}

// Entry is one slot of the replicated log. Indices are contiguous
// and start at 1; index 0 is the empty sentinel.
type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType
	Data  []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("raftpd.Entry{idx: %d, term: %d, type: %v, data: %v}",
		e.Index, e.Term, e.Type, e.Data)
}

type SnapshotMetadata struct {
	Index uint64
	Term  uint64
}

func (e *SnapshotMetadata) Reset() { *e = SnapshotMetadata{} }

type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

func (s *Snapshot) Reset() { *s = Snapshot{} }

// IsEmpty reports whether the snapshot holds no state.
func (s *Snapshot) IsEmpty() bool {
	return s.Metadata.Index == 0
}

// ConfState records the membership of the raft group.
type ConfState struct {
	Nodes []uint64
}

func (c *ConfState) Reset() { *c = ConfState{} }

type ConfChangeType int

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeRemoveNode
)

var confChangeString = []string{
	"Config: Add node",
	"Config: Remove node",
}

func (t ConfChangeType) String() string {
	return confChangeString[t]
}

// ConfChange is the payload of an EntryConfChange entry.
type ConfChange struct {
	ID         uint64
	ChangeType ConfChangeType
	NodeID     uint64
}

func (c *ConfChange) Reset() { *c = ConfChange{} }

func init() {
	gob.Register(Entry{})
	gob.Register(SnapshotMetadata{})
	gob.Register(Snapshot{})
	gob.Register(HardState{})
	gob.Register(ConfState{})
	gob.Register(ConfChange{})
}
