package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/utils/pd"
)

// Ready is the outbound state the owner drains after Step or Tick
// calls: what to persist, what to send, what to apply.
type Ready struct {
	// The current volatile state of the node.
	// SS is nil if there is no update.
	// It is not required to consume or store SS.
	SS *SoftState

	// The current state of the node to be saved to stable storage
	// BEFORE Messages are sent.
	// HS is nil if there is no update.
	HS *raftpd.HardState

	// Entries specifies entries to be saved to stable storage
	// BEFORE Messages are sent.
	Entries []raftpd.Entry

	// Snapshot specifies the snapshot to be saved to stable storage.
	Snapshot *raftpd.Snapshot

	// CommittedEntries specifies entries to be applied to the
	// state machine. They were previously saved to stable storage.
	CommittedEntries []raftpd.Entry

	// Messages specifies outbound messages to be sent AFTER
	// Entries are saved to stable storage.
	// If it contains a snapshot request, the owner MUST report back
	// through ReportSnapshotStatus once the transfer finished or failed.
	Messages []raftpd.Message
}

// Contains reports whether the ready carries any work.
func (ready *Ready) Contains() bool {
	return ready.SS != nil || ready.HS != nil || ready.Snapshot != nil ||
		len(ready.Entries) > 0 || len(ready.CommittedEntries) > 0 ||
		len(ready.Messages) > 0
}

// RawNode is the deterministic raft state machine: a single owner
// serializes Tick, Step, Ready and Advance; no call blocks and no
// I/O happens inside.
type RawNode struct {
	*core
	prevHS raftpd.HardState
	prevSS SoftState
}

// MakeRawNode build a RawNode over the given config. It fails with
// conf.ErrInvalidConfig when a config constraint is violated.
func MakeRawNode(config *conf.Config) (*RawNode, error) {
	c, err := makeCore(config)
	if err != nil {
		return nil, err
	}

	node := &RawNode{core: c}
	node.prevSS = c.ReadSoftState()
	node.prevHS = c.ReadHardState()
	return node, nil
}

// HasReady reports whether a Ready would carry any work; it saves
// the owner an allocation on idle loops.
func (node *RawNode) HasReady() bool {
	if ss := node.core.ReadSoftState(); ss != node.prevSS {
		return true
	}
	if hs := node.core.ReadHardState(); hs != node.prevHS {
		return true
	}
	return node.log.UnstableSnapshot() != nil ||
		len(node.log.UnstableEntries()) > 0 ||
		len(node.log.NextCommittedEntries()) > 0 ||
		len(node.mails) > 0
}

// Ready returns the pending work. The owner must persist entries,
// hard state and snapshot before sending the messages, then call
// Advance.
func (node *RawNode) Ready() Ready {
	ready := Ready{}

	if ss := node.core.ReadSoftState(); ss != node.prevSS {
		ready.SS = &ss
		node.prevSS = ss
	}

	if hs := node.core.ReadHardState(); hs != node.prevHS {
		ready.HS = &hs
		node.prevHS = hs
	}

	ready.Entries = node.log.UnstableEntries()
	ready.Snapshot = node.log.UnstableSnapshot()
	ready.CommittedEntries = node.log.NextCommittedEntries()
	ready.Messages = node.takeMails()

	log.Debugf("%d handle ready: [stable: %d, commit: %d, msg: %d]",
		node.id, len(ready.Entries), len(ready.CommittedEntries), len(ready.Messages))

	return ready
}

// Advance tells the node the owner persisted and applied what the
// ready carried: the unstable prefix becomes stable and applied
// catches up with the committed entries handed out.
func (node *RawNode) Advance(ready Ready) {
	if n := len(ready.Entries); n > 0 {
		last := &ready.Entries[n-1]
		node.log.StableTo(last.Index, last.Term)
	}
	if ready.Snapshot != nil {
		node.log.StableSnapTo(ready.Snapshot.Metadata.Index)
	}
	if n := len(ready.CommittedEntries); n > 0 {
		node.log.AppliedTo(ready.CommittedEntries[n-1].Index)
	}
}

// Campaign triggers an election on the local node.
func (node *RawNode) Campaign() error {
	return node.Step(&raftpd.Message{From: node.id, MsgType: raftpd.MsgHup})
}

// Propose first test whether the current role is leader, if true
// adds the data to the log and returns its index and term;
// otherwise it returns false.
func (node *RawNode) Propose(data []byte) (index uint64, term uint64, isLeader bool) {
	if !node.state.IsLeader() {
		return conf.InvalidIndex, conf.InvalidTerm, false
	}

	index = node.log.LastIndex() + 1
	term = node.term

	// Leader Append-Only: a leader never overwrites or deletes
	// entries in its log; it only appends new entries.
	err := node.Step(&raftpd.Message{
		From:    node.id,
		MsgType: raftpd.MsgPropose,
		Entries: []raftpd.Entry{{Type: raftpd.EntryNormal, Data: data}},
	})
	if err != nil {
		return conf.InvalidIndex, conf.InvalidTerm, false
	}
	return index, term, true
}

// ProposeConfChange proposes a membership change through the log.
func (node *RawNode) ProposeConfChange(cc *raftpd.ConfChange) (
	index uint64, term uint64, isLeader bool) {
	if !node.state.IsLeader() {
		return conf.InvalidIndex, conf.InvalidTerm, false
	}

	index = node.log.LastIndex() + 1
	term = node.term

	err := node.Step(&raftpd.Message{
		From:    node.id,
		MsgType: raftpd.MsgPropose,
		Entries: []raftpd.Entry{{Type: raftpd.EntryConfChange, Data: pd.MustMarshal(cc)}},
	})
	if err != nil {
		return conf.InvalidIndex, conf.InvalidTerm, false
	}
	return index, term, true
}

// ApplyConfChange notifies raft a committed membership change was
// reached the state machine, and returns the new membership.
func (node *RawNode) ApplyConfChange(cc *raftpd.ConfChange) raftpd.ConfState {
	switch cc.ChangeType {
	case raftpd.ConfChangeAddNode:
		node.addNode(cc.NodeID)
	case raftpd.ConfChangeRemoveNode:
		node.removeNode(cc.NodeID)
	}
	return node.ReadConfState()
}

// ReportSnapshotStatus reports the result of a snapshot transfer
// to the given follower.
func (node *RawNode) ReportSnapshotStatus(id uint64, reject bool) {
	node.Step(&raftpd.Message{
		From:    id,
		MsgType: raftpd.MsgSnapshotStatus,
		Reject:  reject,
	})
}

// ReadStatus returns the current term and whether this node leads.
func (node *RawNode) ReadStatus() (uint64, bool) {
	return node.term, node.state.IsLeader()
}
