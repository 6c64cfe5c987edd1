package core

import (
	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/proto"
)

// Raft provides the driver to run the entire raft algorithm, and
// the query of raft status.
type Raft interface {
	// Read status of raft.
	ReadSoftState() SoftState
	ReadHardState() raftpd.HardState
	ReadConfState() raftpd.ConfState
	ReadStatus() (uint64, bool)

	// The only two inputs of the state machine: one inbound
	// message, or one logical clock tick.
	Step(msg *raftpd.Message) error
	Tick()

	// Propose first test whether the current role is leader, if
	// true adds the log entry and returns its index and term;
	// otherwise it returns false.
	Propose(data []byte) (uint64, uint64, bool)
	ProposeConfChange(cc *raftpd.ConfChange) (uint64, uint64, bool)

	// Campaign starts an election on the local node.
	Campaign() error

	// Outbound state: the owner drains Ready, persists and sends,
	// then acknowledges through Advance.
	HasReady() bool
	Ready() Ready
	Advance(ready Ready)

	// Apply changes.
	ApplyConfChange(cc *raftpd.ConfChange) raftpd.ConfState
	ReportSnapshotStatus(id uint64, reject bool)
}

// MakeRaft return a Raft interface.
func MakeRaft(config *conf.Config) (Raft, error) {
	return MakeRawNode(config)
}
