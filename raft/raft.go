package raft

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/core"
	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/raft/storage"
	"github.com/hihacoder/yaraft/utils"
	"github.com/hihacoder/yaraft/utils/pd"
)

// Application is the interface for the state machine fed by raft.
type Application interface {
	// ApplyEntry apply a committed entry to the state machine.
	ApplyEntry(entry *raftpd.Entry)

	// ApplySnapshot replace the state machine with the snapshot.
	ApplySnapshot(snapshot *raftpd.Snapshot)
}

// PersistentStorage is a Storage the driver can also write: it
// persists entries and hard state out of every Ready before any
// message leaves the node.
type PersistentStorage interface {
	storage.Storage

	Append(entries []raftpd.Entry) error
	SetHardState(st raftpd.HardState) error
	ApplySnapshot(snapshot raftpd.Snapshot) error
}

// Raft drives a core raft state machine with wall-clock ticks, a
// transport and a persistent storage. Raft is thread-safe.
type Raft struct {
	mutex sync.Mutex

	id uint64

	node      core.Raft
	storage   PersistentStorage
	callback  Application
	transport Transporter

	timer chan struct{}
}

// Config collects what MakeRaft needs beyond the core config.
type Config struct {
	ID    uint64
	Nodes []uint64

	// ElectionTick and HeartbeatTick are expressed in ticks; a tick
	// fires every TickMillis milliseconds.
	ElectionTick  int
	HeartbeatTick int
	TickMillis    int

	MaxSizePerMsg uint64
	PreVote       bool
	CheckQuorum   bool

	Storage     PersistentStorage
	Application Application
	Transport   Transporter
}

// MakeRaft build and start a Raft instance: the periodic timer
// runs until Stop.
func MakeRaft(config *Config) (*Raft, error) {
	utils.AssertNotNil(config.Application, "application cannot be nil")
	utils.AssertNotNil(config.Transport, "transport cannot be nil")

	coreConfig := conf.Config{
		ID:            config.ID,
		Peers:         config.Nodes,
		ElectionTick:  config.ElectionTick,
		HeartbeatTick: config.HeartbeatTick,
		Storage:       config.Storage,
		MaxSizePerMsg: config.MaxSizePerMsg,
		PreVote:       config.PreVote,
		CheckQuorum:   config.CheckQuorum,
		Seed:          time.Now().UnixNano(),
	}

	node, err := core.MakeRaft(&coreConfig)
	if err != nil {
		return nil, err
	}

	r := &Raft{
		id:        config.ID,
		node:      node,
		storage:   config.Storage,
		callback:  config.Application,
		transport: config.Transport,
	}

	r.timer = utils.StartTimer(config.TickMillis, func(time.Time) {
		r.tick()
	})

	return r, nil
}

// Stop shuts the periodic timer down. It flushes nothing itself:
// every call that feeds the node handles its Ready before returning.
func (r *Raft) Stop() {
	close(r.timer)
}

// Propose submits data to the replicated log. It returns the
// chosen index and term, or false when this node does not lead.
func (r *Raft) Propose(data []byte) (index uint64, term uint64, isLeader bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	index, term, isLeader = r.node.Propose(data)
	r.handleReady()
	return
}

// ProposeConfChange submits a membership change.
func (r *Raft) ProposeConfChange(cc *raftpd.ConfChange) (
	index uint64, term uint64, isLeader bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	index, term, isLeader = r.node.ProposeConfChange(cc)
	r.handleReady()
	return
}

// Step feeds one message received from the network.
func (r *Raft) Step(msg *raftpd.Message) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	err := r.node.Step(msg)
	r.handleReady()
	return err
}

// ReadStatus returns the current term and whether this node leads.
func (r *Raft) ReadStatus() (uint64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.node.ReadStatus()
}

func (r *Raft) tick() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.node.Tick()
	r.handleReady()
}

// handleReady persists, sends and applies the pending work in the
// required order: stable storage first, messages after.
func (r *Raft) handleReady() {
	if !r.node.HasReady() {
		return
	}
	ready := r.node.Ready()

	if ready.Snapshot != nil {
		if err := r.storage.ApplySnapshot(*ready.Snapshot); err != nil {
			log.Panicf("%d persist snapshot: %v", r.id, err)
		}
		r.callback.ApplySnapshot(ready.Snapshot)
	}

	if err := r.storage.Append(ready.Entries); err != nil {
		log.Panicf("%d persist entries: %v", r.id, err)
	}
	if ready.HS != nil {
		if err := r.storage.SetHardState(*ready.HS); err != nil {
			log.Panicf("%d persist hard state: %v", r.id, err)
		}
	}

	for i := range ready.Messages {
		msg := &ready.Messages[i]
		err := r.transport.Send(msg)
		if msg.MsgType == raftpd.MsgSnapshotRequest {
			// a synchronous transport already knows the outcome.
			r.node.ReportSnapshotStatus(msg.To, err != nil)
		} else if err != nil {
			log.Debugf("%d send %v to %d failed: %v", r.id, msg.MsgType, msg.To, err)
		}
	}

	for i := range ready.CommittedEntries {
		entry := &ready.CommittedEntries[i]
		if entry.Type == raftpd.EntryConfChange {
			cc := raftpd.ConfChange{}
			pd.MustUnmarshal(&cc, entry.Data)
			r.node.ApplyConfChange(&cc)
		}
		r.callback.ApplyEntry(entry)
	}

	r.node.Advance(ready)
}
