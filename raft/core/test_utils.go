package core

import (
	"container/list"

	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/raft/storage"
)

type raftOpt func(c *RawNode)

func withVote(id uint64) raftOpt {
	return func(c *RawNode) {
		c.vote = id
	}
}

func withTerm(term uint64) raftOpt {
	return func(c *RawNode) {
		c.term = term
	}
}

func withState(state StateRole) raftOpt {
	return func(c *RawNode) {
		c.state = state
	}
}

func withRandTick(tick int) raftOpt {
	return func(c *RawNode) {
		c.randomizedElectionTick = tick
	}
}

func withPreVote() raftOpt {
	return func(c *RawNode) {
		c.preVote = true
	}
}

func withCheckQuorum() raftOpt {
	return func(c *RawNode) {
		c.checkQuorum = true
	}
}

func makeEntry(idx, term uint64) raftpd.Entry {
	return raftpd.Entry{
		Index: idx,
		Term:  term,
	}
}

func makeTestRaft(
	id uint64,
	peers []uint64,
	election, heartbeat int,
	st storage.Storage,
	opts ...raftOpt,
) *RawNode {
	c := conf.Config{
		ID:            id,
		Peers:         peers,
		ElectionTick:  election,
		HeartbeatTick: heartbeat,
		Storage:       st,
		MaxSizePerMsg: storage.NoLimit,
		Seed:          int64(id),
	}

	raft, err := MakeRawNode(&c)
	if err != nil {
		panic(err)
	}

	for _, opt := range opts {
		opt(raft)
	}
	return raft
}

// network is a synchronous in-memory cluster: every message a node
// emits is persisted and dispatched before the next one, so tests
// are deterministic.
type network struct {
	peers      map[uint64]*RawNode
	storages   map[uint64]*storage.MemoryStorage
	msgs       *list.List
	cutMap     map[[2]uint64]bool
	ignoreType map[raftpd.MessageType]struct{}
}

func makeNetwork(ids ...uint64) *network {
	net := &network{
		peers:      make(map[uint64]*RawNode),
		storages:   make(map[uint64]*storage.MemoryStorage),
		msgs:       list.New(),
		cutMap:     make(map[[2]uint64]bool),
		ignoreType: make(map[raftpd.MessageType]struct{}),
	}

	for _, id := range ids {
		st := storage.MakeMemoryStorage()
		net.storages[id] = st
		net.peers[id] = makeTestRaft(id, ids, 10, 1, st)
	}
	return net
}

func (n *network) peer(id uint64) *RawNode {
	return n.peers[id]
}

// drive drains the node's ready: persist, queue messages, advance.
func (n *network) drive(id uint64) {
	node, ok := n.peers[id]
	if !ok {
		return
	}

	for node.HasReady() {
		ready := node.Ready()
		if st, ok := n.storages[id]; ok {
			if ready.Snapshot != nil {
				st.ApplySnapshot(*ready.Snapshot)
			}
			if err := st.Append(ready.Entries); err != nil {
				panic(err)
			}
			if ready.HS != nil {
				if err := st.SetHardState(*ready.HS); err != nil {
					panic(err)
				}
			}
		}
		for i := range ready.Messages {
			n.msgs.PushBack(ready.Messages[i])
		}
		node.Advance(ready)
	}
}

func (n *network) dispatchMessages() {
	for n.msgs.Len() > 0 {
		first := n.msgs.Front()
		msg := first.Value.(raftpd.Message)
		n.msgs.Remove(first)

		// Drop the message if the remote peer is dead or the
		// connection to remote is cut down.
		if _, ok := n.peers[msg.To]; !ok || n.cutMap[[2]uint64{msg.From, msg.To}] {
			continue
		}
		// ignore the message
		if _, ok := n.ignoreType[msg.MsgType]; ok {
			continue
		}

		n.peers[msg.To].Step(&msg)
		n.drive(msg.To)
	}
}

// raiseElection lets the node campaign and runs the cluster until
// no message is in flight.
func (n *network) raiseElection(id uint64) {
	n.peers[id].Campaign()
	n.drive(id)
	n.dispatchMessages()
}

// propose pushes data through the given node, which must lead.
func (n *network) propose(id uint64, data []byte) (uint64, uint64) {
	idx, term, isLeader := n.peers[id].Propose(data)
	if !isLeader {
		panic("propose but not leader")
	}
	n.drive(id)
	n.dispatchMessages()
	return idx, term
}

// tick advances the logical clock of one node and runs the
// cluster until it settles.
func (n *network) tick(id uint64) {
	n.peers[id].Tick()
	n.drive(id)
	n.dispatchMessages()
}

func (n *network) down(id uint64) {
	delete(n.peers, id)
}

// cut drops the connection between c1 and c2, both directions.
func (n *network) cut(c1, c2 uint64) {
	n.cutMap[[2]uint64{c1, c2}] = true
	n.cutMap[[2]uint64{c2, c1}] = true
}

// restore brings the connection between c1 and c2 back.
func (n *network) restore(c1, c2 uint64) {
	delete(n.cutMap, [2]uint64{c1, c2})
	delete(n.cutMap, [2]uint64{c2, c1})
}

// ignore drops every message of the given type.
func (n *network) ignore(tp raftpd.MessageType) {
	n.ignoreType[tp] = struct{}{}
}

// recover the whole network to normal.
func (n *network) recover() {
	n.ignoreType = make(map[raftpd.MessageType]struct{})
	n.cutMap = make(map[[2]uint64]bool)
}

// leader returns the leader of the group, InvalidID when none.
func (n *network) leader() uint64 {
	for _, rf := range n.peers {
		if rf.state == RoleLeader {
			return rf.id
		}
	}
	return conf.InvalidID
}
