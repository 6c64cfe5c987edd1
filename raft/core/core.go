package core

import (
	"errors"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/core/holder"
	"github.com/hihacoder/yaraft/raft/core/peer"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/utils"
)

var (
	// ErrZeroTermMessage is returned by Step for a message received
	// from a peer with term zero; only local messages carry no term.
	ErrZeroTermMessage = errors.New("core: received message with zero term from peer")

	// ErrProposalDropped is returned by Step when a proposal cannot
	// be admitted right now, e.g. while electing a leader.
	ErrProposalDropped = errors.New("core: proposal dropped")
)

type core struct {
	// Fields need to be persistent.
	term uint64          // current term
	vote uint64          // vote for
	log  *holder.RaftLog // the logical log

	// Fields just keep in memory.
	id uint64 // raft id

	// last known leader id. If for a long time no message arrives
	// from the leader, falls back to InvalidID.
	leaderID uint64
	state    StateRole // current state role

	// peers holds the ids of all members, self included, in the
	// order broadcasts walk them.
	peers []uint64

	// prs is the per-peer replication bookkeeping, rebuilt each
	// time this node becomes leader.
	prs map[uint64]*peer.Progress

	// votes records the ballots of the running campaign.
	votes map[uint64]bool

	// Fields for time.
	electionElapsed        int // ticks since last leader contact / campaign
	heartbeatElapsed       int // ticks since last heartbeat broadcast
	randomizedElectionTick int // randomized election tick
	electionTick           int // basis election tick
	heartbeatTick          int // heartbeat timeout tick
	rand                   *rand.Rand

	preVote     bool
	checkQuorum bool

	// membership change fields: a new configuration entry is
	// rejected while one is still unapplied.
	pendingConf bool

	maxSizePerMsg uint64

	// mails is the mailbox of outbound messages; the owner drains
	// it after every Step or Tick.
	mails []raftpd.Message
}

func makeCore(config *conf.Config) (*core, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	hardState, confState, err := config.Storage.InitialState()
	if err != nil {
		log.Panicf("%d read initial state: %v", config.ID, err)
	}

	c := new(core)
	c.id = config.ID
	c.leaderID = conf.InvalidID
	c.state = RoleFollower
	c.log = holder.MakeRaftLog(config.ID, config.Storage, config.Applied)

	c.peers = append([]uint64{}, config.Peers...)
	if len(confState.Nodes) != 0 {
		// membership recorded by the storage wins over config.
		c.peers = append([]uint64{}, confState.Nodes...)
	}

	c.prs = make(map[uint64]*peer.Progress)
	lastIndex := c.log.LastIndex()
	for _, id := range c.peers {
		c.prs[id] = peer.MakeProgress(c.id, id, lastIndex+1)
	}
	c.votes = make(map[uint64]bool)

	c.electionTick = config.ElectionTick
	c.heartbeatTick = config.HeartbeatTick
	c.rand = rand.New(rand.NewSource(config.Seed))
	c.resetRandomizedElectionTimeout()

	c.preVote = config.PreVote
	c.checkQuorum = config.CheckQuorum
	c.maxSizePerMsg = config.MaxSizePerMsg

	c.loadHardState(hardState)

	utils.Assert(c.log.LastIndex() >= c.log.CommitIndex(),
		"%d [Term: %d] last idx: %d less than commit: %d",
		c.id, c.term, c.log.LastIndex(), c.log.CommitIndex())

	log.Debugf("%d build raft at term: %d [firstIdx: %d, lastIdx: %d, commitIdx: %d]",
		c.id, c.term, c.log.FirstIndex(), c.log.LastIndex(), c.log.CommitIndex())

	return c, nil
}

func (c *core) loadHardState(hardState raftpd.HardState) {
	if hardState.IsEmpty() {
		return
	}

	utils.Assert(hardState.Commit >= c.log.CommitIndex() &&
		hardState.Commit <= c.log.LastIndex(),
		"%d hard state commit %d out of range [%d, %d]",
		c.id, hardState.Commit, c.log.CommitIndex(), c.log.LastIndex())

	c.term = hardState.Term
	c.vote = hardState.Vote
	c.log.CommitTo(hardState.Commit)
}

func (c *core) ReadSoftState() SoftState {
	return SoftState{
		LeaderID:  c.leaderID,
		State:     c.state,
		LastIndex: c.log.LastIndex(),
	}
}

func (c *core) ReadHardState() raftpd.HardState {
	return raftpd.HardState{
		Vote:   c.vote,
		Term:   c.term,
		Commit: c.log.CommitIndex(),
	}
}

func (c *core) ReadConfState() raftpd.ConfState {
	state := raftpd.ConfState{}
	state.Nodes = append(state.Nodes, c.peers...)
	return state
}

// Tick advances the logical clock by a single tick.
func (c *core) Tick() {
	if c.state.IsLeader() {
		c.tickHeartbeat()
	} else {
		c.tickElection()
	}
}

func (c *core) tickElection() {
	c.electionElapsed++
	if c.electionElapsed >= c.randomizedElectionTick {
		c.electionElapsed = 0
		c.Step(&raftpd.Message{From: c.id, MsgType: raftpd.MsgHup})
	}
}

func (c *core) tickHeartbeat() {
	c.heartbeatElapsed++
	c.electionElapsed++

	if c.electionElapsed >= c.electionTick {
		c.electionElapsed = 0
		if c.checkQuorum {
			c.checkQuorumActive()
		}
	}

	if c.state.IsLeader() && c.heartbeatElapsed >= c.heartbeatTick {
		c.heartbeatElapsed = 0
		c.Step(&raftpd.Message{From: c.id, MsgType: raftpd.MsgBeat})
	}
}

// Step is the entrance of message handling. Term checks happen
// here once; role handlers never see messages from old terms.
func (c *core) Step(msg *raftpd.Message) error {
	switch {
	case msg.Term == conf.InvalidTerm:
		/* local message */
		if !msg.MsgType.IsLocal() {
			log.Warnf("%d [Term: %d] reject a %v message with zero term from %d",
				c.id, c.term, msg.MsgType, msg.From)
			return ErrZeroTermMessage
		}
	case msg.Term > c.term:
		if msg.MsgType.IsVoteRequest() && c.checkQuorum &&
			c.leaderID != conf.InvalidID && c.electionElapsed < c.electionTick {
			// the lease of the current leader is still valid; a
			// partitioned challenger must not disrupt it.
			log.Infof("%d [Term: %d] ignore %v from %d at term %d: leader %d lease is valid",
				c.id, c.term, msg.MsgType, msg.From, msg.Term, c.leaderID)
			return nil
		}

		switch {
		case msg.MsgType == raftpd.MsgPreVoteRequest:
			// currentTerm never changes when receiving a PreVote.
		case msg.MsgType == raftpd.MsgPreVoteResponse && !msg.Reject:
			// we send pre-vote requests with a term in our future;
			// the term bumps when the grants reach quorum.
		default:
			log.Infof("%d [Term: %d] receive a %v message with higher term from %d [Term: %d]",
				c.id, c.term, msg.MsgType, msg.From, msg.Term)
			leaderID := conf.InvalidID
			switch msg.MsgType {
			case raftpd.MsgAppendRequest, raftpd.MsgHeartbeatRequest, raftpd.MsgSnapshotRequest:
				leaderID = msg.From
			}
			c.becomeFollower(msg.Term, leaderID)
		}
	case msg.Term < c.term:
		// Old-term messages never reach a role handler. Under
		// check-quorum an old leader may be unable to win votes yet
		// still needs to learn the new term, so append and
		// heartbeat get a reply carrying it; otherwise old-term
		// traffic is dropped on the floor.
		if c.checkQuorum && (msg.MsgType == raftpd.MsgAppendRequest ||
			msg.MsgType == raftpd.MsgHeartbeatRequest ||
			msg.MsgType == raftpd.MsgSnapshotRequest) {
			tp := raftpd.MsgAppendResponse
			if msg.MsgType == raftpd.MsgHeartbeatRequest {
				tp = raftpd.MsgHeartbeatResponse
			}
			c.send(&raftpd.Message{To: msg.From, MsgType: tp, Reject: true, Index: msg.Index})
		} else {
			log.Debugf("%d [Term: %d] ignore a %v message with lower term from %d [Term: %d]",
				c.id, c.term, msg.MsgType, msg.From, msg.Term)
		}
		return nil
	}

	switch msg.MsgType {
	case raftpd.MsgHup:
		c.handleHup()
	case raftpd.MsgPreVoteRequest, raftpd.MsgVoteRequest:
		c.handleVoteRequest(msg)
	default:
		return c.dispatch(msg)
	}
	return nil
}
