package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/core/peer"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/utils"
)

func (c *core) dispatch(msg *raftpd.Message) error {
	switch c.state {
	case RoleLeader:
		return c.stepLeader(msg)
	case RoleFollower:
		return c.stepFollower(msg)
	case RolePreCandidate, RoleCandidate:
		return c.stepCandidate(msg)
	default:
		panic("unreachable")
	}
}

func (c *core) stepLeader(msg *raftpd.Message) error {
	switch msg.MsgType {
	case raftpd.MsgBeat:
		c.broadcastHeartbeat()
	case raftpd.MsgPropose:
		return c.handlePropose(msg)
	case raftpd.MsgAppendResponse, raftpd.MsgHeartbeatResponse, raftpd.MsgSnapshotStatus:
		pr := c.getProgress(msg.From)
		if pr == nil {
			log.Debugf("%d no progress available for %d", c.id, msg.From)
			return nil
		}

		switch msg.MsgType {
		case raftpd.MsgAppendResponse:
			pr.RecentActive = true
			c.handleAppendEntriesResponse(msg)
		case raftpd.MsgHeartbeatResponse:
			pr.RecentActive = true
			c.handleHeartbeatResponse(msg)
		case raftpd.MsgSnapshotStatus:
			c.handleSnapshotStatus(msg)
		}
	}
	return nil
}

func (c *core) stepFollower(msg *raftpd.Message) error {
	switch msg.MsgType {
	case raftpd.MsgPropose:
		if c.leaderID == conf.InvalidID {
			log.Infof("%d no leader at term %d; drop proposal", c.id, c.term)
			return ErrProposalDropped
		}
		// forward the proposal to the leader.
		msg.To = c.leaderID
		c.send(msg)
	case raftpd.MsgAppendRequest:
		c.electionElapsed = 0
		c.leaderID = msg.From
		c.handleAppendEntries(msg)
	case raftpd.MsgHeartbeatRequest:
		c.electionElapsed = 0
		c.leaderID = msg.From
		c.handleHeartbeat(msg)
	case raftpd.MsgSnapshotRequest:
		c.electionElapsed = 0
		c.leaderID = msg.From
		c.handleSnapshot(msg)
	}
	return nil
}

func (c *core) stepCandidate(msg *raftpd.Message) error {
	switch msg.MsgType {
	case raftpd.MsgPropose:
		log.Infof("%d no leader at term %d; drop proposal", c.id, c.term)
		return ErrProposalDropped

	// Only handle the vote responses of our own round: while in
	// RoleCandidate stale pre-vote responses of this term may still
	// arrive from the pre-candidate round.
	case raftpd.MsgPreVoteResponse:
		if c.state == RolePreCandidate {
			c.handleVoteResponse(msg)
		}
	case raftpd.MsgVoteResponse:
		if c.state == RoleCandidate {
			c.handleVoteResponse(msg)
		}

	// A candidate receiving append, heartbeat or snapshot from a
	// leader whose term is at least as large as its own recognizes
	// the leader as legitimate and returns to follower.
	case raftpd.MsgAppendRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleAppendEntries(msg)
	case raftpd.MsgHeartbeatRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleHeartbeat(msg)
	case raftpd.MsgSnapshotRequest:
		c.becomeFollower(msg.Term, msg.From)
		c.handleSnapshot(msg)
	}
	return nil
}

func (c *core) handlePropose(msg *raftpd.Message) error {
	utils.Assert(c.state.IsLeader(), "propose reached a non-leader")
	if len(msg.Entries) == 0 {
		log.Panicf("%d received empty proposal", c.id)
	}

	for i := range msg.Entries {
		if msg.Entries[i].Type != raftpd.EntryConfChange {
			continue
		}
		if c.pendingConf {
			log.Infof("%d propose conf ignored since pending unapplied configuration", c.id)
			msg.Entries[i] = raftpd.Entry{Type: raftpd.EntryNormal}
		}
		c.pendingConf = true
	}

	c.appendEntries(msg.Entries)
	c.broadcastAppend()
	return nil
}

// handleVoteRequest decides a ballot, for votes and pre-votes
// alike, whatever role we are in. A higher-term vote already
// forced the step preamble to step down before we get here.
func (c *core) handleVoteRequest(msg *raftpd.Message) {
	tp := raftpd.MsgVoteResponse
	if msg.MsgType == raftpd.MsgPreVoteRequest {
		tp = raftpd.MsgPreVoteResponse
	}

	// We can vote if this is a repeat of a vote we've already cast,
	// or we haven't voted at this term, or this is a pre-vote for a
	// future term.
	canVote := c.vote == msg.From ||
		c.vote == conf.InvalidID ||
		(msg.MsgType == raftpd.MsgPreVoteRequest && msg.Term > c.term)

	if canVote && c.log.IsUpToDate(msg.Index, msg.LogTerm) {
		log.Infof("%d [Term: %d, vote: %d] grant %v from %d [last idx: %d, last term: %d]",
			c.id, c.term, c.vote, msg.MsgType, msg.From, msg.Index, msg.LogTerm)

		// the response carries the term of the request: a
		// pre-vote is granted for a term we have not entered yet.
		c.send(&raftpd.Message{To: msg.From, MsgType: tp, Term: msg.Term})
		if msg.MsgType == raftpd.MsgVoteRequest {
			c.vote = msg.From
			c.electionElapsed = 0
		}
	} else {
		log.Infof("%d [Term: %d, vote: %d] reject %v from %d [last idx: %d, last term: %d]",
			c.id, c.term, c.vote, msg.MsgType, msg.From, msg.Index, msg.LogTerm)
		c.send(&raftpd.Message{To: msg.From, MsgType: tp, Term: c.term, Reject: true})
	}
}

func (c *core) handleVoteResponse(msg *raftpd.Message) {
	if msg.Reject {
		log.Infof("%d received %v rejection from %d at term %d",
			c.id, msg.MsgType, msg.From, c.term)
	} else {
		log.Infof("%d received %v from %d at term %d",
			c.id, msg.MsgType, msg.From, c.term)
	}

	c.votes[msg.From] = !msg.Reject

	if c.countVotes(true) >= c.quorum() {
		if c.state == RolePreCandidate {
			/* the pre-election carried; campaign for real */
			c.campaign()
		} else {
			c.becomeLeader()
			c.broadcastAppend()
		}
		return
	}

	// return to follower when a majority denies the ballot; there
	// is no point waiting out the clock.
	if c.countVotes(false) >= c.quorum() {
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

// RPC:
// - AppendEntries(commit, prevLogIndex, prevLogTerm, entries)
// - AppendEntriesReply(index, reject, hint)
func (c *core) handleAppendEntries(msg *raftpd.Message) {
	reply := raftpd.Message{}
	reply.To = msg.From
	reply.MsgType = raftpd.MsgAppendResponse

	if msg.Index < c.log.CommitIndex() {
		// the request precedes our commit; it was already
		// accepted, so answer like a successful append.
		reply.Index = c.log.CommitIndex()
		reply.Reject = false
		c.send(&reply)
		return
	}

	if idx, ok := c.log.MaybeAppend(msg.Index, msg.LogTerm, msg.Commit, msg.Entries); ok {
		log.Debugf("%d [Term: %d, commit: %d] accept append entries "+
			"from %d [prev term: %d, prev idx: %d]", c.id, c.term, c.log.CommitIndex(),
			msg.From, msg.LogTerm, msg.Index)

		reply.Index = idx
		reply.Reject = false
	} else {
		existing, _ := c.log.Term(msg.Index)
		log.Infof("%d [term at %d: %d, commit: %d, last idx: %d] rejected append "+
			"[prev term: %d, prev idx: %d] from %d", c.id, msg.Index, existing,
			c.log.CommitIndex(), c.log.LastIndex(), msg.LogTerm, msg.Index, msg.From)

		reply.Index = msg.Index
		reply.Reject = true
		reply.RejectHint = c.log.LastIndex()
	}
	c.send(&reply)
}

func (c *core) handleAppendEntriesResponse(msg *raftpd.Message) {
	pr := c.getProgress(msg.From)

	if msg.Reject {
		log.Debugf("%d [Term: %d] received append rejection [idx: %d, hint: %d] from %d",
			c.id, c.term, msg.Index, msg.RejectHint, msg.From)

		if pr.MaybeDecrement(msg.Index, msg.RejectHint) {
			c.sendAppend(pr)
		}
		return
	}

	pr.AckInFlights(msg.Index)
	if !pr.MaybeUpdate(msg.Index) {
		return
	}

	switch {
	case pr.State == peer.StateProbe:
		pr.BecomeReplicate()
	case pr.NeedSnapshotAbort():
		// the follower caught up past the pending snapshot through
		// ordinary appends; the transfer became pointless.
		log.Infof("%d snapshot to %d aborted: already matched at %d",
			c.id, msg.From, pr.Match)
		pr.BecomeProbe()
	}

	if c.advanceCommitIndex() {
		// let the followers learn the new commit index at once.
		c.broadcastAppend()
	}
}

func (c *core) handleHeartbeat(msg *raftpd.Message) {
	c.log.CommitTo(utils.MinUint64(msg.Commit, c.log.LastIndex()))

	reply := raftpd.Message{}
	reply.To = msg.From
	reply.MsgType = raftpd.MsgHeartbeatResponse
	c.send(&reply)
}

func (c *core) handleHeartbeatResponse(msg *raftpd.Message) {
	pr := c.getProgress(msg.From)
	pr.Resume()

	if pr.Match < c.log.LastIndex() {
		c.sendAppend(pr)
	}
}

func (c *core) handleSnapshot(msg *raftpd.Message) {
	utils.AssertNotNil(msg.Snapshot, "%d snapshot request without snapshot", c.id)

	reply := raftpd.Message{}
	reply.To = msg.From
	reply.MsgType = raftpd.MsgAppendResponse
	reply.Reject = false

	if c.tryRestore(*msg.Snapshot) {
		log.Infof("%d [commit: %d] restored snapshot [index: %d, term: %d]",
			c.id, c.log.CommitIndex(),
			msg.Snapshot.Metadata.Index, msg.Snapshot.Metadata.Term)
		reply.Index = c.log.LastIndex()
	} else {
		log.Infof("%d [commit: %d] ignored snapshot [index: %d, term: %d]",
			c.id, c.log.CommitIndex(),
			msg.Snapshot.Metadata.Index, msg.Snapshot.Metadata.Term)
		reply.Index = c.log.CommitIndex()
	}
	c.send(&reply)
}

// tryRestore reports whether the snapshot replaced the log. Stale
// snapshots are dropped; a snapshot the log already matches only
// forwards the commit index.
func (c *core) tryRestore(snapshot raftpd.Snapshot) bool {
	if snapshot.Metadata.Index <= c.log.CommitIndex() {
		/* expired snapshot install */
		return false
	}

	if c.log.MatchTerm(snapshot.Metadata.Index, snapshot.Metadata.Term) {
		c.log.CommitTo(snapshot.Metadata.Index)
		return false
	}

	c.log.Restore(snapshot)
	return true
}

func (c *core) handleSnapshotStatus(msg *raftpd.Message) {
	pr := c.getProgress(msg.From)
	if pr.State != peer.StateSnapshot {
		return
	}

	if msg.Reject {
		pr.SnapshotFailure()
		log.Infof("%d snapshot to %d failed; back to probe", c.id, msg.From)
	} else {
		log.Infof("%d snapshot to %d succeeded [pending: %d]",
			c.id, msg.From, pr.PendingSnapshot)
	}
	pr.BecomeProbe()

	// wait for the follower's next response before streaming more.
	pr.Pause()
}
