package core

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/core/peer"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/raft/storage"
	"github.com/hihacoder/yaraft/utils"
)

func quorum(n int) int {
	return n/2 + 1
}

// send stamps and buffers an outbound message into the mailbox.
func (c *core) send(msg *raftpd.Message) {
	if msg.MsgType == raftpd.MsgPreVoteRequest {
		/* pre vote request: campaign for a future term */
		msg.Term = c.term + 1
	} else if msg.MsgType == raftpd.MsgPreVoteResponse {
		/* the response term mirrors the request when granted and
		the local term when rejected; both set by the caller */
	} else {
		msg.Term = c.term
	}

	msg.From = c.id
	c.mails = append(c.mails, *msg)
}

// takeMails drains the mailbox; ordering is preserved.
func (c *core) takeMails() []raftpd.Message {
	mails := c.mails
	c.mails = nil
	return mails
}

func (c *core) resetRandomizedElectionTimeout() {
	previousTimeout := c.randomizedElectionTick
	c.randomizedElectionTick =
		c.electionTick + c.rand.Intn(c.electionTick)

	log.Debugf("%d reset randomized election timeout [%d => %d]",
		c.id, previousTimeout, c.randomizedElectionTick)
}

func (c *core) resetLease() {
	c.electionElapsed = 0
	c.heartbeatElapsed = 0
	c.resetRandomizedElectionTimeout()
}

func (c *core) reset(term uint64) {
	if c.term != term {
		c.term = term
		c.vote = conf.InvalidID
	}
	c.leaderID = conf.InvalidID
	c.votes = make(map[uint64]bool)
	c.resetLease()
	c.pendingConf = false
}

func (c *core) becomeFollower(term, leaderID uint64) {
	c.reset(term)
	c.leaderID = leaderID
	c.state = RoleFollower

	if leaderID != conf.InvalidID {
		log.Debugf("%d become %d's follower at term %d", c.id, leaderID, c.term)
	} else {
		log.Debugf("%d become follower at term %d, without leader", c.id, c.term)
	}
}

func (c *core) becomeCandidate() {
	utils.Assert(c.state != RoleLeader,
		"%d invalid transition [Leader => Candidate]", c.id)

	c.reset(c.term + 1)
	c.vote = c.id
	c.state = RoleCandidate

	log.Debugf("%d become candidate at term %d", c.id, c.term)
}

func (c *core) becomePreCandidate() {
	utils.Assert(c.state == RoleFollower || c.state == RolePreCandidate,
		"%d invalid transition [%v => PreCandidate]", c.id, c.state)

	// becoming a pre-candidate changes our role, but doesn't change
	// anything else: in particular it neither increments the term
	// nor records a vote.
	c.leaderID = conf.InvalidID
	c.state = RolePreCandidate
	c.votes = make(map[uint64]bool)
	c.resetLease()

	log.Debugf("%d become pre-candidate at term %d", c.id, c.term)
}

func (c *core) becomeLeader() {
	if c.state == RoleLeader {
		/* re-electing a leader is tolerated as a no-op */
		c.leaderID = c.id
		return
	}

	utils.Assert(c.state == RoleCandidate,
		"%d invalid transition [%v => Leader]", c.id, c.state)
	utils.Assert(c.vote == c.id, "leader must have voted for itself")

	term := c.term
	c.reset(term)
	c.term = term
	c.vote = c.id
	c.leaderID = c.id
	c.state = RoleLeader

	// when a leader first comes to power, it initializes all next
	// values to the index just after the last one in its log.
	nextIndex := c.log.LastIndex() + 1
	for _, pr := range c.prs {
		pr.Reset(0, nextIndex)
	}
	c.prs[c.id].MaybeUpdate(c.log.LastIndex())

	c.pendingConf = c.numOfPendingConf() > 0

	// an empty entry at the new term commits every entry of the
	// previous terms once it is replicated.
	c.appendEntries([]raftpd.Entry{{Type: raftpd.EntryNormal}})

	log.Infof("%d become leader at term %d [firstIdx: %d, lastIdx: %d]",
		c.id, c.term, c.log.FirstIndex(), c.log.LastIndex())
}

func (c *core) handleHup() {
	if c.state.IsLeader() {
		log.Debugf("%d [Term: %d] is already leader, ignore hup", c.id, c.term)
		return
	}

	if c.preVote {
		c.preCampaign()
	} else {
		c.campaign()
	}
}

func (c *core) preCampaign() {
	c.becomePreCandidate()

	/* self ballot */
	c.votes[c.id] = true
	if c.countVotes(true) >= c.quorum() {
		c.campaign()
		return
	}

	c.broadcastBallotRequest(raftpd.MsgPreVoteRequest)
}

func (c *core) campaign() {
	c.becomeCandidate()

	c.votes[c.id] = true
	if c.countVotes(true) >= c.quorum() {
		c.becomeLeader()
		c.broadcastAppend()
		return
	}

	c.broadcastBallotRequest(raftpd.MsgVoteRequest)
}

func (c *core) broadcastBallotRequest(tp raftpd.MessageType) {
	for _, id := range c.peers {
		if id == c.id {
			continue
		}

		msg := raftpd.Message{
			To:      id,
			MsgType: tp,
			Index:   c.log.LastIndex(),
			LogTerm: c.log.LastTerm(),
		}

		log.Debugf("%d [term: %d, last idx: %d, last term: %d] send %v to %d",
			c.id, c.term, msg.Index, msg.LogTerm, tp, id)
		c.send(&msg)
	}
}

func (c *core) quorum() int {
	return quorum(len(c.prs))
}

// countVotes tallies the ballots recorded so far.
func (c *core) countVotes(granted bool) int {
	count := 0
	for _, g := range c.votes {
		if g == granted {
			count++
		}
	}
	return count
}

// advanceCommitIndex commits all could commit: if there exists an
// N such that N > commitIndex, a majority of match[i] >= N, and
// log[N].term == currentTerm: set commitIndex = N. It reports
// whether commit moved.
func (c *core) advanceCommitIndex() bool {
	matches := make([]uint64, 0, len(c.prs))
	for _, pr := range c.prs {
		matches = append(matches, pr.Match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	mci := matches[c.quorum()-1]
	if mci <= c.log.CommitIndex() || !c.log.MatchTerm(mci, c.term) {
		/* already committed, or an old term's entry: committing
		those by counting replicas alone is forbidden. */
		return false
	}

	c.log.CommitTo(mci)
	return true
}

// appendEntries stamps and appends entries to the local log, and
// accounts the leader's own match.
func (c *core) appendEntries(entries []raftpd.Entry) {
	lastIndex := c.log.LastIndex()
	for i := range entries {
		entries[i].Index = lastIndex + 1 + uint64(i)
		entries[i].Term = c.term
	}

	c.log.Append(entries)
	c.prs[c.id].MaybeUpdate(c.log.LastIndex())

	// a single-node group commits without any response.
	c.advanceCommitIndex()
}

// broadcastAppend sends append (or snapshot) to every follower.
func (c *core) broadcastAppend() {
	for _, id := range c.peers {
		if id == c.id {
			continue
		}
		c.sendAppend(c.prs[id])
	}
}

// sendAppend replicates to one follower from its next index; when
// the log below next is already compacted it falls back to sending
// a snapshot.
func (c *core) sendAppend(pr *peer.Progress) {
	if pr.IsPaused() {
		return
	}

	prevIdx := pr.Next - 1
	prevTerm, errTerm := c.log.Term(prevIdx)
	entries, errEntries := c.log.Entries(pr.Next, c.maxSizePerMsg)
	if errTerm != nil || errEntries != nil {
		// the follower is so far behind that the leader already
		// compacted what it needs; ship a snapshot instead.
		c.sendSnapshot(pr)
		return
	}

	msg := raftpd.Message{
		To:      pr.ID,
		MsgType: raftpd.MsgAppendRequest,
		Index:   prevIdx,
		LogTerm: prevTerm,
		Entries: entries,
		Commit:  c.log.CommitIndex(),
	}

	log.Debugf("%d [Term: %d] send append [prev idx: %d, prev term: %d, %d entries] "+
		"to %d [matched: %d, next: %d]",
		c.id, c.term, prevIdx, prevTerm, len(entries), pr.ID, pr.Match, pr.Next)

	if len(entries) != 0 {
		switch pr.State {
		case peer.StateProbe:
			pr.Pause()
		case peer.StateReplicate:
			// optimistically increase the next when replicating.
			pr.OptimisticUpdate(entries[len(entries)-1].Index)
		default:
			log.Panicf("%d is sending append in unhandled state %v", c.id, pr.State)
		}
	}

	c.send(&msg)
}

func (c *core) sendSnapshot(pr *peer.Progress) {
	snapshot, err := c.log.Snapshot()
	if err != nil || snapshot.IsEmpty() {
		// the snapshot is building right now; retry on a later tick.
		log.Infof("%d failed to send snapshot to %d because snapshot "+
			"is temporarily unavailable", c.id, pr.ID)
		return
	}

	log.Infof("%d [firstIdx: %d, commit: %d] send snapshot[index: %d, term: %d] to %d",
		c.id, c.log.FirstIndex(), c.log.CommitIndex(),
		snapshot.Metadata.Index, snapshot.Metadata.Term, pr.ID)

	pr.BecomeSnapshot(snapshot.Metadata.Index)

	c.send(&raftpd.Message{
		To:       pr.ID,
		MsgType:  raftpd.MsgSnapshotRequest,
		Snapshot: &snapshot,
	})
}

// broadcastHeartbeat sends a heartbeat to every follower.
func (c *core) broadcastHeartbeat() {
	for _, id := range c.peers {
		if id == c.id {
			continue
		}
		c.sendHeartbeat(c.prs[id])
	}
}

func (c *core) sendHeartbeat(pr *peer.Progress) {
	// Attach the commit as min(to.matched, log.committed): the
	// follower might not yet hold all committed entries, and its
	// commit MUST NOT run past what it provably matches.
	msg := raftpd.Message{
		To:      pr.ID,
		MsgType: raftpd.MsgHeartbeatRequest,
		Commit:  utils.MinUint64(pr.Match, c.log.CommitIndex()),
	}
	c.send(&msg)
}

// checkQuorumActive steps the leader down when no quorum of peers
// responded within the last election timeout. The sweep consumes
// the RecentActive flags.
func (c *core) checkQuorumActive() {
	active := 0
	for _, pr := range c.prs {
		if pr.ID == c.id {
			active++
			continue
		}
		if pr.RecentActive {
			active++
		}
		pr.RecentActive = false
	}

	if active < c.quorum() {
		log.Infof("%d [Term: %d] stepped down to follower: quorum is not active",
			c.id, c.term)
		c.becomeFollower(c.term, conf.InvalidID)
	}
}

func (c *core) getProgress(id uint64) *peer.Progress {
	return c.prs[id]
}

func (c *core) numOfPendingConf() int {
	entries, err := c.log.Slice(c.log.CommitIndex()+1, c.log.LastIndex()+1, storage.NoLimit)
	if err != nil {
		log.Panicf("%d read uncommitted entries: %v", c.id, err)
	}

	num := 0
	for i := range entries {
		if entries[i].Type == raftpd.EntryConfChange {
			num++
		}
	}
	return num
}

func (c *core) addNode(id uint64) {
	c.pendingConf = false

	// ignore any redundant addNode calls; the bootstrapping
	// entries can be applied twice.
	if _, ok := c.prs[id]; ok {
		return
	}

	c.peers = append(c.peers, id)
	c.prs[id] = peer.MakeProgress(c.id, id, c.log.LastIndex()+1)
}

func (c *core) removeNode(id uint64) {
	c.pendingConf = false

	if _, ok := c.prs[id]; !ok {
		return
	}
	delete(c.prs, id)
	for i := range c.peers {
		if c.peers[i] == id {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			break
		}
	}

	if len(c.peers) == 0 {
		return
	}

	// the quorum shrank; pending entries may commit now.
	if c.state.IsLeader() && c.advanceCommitIndex() {
		c.broadcastAppend()
	}
}
