package core

import (
	"testing"

	"github.com/hihacoder/yaraft/raft/core/conf"
	"github.com/hihacoder/yaraft/raft/core/peer"
	"github.com/hihacoder/yaraft/raft/proto"
	"github.com/hihacoder/yaraft/raft/storage"
)

// Ensure that Step ignores messages from an old term and does not
// pass them to the role handlers: the mailbox stays empty and the
// log is untouched.
func TestStepIgnoreOldTermMsg(t *testing.T) {
	r := makeTestRaft(1, []uint64{1}, 10, 1, storage.MakeMemoryStorage(), withTerm(2))

	msg := raftpd.Message{From: 2, To: 1, MsgType: raftpd.MsgAppendRequest, Term: 1}
	if err := r.Step(&msg); err != nil {
		t.Fatalf("step: %v", err)
	}

	if len(r.mails) != 0 {
		t.Errorf("len(mails) = %d, want 0", len(r.mails))
	}
	if r.state != RoleFollower {
		t.Errorf("state = %v, want Follower", r.state)
	}
	if r.term != 2 {
		t.Errorf("term = %d, want 2", r.term)
	}
	if r.log.LastIndex() != 0 {
		t.Errorf("last index = %d, want 0", r.log.LastIndex())
	}
}

// A message received from a peer with term zero is malformed.
func TestStepZeroTermFromPeer(t *testing.T) {
	r := makeTestRaft(1, []uint64{1, 2}, 10, 1, storage.MakeMemoryStorage())

	msg := raftpd.Message{From: 2, To: 1, MsgType: raftpd.MsgAppendRequest}
	if err := r.Step(&msg); err != ErrZeroTermMessage {
		t.Errorf("step = %v, want ErrZeroTermMessage", err)
	}
}

// TestHandleMsgApp ensures:
//  1. Reply false if log doesn't contain an entry at prevLogIndex
//     whose term matches prevLogTerm.
//  2. If an existing entry conflicts with a new one (same index but
//     different terms), delete the existing entry and all that
//     follow it; append any new entries not already in the log.
//  3. If leaderCommit > commitIndex, set
//     commitIndex = min(leaderCommit, index of last new entry).
func TestHandleMsgApp(t *testing.T) {
	tests := []struct {
		prevIdx, prevTerm uint64
		commit            uint64
		entries           []raftpd.Entry

		wIndex  uint64
		wCommit uint64
		wReject bool
	}{
		// Ensure 1: previous log mismatch
		{3, 2, 3, nil, 2, 0, true},
		// previous log does not exist
		{3, 3, 3, nil, 2, 0, true},

		// Ensure 2
		{1, 1, 1, nil, 2, 1, false},
		{0, 0, 1, []raftpd.Entry{makeEntry(1, 2)}, 1, 1, false},
		{2, 2, 3, []raftpd.Entry{makeEntry(3, 2), makeEntry(4, 2)}, 4, 3, false},
		{2, 2, 4, []raftpd.Entry{makeEntry(3, 2)}, 3, 3, false},
		{1, 1, 4, []raftpd.Entry{makeEntry(2, 2)}, 2, 2, false},

		// Ensure 3
		// match entry 1, commit up to last new entry 1
		{1, 1, 3, nil, 2, 1, false},
		// match entry 1, commit up to last new entry 2
		{1, 1, 3, []raftpd.Entry{makeEntry(2, 2)}, 2, 2, false},
		// match entry 2, commit up to last new entry 2
		{2, 2, 3, nil, 2, 2, false},
		// commit up to the last index of the log
		{2, 2, 4, nil, 2, 2, false},
	}

	for i, tt := range tests {
		st := storage.MakeMemoryStorageWithEntries(
			[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)})
		r := makeTestRaft(1, []uint64{1}, 10, 1, st)
		r.becomeFollower(2, conf.InvalidID)

		r.handleAppendEntries(&raftpd.Message{
			From:    2,
			To:      1,
			MsgType: raftpd.MsgAppendRequest,
			Term:    r.term,
			Index:   tt.prevIdx,
			LogTerm: tt.prevTerm,
			Commit:  tt.commit,
			Entries: tt.entries,
		})

		if r.log.LastIndex() != tt.wIndex {
			t.Errorf("#%d: last index = %d, want %d", i, r.log.LastIndex(), tt.wIndex)
		}
		if r.log.CommitIndex() != tt.wCommit {
			t.Errorf("#%d: commit = %d, want %d", i, r.log.CommitIndex(), tt.wCommit)
		}
		mails := r.takeMails()
		if len(mails) != 1 {
			t.Fatalf("#%d: len(mails) = %d, want 1", i, len(mails))
		}
		if mails[0].Reject != tt.wReject {
			t.Errorf("#%d: reject = %v, want %v", i, mails[0].Reject, tt.wReject)
		}
	}
}

// The truncating append keeps the matching prefix and overwrites
// the conflicting suffix with the leader's entries.
func TestHandleMsgAppTruncate(t *testing.T) {
	st := storage.MakeMemoryStorageWithEntries(
		[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)})
	r := makeTestRaft(1, []uint64{1}, 10, 1, st)
	r.becomeFollower(3, conf.InvalidID)

	r.handleAppendEntries(&raftpd.Message{
		From:    2,
		MsgType: raftpd.MsgAppendRequest,
		Term:    r.term,
		Index:   1,
		LogTerm: 1,
		Commit:  3,
		Entries: []raftpd.Entry{makeEntry(2, 3)},
	})

	if r.log.LastIndex() != 2 {
		t.Errorf("last index = %d, want 2", r.log.LastIndex())
	}
	if term, _ := r.log.Term(2); term != 3 {
		t.Errorf("term(2) = %d, want 3", term)
	}
	if r.log.CommitIndex() != 2 {
		t.Errorf("commit = %d, want 2", r.log.CommitIndex())
	}
}

func TestStateTransition(t *testing.T) {
	tests := []struct {
		from StateRole
		to   StateRole

		wallow bool
		wterm  uint64
		wlead  uint64
	}{
		{RoleFollower, RoleFollower, true, 1, conf.InvalidID},
		{RoleFollower, RolePreCandidate, true, 0, conf.InvalidID},
		{RoleFollower, RoleCandidate, true, 1, conf.InvalidID},
		{RoleFollower, RoleLeader, false, 0, conf.InvalidID},

		{RolePreCandidate, RoleFollower, true, 0, conf.InvalidID},
		{RolePreCandidate, RolePreCandidate, true, 0, conf.InvalidID},
		{RolePreCandidate, RoleCandidate, true, 1, conf.InvalidID},

		{RoleCandidate, RoleFollower, true, 0, conf.InvalidID},
		{RoleCandidate, RoleCandidate, true, 1, conf.InvalidID},
		{RoleCandidate, RoleLeader, true, 0, 1},

		{RoleLeader, RoleFollower, true, 1, conf.InvalidID},
		{RoleLeader, RoleCandidate, false, 1, conf.InvalidID},

		// A leader electing itself again is legal and a no-op.
		{RoleLeader, RoleLeader, true, 0, 1},
	}

	for i, tt := range tests {
		r := makeTestRaft(1, []uint64{1}, 10, 1, storage.MakeMemoryStorage(),
			withState(tt.from), withVote(1))

		failed := func() (failed bool) {
			defer func() {
				if recover() != nil {
					failed = true
				}
			}()

			switch tt.to {
			case RoleFollower:
				r.becomeFollower(tt.wterm, tt.wlead)
			case RolePreCandidate:
				r.becomePreCandidate()
			case RoleCandidate:
				r.becomeCandidate()
			case RoleLeader:
				r.becomeLeader()
			}
			return false
		}()

		if failed == tt.wallow {
			t.Errorf("#%d: allow = %v, want %v", i, !failed, tt.wallow)
			continue
		}

		if tt.wallow {
			if r.term != tt.wterm {
				t.Errorf("#%d: term = %d, want %d", i, r.term, tt.wterm)
			}
			if r.leaderID != tt.wlead {
				t.Errorf("#%d: leader = %d, want %d", i, r.leaderID, tt.wlead)
			}
		}
	}
}

func TestHandleHeartbeat(t *testing.T) {
	commit := uint64(2)

	tests := []struct {
		commit  uint64
		wCommit uint64
	}{
		// do not decrease commit
		{commit - 1, commit},
		{commit + 1, commit + 1},
	}

	for i, tt := range tests {
		st := storage.MakeMemoryStorageWithEntries(
			[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3)})
		r := makeTestRaft(1, []uint64{1, 2}, 10, 1, st)
		r.becomeFollower(2, conf.InvalidID)
		r.log.CommitTo(commit)

		r.handleHeartbeat(&raftpd.Message{
			From:    2,
			To:      1,
			MsgType: raftpd.MsgHeartbeatRequest,
			Term:    2,
			Commit:  tt.commit,
		})

		if r.log.CommitIndex() != tt.wCommit {
			t.Errorf("#%d: commit = %d, want %d", i, r.log.CommitIndex(), tt.wCommit)
		}

		mails := r.takeMails()
		if len(mails) != 1 || mails[0].MsgType != raftpd.MsgHeartbeatResponse {
			t.Errorf("#%d: want a single heartbeat response, got %v", i, mails)
		}
	}
}

// TestHandleHeartbeatResp ensures that the leader re-sends log
// entries when it gets a heartbeat response from a peer that is
// behind, and stops once the peer caught up.
func TestHandleHeartbeatResp(t *testing.T) {
	st := storage.MakeMemoryStorageWithEntries(
		[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2), makeEntry(3, 3)})
	r := makeTestRaft(1, []uint64{1, 2}, 10, 1, st)
	r.becomeCandidate()
	r.becomeLeader()
	r.takeMails()

	if next := r.getProgress(2).Next; next != 4 {
		t.Fatalf("next of peer 2 = %d, want 4", next)
	}

	// A heartbeat response from a node that is behind; re-send append.
	r.Step(&raftpd.Message{From: 2, MsgType: raftpd.MsgHeartbeatResponse, Term: r.term})
	mails := r.takeMails()
	if len(mails) != 1 || mails[0].MsgType != raftpd.MsgAppendRequest {
		t.Fatalf("want a single append request, got %v", mails)
	}

	// A second heartbeat response generates another re-send.
	r.Step(&raftpd.Message{From: 2, MsgType: raftpd.MsgHeartbeatResponse, Term: r.term})
	mails = r.takeMails()
	if len(mails) != 1 || mails[0].MsgType != raftpd.MsgAppendRequest {
		t.Fatalf("want a single append request, got %v", mails)
	}

	// Once an append response pushes the match forward, heartbeat
	// responses no longer trigger sends.
	msg := mails[0]
	r.Step(&raftpd.Message{
		From:    2,
		MsgType: raftpd.MsgAppendResponse,
		Term:    r.term,
		Index:   msg.Index + uint64(len(msg.Entries)),
	})
	r.takeMails()

	r.Step(&raftpd.Message{From: 2, MsgType: raftpd.MsgHeartbeatResponse, Term: r.term})
	if mails = r.takeMails(); len(mails) != 0 {
		t.Fatalf("want no message, got %v", mails)
	}
}

// If there exists an N such that N > commitIndex, a majority of
// matchIndex[i] >= N, and log[N].term == currentTerm: set
// commitIndex = N. Entries of older terms never commit by count.
func TestCommit(t *testing.T) {
	tests := []struct {
		matches []uint64
		logs    []raftpd.Entry
		smTerm  uint64

		wCommit uint64
	}{
		// single
		{[]uint64{1}, []raftpd.Entry{makeEntry(1, 1)}, 1, 1},
		{[]uint64{1}, []raftpd.Entry{makeEntry(1, 1)}, 2, 0}, // not commit in newer term
		{[]uint64{2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)}, 2, 2},
		{[]uint64{1}, []raftpd.Entry{makeEntry(1, 2)}, 2, 1},

		// odd
		{[]uint64{2, 1, 1}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 1, 1},
		{[]uint64{2, 1, 1}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 2, 0},
		{[]uint64{2, 1, 2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)}, 2, 2},
		{[]uint64{2, 1, 2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 2, 0},

		// even
		{[]uint64{2, 1, 1, 1}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)}, 1, 1},
		{[]uint64{2, 1, 1, 1}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 2, 0},
		{[]uint64{2, 1, 1, 2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)}, 1, 1},
		{[]uint64{2, 1, 1, 2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 2, 0},
		{[]uint64{2, 1, 2, 2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 2)}, 2, 2},
		{[]uint64{2, 1, 2, 2}, []raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1)}, 2, 0},

		// 3 of 5 replicated at the leader's term
		{[]uint64{3, 3, 2, 2, 1},
			[]raftpd.Entry{makeEntry(1, 1), makeEntry(2, 1), makeEntry(3, 2)}, 2, 3},
	}

	for i, tt := range tests {
		st := storage.MakeMemoryStorageWithEntries(tt.logs)
		r := makeTestRaft(1, []uint64{1}, 5, 1, st, withTerm(tt.smTerm), withState(RoleLeader))

		r.prs = make(map[uint64]*peer.Progress)
		for j, match := range tt.matches {
			id := uint64(j + 1)
			pr := peer.MakeProgress(1, id, match+1)
			pr.Match = match
			r.prs[id] = pr
		}

		r.advanceCommitIndex()
		if r.log.CommitIndex() != tt.wCommit {
			t.Errorf("#%d: commit = %d, want %d", i, r.log.CommitIndex(), tt.wCommit)
		}
	}
}

// TestCampaignWhileLeader ensures that a leader node won't step
// down when it elects itself.
func TestCampaignWhileLeader(t *testing.T) {
	r := makeTestRaft(1, []uint64{1}, 5, 1, storage.MakeMemoryStorage())
	if r.state != RoleFollower {
		t.Fatalf("state = %v, want Follower", r.state)
	}

	r.Step(&raftpd.Message{From: 1, To: 1, MsgType: raftpd.MsgHup})
	if r.state != RoleLeader {
		t.Fatalf("state = %v, want Leader", r.state)
	}
	term := r.term

	r.Step(&raftpd.Message{From: 1, To: 1, MsgType: raftpd.MsgHup})
	if r.state != RoleLeader {
		t.Fatalf("state = %v, want Leader", r.state)
	}
	if r.term != term {
		t.Errorf("term = %d, want %d", r.term, term)
	}
}

// TestVoteFromAnyState ensures that no matter what state a node is
// in, it always steps down and votes for a legal candidate.
func TestVoteFromAnyState(t *testing.T) {
	for role := RoleFollower; role <= RoleLeader; role++ {
		r := makeTestRaft(1, []uint64{1, 2, 3}, 10, 1, storage.MakeMemoryStorage())

		switch role {
		case RoleFollower:
			r.becomeFollower(1, 3)
		case RolePreCandidate:
			r.becomeFollower(1, 3)
			r.becomePreCandidate()
		case RoleCandidate:
			r.becomeCandidate()
		case RoleLeader:
			r.becomeCandidate()
			r.becomeLeader()
		}
		if r.term != 1 {
			t.Fatalf("%v: term = %d, want 1", role, r.term)
		}
		r.takeMails()

		newTerm := uint64(2)
		from := uint64(2)
		r.Step(&raftpd.Message{
			From:    from,
			To:      1,
			MsgType: raftpd.MsgVoteRequest,
			Term:    newTerm,
			LogTerm: newTerm,
			Index:   4,
		})

		mails := r.takeMails()
		if len(mails) != 1 {
			t.Fatalf("%v: len(mails) = %d, want 1", role, len(mails))
		}
		if mails[0].MsgType != raftpd.MsgVoteResponse || mails[0].Reject {
			t.Errorf("%v: want a granted vote response, got %v", role, mails[0])
		}
		if r.vote != from {
			t.Errorf("%v: vote = %d, want %d", role, r.vote, from)
		}
		if r.term != newTerm {
			t.Errorf("%v: term = %d, want %d", role, r.term, newTerm)
		}
		if r.state != RoleFollower {
			t.Errorf("%v: state = %v, want Follower", role, r.state)
		}
	}
}

// At any term at most one vote is cast; a second candidate at the
// same term is rejected.
func TestSingleVotePerTerm(t *testing.T) {
	r := makeTestRaft(1, []uint64{1, 2, 3}, 10, 1, storage.MakeMemoryStorage())

	r.Step(&raftpd.Message{From: 2, MsgType: raftpd.MsgVoteRequest, Term: 2})
	mails := r.takeMails()
	if len(mails) != 1 || mails[0].Reject {
		t.Fatalf("want a granted vote, got %v", mails)
	}

	r.Step(&raftpd.Message{From: 3, MsgType: raftpd.MsgVoteRequest, Term: 2})
	mails = r.takeMails()
	if len(mails) != 1 || !mails[0].Reject {
		t.Fatalf("want a rejected vote, got %v", mails)
	}
	if r.vote != 2 {
		t.Errorf("vote = %d, want 2", r.vote)
	}
}

// The election fires when the randomized timeout elapses, and the
// randomized timeout stays within [electionTick, 2*electionTick).
func TestTickElection(t *testing.T) {
	r := makeTestRaft(1, []uint64{1, 2, 3}, 10, 1, storage.MakeMemoryStorage(),
		withRandTick(8))

	for i := 0; i < 7; i++ {
		r.Tick()
	}
	if r.state != RoleFollower {
		t.Fatalf("state = %v, want Follower", r.state)
	}

	r.Tick()
	if r.state != RoleCandidate {
		t.Fatalf("state = %v, want Candidate", r.state)
	}
	mails := r.takeMails()
	if len(mails) != 2 {
		t.Fatalf("len(mails) = %d, want 2 vote requests", len(mails))
	}
	for _, msg := range mails {
		if msg.MsgType != raftpd.MsgVoteRequest {
			t.Errorf("msg type = %v, want vote request", msg.MsgType)
		}
	}

	if r.randomizedElectionTick < 10 || r.randomizedElectionTick >= 20 {
		t.Errorf("randomized election tick = %d, want in [10, 20)",
			r.randomizedElectionTick)
	}
}

// The leader broadcasts heartbeats every heartbeat timeout.
func TestTickHeartbeat(t *testing.T) {
	r := makeTestRaft(1, []uint64{1, 2, 3}, 10, 3, storage.MakeMemoryStorage())
	r.becomeCandidate()
	r.becomeLeader()
	r.takeMails()

	for i := 0; i < 2; i++ {
		r.Tick()
	}
	if mails := r.takeMails(); len(mails) != 0 {
		t.Fatalf("want no message before the timeout, got %v", mails)
	}

	r.Tick()
	mails := r.takeMails()
	if len(mails) != 2 {
		t.Fatalf("len(mails) = %d, want 2 heartbeats", len(mails))
	}
	for _, msg := range mails {
		if msg.MsgType != raftpd.MsgHeartbeatRequest {
			t.Errorf("msg type = %v, want heartbeat request", msg.MsgType)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []conf.Config{
		// zero id
		{ID: 0, Peers: []uint64{1}, ElectionTick: 10, HeartbeatTick: 1,
			Storage: storage.MakeMemoryStorage()},
		// heartbeat not below election
		{ID: 1, Peers: []uint64{1}, ElectionTick: 1, HeartbeatTick: 1,
			Storage: storage.MakeMemoryStorage()},
		// no storage
		{ID: 1, Peers: []uint64{1}, ElectionTick: 10, HeartbeatTick: 1},
		// self not a member
		{ID: 1, Peers: []uint64{2, 3}, ElectionTick: 10, HeartbeatTick: 1,
			Storage: storage.MakeMemoryStorage()},
	}

	for i, config := range tests {
		tt := config
		if _, err := MakeRawNode(&tt); err == nil {
			t.Errorf("#%d: make raw node succeeded, want ErrInvalidConfig", i)
		}
	}
}
