package peer

import (
	log "github.com/sirupsen/logrus"

	"github.com/hihacoder/yaraft/utils"
)

// Progress is the leader's view of one follower's log: what is
// known replicated (Match), what to send next (Next), and which
// replication state the peer is in. Invariant: Match < Next.
type Progress struct {
	belongID uint64

	// peer id.
	ID uint64

	// Match is the highest index known replicated on the peer.
	Match uint64

	// Next is the index of the next entry to send.
	Next uint64

	State ProgressState

	// paused is used in StateProbe: while true the leader holds
	// further replication messages to this peer.
	paused bool

	// PendingSnapshot is used in StateSnapshot: the index of the
	// snapshot in flight. Replication stays paused until the
	// transfer is reported finished or failed.
	PendingSnapshot uint64

	// RecentActive is true if the peer responded to the leader
	// since the last check-quorum sweep.
	RecentActive bool

	// ins is a sliding window for the inflight append messages.
	// When it fills up no more are sent; acknowledged indices free
	// the window through freeTo.
	ins inFlights
}

const inFlightWindow uint = 256

// MakeProgress creates the replication bookkeeping for one peer.
func MakeProgress(belong, id, next uint64) *Progress {
	return &Progress{
		belongID: belong,
		ID:       id,
		Match:    0,
		Next:     next,
		State:    StateProbe,
		ins:      makeInFlights(inFlightWindow),
	}
}

// Reset re-initializes the progress when a leader comes to power.
func (pr *Progress) Reset(match, next uint64) {
	pr.Match = match
	pr.Next = next
	pr.PendingSnapshot = 0
	pr.RecentActive = false
	pr.becomeProbe()
}

// MaybeUpdate is called on an acknowledged append. It returns
// whether the match index actually advanced.
func (pr *Progress) MaybeUpdate(n uint64) bool {
	updated := false
	if n > pr.Match {
		pr.Match = n
		pr.Resume()
		updated = true
	}
	if n+1 > pr.Next {
		pr.Next = n + 1
	}
	return updated
}

// MaybeDecrement is called on a rejected append carrying the
// follower's last index as hint. It returns whether next changed;
// stale rejections are ignored.
func (pr *Progress) MaybeDecrement(rejected, hint uint64) bool {
	if pr.State == StateReplicate {
		// rejections below the match are stale.
		if rejected <= pr.Match {
			log.Debugf("%d peer %d [match: %d] ignore stale rejection: %d",
				pr.belongID, pr.ID, pr.Match, rejected)
			return false
		}
		pr.Next = pr.Match + 1
		pr.BecomeProbe()
		return true
	}

	// the rejection must be stale if rejected does not match next-1.
	if pr.Next == 0 || pr.Next-1 != rejected {
		log.Debugf("%d peer %d [next: %d] ignore stale rejection: %d",
			pr.belongID, pr.ID, pr.Next, rejected)
		return false
	}

	pr.Next = utils.MaxUint64(1, utils.MinUint64(rejected, hint+1))
	log.Debugf("%d peer %d decrease next to %d", pr.belongID, pr.ID, pr.Next)
	pr.Resume()
	return true
}

// OptimisticUpdate advances next past idx after sending entries in
// StateReplicate and records the send in the inflight window.
func (pr *Progress) OptimisticUpdate(idx uint64) {
	pr.Next = idx + 1
	pr.ins.add(idx)
}

// AckInFlights frees the inflight window through the acknowledged
// index.
func (pr *Progress) AckInFlights(idx uint64) {
	pr.ins.freeTo(idx)
}

// BecomeProbe transitions back to probing after a lost append or a
// finished snapshot transfer.
func (pr *Progress) BecomeProbe() {
	origin := pr.State
	if pr.State == StateSnapshot {
		// the follower holds the pending snapshot, probe from past it.
		pending := pr.PendingSnapshot
		pr.becomeProbe()
		pr.Next = utils.MaxUint64(pr.Match+1, pending+1)
	} else {
		pr.becomeProbe()
		pr.Next = pr.Match + 1
	}
	log.Debugf("%d peer %d from %v => %v [next: %d]",
		pr.belongID, pr.ID, origin, pr.State, pr.Next)
}

// BecomeReplicate switches to optimistic pipelined replication
// after a successful probe.
func (pr *Progress) BecomeReplicate() {
	origin := pr.State
	pr.State = StateReplicate
	pr.paused = false
	pr.PendingSnapshot = 0
	pr.ins.reset()
	pr.Next = pr.Match + 1

	log.Debugf("%d peer %d from %v => %v", pr.belongID, pr.ID, origin, pr.State)
}

// BecomeSnapshot pauses replication while the snapshot at idx is
// in flight.
func (pr *Progress) BecomeSnapshot(idx uint64) {
	origin := pr.State
	pr.State = StateSnapshot
	pr.paused = false
	pr.ins.reset()
	pr.PendingSnapshot = idx

	log.Debugf("%d peer %d from %v => %v [pending snapshot: %d]",
		pr.belongID, pr.ID, origin, pr.State, idx)
}

// SnapshotFailure clears the pending transfer so the next probe
// can retry.
func (pr *Progress) SnapshotFailure() {
	pr.PendingSnapshot = 0
}

// NeedSnapshotAbort reports whether the pending snapshot became
// redundant because appends caught up past it.
func (pr *Progress) NeedSnapshotAbort() bool {
	return pr.State == StateSnapshot && pr.Match >= pr.PendingSnapshot
}

// IsPaused tests whether the leader should hold replication
// messages to this peer.
func (pr *Progress) IsPaused() bool {
	switch pr.State {
	case StateProbe:
		return pr.paused
	case StateReplicate:
		return pr.ins.full()
	case StateSnapshot:
		return true
	default:
		panic("unreachable")
	}
}

// Pause holds further probe messages until a response or timeout.
func (pr *Progress) Pause() {
	pr.paused = true
}

// Resume releases a paused probe.
func (pr *Progress) Resume() {
	pr.paused = false
}

func (pr *Progress) becomeProbe() {
	pr.State = StateProbe
	pr.paused = false
	pr.ins.reset()
}
