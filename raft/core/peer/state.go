package peer

// State transfer graph of a Progress.
//
// Default state => probe (match: 0, next: log.lastIdx + 1)
//
// probe:
//
//	send log entries (paused: true)
//	receive append response
//		success: => replicate (match: n, next: n+1)
//		failed: => probe (next: max{1, min{rejected, hint+1}})
//		ignore on rejected != next-1
//	send snapshot => snapshot (pending: snapshot.meta.idx)
//
// snapshot:
//
//	receive snapshot status
//		success: => probe (next: pending+1)
//		failed: => probe (next: match+1)
//
// replicate:
//
//	send log entries (next: last index sent + 1)
//	receive append response:
//		success (match: max{match, idx})
//		failed => probe (next: match + 1)
type ProgressState int

const (
	// StateProbe sends at most one replication message per
	// heartbeat interval while it discovers the follower's match.
	StateProbe ProgressState = iota

	// StateReplicate optimistically advances next after every send
	// for fast pipelined replication.
	StateReplicate

	// StateSnapshot pauses replication until the outstanding
	// snapshot transfer is reported finished or failed.
	StateSnapshot
)

var progressStateString = []string{
	"Probe",
	"Replicate",
	"Snapshot",
}

func (state ProgressState) String() string {
	return progressStateString[state]
}
