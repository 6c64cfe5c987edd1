package core

// SoftState gives some raft runtime information which is volatile
// and needs no persistence.
type SoftState struct {
	// LeaderID is the id of the current leader, InvalidID when
	// unknown.
	LeaderID uint64
	// State is the current role of the node.
	State StateRole
	// LastIndex is the index of the last entry of the node's log.
	LastIndex uint64
}

// StateRole said the state role of raft.
type StateRole int

// Role enum constants.
const (
	RoleFollower StateRole = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
)

var stateRoleString = []string{
	"Follower",
	"PreCandidate",
	"Candidate",
	"Leader",
}

func (role StateRole) String() string {
	return stateRoleString[role]
}

// IsLeader test whether role is leader.
func (role StateRole) IsLeader() bool {
	return role == RoleLeader
}

// IsCandidate test whether role is candidate.
func (role StateRole) IsCandidate() bool {
	return role == RoleCandidate
}

// IsPreCandidate test whether role is pre-candidate.
func (role StateRole) IsPreCandidate() bool {
	return role == RolePreCandidate
}

// IsFollower test whether role is follower.
func (role StateRole) IsFollower() bool {
	return role == RoleFollower
}
