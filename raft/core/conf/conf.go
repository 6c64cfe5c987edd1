package conf

import (
	"errors"
	"fmt"
	"math"

	"github.com/hihacoder/yaraft/raft/storage"
)

// Invalid value for raft.
const (
	InvalidIndex uint64 = 0
	InvalidID    uint64 = 0
	InvalidTerm  uint64 = 0
)

// ErrInvalidConfig is returned by Validate when a Config breaks
// one of its constraints.
var ErrInvalidConfig = errors.New("conf: invalid configuration")

// Config given information to build raft algorithm.
type Config struct {
	// ID is the identity of the local raft. ID cannot be 0.
	ID uint64

	// Peers holds the IDs of all nodes in the raft group,
	// including ID itself.
	Peers []uint64

	// ElectionTick is the number of Tick invocations that must pass
	// between elections. That is, if a follower does not receive any
	// message from the leader of current term before ElectionTick has
	// elapsed, it will become candidate and start an election.
	// ElectionTick must be greater than HeartbeatTick. We suggest
	// ElectionTick = 10 * HeartbeatTick to avoid unnecessary leader
	// switching.
	ElectionTick int

	// HeartbeatTick is the number of Tick invocations that must pass
	// between heartbeats. That is, a leader sends heartbeat messages to
	// maintain its leadership every HeartbeatTick ticks.
	HeartbeatTick int

	// Storage serves the persisted prefix of the log. raft reads
	// the initial hard state and entries out of it; it never writes.
	Storage storage.Storage

	// Applied is the last applied index reported by the owner on
	// restart. It must not exceed the committed index of Storage's
	// hard state.
	Applied uint64

	// MaxSizePerMsg caps the byte size of entries packed into one
	// append message.
	MaxSizePerMsg uint64

	// PreVote enables the pre-election round which does not bump
	// term, avoiding disruption by partitioned nodes.
	PreVote bool

	// CheckQuorum makes the leader step down when it cannot reach a
	// quorum within an election timeout, and makes nodes with a live
	// leader lease reject vote requests.
	CheckQuorum bool

	// Seed feeds the generator that draws the randomized election
	// timeout, keeping runs reproducible.
	Seed int64
}

// Validate checks whether fields of Config are usable.
func (c *Config) Validate() error {
	if c.ID == InvalidID {
		return fmt.Errorf("%w: ID cannot be zero", ErrInvalidConfig)
	}

	if c.ElectionTick <= 0 {
		return fmt.Errorf("%w: election tick must be greater than zero", ErrInvalidConfig)
	}

	if c.HeartbeatTick <= 0 || c.HeartbeatTick >= c.ElectionTick {
		return fmt.Errorf("%w: heartbeat tick must be in (0, election tick)", ErrInvalidConfig)
	}

	if c.Storage == nil {
		return fmt.Errorf("%w: storage cannot be nil", ErrInvalidConfig)
	}

	var member bool
	for _, id := range c.Peers {
		if id == c.ID {
			member = true
		}
	}
	if !member {
		return fmt.Errorf("%w: peers must contain ID %d", ErrInvalidConfig, c.ID)
	}

	if hs, _, err := c.Storage.InitialState(); err != nil {
		return fmt.Errorf("%w: read initial state: %v", ErrInvalidConfig, err)
	} else if c.Applied > hs.Commit {
		return fmt.Errorf("%w: applied %d is ahead of committed %d",
			ErrInvalidConfig, c.Applied, hs.Commit)
	}

	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = math.MaxUint64
	}
	return nil
}
