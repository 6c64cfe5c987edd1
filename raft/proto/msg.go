package raftpd

import "encoding/gob"

type MessageType int

// Message from local:
//   - Hup			trigger of election, raised by election timeout.
//   - Beat			trigger of heartbeat broadcast, raised by heartbeat timeout.
//   - SnapshotStatus	report of a finished or failed snapshot transfer,
//     raised by the transport.
//
// Message from client:
// - Propose
//
// Message from leader:
// - Append request
// - Snapshot request
// - Heartbeat request
//
// Message from follower:
// - Append response
// - Heartbeat response
//
// Message from candidate:
// - PreVote request
// - Vote request
//
// Message from all server:
// - PreVote response
// - Vote response
//
// Local messages carry term zero and never cross the wire; any
// message received from a peer with term zero is malformed.
const (
	MsgHup MessageType = iota
	MsgBeat
	MsgPropose
	MsgAppendRequest
	MsgAppendResponse
	MsgPreVoteRequest
	MsgPreVoteResponse
	MsgVoteRequest
	MsgVoteResponse
	MsgHeartbeatRequest
	MsgHeartbeatResponse
	MsgSnapshotRequest
	MsgSnapshotStatus
)

// Message is the single record exchanged between nodes. Index is
// the previous log index on append requests, and the acknowledged
// (or rejected) index on responses. Commit carries the sender's
// commit index.
type Message struct {
	MsgType    MessageType
	From, To   uint64
	Term       uint64
	LogTerm    uint64
	Index      uint64
	Entries    []Entry
	Commit     uint64
	Reject     bool
	RejectHint uint64
	Snapshot   *Snapshot
}

func (c *Message) Reset() { *c = Message{} }

var messageTypeString = []string{
	"Hup",
	"Beat",
	"Propose",
	"Append request",
	"Append response",
	"PreVote request",
	"PreVote response",
	"Vote request",
	"Vote response",
	"Heartbeat request",
	"Heartbeat response",
	"Snapshot request",
	"Snapshot status",
}

func (tp MessageType) String() string {
	return messageTypeString[tp]
}

// IsLocal reports whether the message type may be raised on the
// local node with term zero. Proposals are also forwarded from a
// follower to the leader, then stamped with the sender's term.
func (tp MessageType) IsLocal() bool {
	switch tp {
	case MsgHup, MsgBeat, MsgPropose, MsgSnapshotStatus:
		return true
	default:
		return false
	}
}

// IsVoteRequest reports whether the message asks for a ballot.
func (tp MessageType) IsVoteRequest() bool {
	return tp == MsgVoteRequest || tp == MsgPreVoteRequest
}

func init() {
	gob.Register(Message{})
}
