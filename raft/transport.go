package raft

import (
	"github.com/hihacoder/yaraft/raft/proto"
)

// Transporter carries raft messages to remote peers. Send may be
// called from the driver's tick goroutine and must not block on
// slow peers.
type Transporter interface {
	Send(msg *raftpd.Message) error
}
