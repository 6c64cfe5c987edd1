// Package core provides a deterministic implementation of the raft
// consensus state machine.
//
// The package performs no I/O and owns no clock: the caller feeds
// it inbound messages through `Step` and logical time through
// `Tick`, then drains the produced work with `Ready` — entries to
// persist, messages to send, entries to apply — and acknowledges
// it with `Advance`. Given the same starting state, the same seed
// and the same input sequence, the outputs are identical.
//
// Basic usage starts with `Propose`: pass binary data, and the
// data appears in `Ready.CommittedEntries` once a majority of
// nodes acknowledged it. After that it is safe to apply to the
// state machine, whatever minority of nodes is down.
//
// Two situations need care:
//   - use `ProposeConfChange` instead of `Propose` for membership
//     changes, and call `ApplyConfChange` when the entry reaches the
//     state machine, so raft applies the change too.
//   - when `Ready.Messages` carries a snapshot request, report the
//     outcome of the transfer with `ReportSnapshotStatus`, otherwise
//     replication to that follower stays paused.
package core
