package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hihacoder/yaraft/raft/proto"
)

func openTestBolt(t *testing.T) *BoltStorage {
	t.Helper()
	bs, err := OpenBoltStorage(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return bs
}

func TestBoltStorageRoundTrip(t *testing.T) {
	bs := openTestBolt(t)

	hs := raftpd.HardState{Term: 2, Vote: 3, Commit: 1}
	require.NoError(t, bs.SetHardState(hs))

	entries := []raftpd.Entry{
		{Index: 1, Term: 1, Type: raftpd.EntryNormal, Data: []byte("a")},
		{Index: 2, Term: 2, Type: raftpd.EntryNormal, Data: []byte("b")},
	}
	require.NoError(t, bs.Append(entries))

	got, _, err := bs.InitialState()
	require.NoError(t, err)
	require.Equal(t, hs, got)

	last, err := bs.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	read, err := bs.Entries(1, 3, NoLimit)
	require.NoError(t, err)
	require.Equal(t, entries, read)

	term, err := bs.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
}

func TestBoltStorageTruncatingAppend(t *testing.T) {
	bs := openTestBolt(t)

	require.NoError(t, bs.Append([]raftpd.Entry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1},
	}))
	require.NoError(t, bs.Append([]raftpd.Entry{
		{Index: 2, Term: 2},
	}))

	last, err := bs.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	term, err := bs.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	_, err = bs.Term(3)
	require.Equal(t, ErrUnavailable, err)
}

func TestBoltStorageCompact(t *testing.T) {
	bs := openTestBolt(t)

	require.NoError(t, bs.Append([]raftpd.Entry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 2},
	}))
	require.NoError(t, bs.Compact(2))

	first, err := bs.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)

	// the boundary term is retained for log matching.
	term, err := bs.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)

	_, err = bs.Entries(2, 4, NoLimit)
	require.Equal(t, ErrCompacted, err)

	_, err = bs.Term(1)
	require.Equal(t, ErrCompacted, err)
}

func TestBoltStorageRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")

	bs, err := OpenBoltStorage(path)
	require.NoError(t, err)
	require.NoError(t, bs.SetHardState(raftpd.HardState{Term: 5, Vote: 1, Commit: 2}))
	require.NoError(t, bs.Append([]raftpd.Entry{
		{Index: 1, Term: 4}, {Index: 2, Term: 5},
	}))
	require.NoError(t, bs.Close())

	bs, err = OpenBoltStorage(path)
	require.NoError(t, err)
	defer bs.Close()

	hs, _, err := bs.InitialState()
	require.NoError(t, err)
	require.Equal(t, raftpd.HardState{Term: 5, Vote: 1, Commit: 2}, hs)

	last, err := bs.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestBoltStorageApplySnapshot(t *testing.T) {
	bs := openTestBolt(t)

	require.NoError(t, bs.Append([]raftpd.Entry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1},
	}))
	require.NoError(t, bs.ApplySnapshot(raftpd.Snapshot{
		Metadata: raftpd.SnapshotMetadata{Index: 4, Term: 3},
		Data:     []byte("compacted state"),
	}))

	first, err := bs.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), first)

	last, err := bs.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)

	snapshot, err := bs.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(4), snapshot.Metadata.Index)

	// a stale snapshot is refused
	err = bs.ApplySnapshot(raftpd.Snapshot{
		Metadata: raftpd.SnapshotMetadata{Index: 3, Term: 3},
	})
	require.Equal(t, ErrCompacted, err)
}
