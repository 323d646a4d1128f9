package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/intellect4all/lsmtree/common/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJournalAppendAndRecover(t *testing.T) {
	root := testutil.TempDir(t)
	j, err := OpenJournal(root, "j1", 4, FsyncEveryWrite, 0, zap.NewNop())
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		v := Value{Key: []byte{byte(i)}, Bytes: []byte{byte(i * 2)}, Seq: SeqNo(i)}
		require.NoError(t, j.Append(v))
	}
	require.NoError(t, j.Close())

	mt, maxSeq, err := RecoverJournal(root, "j1", 1<<20, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, SeqNo(20), maxSeq)
	require.Equal(t, 20, mt.Len())

	v, ok := mt.Get([]byte{10})
	require.True(t, ok)
	require.Equal(t, []byte{20}, v.Bytes)
}

func TestJournalAppendGroupAtomicity(t *testing.T) {
	root := testutil.TempDir(t)
	j, err := OpenJournal(root, "j2", 4, FsyncEveryWrite, 0, zap.NewNop())
	require.NoError(t, err)

	group := []Value{
		{Key: []byte("a"), Bytes: []byte("1"), Seq: 1},
		{Key: []byte("b"), Bytes: []byte("2"), Seq: 2},
		{Key: []byte("c"), Bytes: []byte("3"), Seq: 3},
	}
	require.NoError(t, j.AppendGroup(group))
	require.NoError(t, j.Close())

	mt, maxSeq, err := RecoverJournal(root, "j2", 1<<20, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, SeqNo(3), maxSeq)
	require.Equal(t, 3, mt.Len())
}

func TestJournalMarkFlushing(t *testing.T) {
	root := testutil.TempDir(t)
	j, err := OpenJournal(root, "j3", 2, FsyncEveryWrite, 0, zap.NewNop())
	require.NoError(t, err)
	require.False(t, journalIsFlushing(root, "j3"))

	require.NoError(t, j.MarkFlushing())
	require.True(t, journalIsFlushing(root, "j3"))
	require.NoError(t, j.Close())
}

func TestRecoverJournalToleratesTruncatedTailRecord(t *testing.T) {
	root := testutil.TempDir(t)
	j, err := OpenJournal(root, "j4", 1, FsyncEveryWrite, 0, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append(Value{Key: []byte("a"), Bytes: []byte("1"), Seq: 1}))
	require.NoError(t, j.Append(Value{Key: []byte("b"), Bytes: []byte("2"), Seq: 2}))
	require.NoError(t, j.Close())

	// Truncate the single shard file mid-record to simulate a crash
	// during the last append.
	shardPath := filepath.Join(journalDir(root, "j4"), "0")
	info, err := os.Stat(shardPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(shardPath, info.Size()-2))

	mt, _, err := RecoverJournal(root, "j4", 1<<20, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, mt.Len())
	v, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v.Bytes)
}
