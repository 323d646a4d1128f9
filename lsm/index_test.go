package lsm

import (
	"fmt"
	"testing"

	"github.com/intellect4all/lsmtree/common/testutil"
	"github.com/stretchr/testify/require"
)

func buildIndexedSegment(t *testing.T, n, blockSize int) *Segment {
	t.Helper()
	root := testutil.TempDir(t)
	vals := make([]Value, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k-%04d", i)
		vals[i] = Value{Key: []byte(k), Bytes: []byte(k), Seq: SeqNo(i + 1)}
	}
	return buildSegment(t, root, "idx-seg", blockSize, vals)
}

func TestPartitionedIndexFirstLastBlock(t *testing.T) {
	seg := buildIndexedSegment(t, 40, 64)

	first, ok, err := seg.index.FirstBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("k-0000"), first.entry.StartKey)

	last, ok, err := seg.index.LastBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, compareBytes(last.entry.StartKey, first.entry.StartKey) > 0)
}

func TestPartitionedIndexLowerBound(t *testing.T) {
	seg := buildIndexedSegment(t, 40, 64)

	ref, ok, err := seg.index.LowerBound([]byte("k-0020"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, compareBytes(ref.entry.StartKey, []byte("k-0020")) <= 0)

	_, ok, err = seg.index.LowerBound([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok, "a key before every entry has no lower-bound block")
}

func TestPartitionedIndexNextPrevBlockWalksEntireSegment(t *testing.T) {
	seg := buildIndexedSegment(t, 40, 64)

	ref, ok, err := seg.index.FirstBlock()
	require.NoError(t, err)
	require.True(t, ok)

	count := 1
	for {
		next, ok, err := seg.index.NextBlock(ref)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.True(t, compareBytes(next.entry.StartKey, ref.entry.StartKey) > 0)
		ref = next
		count++
	}
	require.Greater(t, count, 1, "small block size should force multiple data blocks")

	// Walk backwards and confirm we land back at the first block.
	for {
		prev, ok, err := seg.index.PrevBlock(ref)
		require.NoError(t, err)
		if !ok {
			break
		}
		ref = prev
	}
	first, _, _ := seg.index.FirstBlock()
	require.Equal(t, first.entry.StartKey, ref.entry.StartKey)
}

func TestPrefixUpperBoundBytes(t *testing.T) {
	require.Equal(t, []byte("b"), prefixUpperBoundBytes([]byte("a")))
	require.Equal(t, []byte("ac"), prefixUpperBoundBytes([]byte("ab")))
	require.Nil(t, prefixUpperBoundBytes([]byte{0xFF, 0xFF}))
}

func TestPartitionedIndexPrefixUpperBound(t *testing.T) {
	seg := buildIndexedSegment(t, 40, 64)

	ref, ok, err := seg.index.PrefixUpperBound([]byte("k-001"))
	require.NoError(t, err)
	require.True(t, ok)
	// Every block at or after ref starts outside the "k-001" prefix range.
	require.True(t, compareBytes(ref.entry.StartKey, []byte("k-002")) >= 0)
}
