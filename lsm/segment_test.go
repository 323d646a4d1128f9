package lsm

import (
	"fmt"
	"testing"

	"github.com/intellect4all/lsmtree/common/testutil"
	"github.com/stretchr/testify/require"
)

func buildSegment(t *testing.T, root, id string, blockSize int, vals []Value) *Segment {
	t.Helper()

	b, err := NewSegmentBuilder(root, id, blockSize, len(vals), DefaultCodec)
	require.NoError(t, err)
	for _, v := range vals {
		require.NoError(t, b.Add(v))
	}
	_, ok, err := b.Finish()
	require.NoError(t, err)
	require.True(t, ok)

	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	seg, err := RecoverSegment(root, id, fds, cache, DefaultCodec)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func makeSortedValues(n int) []Value {
	out := make([]Value, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		out[i] = Value{Key: []byte(k), Bytes: []byte("value-" + k), Seq: SeqNo(i + 1)}
	}
	return out
}

func TestSegmentBuildAndGet(t *testing.T) {
	root := testutil.TempDir(t)
	vals := makeSortedValues(50)

	// Small block size forces multiple data blocks and index partitions.
	seg := buildSegment(t, root, "seg-1", 256, vals)

	require.Equal(t, int64(50), seg.ItemCount())
	require.Equal(t, []byte("key-0000"), seg.MinKey())
	require.Equal(t, []byte("key-0049"), seg.MaxKey())

	v, ok, err := seg.Get([]byte("key-0025"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value-key-0025"), v.Bytes)

	_, ok, err = seg.Get([]byte("key-9999"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSegmentGetNewestSeqnoWins(t *testing.T) {
	root := testutil.TempDir(t)
	vals := []Value{
		{Key: []byte("a"), Bytes: []byte("old"), Seq: 1},
		{Key: []byte("a"), Bytes: []byte("new"), Seq: 2},
		{Key: []byte("b"), Bytes: []byte("1"), Seq: 1},
	}
	seg := buildSegment(t, root, "seg-2", 4096, vals)

	v, ok, err := seg.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), v.Bytes)
}

func TestSegmentOverlaps(t *testing.T) {
	root := testutil.TempDir(t)
	vals := makeSortedValues(10) // key-0000 .. key-0009
	seg := buildSegment(t, root, "seg-3", 4096, vals)

	require.True(t, seg.Overlaps([]byte("key-0000"), []byte("key-0005")))
	require.True(t, seg.Overlaps(nil, nil))
	require.True(t, seg.Overlaps([]byte("key-0005"), nil))
	require.False(t, seg.Overlaps([]byte("zzz"), nil))
	require.False(t, seg.Overlaps(nil, []byte("aaa")))
}

func TestSegmentRangeIteratesBounded(t *testing.T) {
	root := testutil.TempDir(t)
	vals := makeSortedValues(30)
	seg := buildSegment(t, root, "seg-4", 128, vals)

	it, err := seg.Range([]byte("key-0010"), []byte("key-0015"))
	require.NoError(t, err)

	var got []Value
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 6)
	require.Equal(t, []byte("key-0010"), got[0].Key)
	require.Equal(t, []byte("key-0015"), got[5].Key)
}

func TestSegmentRangeFullScan(t *testing.T) {
	root := testutil.TempDir(t)
	vals := makeSortedValues(20)
	seg := buildSegment(t, root, "seg-5", 200, vals)

	it, err := seg.Range(nil, nil)
	require.NoError(t, err)

	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 20, count)
}

func TestSegmentBuilderAbortRemovesDir(t *testing.T) {
	root := testutil.TempDir(t)
	b, err := NewSegmentBuilder(root, "seg-aborted", 4096, 1, DefaultCodec)
	require.NoError(t, err)
	require.NoError(t, b.Add(Value{Key: []byte("a"), Seq: 1}))
	require.NoError(t, b.Abort())
}

func TestSegmentBuilderFinishEmptyEmitsNothing(t *testing.T) {
	root := testutil.TempDir(t)
	b, err := NewSegmentBuilder(root, "seg-empty", 4096, 1, DefaultCodec)
	require.NoError(t, err)
	_, ok, err := b.Finish()
	require.NoError(t, err)
	require.False(t, ok)
}
