package lsm

import (
	"context"
	"fmt"
	"testing"

	"github.com/intellect4all/lsmtree/common/testutil"
	"github.com/stretchr/testify/require"
)

func newTestCompactionManager(t *testing.T, root string, lm *LevelManifest, fds *FDTable, cache *BlockCache) *CompactionManager {
	t.Helper()
	return NewCompactionManager(CompactionManagerConfig{
		Root:                   root,
		Manifest:               lm,
		FDs:                    fds,
		Cache:                  cache,
		Codec:                  DefaultCodec,
		BlockSize:              4096,
		MaxSegmentBytes:        1 << 20,
		ExpectedKeysPerSegment: 100,
		LeveledConfig:          DefaultLeveledConfig(),
	})
}

func TestCompactionMergeDropsTombstonesAtBottom(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 2) // level 1 is bottom
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	s1 := buildSegment(t, root, "s1", 4096, []Value{
		{Key: []byte("a"), Bytes: []byte("1"), Seq: 1},
		{Key: []byte("b"), Bytes: []byte("2"), Seq: 1},
	})
	s2 := buildSegment(t, root, "s2", 4096, []Value{
		{Key: []byte("b"), Seq: 2, Tombstone: true},
		{Key: []byte("c"), Bytes: []byte("3"), Seq: 1},
	})
	require.NoError(t, lm.AddSegment(0, s1))
	require.NoError(t, lm.AddSegment(0, s2))

	cm := newTestCompactionManager(t, root, lm, fds, cache)
	merged, err := cm.merge([]*Segment{s1, s2}, 1, true)
	require.NoError(t, err)
	require.Len(t, merged, 1)

	v, ok, err := merged[0].Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v.Bytes)

	_, ok, err = merged[0].Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok, "tombstone for b should be dropped at the bottom level")

	v, ok, err = merged[0].Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("3"), v.Bytes)
}

func TestCompactionMergeKeepsNewestSeqnoPerKey(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 3)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	s1 := buildSegment(t, root, "s1", 4096, []Value{
		{Key: []byte("k"), Bytes: []byte("old"), Seq: 1},
	})
	s2 := buildSegment(t, root, "s2", 4096, []Value{
		{Key: []byte("k"), Bytes: []byte("new"), Seq: 2},
	})

	cm := newTestCompactionManager(t, root, lm, fds, cache)
	merged, err := cm.merge([]*Segment{s1, s2}, 1, false)
	require.NoError(t, err)
	require.Len(t, merged, 1)

	v, ok, err := merged[0].Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), v.Bytes)
}

func TestCompactionMergeRollsOutputSegmentsAtMaxBytes(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 3)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	vals := make([]Value, 200)
	for i := range vals {
		k := fmt.Sprintf("key-%05d", i)
		vals[i] = Value{Key: []byte(k), Bytes: []byte("some-reasonably-sized-value-payload"), Seq: SeqNo(i + 1)}
	}
	s1 := buildSegment(t, root, "big", 4096, vals)

	cm := NewCompactionManager(CompactionManagerConfig{
		Root:                   root,
		Manifest:               lm,
		FDs:                    fds,
		Cache:                  cache,
		Codec:                  DefaultCodec,
		BlockSize:              4096,
		MaxSegmentBytes:        2048, // deliberately small to force rolling
		ExpectedKeysPerSegment: 100,
		LeveledConfig:          DefaultLeveledConfig(),
	})

	merged, err := cm.merge([]*Segment{s1}, 1, false)
	require.NoError(t, err)
	require.Greater(t, len(merged), 1, "small MaxSegmentBytes should force multiple output segments")

	total := int64(0)
	for _, s := range merged {
		total += s.ItemCount()
	}
	require.Equal(t, int64(200), total)
}

func TestCompactionManagerRunPromotesAndUnhides(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 3)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	s1 := buildNamedSegment(t, root, "s1", 0, 10)
	s2 := buildNamedSegment(t, root, "s2", 10, 20)
	require.NoError(t, lm.AddSegment(0, s1))
	require.NoError(t, lm.AddSegment(0, s2))

	cm := newTestCompactionManager(t, root, lm, fds, cache)
	ran, err := cm.TryCompactOnce(context.Background())
	require.NoError(t, err)
	require.False(t, ran, "below the L0 threshold nothing should run yet")

	require.NoError(t, lm.AddSegment(0, buildNamedSegment(t, root, "s3", 20, 30)))
	require.NoError(t, lm.AddSegment(0, buildNamedSegment(t, root, "s4", 30, 40)))

	ran, err = cm.TryCompactOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	require.Empty(t, lm.Segments(0))
	require.NotEmpty(t, lm.Segments(1))
	require.False(t, lm.IsCompacting(0))
}
