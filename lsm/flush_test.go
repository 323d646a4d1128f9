package lsm

import (
	"testing"

	"github.com/intellect4all/lsmtree/common/testutil"
	"github.com/stretchr/testify/require"
)

func newTestMemtableManagerConfig(root string, lm *LevelManifest, fds *FDTable, cache *BlockCache) MemtableManagerConfig {
	return MemtableManagerConfig{
		Root:            root,
		Manifest:        lm,
		FDs:             fds,
		Cache:           cache,
		Codec:           DefaultCodec,
		MaxMemtableSize: 256,
		JournalShards:   2,
		FsyncPolicy:     FsyncEveryWrite,
		BlockSize:       4096,
	}
}

func TestMemtableManagerInsertGetAndRotate(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 7)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	mm, err := newMemtableManagerFresh(newTestMemtableManagerConfig(root, lm, fds, cache))
	require.NoError(t, err)

	require.NoError(t, mm.Insert(Value{Key: []byte("a"), Bytes: []byte("1"), Seq: 1}))
	v, ok := mm.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v.Bytes)

	require.NoError(t, mm.ForceRotate())
	// After rotation the value still resolves via the immutable queue.
	v, ok = mm.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v.Bytes)

	require.NoError(t, mm.FlushAllSync())
	require.Equal(t, 1, lm.SegmentCount())

	require.NoError(t, mm.Close())
}

func TestMemtableManagerInsertGroupAppliesAllEntries(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 7)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	mm, err := newMemtableManagerFresh(newTestMemtableManagerConfig(root, lm, fds, cache))
	require.NoError(t, err)
	defer mm.Close()

	group := []Value{
		{Key: []byte("x"), Bytes: []byte("1"), Seq: 1},
		{Key: []byte("y"), Bytes: []byte("2"), Seq: 2},
	}
	require.NoError(t, mm.InsertGroup(group))

	for _, v := range group {
		got, ok := mm.Get(v.Key)
		require.True(t, ok)
		require.Equal(t, v.Bytes, got.Bytes)
	}
}

func TestMemtableManagerRecoverSeparatesActiveFromImmutable(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 7)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	cfg := newTestMemtableManagerConfig(root, lm, fds, cache)
	mm, err := newMemtableManagerFresh(cfg)
	require.NoError(t, err)

	require.NoError(t, mm.Insert(Value{Key: []byte("active-key"), Bytes: []byte("v1"), Seq: 1}))
	require.NoError(t, mm.ForceRotate())
	require.NoError(t, mm.Insert(Value{Key: []byte("new-active-key"), Bytes: []byte("v2"), Seq: 2}))
	require.NoError(t, mm.Close())

	recovered, maxSeq, err := RecoverMemtableManager(cfg)
	require.NoError(t, err)
	require.Equal(t, SeqNo(2), maxSeq)

	v, ok := recovered.Get([]byte("active-key"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Bytes)

	v, ok = recovered.Get([]byte("new-active-key"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v.Bytes)

	require.NoError(t, recovered.Close())
}

func TestMemtableManagerAutoRotatesWhenFull(t *testing.T) {
	root := testutil.TempDir(t)
	lm := NewLevelManifest(root, 7)
	fds := NewFDTable(64)
	cache, err := NewBlockCache(64)
	require.NoError(t, err)

	cfg := newTestMemtableManagerConfig(root, lm, fds, cache)
	cfg.MaxMemtableSize = 10 // tiny, so a couple of inserts overflow it
	mm, err := newMemtableManagerFresh(cfg)
	require.NoError(t, err)
	defer mm.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, mm.Insert(Value{Key: []byte{byte(i)}, Bytes: []byte("0123456789"), Seq: SeqNo(i + 1)}))
	}

	require.NoError(t, mm.FlushAllSync())
	require.Greater(t, lm.SegmentCount(), 0)
}
