package lsm

import (
	"testing"

	"github.com/intellect4all/lsmtree/common"
	"github.com/intellect4all/lsmtree/common/testutil"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)
	cfg.CompactionInterval = 0
	a, err := NewAdapter(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapterImplementsStorageEngine(t *testing.T) {
	var _ common.StorageEngine = (*Adapter)(nil)
}

func TestAdapterPutGetDelete(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.Put([]byte("k"), []byte("v")))
	v, err := a.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, a.Delete([]byte("k")))
	_, err = a.Get([]byte("k"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestAdapterStatsTracksCounts(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.Put([]byte("a"), []byte("1")))
	require.NoError(t, a.Put([]byte("b"), []byte("2")))
	_, _ = a.Get([]byte("a"))
	_, _ = a.Get([]byte("missing"))

	stats := a.Stats()
	require.Equal(t, int64(2), stats.WriteCount)
	require.Equal(t, int64(2), stats.ReadCount)
	require.Equal(t, int64(2), stats.NumKeys)
}

func TestAdapterCompactIncrementsCount(t *testing.T) {
	a := openTestAdapter(t)
	require.NoError(t, a.Put([]byte("a"), []byte("1")))
	require.NoError(t, a.Sync())

	require.NoError(t, a.Compact())
	require.Equal(t, int64(1), a.Stats().CompactCount)
}

func TestAdapterTreeAccessor(t *testing.T) {
	a := openTestAdapter(t)
	require.NotNil(t, a.Tree())
}
