package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemTableInsertGet(t *testing.T) {
	mt := NewMemTable(1 << 20)

	mt.Insert(Value{Key: []byte("b"), Bytes: []byte("2"), Seq: 1})
	mt.Insert(Value{Key: []byte("a"), Bytes: []byte("1"), Seq: 2})
	mt.Insert(Value{Key: []byte("c"), Bytes: []byte("3"), Seq: 3})

	v, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v.Bytes)

	_, ok = mt.Get([]byte("missing"))
	require.False(t, ok)
}

func TestMemTableGetReturnsNewestSeqno(t *testing.T) {
	mt := NewMemTable(1 << 20)

	mt.Insert(Value{Key: []byte("k"), Bytes: []byte("old"), Seq: 1})
	mt.Insert(Value{Key: []byte("k"), Bytes: []byte("new"), Seq: 2})

	v, ok := mt.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("new"), v.Bytes)
	require.Equal(t, SeqNo(2), v.Seq)
}

func TestMemTableInsertSameSeqnoIsIdempotent(t *testing.T) {
	mt := NewMemTable(1 << 20)

	mt.Insert(Value{Key: []byte("k"), Bytes: []byte("v1"), Seq: 1})
	mt.Insert(Value{Key: []byte("k"), Bytes: []byte("v2"), Seq: 1})

	require.Equal(t, 1, mt.Len())
	v, ok := mt.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v.Bytes)
}

func TestMemTableRangeBounds(t *testing.T) {
	mt := NewMemTable(1 << 20)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		mt.Insert(Value{Key: []byte(k), Bytes: []byte(k), Seq: 1})
	}

	got := mt.Range([]byte("b"), []byte("d"))
	require.Len(t, got, 3)
	require.Equal(t, []byte("b"), got[0].Key)
	require.Equal(t, []byte("d"), got[2].Key)

	all := mt.Range(nil, nil)
	require.Len(t, all, 5)
}

func TestMemTableIsFull(t *testing.T) {
	mt := NewMemTable(10)
	require.False(t, mt.IsFull())
	mt.Insert(Value{Key: []byte("k"), Bytes: []byte("0123456789"), Seq: 1})
	require.True(t, mt.IsFull())
}

func TestMemTableAllEntriesOrdering(t *testing.T) {
	mt := NewMemTable(1 << 20)
	mt.Insert(Value{Key: []byte("c"), Seq: 1})
	mt.Insert(Value{Key: []byte("a"), Seq: 1})
	mt.Insert(Value{Key: []byte("b"), Seq: 1})

	all := mt.AllEntries()
	require.Equal(t, []byte("a"), all[0].Key)
	require.Equal(t, []byte("b"), all[1].Key)
	require.Equal(t, []byte("c"), all[2].Key)
}
