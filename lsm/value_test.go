package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalKeyOrdering(t *testing.T) {
	a := InternalKey{UserKey: []byte("a"), Seq: 5}
	b := InternalKey{UserKey: []byte("a"), Seq: 10}
	c := InternalKey{UserKey: []byte("b"), Seq: 1}

	require.Negative(t, b.Compare(a), "higher seqno sorts before lower seqno for the same key")
	require.Positive(t, a.Compare(b))
	require.Negative(t, a.Compare(c), "lexicographically smaller user key sorts first regardless of seqno")
	require.Zero(t, a.Compare(a))
}

func TestValueEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		{Key: []byte("hello"), Bytes: []byte("world"), Seq: 42},
		{Key: []byte("k"), Bytes: nil, Seq: 1, Tombstone: true},
		{Key: []byte("empty-value"), Bytes: []byte{}, Seq: 7},
	}

	for _, v := range cases {
		buf, err := v.Encode()
		require.NoError(t, err)

		got, n, err := DecodeValue(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v.Key, got.Key)
		require.Equal(t, v.Seq, got.Seq)
		require.Equal(t, v.Tombstone, got.Tombstone)
		if v.Tombstone {
			require.Empty(t, got.Bytes)
		} else {
			require.Equal(t, v.Bytes, got.Bytes)
		}
	}
}

func TestValueEncodeRejectsEmptyKey(t *testing.T) {
	_, err := Value{Key: nil, Bytes: []byte("x")}.Encode()
	require.Error(t, err)
}

func TestDecodeValueTruncatedBuffer(t *testing.T) {
	v := Value{Key: []byte("key"), Bytes: []byte("value"), Seq: 1}
	buf, err := v.Encode()
	require.NoError(t, err)

	_, _, err = DecodeValue(buf[:len(buf)-3])
	require.Error(t, err)
}

func TestIndexEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := IndexEntry{Offset: 1024, Size: 4096, StartKey: []byte("partition-start")}
	buf := e.Encode()

	got, n, err := DecodeIndexEntry(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, e, got)
}
