package lsm

import (
	"testing"

	"github.com/intellect4all/lsmtree/common"
	"github.com/stretchr/testify/require"
)

func encodeValues(t *testing.T, vals []Value) [][]byte {
	t.Helper()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		b, err := v.Encode()
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	vals := []Value{
		{Key: []byte("a"), Bytes: []byte("1"), Seq: 1},
		{Key: []byte("b"), Bytes: []byte("2"), Seq: 2},
		{Key: []byte("c"), Bytes: []byte("3"), Seq: 3, Tombstone: true},
	}

	encoded := encodeBlock(encodeValues(t, vals), DefaultCodec)
	body, err := decodeBlockPayload(encoded, DefaultCodec)
	require.NoError(t, err)

	decoded, err := decodeValueBlock(body)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	require.Equal(t, vals[1].Key, decoded[1].Key)
	require.True(t, decoded[2].Tombstone)
}

func TestBlockDecodeRejectsBadMagic(t *testing.T) {
	encoded := encodeBlock(encodeValues(t, []Value{{Key: []byte("a"), Seq: 1}}), DefaultCodec)
	encoded[0] ^= 0xFF

	_, err := decodeBlockPayload(encoded, DefaultCodec)
	require.ErrorIs(t, err, common.ErrVersionMismatch)
}

func TestBlockDecodeRejectsCorruptedPayload(t *testing.T) {
	encoded := encodeBlock(encodeValues(t, []Value{{Key: []byte("a"), Bytes: []byte("value"), Seq: 1}}), DefaultCodec)
	// Flip a byte inside the compressed payload, past the version header.
	encoded[len(encoded)-1] ^= 0xFF

	_, err := decodeBlockPayload(encoded, DefaultCodec)
	require.Error(t, err)
}

func TestIndexBlockEncodeDecodeRoundTrip(t *testing.T) {
	entries := []IndexEntry{
		{Offset: 0, Size: 100, StartKey: []byte("a")},
		{Offset: 100, Size: 200, StartKey: []byte("m")},
	}
	itemBytes := make([][]byte, len(entries))
	for i, e := range entries {
		itemBytes[i] = e.Encode()
	}
	encoded := encodeBlock(itemBytes, DefaultCodec)

	body, err := decodeBlockPayload(encoded, DefaultCodec)
	require.NoError(t, err)

	decoded, err := decodeIndexBlock(body)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}
