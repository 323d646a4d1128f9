package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilterMayContain(t *testing.T) {
	bf := newBloomFilter(100, 0.01)
	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range keys {
		bf.Add(k)
	}

	for _, k := range keys {
		require.True(t, bf.MayContain(k))
	}
	require.False(t, bf.MayContain([]byte("definitely-absent-key")))
}

func TestBloomFilterEncodeDecodeRoundTrip(t *testing.T) {
	bf := newBloomFilter(50, 0.01)
	bf.Add([]byte("persisted"))

	data, err := bf.Encode()
	require.NoError(t, err)

	decoded, err := decodeBloomFilter(data)
	require.NoError(t, err)
	require.True(t, decoded.MayContain([]byte("persisted")))
}
