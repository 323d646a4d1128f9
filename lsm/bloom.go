package lsm

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/intellect4all/lsmtree/common"
)

// bloomFilter wraps bits-and-blooms/bloom/v3, replacing the teacher's
// hand-rolled double-hashing bloom filter. Keys are pre-hashed with
// xxhash so the filter's own internal hashing operates on a fixed-width
// digest rather than re-scanning arbitrarily long user keys per probe.
type bloomFilter struct {
	filter *bloom.BloomFilter
}

// newBloomFilter sizes a filter for expectedKeys at the given false
// positive rate (segment builder default: 1%).
func newBloomFilter(expectedKeys int, falsePositiveRate float64) *bloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &bloomFilter{filter: bloom.NewWithEstimates(uint(expectedKeys), falsePositiveRate)}
}

func (b *bloomFilter) digest(key []byte) []byte {
	h := xxhash.Sum64(key)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(h >> (8 * i))
	}
	return buf
}

func (b *bloomFilter) Add(key []byte) {
	b.filter.Add(b.digest(key))
}

func (b *bloomFilter) MayContain(key []byte) bool {
	return b.filter.Test(b.digest(key))
}

func (b *bloomFilter) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode bloom filter: %w: %v", common.ErrSerialize, err)
	}
	return buf.Bytes(), nil
}

func decodeBloomFilter(data []byte) (*bloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decode bloom filter: %w: %v", common.ErrDeserialize, err)
	}
	return &bloomFilter{filter: f}, nil
}
