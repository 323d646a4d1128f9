package lsm

import (
	"fmt"
	"os"
	"sort"

	"github.com/intellect4all/lsmtree/common"
)

// blockRef locates one data-block IndexEntry inside a segment's
// partitioned index: which index partition it lives in, and its
// position within that partition's decoded entries.
type blockRef struct {
	partition int
	pos       int
	entry     IndexEntry
}

// PartitionedIndex is a segment's two-level index: a resident top-level
// sorted map of partition start keys -> (offset, size) into the index
// file, and on-demand-loaded index blocks ("partitions") each holding
// the IndexEntries that point at data blocks. Partitioning caps the
// memory a segment's index holds resident regardless of segment size.
type PartitionedIndex struct {
	segmentID string
	indexPath string
	fds       *FDTable
	cache     *BlockCache
	codec     Codec

	topLevel []IndexEntry
}

// loadPartitionedIndex reads the single top-level index block (always
// kept resident) at the given offset/size in the segment's index file.
func loadPartitionedIndex(segmentID, indexPath string, topLevelOffset, topLevelSize uint64, fds *FDTable, cache *BlockCache, codec Codec) (*PartitionedIndex, error) {
	var entries []IndexEntry
	err := fds.WithReader(indexPath, func(f *os.File) error {
		e, err := readIndexBlockAt(f, int64(topLevelOffset), int64(topLevelSize), codec)
		if err != nil {
			return err
		}
		entries = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load top-level index: %w", err)
	}

	return &PartitionedIndex{
		segmentID: segmentID,
		indexPath: indexPath,
		fds:       fds,
		cache:     cache,
		codec:     codec,
		topLevel:  entries,
	}, nil
}

func (p *PartitionedIndex) loadPartition(i int) ([]IndexEntry, error) {
	if i < 0 || i >= len(p.topLevel) {
		return nil, fmt.Errorf("partition %d out of range: %w", i, common.ErrDeserialize)
	}
	te := p.topLevel[i]
	key := cacheKey{segmentID: p.segmentID, startKey: string(te.StartKey)}
	return p.cache.GetOrLoadIndex(key, func() ([]IndexEntry, error) {
		var entries []IndexEntry
		err := p.fds.WithReader(p.indexPath, func(f *os.File) error {
			e, err := readIndexBlockAt(f, int64(te.Offset), int64(te.Size), p.codec)
			if err != nil {
				return err
			}
			entries = e
			return nil
		})
		return entries, err
	})
}

// partitionFor returns the index into topLevel of the partition whose
// StartKey is the greatest one <= key, or -1 if key precedes every
// partition.
func (p *PartitionedIndex) partitionFor(key []byte) int {
	idx := sort.Search(len(p.topLevel), func(i int) bool {
		return compareBytes(p.topLevel[i].StartKey, key) > 0
	})
	return idx - 1
}

// FirstBlock returns the segment's first data block.
func (p *PartitionedIndex) FirstBlock() (blockRef, bool, error) {
	if len(p.topLevel) == 0 {
		return blockRef{}, false, nil
	}
	entries, err := p.loadPartition(0)
	if err != nil {
		return blockRef{}, false, err
	}
	if len(entries) == 0 {
		return blockRef{}, false, nil
	}
	return blockRef{partition: 0, pos: 0, entry: entries[0]}, true, nil
}

// LastBlock returns the segment's last data block.
func (p *PartitionedIndex) LastBlock() (blockRef, bool, error) {
	if len(p.topLevel) == 0 {
		return blockRef{}, false, nil
	}
	last := len(p.topLevel) - 1
	entries, err := p.loadPartition(last)
	if err != nil {
		return blockRef{}, false, err
	}
	if len(entries) == 0 {
		return blockRef{}, false, nil
	}
	pos := len(entries) - 1
	return blockRef{partition: last, pos: pos, entry: entries[pos]}, true, nil
}

// LowerBound returns the candidate data block possibly containing key:
// the block whose start_key is the greatest one <= key.
func (p *PartitionedIndex) LowerBound(key []byte) (blockRef, bool, error) {
	pi := p.partitionFor(key)
	if pi < 0 {
		return blockRef{}, false, nil
	}
	entries, err := p.loadPartition(pi)
	if err != nil {
		return blockRef{}, false, err
	}
	j := sort.Search(len(entries), func(i int) bool {
		return compareBytes(entries[i].StartKey, key) > 0
	}) - 1
	if j < 0 {
		return blockRef{}, false, nil
	}
	return blockRef{partition: pi, pos: j, entry: entries[j]}, true, nil
}

// UpperBound returns the first block whose start_key > key, crossing
// into the next partition if key's candidate block is the last entry of
// its partition.
func (p *PartitionedIndex) UpperBound(key []byte) (blockRef, bool, error) {
	pi := p.partitionFor(key)
	if pi < 0 {
		pi = 0
	}
	if pi >= len(p.topLevel) {
		return blockRef{}, false, nil
	}
	entries, err := p.loadPartition(pi)
	if err != nil {
		return blockRef{}, false, err
	}
	j := sort.Search(len(entries), func(i int) bool {
		return compareBytes(entries[i].StartKey, key) > 0
	})
	if j < len(entries) {
		return blockRef{partition: pi, pos: j, entry: entries[j]}, true, nil
	}
	return p.firstOfPartition(pi + 1)
}

// PrefixUpperBound returns the first block whose start_key is
// lexicographically > prefix and does not itself start with prefix.
func (p *PartitionedIndex) PrefixUpperBound(prefix []byte) (blockRef, bool, error) {
	upperBound := prefixUpperBoundBytes(prefix)
	if upperBound == nil {
		// prefix is all 0xFF bytes (or empty); nothing can be > it.
		return blockRef{}, false, nil
	}
	// A block starting exactly at upperBound already lies past the
	// prefix; UpperBound alone would skip it.
	ref, ok, err := p.LowerBound(upperBound)
	if err != nil {
		return blockRef{}, false, err
	}
	if ok && compareBytes(ref.entry.StartKey, upperBound) == 0 {
		return ref, true, nil
	}
	return p.UpperBound(upperBound)
}

// prefixUpperBoundBytes returns the smallest byte string greater than
// every string with the given prefix, or nil if no such bound exists
// (prefix consists only of 0xFF bytes).
func prefixUpperBoundBytes(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func (p *PartitionedIndex) firstOfPartition(i int) (blockRef, bool, error) {
	if i < 0 || i >= len(p.topLevel) {
		return blockRef{}, false, nil
	}
	entries, err := p.loadPartition(i)
	if err != nil {
		return blockRef{}, false, err
	}
	if len(entries) == 0 {
		return blockRef{}, false, nil
	}
	return blockRef{partition: i, pos: 0, entry: entries[0]}, true, nil
}

func (p *PartitionedIndex) lastOfPartition(i int) (blockRef, bool, error) {
	if i < 0 || i >= len(p.topLevel) {
		return blockRef{}, false, nil
	}
	entries, err := p.loadPartition(i)
	if err != nil {
		return blockRef{}, false, err
	}
	if len(entries) == 0 {
		return blockRef{}, false, nil
	}
	pos := len(entries) - 1
	return blockRef{partition: i, pos: pos, entry: entries[pos]}, true, nil
}

// NextBlock returns the sibling of ref, loading the next partition's
// first entry when ref is the last entry of its own partition.
func (p *PartitionedIndex) NextBlock(ref blockRef) (blockRef, bool, error) {
	entries, err := p.loadPartition(ref.partition)
	if err != nil {
		return blockRef{}, false, err
	}
	if ref.pos+1 < len(entries) {
		return blockRef{partition: ref.partition, pos: ref.pos + 1, entry: entries[ref.pos+1]}, true, nil
	}
	return p.firstOfPartition(ref.partition + 1)
}

// PrevBlock returns the sibling before ref, loading the previous
// partition's last entry when ref is the first entry of its partition.
func (p *PartitionedIndex) PrevBlock(ref blockRef) (blockRef, bool, error) {
	if ref.pos > 0 {
		entries, err := p.loadPartition(ref.partition)
		if err != nil {
			return blockRef{}, false, err
		}
		return blockRef{partition: ref.partition, pos: ref.pos - 1, entry: entries[ref.pos-1]}, true, nil
	}
	return p.lastOfPartition(ref.partition - 1)
}
