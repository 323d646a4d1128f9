package lsm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/intellect4all/lsmtree/common"
)

// SegmentMetadata is the JSON record written to a segment's meta.json.
// encoding/json is used rather than a schema-driven format because no
// repo in the retrieval pack reaches for anything else for this exact
// role (plain metadata sidecar files); see DESIGN.md.
type SegmentMetadata struct {
	ID        string `json:"id"`
	ItemCount int64  `json:"item_count"`
	MinKey    []byte `json:"min_key"`
	MaxKey    []byte `json:"max_key"`
	SeqMin    SeqNo  `json:"seq_min"`
	SeqMax    SeqNo  `json:"seq_max"`
	FileSize  int64  `json:"file_size"`
	BlockSize int    `json:"block_size"`

	BlockCount int   `json:"block_count"`
	CreatedAt  int64 `json:"created_at"` // unix seconds

	TopLevelIndexOffset uint64 `json:"top_level_index_offset"`
	TopLevelIndexSize   uint64 `json:"top_level_index_size"`

	HasBloom bool `json:"has_bloom"`
}

// Segment is an immutable on-disk sorted run: data blocks + partitioned
// index + metadata + optional bloom filter, per spec.md section 3.
type Segment struct {
	dir   string
	meta  SegmentMetadata
	index *PartitionedIndex
	bloom *bloomFilter

	fds   *FDTable
	cache *BlockCache
	codec Codec

	blocksPath string
	indexPath  string
}

func segmentDir(root, id string) string {
	return filepath.Join(root, "segments", id)
}

// RecoverSegment validates metadata and the top-level index CRC and
// opens the segment for reads.
func RecoverSegment(root, id string, fds *FDTable, cache *BlockCache, codec Codec) (*Segment, error) {
	dir := segmentDir(root, id)

	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("read segment %s metadata: %w: %v", id, common.ErrIo, err)
	}
	var meta SegmentMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("decode segment %s metadata: %w: %v", id, common.ErrDeserialize, err)
	}

	blocksPath := filepath.Join(dir, "blocks")
	indexPath := filepath.Join(dir, "index")

	if err := fds.Open(blocksPath); err != nil {
		return nil, err
	}

	idx, err := loadPartitionedIndex(id, indexPath, meta.TopLevelIndexOffset, meta.TopLevelIndexSize, fds, cache, codec)
	if err != nil {
		return nil, fmt.Errorf("recover segment %s: %w", id, err)
	}

	var bf *bloomFilter
	if meta.HasBloom {
		data, err := os.ReadFile(filepath.Join(dir, "bloom"))
		if err != nil {
			return nil, fmt.Errorf("read segment %s bloom: %w: %v", id, common.ErrIo, err)
		}
		bf, err = decodeBloomFilter(data)
		if err != nil {
			return nil, fmt.Errorf("recover segment %s: %w", id, err)
		}
	}

	return &Segment{
		dir:        dir,
		meta:       meta,
		index:      idx,
		bloom:      bf,
		fds:        fds,
		cache:      cache,
		codec:      codec,
		blocksPath: blocksPath,
		indexPath:  indexPath,
	}, nil
}

func (s *Segment) ID() string            { return s.meta.ID }
func (s *Segment) ItemCount() int64      { return s.meta.ItemCount }
func (s *Segment) MinKey() []byte        { return s.meta.MinKey }
func (s *Segment) MaxKey() []byte        { return s.meta.MaxKey }
func (s *Segment) SeqMin() SeqNo         { return s.meta.SeqMin }
func (s *Segment) SeqMax() SeqNo         { return s.meta.SeqMax }
func (s *Segment) FileSize() int64       { return s.meta.FileSize }
func (s *Segment) Metadata() SegmentMetadata { return s.meta }

// Overlaps reports whether the segment's key range intersects [lo, hi].
// Empty lo/hi means unbounded on that side.
func (s *Segment) Overlaps(lo, hi []byte) bool {
	if len(lo) > 0 && compareBytes(s.meta.MaxKey, lo) < 0 {
		return false
	}
	if len(hi) > 0 && compareBytes(s.meta.MinKey, hi) > 0 {
		return false
	}
	return true
}

func (s *Segment) loadDataBlock(entry IndexEntry) ([]Value, error) {
	key := cacheKey{segmentID: s.meta.ID, startKey: string(entry.StartKey)}
	return s.cache.GetOrLoadData(key, func() ([]Value, error) {
		var values []Value
		err := s.fds.WithReader(s.blocksPath, func(f *os.File) error {
			v, err := readValueBlockAt(f, int64(entry.Offset), int64(entry.Size), s.codec)
			if err != nil {
				return err
			}
			values = v
			return nil
		})
		return values, err
	})
}

// Get returns the newest matching Value for userKey in this segment, if
// any (tombstone or not), consulting the bloom filter first.
func (s *Segment) Get(userKey []byte) (Value, bool, error) {
	if s.bloom != nil && !s.bloom.MayContain(userKey) {
		return Value{}, false, nil
	}
	if !s.Overlaps(userKey, userKey) {
		return Value{}, false, nil
	}

	ref, ok, err := s.index.LowerBound(userKey)
	if err != nil {
		return Value{}, false, err
	}
	if !ok {
		return Value{}, false, nil
	}

	// Versions of userKey may straddle block boundaries: while the scanned
	// block starts with userKey, newer versions can end the block before it.
	var best Value
	found := false
	for {
		block, err := s.loadDataBlock(ref.entry)
		if err != nil {
			return Value{}, false, err
		}
		for _, v := range block {
			if compareBytes(v.Key, userKey) != 0 {
				continue
			}
			if !found || v.Seq > best.Seq {
				best = v
				found = true
			}
		}
		if compareBytes(ref.entry.StartKey, userKey) != 0 {
			break
		}
		prev, ok, err := s.index.PrevBlock(ref)
		if err != nil {
			return Value{}, false, err
		}
		if !ok {
			break
		}
		ref = prev
	}
	return best, found, nil
}

// Close releases the segment's file handles: the blocks file and the
// index file, both pooled in the same FDTable.
func (s *Segment) Close() error {
	blocksErr := s.fds.Close(s.blocksPath)
	indexErr := s.fds.Close(s.indexPath)
	if blocksErr != nil {
		return blocksErr
	}
	return indexErr
}

// Remove closes and deletes the segment's on-disk directory, evicting
// any blocks cached under its id.
func (s *Segment) Remove() error {
	s.Close()
	s.cache.InvalidateSegment(s.meta.ID)
	return os.RemoveAll(s.dir)
}

// RangeIterator yields Values in user_key ascending order (seqno
// descending within duplicates) for keys within [lo, hi] (empty bound on
// either side means unbounded).
type RangeIterator struct {
	seg       *Segment
	ref       blockRef
	hasRef    bool
	block     []Value
	pos       int
	lo, hi    []byte
	err       error
	exhausted bool
}

// Range returns a RangeIterator over [lo, hi].
func (s *Segment) Range(lo, hi []byte) (*RangeIterator, error) {
	it := &RangeIterator{seg: s, lo: lo, hi: hi}
	var (
		ref blockRef
		ok  bool
		err error
	)
	if len(lo) > 0 {
		ref, ok, err = s.index.LowerBound(lo)
		if err == nil && !ok {
			// lo sorts before the first block's start key.
			ref, ok, err = s.index.FirstBlock()
		}
	} else {
		ref, ok, err = s.index.FirstBlock()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		it.exhausted = true
		return it, nil
	}
	// Newer versions of lo may end the blocks before the one found.
	for len(lo) > 0 && compareBytes(ref.entry.StartKey, lo) == 0 {
		prev, pok, perr := s.index.PrevBlock(ref)
		if perr != nil {
			return nil, perr
		}
		if !pok {
			break
		}
		ref = prev
	}
	it.ref = ref
	it.hasRef = true
	if err := it.loadCurrentBlock(); err != nil {
		return nil, err
	}
	it.seekWithinBlockTo(lo)
	it.advancePastUpperBound()
	return it, nil
}

func (it *RangeIterator) loadCurrentBlock() error {
	block, err := it.seg.loadDataBlock(it.ref.entry)
	if err != nil {
		it.err = err
		return err
	}
	it.block = block
	it.pos = 0
	return nil
}

func (it *RangeIterator) seekWithinBlockTo(lo []byte) {
	if len(lo) == 0 {
		return
	}
	for it.pos < len(it.block) && compareBytes(it.block[it.pos].Key, lo) < 0 {
		it.pos++
	}
}

func (it *RangeIterator) advancePastUpperBound() {
	if it.exhausted {
		return
	}
	if it.pos >= len(it.block) {
		it.advanceBlock()
		return
	}
	if len(it.hi) > 0 && compareBytes(it.block[it.pos].Key, it.hi) > 0 {
		it.exhausted = true
	}
}

func (it *RangeIterator) advanceBlock() {
	next, ok, err := it.seg.index.NextBlock(it.ref)
	if err != nil {
		it.err = err
		it.exhausted = true
		return
	}
	if !ok {
		it.exhausted = true
		return
	}
	it.ref = next
	if err := it.loadCurrentBlock(); err != nil {
		it.exhausted = true
		return
	}
	it.advancePastUpperBound()
}

// Next advances the iterator and returns the next Value, or false when
// exhausted.
func (it *RangeIterator) Next() (Value, bool) {
	if it.exhausted || it.err != nil {
		return Value{}, false
	}
	if it.pos >= len(it.block) {
		it.advanceBlock()
		if it.exhausted || it.err != nil {
			return Value{}, false
		}
	}
	v := it.block[it.pos]
	if len(it.hi) > 0 && compareBytes(v.Key, it.hi) > 0 {
		it.exhausted = true
		return Value{}, false
	}
	it.pos++
	if it.pos >= len(it.block) {
		it.advanceBlock()
	}
	return v, true
}

func (it *RangeIterator) Err() error { return it.err }
