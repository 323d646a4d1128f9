package lsm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/intellect4all/lsmtree/common"
)

// SegmentBuilder packs sorted Values into a new segment: data blocks
// capped at blockSize uncompressed bytes, one IndexEntry per data block,
// those entries grouped into index blocks of the same target size
// (partitioned the way fjall's index/mod.rs does - by accumulated
// encoded size, not a fixed entry count, since spec.md is silent on the
// exact trigger), a resident top-level index written last, then
// metadata. Emits nothing if no Values were ever added.
type SegmentBuilder struct {
	id        string
	dir       string
	blockSize int
	codec     Codec

	blocksFile *os.File
	indexFile  *os.File

	curData      []Value
	curDataBytes int
	dataOffset   uint64

	pendingIndex   []IndexEntry
	pendingIndexSz int
	indexOffset    uint64
	topLevel       []IndexEntry

	bloom *bloomFilter

	minKey, maxKey []byte
	seqMin, seqMax SeqNo
	itemCount      int64
	blockCount     int

	aborted bool
}

// NewSegmentBuilder creates a new segment directory under root and
// opens its blocks/index files for writing.
func NewSegmentBuilder(root, id string, blockSize int, expectedKeys int, codec Codec) (*SegmentBuilder, error) {
	if blockSize <= 0 {
		blockSize = 4096
	}
	if codec == nil {
		codec = DefaultCodec
	}

	dir := segmentDir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir %s: %w: %v", id, common.ErrIo, err)
	}

	blocksFile, err := os.Create(filepath.Join(dir, "blocks"))
	if err != nil {
		return nil, fmt.Errorf("create segment %s blocks file: %w: %v", id, common.ErrIo, err)
	}
	indexFile, err := os.Create(filepath.Join(dir, "index"))
	if err != nil {
		blocksFile.Close()
		return nil, fmt.Errorf("create segment %s index file: %w: %v", id, common.ErrIo, err)
	}

	bloomSize := expectedKeys
	if bloomSize < 1 {
		bloomSize = 1
	}

	return &SegmentBuilder{
		id:         id,
		dir:        dir,
		blockSize:  blockSize,
		codec:      codec,
		blocksFile: blocksFile,
		indexFile:  indexFile,
		bloom:      newBloomFilter(bloomSize, 0.01),
	}, nil
}

// Add appends a Value. Values MUST be supplied in ascending InternalKey
// order.
func (b *SegmentBuilder) Add(v Value) error {
	encoded, err := v.Encode()
	if err != nil {
		return err
	}

	if len(b.curData) > 0 && b.curDataBytes+len(encoded) > b.blockSize {
		if err := b.flushDataBlock(); err != nil {
			return err
		}
	}

	b.curData = append(b.curData, v)
	b.curDataBytes += len(encoded)
	b.bloom.Add(v.Key)

	if b.itemCount == 0 {
		b.minKey = append([]byte(nil), v.Key...)
		b.seqMin = v.Seq
		b.seqMax = v.Seq
	}
	b.maxKey = append([]byte(nil), v.Key...)
	if v.Seq < b.seqMin {
		b.seqMin = v.Seq
	}
	if v.Seq > b.seqMax {
		b.seqMax = v.Seq
	}
	b.itemCount++

	return nil
}

func (b *SegmentBuilder) flushDataBlock() error {
	if len(b.curData) == 0 {
		return nil
	}

	itemBytes := make([][]byte, len(b.curData))
	for i, v := range b.curData {
		enc, err := v.Encode()
		if err != nil {
			return err
		}
		itemBytes[i] = enc
	}
	encoded := encodeBlock(itemBytes, b.codec)

	if _, err := b.blocksFile.Write(encoded); err != nil {
		return fmt.Errorf("write segment %s data block: %w: %v", b.id, common.ErrIo, err)
	}

	entry := IndexEntry{
		Offset:   b.dataOffset,
		Size:     uint32(len(encoded)),
		StartKey: append([]byte(nil), b.curData[0].Key...),
	}
	b.dataOffset += uint64(len(encoded))
	b.blockCount++

	b.pendingIndex = append(b.pendingIndex, entry)
	b.pendingIndexSz += len(entry.Encode())
	if b.pendingIndexSz >= b.blockSize {
		if err := b.flushIndexPartition(); err != nil {
			return err
		}
	}

	b.curData = b.curData[:0]
	b.curDataBytes = 0
	return nil
}

func (b *SegmentBuilder) flushIndexPartition() error {
	if len(b.pendingIndex) == 0 {
		return nil
	}

	itemBytes := make([][]byte, len(b.pendingIndex))
	for i, e := range b.pendingIndex {
		itemBytes[i] = e.Encode()
	}
	encoded := encodeBlock(itemBytes, b.codec)

	if _, err := b.indexFile.Write(encoded); err != nil {
		return fmt.Errorf("write segment %s index partition: %w: %v", b.id, common.ErrIo, err)
	}

	b.topLevel = append(b.topLevel, IndexEntry{
		Offset:   b.indexOffset,
		Size:     uint32(len(encoded)),
		StartKey: append([]byte(nil), b.pendingIndex[0].StartKey...),
	})
	b.indexOffset += uint64(len(encoded))

	b.pendingIndex = b.pendingIndex[:0]
	b.pendingIndexSz = 0
	return nil
}

// ApproxBytes returns the bytes written to the data and index files so
// far, used by the compaction worker to decide when to roll a new
// output segment.
func (b *SegmentBuilder) ApproxBytes() int64 {
	return int64(b.dataOffset) + int64(b.indexOffset)
}

// Finish flushes remaining data, writes the top-level index and
// metadata, fsyncs everything, and returns the finished SegmentMetadata.
// If no Values were ever added, it emits no segment and returns
// (SegmentMetadata{}, false, nil).
func (b *SegmentBuilder) Finish() (SegmentMetadata, bool, error) {
	if err := b.flushDataBlock(); err != nil {
		return SegmentMetadata{}, false, err
	}
	if err := b.flushIndexPartition(); err != nil {
		return SegmentMetadata{}, false, err
	}

	if b.itemCount == 0 {
		b.Abort()
		return SegmentMetadata{}, false, nil
	}

	topItemBytes := make([][]byte, len(b.topLevel))
	for i, e := range b.topLevel {
		topItemBytes[i] = e.Encode()
	}
	topEncoded := encodeBlock(topItemBytes, b.codec)
	topOffset := b.indexOffset
	if _, err := b.indexFile.Write(topEncoded); err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("write segment %s top-level index: %w: %v", b.id, common.ErrIo, err)
	}

	hasBloom := false
	if bloomData, err := b.bloom.Encode(); err == nil {
		if err := os.WriteFile(filepath.Join(b.dir, "bloom"), bloomData, 0o644); err != nil {
			return SegmentMetadata{}, false, fmt.Errorf("write segment %s bloom: %w: %v", b.id, common.ErrIo, err)
		}
		hasBloom = true
	}

	if err := b.indexFile.Sync(); err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("sync segment %s index: %w: %v", b.id, common.ErrIo, err)
	}
	if err := b.blocksFile.Sync(); err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("sync segment %s blocks: %w: %v", b.id, common.ErrIo, err)
	}

	stat, err := b.blocksFile.Stat()
	if err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("stat segment %s blocks: %w: %v", b.id, common.ErrIo, err)
	}

	meta := SegmentMetadata{
		ID:                  b.id,
		ItemCount:           b.itemCount,
		MinKey:              b.minKey,
		MaxKey:              b.maxKey,
		SeqMin:              b.seqMin,
		SeqMax:              b.seqMax,
		FileSize:            stat.Size(),
		BlockSize:           b.blockSize,
		BlockCount:          b.blockCount,
		CreatedAt:           time.Now().Unix(),
		TopLevelIndexOffset: topOffset,
		TopLevelIndexSize:   uint64(len(topEncoded)),
		HasBloom:            hasBloom,
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("encode segment %s metadata: %w: %v", b.id, common.ErrSerialize, err)
	}
	if err := os.WriteFile(filepath.Join(b.dir, "meta.json"), metaBytes, 0o644); err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("write segment %s metadata: %w: %v", b.id, common.ErrIo, err)
	}

	if err := b.blocksFile.Close(); err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("close segment %s blocks: %w: %v", b.id, common.ErrIo, err)
	}
	if err := b.indexFile.Close(); err != nil {
		return SegmentMetadata{}, false, fmt.Errorf("close segment %s index: %w: %v", b.id, common.ErrIo, err)
	}

	for _, name := range []string{"bloom", "meta.json"} {
		if f, err := os.Open(filepath.Join(b.dir, name)); err == nil {
			f.Sync()
			f.Close()
		}
	}
	if dirF, err := os.Open(b.dir); err == nil {
		dirF.Sync()
		dirF.Close()
	}

	return meta, true, nil
}

// Abort closes and removes the in-progress segment directory.
func (b *SegmentBuilder) Abort() error {
	if b.aborted {
		return nil
	}
	b.aborted = true
	b.blocksFile.Close()
	b.indexFile.Close()
	return os.RemoveAll(b.dir)
}
