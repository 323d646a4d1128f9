package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/intellect4all/lsmtree/common"
)

// blockMagic + blockVersion form the fixed version header every block
// file begins with (spec: "version prefix"). A mismatch on read is a
// VersionMismatch error, never silently ignored.
const (
	blockMagic   uint32 = 0x4c534d42 // "LSMB"
	blockVersion uint16 = 1
)

// Codec is the pluggable compress/decompress contract a Block is written
// through. The spec treats the algorithm as an external collaborator
// ("LZ4-equivalent is reasonable"); snappyCodec is the shipped default.
type Codec interface {
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

type snappyCodec struct{}

func (snappyCodec) Compress(dst, src []byte) []byte {
	return snappy.Encode(dst, src)
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w: %v", common.ErrDecompressFailure, err)
	}
	return out, nil
}

// DefaultCodec is the codec used when a Config doesn't override one.
var DefaultCodec Codec = snappyCodec{}

// blockItemKind distinguishes the two homogeneous item types a Block may
// hold; the kind is carried only in memory - on disk, a block's position
// in the segment (data vs. index file) already determines it.
type blockItemKind int

const (
	blockItemValue blockItemKind = iota
	blockItemIndexEntry
)

// encodeBlock serializes item_count(u32 BE) + item bytes + crc32(BE) of
// the uncompressed payload, then compresses the whole thing with codec
// behind a fixed version header.
func encodeBlock(itemBytes [][]byte, codec Codec) []byte {
	total := 4
	for _, b := range itemBytes {
		total += len(b)
	}

	payload := make([]byte, total, total+4)
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(itemBytes)))
	off := 4
	for _, b := range itemBytes {
		off += copy(payload[off:], b)
	}

	crc := crc32.ChecksumIEEE(payload)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)
	payload = append(payload, crcBuf...)

	compressed := codec.Compress(nil, payload)

	header := make([]byte, 4+2)
	binary.BigEndian.PutUint32(header[0:4], blockMagic)
	binary.BigEndian.PutUint16(header[4:6], blockVersion)

	return append(header, compressed...)
}

// decodeBlockPayload validates the version header, decompresses, and
// checks the CRC32 trailer, returning the raw item_count+items region.
func decodeBlockPayload(raw []byte, codec Codec) ([]byte, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("block too small: %w", io.ErrUnexpectedEOF)
	}
	magic := binary.BigEndian.Uint32(raw[0:4])
	version := binary.BigEndian.Uint16(raw[4:6])
	if magic != blockMagic {
		return nil, fmt.Errorf("block magic %x: %w", magic, common.ErrVersionMismatch)
	}
	if version != blockVersion {
		return nil, fmt.Errorf("block version %d: %w", version, common.ErrVersionMismatch)
	}

	payload, err := codec.Decompress(nil, raw[6:])
	if err != nil {
		return nil, err
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("decompressed block too small: %w", common.ErrCrcMismatch)
	}

	body := payload[:len(payload)-4]
	wantCRC := binary.BigEndian.Uint32(payload[len(payload)-4:])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("block crc mismatch: %w", common.ErrCrcMismatch)
	}

	return body, nil
}

// decodeValueBlock decodes a block of Values from its payload body
// (item_count + item bytes, CRC already verified).
func decodeValueBlock(body []byte) ([]Value, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("value block truncated: %w", common.ErrDeserialize)
	}
	count := binary.BigEndian.Uint32(body[0:4])
	off := 4

	items := make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		v, n, err := DecodeValue(body[off:])
		if err != nil {
			return nil, fmt.Errorf("value block entry %d: %w", i, err)
		}
		items = append(items, v)
		off += n
	}
	return items, nil
}

// decodeIndexBlock decodes a block of IndexEntries from its payload body.
func decodeIndexBlock(body []byte) ([]IndexEntry, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("index block truncated: %w", common.ErrDeserialize)
	}
	count := binary.BigEndian.Uint32(body[0:4])
	off := 4

	items := make([]IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, n, err := DecodeIndexEntry(body[off:])
		if err != nil {
			return nil, fmt.Errorf("index block entry %d: %w", i, err)
		}
		items = append(items, e)
		off += n
	}
	return items, nil
}

// readValueBlockAt reads exactly size bytes at offset from r,
// decompresses and validates, returning decoded Values. ShortRead maps
// to common.ErrIo via the wrapped *os.File error from ReaderAt.
func readValueBlockAt(r io.ReaderAt, offset int64, size int64, codec Codec) ([]Value, error) {
	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, fmt.Errorf("read value block at %d: %w: %v", offset, common.ErrIo, err)
	}
	body, err := decodeBlockPayload(raw, codec)
	if err != nil {
		return nil, err
	}
	return decodeValueBlock(body)
}

func readIndexBlockAt(r io.ReaderAt, offset int64, size int64, codec Codec) ([]IndexEntry, error) {
	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, fmt.Errorf("read index block at %d: %w: %v", offset, common.ErrIo, err)
	}
	body, err := decodeBlockPayload(raw, codec)
	if err != nil {
		return nil, err
	}
	return decodeIndexBlock(body)
}
