package lsm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/intellect4all/lsmtree/common"
)

// maxUserKeySize bounds a UserKey at 65535 bytes (spec'd key_len is a u16).
const maxUserKeySize = 65535

// SeqNo is a monotonically increasing write sequence number assigned by
// the tree's single atomic counter. Every mutation - insert, delete, or
// batch entry - consumes the next value.
type SeqNo = uint64

// InternalKey orders records by user key ascending, then by seqno
// descending (newer first), so a single scan over a sorted run already
// presents the newest record for a key before any older duplicate.
type InternalKey struct {
	UserKey []byte
	Seq     SeqNo
}

// Compare orders a before b per InternalKey's rules. Zero means equal.
func (a InternalKey) Compare(b InternalKey) int {
	if c := compareBytes(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Value is the canonical (key, value, seqno, tombstone) tuple. A
// tombstone always carries empty value bytes.
type Value struct {
	Key       []byte
	Bytes     []byte
	Seq       SeqNo
	Tombstone bool
}

func (v Value) InternalKey() InternalKey {
	return InternalKey{UserKey: v.Key, Seq: v.Seq}
}

// Encode serializes a Value as:
// seqno: u64 BE | is_tombstone: u8 | key_len: u16 BE | key | value_len: u32 BE | value
func (v Value) Encode() ([]byte, error) {
	if len(v.Key) == 0 {
		return nil, fmt.Errorf("encode value: %w", common.ErrKeyEmpty)
	}
	if len(v.Key) > maxUserKeySize {
		return nil, fmt.Errorf("encode value: key exceeds %d bytes: %w", maxUserKeySize, common.ErrSerialize)
	}

	valBytes := v.Bytes
	if v.Tombstone {
		valBytes = nil
	}

	buf := make([]byte, 8+1+2+len(v.Key)+4+len(valBytes))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], v.Seq)
	off += 8
	if v.Tombstone {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(v.Key)))
	off += 2
	off += copy(buf[off:], v.Key)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(valBytes)))
	off += 4
	copy(buf[off:], valBytes)

	return buf, nil
}

// DecodeValue reads one encoded Value from the front of buf, returning
// the value and the number of bytes consumed.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) < 8+1+2 {
		return Value{}, 0, fmt.Errorf("decode value: %w", io.ErrUnexpectedEOF)
	}
	off := 0
	seq := binary.BigEndian.Uint64(buf[off:])
	off += 8
	tomb := buf[off] == 1
	off++
	keyLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	if len(buf) < off+keyLen+4 {
		return Value{}, 0, fmt.Errorf("decode value: %w", io.ErrUnexpectedEOF)
	}
	key := make([]byte, keyLen)
	copy(key, buf[off:off+keyLen])
	off += keyLen

	valLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+valLen {
		return Value{}, 0, fmt.Errorf("decode value: %w", io.ErrUnexpectedEOF)
	}
	var val []byte
	if valLen > 0 {
		val = make([]byte, valLen)
		copy(val, buf[off:off+valLen])
		off += valLen
	}

	return Value{Key: key, Bytes: val, Seq: seq, Tombstone: tomb}, off, nil
}

// IndexEntry points to a data block whose first key is StartKey.
type IndexEntry struct {
	Offset   uint64
	Size     uint32
	StartKey []byte
}

// Encode serializes an IndexEntry as:
// offset: u64 BE | size: u32 BE | key_len: u16 BE | key
func (e IndexEntry) Encode() []byte {
	buf := make([]byte, 8+4+2+len(e.StartKey))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], e.Offset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], e.Size)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(e.StartKey)))
	off += 2
	copy(buf[off:], e.StartKey)
	return buf
}

// DecodeIndexEntry reads one encoded IndexEntry from the front of buf.
func DecodeIndexEntry(buf []byte) (IndexEntry, int, error) {
	if len(buf) < 8+4+2 {
		return IndexEntry{}, 0, fmt.Errorf("decode index entry: %w", io.ErrUnexpectedEOF)
	}
	off := 0
	offset := binary.BigEndian.Uint64(buf[off:])
	off += 8
	size := binary.BigEndian.Uint32(buf[off:])
	off += 4
	keyLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+keyLen {
		return IndexEntry{}, 0, fmt.Errorf("decode index entry: %w", io.ErrUnexpectedEOF)
	}
	key := make([]byte, keyLen)
	copy(key, buf[off:off+keyLen])
	off += keyLen

	return IndexEntry{Offset: offset, Size: size, StartKey: key}, off, nil
}
