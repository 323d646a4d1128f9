package lsm

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// newSegmentID returns a globally unique, lexicographically time-sortable
// id: an 8-byte big-endian millisecond timestamp followed by 10 random
// bytes from a UUIDv4, both hex-encoded. No ULID library appears anywhere
// in the retrieval pack this module was built from, so this is assembled
// directly from google/uuid rather than hand-rolling Crockford base32.
func newSegmentID(now time.Time) string {
	ms := uint64(now.UnixMilli())
	var tsBuf [8]byte
	for i := 7; i >= 0; i-- {
		tsBuf[i] = byte(ms)
		ms >>= 8
	}

	u := uuid.New()
	return hex.EncodeToString(tsBuf[:]) + hex.EncodeToString(u[:10])
}
