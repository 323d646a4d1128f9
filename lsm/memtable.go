package lsm

import (
	"sort"
	"sync"
)

// MemTable is an ordered map keyed by InternalKey (user_key ascending,
// seqno descending), backed by a sorted slice with binary-search
// insertion - the same approach the teacher's memtable uses, generalized
// from a user-key-only ordering to the two-field InternalKey ordering
// the spec requires. Insert is idempotent on (user_key, seqno).
type MemTable struct {
	mu      sync.RWMutex
	entries []Value
	size    int
	maxSize int
}

func NewMemTable(maxSize int) *MemTable {
	return &MemTable{entries: make([]Value, 0, 1024), maxSize: maxSize}
}

func (m *MemTable) internalKeyLess(i int, ik InternalKey) bool {
	return m.entries[i].InternalKey().Compare(ik) < 0
}

// Insert adds v, replacing any existing record with the same
// (user_key, seqno).
func (m *MemTable) Insert(v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ik := v.InternalKey()
	idx := sort.Search(len(m.entries), func(i int) bool {
		return !m.internalKeyLess(i, ik)
	})

	if idx < len(m.entries) && m.entries[idx].InternalKey().Compare(ik) == 0 {
		old := m.entries[idx]
		m.entries[idx] = v
		m.size += len(v.Key) + len(v.Bytes) - len(old.Key) - len(old.Bytes)
		return
	}

	m.entries = append(m.entries, Value{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = v
	m.size += len(v.Key) + len(v.Bytes) + 24 // key + value + bookkeeping overhead
}

// Get returns the Value with the greatest seqno for userKey, or
// (Value{}, false) if absent. Entries for the same key are contiguous
// and seqno-descending, so the first match already carries the newest
// seqno.
func (m *MemTable) Get(userKey []byte) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return compareBytes(m.entries[i].Key, userKey) >= 0
	})
	if idx < len(m.entries) && compareBytes(m.entries[idx].Key, userKey) == 0 {
		return m.entries[idx], true
	}
	return Value{}, false
}

func (m *MemTable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemTable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size >= m.maxSize
}

func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// AllEntries returns a copy of every entry in InternalKey order, used by
// flush (to build a segment) and by range scans.
func (m *MemTable) AllEntries() []Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Value, len(m.entries))
	copy(out, m.entries)
	return out
}

// Range returns a copy of every entry whose user key falls in [lo, hi]
// (empty bound means unbounded on that side), in InternalKey order.
func (m *MemTable) Range(lo, hi []byte) []Value {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if len(lo) > 0 {
		start = sort.Search(len(m.entries), func(i int) bool {
			return compareBytes(m.entries[i].Key, lo) >= 0
		})
	}
	end := len(m.entries)
	if len(hi) > 0 {
		end = sort.Search(len(m.entries), func(i int) bool {
			return compareBytes(m.entries[i].Key, hi) > 0
		})
	}
	if start >= end {
		return nil
	}
	out := make([]Value, end-start)
	copy(out, m.entries[start:end])
	return out
}
