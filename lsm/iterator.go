package lsm

import "container/heap"

// cursor yields Values in ascending InternalKey order (user key
// ascending, seqno descending within duplicates) one at a time.
type cursor interface {
	peek() (Value, bool)
	advance()
}

// sliceCursor walks an already-sorted, already-bounded []Value - what
// MemTable.Range and MemTable.AllEntries hand back.
type sliceCursor struct {
	vals []Value
	pos  int
}

func newSliceCursor(vals []Value) *sliceCursor { return &sliceCursor{vals: vals} }

func (c *sliceCursor) peek() (Value, bool) {
	if c.pos >= len(c.vals) {
		return Value{}, false
	}
	return c.vals[c.pos], true
}

func (c *sliceCursor) advance() { c.pos++ }

// segmentCursor adapts a Segment's RangeIterator (pull-based, one Next
// per call) to the peek/advance shape the merge heap needs.
type segmentCursor struct {
	it  *RangeIterator
	cur Value
	has bool
}

func newSegmentCursor(it *RangeIterator) *segmentCursor {
	c := &segmentCursor{it: it}
	c.advance()
	return c
}

func (c *segmentCursor) peek() (Value, bool) { return c.cur, c.has }

func (c *segmentCursor) advance() {
	c.cur, c.has = c.it.Next()
}

func (c *segmentCursor) err() error { return c.it.Err() }

type mergeItem struct {
	v Value
	c cursor
}

type mergeItemHeap []mergeItem

func (h mergeItemHeap) Len() int { return len(h) }
func (h mergeItemHeap) Less(i, j int) bool {
	return h[i].v.InternalKey().Compare(h[j].v.InternalKey()) < 0
}
func (h mergeItemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeItemHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeItemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergeIterator is the k-way merge over the active memtable, every
// immutable memtable, and every overlapping segment across all levels,
// newest record winning for each user key and tombstoned keys skipped.
// Backs Tree.Range and Tree.Prefix (design notes section 9's heap-based
// k-way merge).
type MergeIterator struct {
	h    *mergeItemHeap
	segs []*segmentCursor
	err  error
}

// NewMergeIterator builds a MergeIterator over memtableRuns (each
// already sorted and bounded to the scan range; MemtableManager.Range
// passes the active memtable's run first, then the immutables
// newest-first) and segmentIterators (one RangeIterator per overlapping segment,
// ordered however the caller likes - duplicate resolution only ever
// depends on seqno, never on source order).
func NewMergeIterator(memtableRuns [][]Value, segmentIterators []*RangeIterator) *MergeIterator {
	h := &mergeItemHeap{}
	heap.Init(h)

	mi := &MergeIterator{h: h}

	for _, run := range memtableRuns {
		c := newSliceCursor(run)
		if v, ok := c.peek(); ok {
			heap.Push(h, mergeItem{v: v, c: c})
		}
	}
	for _, it := range segmentIterators {
		sc := newSegmentCursor(it)
		mi.segs = append(mi.segs, sc)
		if v, ok := sc.peek(); ok {
			heap.Push(h, mergeItem{v: v, c: sc})
		}
	}

	return mi
}

// Next returns the next live (key, value) pair in ascending key order,
// or (nil, nil, false) once exhausted. Tombstoned keys are skipped
// transparently.
func (mi *MergeIterator) Next() ([]byte, []byte, bool) {
	for {
		v, ok := mi.pop()
		if !ok {
			return nil, nil, false
		}
		if v.Tombstone {
			continue
		}
		return v.Key, v.Bytes, true
	}
}

// pop returns the winning Value for the next distinct user key,
// discarding older duplicates from other sources, or false when the
// merge is exhausted.
func (mi *MergeIterator) pop() (Value, bool) {
	if mi.h.Len() == 0 {
		return Value{}, false
	}

	top := heap.Pop(mi.h).(mergeItem)
	winner := top.v
	top.c.advance()
	if v, ok := top.c.peek(); ok {
		heap.Push(mi.h, mergeItem{v: v, c: top.c})
	}

	for mi.h.Len() > 0 && compareBytes((*mi.h)[0].v.Key, winner.Key) == 0 {
		dup := heap.Pop(mi.h).(mergeItem)
		dup.c.advance()
		if v, ok := dup.c.peek(); ok {
			heap.Push(mi.h, mergeItem{v: v, c: dup.c})
		}
	}

	return winner, true
}

// Err returns the first error encountered by any underlying segment
// iterator, if any.
func (mi *MergeIterator) Err() error {
	if mi.err != nil {
		return mi.err
	}
	for _, s := range mi.segs {
		if err := s.err(); err != nil {
			return err
		}
	}
	return nil
}
