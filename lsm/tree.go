package lsm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/intellect4all/lsmtree/common"
	"go.uber.org/zap"
)

// treeMarkerName is written once a Tree directory has been fully
// initialized. Its absence in an otherwise non-empty data directory
// means the directory predates this package or a prior Open crashed
// before finishing construction.
const treeMarkerName = ".lsm"

// Entry is a materialized (key, value) pair returned by lookups that
// don't need the caller to re-supply the key.
type Entry struct {
	Key   []byte
	Value []byte
}

// BatchOp is one operation inside an atomic Batch: either an insert
// (Delete false) or a tombstone (Delete true).
type BatchOp struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Tree is the façade coordinating the write path (journal + memtable),
// the read path (memtable + immutables + levels), and the background
// flush and compaction workers.
type Tree struct {
	cfg   Config
	root  string
	log   *zap.Logger
	codec Codec

	fds      *FDTable
	cache    *BlockCache
	manifest *LevelManifest
	mm       *MemtableManager
	cm       *CompactionManager

	seq atomic.Uint64

	casMu sync.Mutex

	poisoned  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Open recovers (or initializes) a Tree at cfg.DataDir and starts its
// background flush worker and, when cfg.CompactionInterval is positive,
// its background compaction loop.
func Open(cfg Config, log *zap.Logger) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("open: create data dir: %w: %v", common.ErrIo, err)
	}

	markerPath := filepath.Join(cfg.DataDir, treeMarkerName)
	if _, err := os.Stat(markerPath); os.IsNotExist(err) {
		entries, rdErr := os.ReadDir(cfg.DataDir)
		if rdErr != nil {
			return nil, fmt.Errorf("open: list data dir: %w: %v", common.ErrIo, rdErr)
		}
		if len(entries) > 0 {
			return nil, fmt.Errorf("open: %s is non-empty but carries no %s marker: %w", cfg.DataDir, treeMarkerName, common.ErrCorruptedManifest)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open: stat marker: %w: %v", common.ErrIo, err)
	}

	fds := NewFDTable(cfg.MaxOpenFiles)
	cache, err := NewBlockCache(cfg.BlockCacheCapacity)
	if err != nil {
		return nil, err
	}
	codec := DefaultCodec

	manifest, orphans, err := RecoverLevelManifest(cfg.DataDir, cfg.Levels, fds, cache, codec)
	if err != nil {
		return nil, fmt.Errorf("open: recover manifest: %w", err)
	}
	if cfg.MaxDiskBytes > 0 {
		limiter := common.NewResourceLimiter(cfg.MaxDiskBytes, 0)
		limiter.PrimeDisk(manifest.DiskSpace())
		manifest.SetDiskLimiter(limiter)
	}
	for _, id := range orphans {
		log.Warn("removing orphaned segment directory not referenced by manifest", zap.String("segment_id", id))
		if err := os.RemoveAll(filepath.Join(cfg.DataDir, "segments", id)); err != nil {
			log.Warn("failed to remove orphaned segment directory", zap.String("segment_id", id), zap.Error(err))
		}
	}

	t := &Tree{
		cfg:      cfg,
		root:     cfg.DataDir,
		log:      log,
		codec:    codec,
		fds:      fds,
		cache:    cache,
		manifest: manifest,
	}

	mm, journalMaxSeq, err := RecoverMemtableManager(MemtableManagerConfig{
		Root:            cfg.DataDir,
		Manifest:        manifest,
		FDs:             fds,
		Cache:           cache,
		Codec:           codec,
		Logger:          log,
		MaxMemtableSize: cfg.MaxMemtableSize,
		JournalShards:   cfg.JournalShards,
		FsyncPolicy:     cfg.fsyncPolicy(),
		FsyncInterval:   cfg.fsyncInterval(),
		BlockSize:       cfg.BlockSize,
		OnPanic:         t.poison,
	})
	if err != nil {
		return nil, fmt.Errorf("open: recover memtables: %w", err)
	}
	t.mm = mm

	var segMaxSeq SeqNo
	for level := 0; level < manifest.NumLevels(); level++ {
		for _, s := range manifest.Segments(level) {
			if s.SeqMax() > segMaxSeq {
				segMaxSeq = s.SeqMax()
			}
		}
	}
	if journalMaxSeq > segMaxSeq {
		t.seq.Store(journalMaxSeq)
	} else {
		t.seq.Store(segMaxSeq)
	}

	t.cm = NewCompactionManager(CompactionManagerConfig{
		Root:                   cfg.DataDir,
		Manifest:               manifest,
		FDs:                    fds,
		Cache:                  cache,
		Codec:                  codec,
		Logger:                 log,
		BlockSize:              cfg.BlockSize,
		MaxSegmentBytes:        cfg.MaxSegmentBytes,
		ExpectedKeysPerSegment: 1024,
		Strategy:               Leveled{},
		LeveledConfig:          cfg.leveledConfig(),
		MaxConcurrent:          cfg.MaxConcurrentCompactions,
		OnPanic:                t.poison,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mm.Start(ctx)
	t.cm.Start(ctx, cfg.CompactionInterval)

	if err := os.WriteFile(markerPath, []byte("1\n"), 0o644); err != nil {
		return nil, fmt.Errorf("open: write marker: %w: %v", common.ErrIo, err)
	}

	return t, nil
}

func (t *Tree) poison(recovered any) {
	t.poisoned.Store(true)
	t.log.Error("background worker panicked, tree poisoned", zap.Any("recovered", recovered))
}

func (t *Tree) checkHealthy() error {
	if t.closed.Load() {
		return common.ErrClosed
	}
	if t.poisoned.Load() {
		return common.ErrPoisonedState
	}
	return nil
}

func (t *Tree) nextSeq() SeqNo { return t.seq.Add(1) }

// Insert writes key -> value.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	v := Value{
		Key:   append([]byte(nil), key...),
		Bytes: append([]byte(nil), value...),
		Seq:   t.nextSeq(),
	}
	return t.mm.Insert(v)
}

// Remove writes a tombstone for key.
func (t *Tree) Remove(key []byte) error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	v := Value{
		Key:       append([]byte(nil), key...),
		Tombstone: true,
		Seq:       t.nextSeq(),
	}
	return t.mm.Insert(v)
}

// Get returns the current value for key, if any live (non-tombstoned)
// record exists.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if err := t.checkHealthy(); err != nil {
		return nil, false, err
	}
	if len(key) == 0 {
		return nil, false, common.ErrKeyEmpty
	}

	if v, ok := t.mm.Get(key); ok {
		if v.Tombstone {
			return nil, false, nil
		}
		return v.Bytes, true, nil
	}

	for level := 0; level < t.manifest.NumLevels(); level++ {
		segs := t.manifest.Segments(level)
		if level == 0 {
			// L0 segments may overlap and Segments() lists them in append
			// order, oldest first; newest-appended must be checked first.
			for i := len(segs) - 1; i >= 0; i-- {
				v, ok, err := segs[i].Get(key)
				if err != nil {
					return nil, false, err
				}
				if ok {
					if v.Tombstone {
						return nil, false, nil
					}
					return v.Bytes, true, nil
				}
			}
			continue
		}
		for _, s := range segs {
			if !s.Overlaps(key, key) {
				continue
			}
			v, ok, err := s.Get(key)
			if err != nil {
				return nil, false, err
			}
			if ok {
				if v.Tombstone {
					return nil, false, nil
				}
				return v.Bytes, true, nil
			}
			break // levels above 0 are non-overlapping: at most one candidate
		}
	}

	return nil, false, nil
}

// ContainsKey reports whether key has a live record.
func (t *Tree) ContainsKey(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

// Entry returns the (key, value) pair for key, or nil if absent.
func (t *Tree) Entry(key []byte) (*Entry, error) {
	v, ok, err := t.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	return &Entry{Key: append([]byte(nil), key...), Value: v}, nil
}

// segmentRangeIterators opens a RangeIterator over every segment across
// every level whose key range intersects [lo, hi].
func (t *Tree) segmentRangeIterators(lo, hi []byte) ([]*RangeIterator, error) {
	var iters []*RangeIterator
	for level := 0; level < t.manifest.NumLevels(); level++ {
		for _, s := range t.manifest.Segments(level) {
			if !s.Overlaps(lo, hi) {
				continue
			}
			it, err := s.Range(lo, hi)
			if err != nil {
				return nil, err
			}
			iters = append(iters, it)
		}
	}
	return iters, nil
}

// Range returns a MergeIterator over every live key in [lo, hi] (empty
// bound means unbounded on that side).
func (t *Tree) Range(lo, hi []byte) (*MergeIterator, error) {
	if err := t.checkHealthy(); err != nil {
		return nil, err
	}
	runs := t.mm.Range(lo, hi)
	segIters, err := t.segmentRangeIterators(lo, hi)
	if err != nil {
		return nil, err
	}
	return NewMergeIterator(runs, segIters), nil
}

// Prefix returns a MergeIterator over every live key starting with
// prefix.
func (t *Tree) Prefix(prefix []byte) (*MergeIterator, error) {
	hi := prefixUpperBoundBytes(prefix)
	return t.Range(prefix, hi)
}

// FirstKeyValue returns the smallest live key and its value.
func (t *Tree) FirstKeyValue() ([]byte, []byte, bool, error) {
	it, err := t.Range(nil, nil)
	if err != nil {
		return nil, nil, false, err
	}
	k, v, ok := it.Next()
	if err := it.Err(); err != nil {
		return nil, nil, false, err
	}
	return k, v, ok, nil
}

// LastKeyValue returns the largest live key and its value. It performs a
// full scan and is not cheap.
func (t *Tree) LastKeyValue() ([]byte, []byte, bool, error) {
	it, err := t.Range(nil, nil)
	if err != nil {
		return nil, nil, false, err
	}
	var lastK, lastV []byte
	found := false
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		lastK, lastV, found = k, v, true
	}
	if err := it.Err(); err != nil {
		return nil, nil, false, err
	}
	return lastK, lastV, found, nil
}

// firstLiveAmong sorts the candidate keys (ascending if ascending is
// true, descending otherwise) and returns the first one that is still
// live, since the extreme key of any single source may have since been
// tombstoned by a newer write elsewhere.
func (t *Tree) firstLiveAmong(candidates map[string]struct{}, ascending bool) ([]byte, []byte, bool, error) {
	keys := make([][]byte, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		c := compareBytes(keys[i], keys[j])
		if ascending {
			return c < 0
		}
		return c > 0
	})
	for _, k := range keys {
		v, ok, err := t.Get(k)
		if err != nil {
			return nil, nil, false, err
		}
		if ok {
			return k, v, true, nil
		}
	}
	return nil, nil, false, nil
}

// Batch applies every op in ops as a single atomic unit: either all of
// them land in the journal and memtable, or (on error) none of them do.
func (t *Tree) Batch(ops []BatchOp) error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	values := make([]Value, len(ops))
	for i, op := range ops {
		if len(op.Key) == 0 {
			return common.ErrKeyEmpty
		}
		values[i] = Value{
			Key:       append([]byte(nil), op.Key...),
			Bytes:     append([]byte(nil), op.Value...),
			Tombstone: op.Delete,
			Seq:       t.nextSeq(),
		}
	}
	return t.mm.InsertGroup(values)
}

// CompareAndSwap atomically replaces key's value with next (or deletes
// it, when nextPresent is false) if and only if the current value
// matches expected (absent, when expectedPresent is false). It returns
// whether the swap happened along with the value observed: the previous
// value on success, the current value on a value mismatch, and absent
// when the key was expected absent but is present.
func (t *Tree) CompareAndSwap(key []byte, expected []byte, expectedPresent bool, next []byte, nextPresent bool) (swapped bool, observed []byte, observedPresent bool, err error) {
	if err := t.checkHealthy(); err != nil {
		return false, nil, false, err
	}
	if len(key) == 0 {
		return false, nil, false, common.ErrKeyEmpty
	}

	t.casMu.Lock()
	defer t.casMu.Unlock()

	cur, curOK, err := t.Get(key)
	if err != nil {
		return false, nil, false, err
	}

	matches := (!expectedPresent && !curOK) || (expectedPresent && curOK && bytes.Equal(cur, expected))
	if !matches {
		if expectedPresent && curOK {
			// Value mismatch: report what was actually there.
			return false, cur, true, fmt.Errorf("%w", common.ErrCasMismatch)
		}
		// Either the key is absent, or the caller expected it absent
		// while it's actually present - either way report prev as
		// absent, not the value that was never expected to exist.
		return false, nil, false, fmt.Errorf("%w", common.ErrCasMismatch)
	}

	if nextPresent {
		if err := t.Insert(key, next); err != nil {
			return false, cur, curOK, err
		}
	} else {
		if err := t.Remove(key); err != nil {
			return false, cur, curOK, err
		}
	}
	return true, cur, curOK, nil
}

// FetchUpdate atomically applies f to key's current value and returns
// the value as it was BEFORE the update. f returning (nil, false) means
// delete the key.
func (t *Tree) FetchUpdate(key []byte, f func(current []byte, present bool) ([]byte, bool)) ([]byte, bool, error) {
	for {
		cur, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		next, nextOK := f(cur, ok)
		swapped, _, _, err := t.CompareAndSwap(key, cur, ok, next, nextOK)
		if err != nil && !errors.Is(err, common.ErrCasMismatch) {
			return nil, false, err
		}
		if swapped {
			return cur, ok, nil
		}
	}
}

// UpdateFetch atomically applies f to key's current value and returns
// the value as it is AFTER the update.
func (t *Tree) UpdateFetch(key []byte, f func(current []byte, present bool) ([]byte, bool)) ([]byte, bool, error) {
	for {
		cur, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		next, nextOK := f(cur, ok)
		swapped, _, _, err := t.CompareAndSwap(key, cur, ok, next, nextOK)
		if err != nil && !errors.Is(err, common.ErrCasMismatch) {
			return nil, false, err
		}
		if swapped {
			return next, nextOK, nil
		}
	}
}

// Flush rotates the active memtable (if non-empty) and blocks until
// every pending memtable - including any already queued - has become a
// durable level-0 segment.
func (t *Tree) Flush() error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	return t.mm.FlushAllSync()
}

// ForceMemtableFlush rotates the active memtable without waiting for
// the background worker to actually write it out as a segment.
func (t *Tree) ForceMemtableFlush() error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	return t.mm.ForceRotate()
}

// DoMajorCompaction forces a single compaction of every live segment
// into the bottom level, dropping tombstones.
func (t *Tree) DoMajorCompaction() error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	return t.cm.DoMajorCompaction(context.Background())
}

// DiskSpace returns the total bytes occupied by on-disk segments.
func (t *Tree) DiskSpace() int64 { return t.manifest.DiskSpace() }

// SegmentCount returns the number of live segments across all levels.
func (t *Tree) SegmentCount() int { return t.manifest.SegmentCount() }

// Len returns the number of live (non-tombstoned) keys. It performs a
// full scan and is not cheap.
func (t *Tree) Len() (int, error) {
	it, err := t.Range(nil, nil)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		_, _, ok := it.Next()
		if !ok {
			break
		}
		n++
	}
	return n, it.Err()
}

// IsEmpty reports whether the tree holds no live keys.
func (t *Tree) IsEmpty() (bool, error) {
	it, err := t.Range(nil, nil)
	if err != nil {
		return false, err
	}
	_, _, ok := it.Next()
	if err := it.Err(); err != nil {
		return false, err
	}
	return !ok, nil
}

// Close stops the background workers and closes every open file
// handle. It does not force a final flush: unflushed data remains
// durable in its journal and replays on the next Open.
func (t *Tree) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
		t.cm.Stop()
		if mmErr := t.mm.Close(); mmErr != nil {
			err = mmErr
		}
		if mErr := t.manifest.CloseAll(); mErr != nil && err == nil {
			err = mErr
		}
		if fErr := t.fds.CloseAll(); fErr != nil && err == nil {
			err = fErr
		}
	})
	return err
}
