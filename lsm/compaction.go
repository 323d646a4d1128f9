package lsm

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/intellect4all/lsmtree/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// mergeHeapItem is one in-flight entry of the k-way merge: the next
// Value pulled from one source segment's RangeIterator.
type mergeHeapItem struct {
	v  Value
	it *RangeIterator
}

// mergeHeap orders entries by InternalKey: user key ascending, then
// seqno descending, so the newest record for a key always surfaces
// first - the same heap-of-iterators k-way merge the teacher's
// mergeFiles performs over CompactionEntry, generalized from a
// file-order tiebreak to the InternalKey's built-in seqno ordering.
type mergeHeap []mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return h[i].v.InternalKey().Compare(h[j].v.InternalKey()) < 0
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeHeapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// CompactionManager owns the background compaction worker pool: a
// ticking loop that asks a Strategy what to merge next, bounded to
// maxConcurrent simultaneous compactions via errgroup.Group's limit.
type CompactionManager struct {
	root  string
	store *LevelManifest
	fds   *FDTable
	cache *BlockCache
	codec Codec
	log   *zap.Logger

	blockSize              int
	maxSegmentBytes        int64
	expectedKeysPerSegment int

	strategy Strategy
	cfg      LeveledConfig

	group  *errgroup.Group
	cancel context.CancelFunc
	doneCh chan struct{}

	onPanic func(recovered any)
}

// CompactionManagerConfig bundles CompactionManager's construction
// parameters.
type CompactionManagerConfig struct {
	Root                   string
	Manifest               *LevelManifest
	FDs                    *FDTable
	Cache                  *BlockCache
	Codec                  Codec
	Logger                 *zap.Logger
	BlockSize              int
	MaxSegmentBytes        int64
	ExpectedKeysPerSegment int
	Strategy               Strategy
	LeveledConfig          LeveledConfig
	MaxConcurrent          int
	OnPanic                func(recovered any)
}

func NewCompactionManager(cfg CompactionManagerConfig) *CompactionManager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = Leveled{}
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 64 * 1024 * 1024
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}

	group := &errgroup.Group{}
	group.SetLimit(cfg.MaxConcurrent)

	return &CompactionManager{
		root:                   cfg.Root,
		store:                  cfg.Manifest,
		fds:                    cfg.FDs,
		cache:                  cfg.Cache,
		codec:                  cfg.Codec,
		log:                    cfg.Logger,
		blockSize:              cfg.BlockSize,
		maxSegmentBytes:        cfg.MaxSegmentBytes,
		expectedKeysPerSegment: cfg.ExpectedKeysPerSegment,
		strategy:               cfg.Strategy,
		cfg:                    cfg.LeveledConfig,
		group:                  group,
		onPanic:                cfg.OnPanic,
	}
}

// Start launches the background ticking loop. Each tick submits at
// most one compaction attempt to the bounded worker pool; when the pool
// is saturated the submission blocks the loop goroutine until a slot
// frees, naturally coalescing ticks. An interval <= 0 starts no loop;
// compactions then run only through TryCompactOnce or DoMajorCompaction.
func (cm *CompactionManager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	cm.cancel = cancel
	cm.doneCh = make(chan struct{})
	go cm.loop(ctx, interval)
}

func (cm *CompactionManager) loop(ctx context.Context, interval time.Duration) {
	defer close(cm.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.group.Go(func() error {
				defer func() {
					if r := recover(); r != nil && cm.onPanic != nil {
						cm.onPanic(r)
					}
				}()
				if _, err := cm.TryCompactOnce(ctx); err != nil {
					cm.log.Error("background compaction failed", zap.Error(err))
				}
				return nil
			})
		}
	}
}

// Stop cancels the loop and waits for every in-flight compaction to
// finish.
func (cm *CompactionManager) Stop() {
	if cm.cancel != nil {
		cm.cancel()
		<-cm.doneCh
	}
	cm.group.Wait()
}

// TryCompactOnce asks the strategy for a choice and, if there is one,
// runs it to completion. It reports whether a compaction actually ran.
func (cm *CompactionManager) TryCompactOnce(ctx context.Context) (bool, error) {
	choice := cm.strategy.Pick(cm.store, cm.cfg)
	if choice == nil {
		return false, nil
	}
	if err := cm.run(ctx, choice); err != nil {
		return true, err
	}
	return true, nil
}

// DoMajorCompaction forces a single merge of every live segment in the
// tree down into the bottom level, regardless of the configured
// strategy's usual trigger thresholds.
func (cm *CompactionManager) DoMajorCompaction(ctx context.Context) error {
	choice := Major{}.Pick(cm.store, cm.cfg)
	if choice == nil {
		return nil
	}
	return cm.run(ctx, choice)
}

func gatherSegments(manifest *LevelManifest, ids []string) []*Segment {
	var segs []*Segment
	for _, id := range ids {
		if s, ok := manifest.SegmentByID(id); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

func buildRemovalsByLevel(manifest *LevelManifest, ids []string) map[int][]string {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	removals := make(map[int][]string)
	for level := 0; level < manifest.NumLevels(); level++ {
		for _, id := range manifest.ListIDs(level) {
			if idSet[id] {
				removals[level] = append(removals[level], id)
			}
		}
	}
	return removals
}

func segmentsRange(segs []*Segment) (min, max []byte) {
	for i, s := range segs {
		if i == 0 || compareBytes(s.MinKey(), min) < 0 {
			min = s.MinKey()
		}
		if i == 0 || compareBytes(s.MaxKey(), max) > 0 {
			max = s.MaxKey()
		}
	}
	return min, max
}

// run hides the chosen source (and, for a leveled compaction, the
// target-level segments it overlaps), k-way merges them, and atomically
// promotes the merge's output segments into the manifest - unhiding and
// leaving the originals untouched if anything fails along the way.
func (cm *CompactionManager) run(ctx context.Context, choice *CompactionChoice) error {
	isMajor := choice.SourceLevel < 0

	var allIDs []string
	var allSegs []*Segment

	if isMajor {
		allIDs = choice.SourceIDs
		allSegs = gatherSegments(cm.store, allIDs)
	} else {
		cm.store.SetCompacting(choice.SourceLevel, true)
		defer cm.store.SetCompacting(choice.SourceLevel, false)

		sourceSegs := gatherSegments(cm.store, choice.SourceIDs)
		minKey, maxKey := segmentsRange(sourceSegs)

		var targetOverlap []*Segment
		for _, s := range cm.store.Segments(choice.TargetLevel) {
			if s.Overlaps(minKey, maxKey) {
				targetOverlap = append(targetOverlap, s)
			}
		}

		allSegs = append(append([]*Segment{}, sourceSegs...), targetOverlap...)
		allIDs = append(append([]string{}, choice.SourceIDs...), idsOf(targetOverlap)...)
	}

	if len(allSegs) == 0 {
		return nil
	}

	cm.store.Hide(allIDs)

	newSegs, err := cm.merge(allSegs, choice.TargetLevel, choice.IsBottom)
	if err != nil {
		cm.store.Unhide(allIDs)
		return fmt.Errorf("compaction merge: %w: %v", common.ErrCompactionFailure, err)
	}

	removals := buildRemovalsByLevel(cm.store, allIDs)
	if err := cm.store.CommitCompaction(removals, choice.TargetLevel, newSegs); err != nil {
		cm.store.Unhide(allIDs)
		for _, s := range newSegs {
			s.Remove()
		}
		return fmt.Errorf("commit compaction: %w: %v", common.ErrCompactionFailure, err)
	}

	cm.log.Info("compaction complete",
		zap.Int("source_level", choice.SourceLevel),
		zap.Int("target_level", choice.TargetLevel),
		zap.Int("inputs", len(allSegs)),
		zap.Int("outputs", len(newSegs)))

	return nil
}

func idsOf(segs []*Segment) []string {
	ids := make([]string, len(segs))
	for i, s := range segs {
		ids[i] = s.ID()
	}
	return ids
}

// merge performs the k-way heap merge of segs into freshly built
// segments at targetLevel, dropping tombstones when isBottom is true
// (a tombstone has nothing left below it to shadow once it reaches the
// bottom level).
func (cm *CompactionManager) merge(segs []*Segment, targetLevel int, isBottom bool) ([]*Segment, error) {
	iterators := make([]*RangeIterator, 0, len(segs))
	for _, s := range segs {
		it, err := s.Range(nil, nil)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, it)
	}

	h := &mergeHeap{}
	heap.Init(h)
	for _, it := range iterators {
		if v, ok := it.Next(); ok {
			heap.Push(h, mergeHeapItem{v: v, it: it})
		}
	}

	var result []*Segment
	var builder *SegmentBuilder

	finishBuilder := func() error {
		if builder == nil {
			return nil
		}
		meta, ok, err := builder.Finish()
		builder = nil
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		seg, err := RecoverSegment(cm.root, meta.ID, cm.fds, cm.cache, cm.codec)
		if err != nil {
			return err
		}
		result = append(result, seg)
		return nil
	}

	abortAll := func() {
		if builder != nil {
			builder.Abort()
		}
		for _, s := range result {
			s.Remove()
		}
	}

	for h.Len() > 0 {
		top := heap.Pop(h).(mergeHeapItem)
		entry := top.v
		if nv, ok := top.it.Next(); ok {
			heap.Push(h, mergeHeapItem{v: nv, it: top.it})
		}

		for h.Len() > 0 && compareBytes((*h)[0].v.Key, entry.Key) == 0 {
			dup := heap.Pop(h).(mergeHeapItem)
			if nv, ok := dup.it.Next(); ok {
				heap.Push(h, mergeHeapItem{v: nv, it: dup.it})
			}
		}

		if isBottom && entry.Tombstone {
			continue
		}

		if builder == nil {
			id := newSegmentID(time.Now())
			b, err := NewSegmentBuilder(cm.root, id, cm.blockSize, cm.expectedKeysPerSegment, cm.codec)
			if err != nil {
				abortAll()
				return nil, err
			}
			builder = b
		}

		if err := builder.Add(entry); err != nil {
			abortAll()
			return nil, err
		}

		if builder.ApproxBytes() >= cm.maxSegmentBytes {
			if err := finishBuilder(); err != nil {
				abortAll()
				return nil, err
			}
		}
	}

	if err := finishBuilder(); err != nil {
		abortAll()
		return nil, err
	}

	return result, nil
}
