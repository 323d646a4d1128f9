package lsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/intellect4all/lsmtree/common"
	"go.uber.org/zap"
)

// immutableEntry pairs a frozen memtable with the journal that backs
// it, still on disk (marked .flush) until the matching segment has been
// committed to the manifest.
type immutableEntry struct {
	mt      *MemTable
	journal *Journal
	id      string
}

// MemtableManagerConfig bundles MemtableManager's construction
// parameters.
type MemtableManagerConfig struct {
	Root            string
	Manifest        *LevelManifest
	FDs             *FDTable
	Cache           *BlockCache
	Codec           Codec
	Logger          *zap.Logger
	MaxMemtableSize int
	JournalShards   int
	FsyncPolicy     FsyncPolicy
	FsyncInterval   time.Duration
	BlockSize       int
	OnPanic         func(recovered any)
}

// MemtableManager owns the active memtable/journal pair, the queue of
// frozen immutable memtables awaiting flush, and the background flush
// worker that drains that queue into level-0 segments. It uses three
// separate locks - activeMu, immutableMu, and the manifest's own lock -
// matching the locking model spec.md lays out for the active memtable,
// the immutable queue, and the level table respectively. Readers never
// hold activeMu and immutableMu at the same time; a rotation holds
// activeMu exclusively, so it waits for, and briefly blocks, readers and
// writers of the active memtable.
type MemtableManager struct {
	cfg MemtableManagerConfig
	log *zap.Logger

	activeMu        sync.RWMutex
	active          *MemTable
	activeJournal   *Journal
	activeJournalID string

	immutableMu sync.RWMutex
	immutables  []*immutableEntry

	flushCh chan struct{}
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func newMemtableManagerFresh(cfg MemtableManagerConfig) (*MemtableManager, error) {
	id := newSegmentID(time.Now())
	journal, err := OpenJournal(cfg.Root, id, cfg.JournalShards, cfg.FsyncPolicy, cfg.FsyncInterval, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &MemtableManager{
		cfg:             cfg,
		log:             cfg.Logger,
		active:          NewMemTable(cfg.MaxMemtableSize),
		activeJournal:   journal,
		activeJournalID: id,
		flushCh:         make(chan struct{}, 1),
	}, nil
}

// RecoverMemtableManager scans root/journals for existing journal
// directories (in id order, oldest first), replaying each into a
// memtable. The newest journal lacking the .flush sentinel becomes the
// active journal, whatever its size. An older unmarked journal, left by
// a crash inside rotate after the new journal was opened but before the
// old one was marked, is marked .flush and queued. Every sentinel-marked
// journal becomes a queued immutable, picked back up by the flush worker
// once Start runs. When no journal lacks the sentinel, a fresh active
// journal is created, the same state a brand-new tree starts in.
func RecoverMemtableManager(cfg MemtableManagerConfig) (*MemtableManager, SeqNo, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dir := filepath.Join(cfg.Root, "journals")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		mm, err := newMemtableManagerFresh(cfg)
		return mm, 0, err
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read journals dir: %w: %v", common.ErrIo, err)
	}

	var maxSeq SeqNo
	var immutables []*immutableEntry
	var activeMT *MemTable
	var activeJournal *Journal
	var activeID string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()

		mt, seq, err := RecoverJournal(cfg.Root, id, cfg.MaxMemtableSize, cfg.Logger)
		if err != nil {
			return nil, 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}

		flushing := journalIsFlushing(cfg.Root, id)
		journal, err := OpenJournal(cfg.Root, id, cfg.JournalShards, cfg.FsyncPolicy, cfg.FsyncInterval, cfg.Logger)
		if err != nil {
			return nil, 0, err
		}

		if flushing {
			immutables = append(immutables, &immutableEntry{mt: mt, journal: journal, id: id})
			continue
		}
		if activeJournal != nil {
			if err := activeJournal.MarkFlushing(); err != nil {
				return nil, 0, err
			}
			immutables = append(immutables, &immutableEntry{mt: activeMT, journal: activeJournal, id: activeID})
		}
		activeMT, activeJournal, activeID = mt, journal, id
	}

	if activeJournal == nil {
		activeID = newSegmentID(time.Now())
		j, err := OpenJournal(cfg.Root, activeID, cfg.JournalShards, cfg.FsyncPolicy, cfg.FsyncInterval, cfg.Logger)
		if err != nil {
			return nil, 0, err
		}
		activeJournal = j
		activeMT = NewMemTable(cfg.MaxMemtableSize)
	}

	mm := &MemtableManager{
		cfg:             cfg,
		log:             cfg.Logger,
		active:          activeMT,
		activeJournal:   activeJournal,
		activeJournalID: activeID,
		immutables:      immutables,
		flushCh:         make(chan struct{}, 1),
	}
	return mm, maxSeq, nil
}

// Start launches the background flush worker.
func (m *MemtableManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	go m.loop(ctx)
	m.signalFlush() // pick up any immutables recovered from a prior crash
}

func (m *MemtableManager) loop(ctx context.Context) {
	defer close(m.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.flushCh:
			m.safeDrainQueue(ctx)
		}
	}
}

// safeDrainQueue recovers a panic inside the flush path, surfacing it
// to the tree via OnPanic (which poisons the tree) instead of taking
// down the process - a background worker's invariant violation should
// fail reads and writes going forward, not crash silently.
func (m *MemtableManager) safeDrainQueue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && m.cfg.OnPanic != nil {
			m.cfg.OnPanic(r)
		}
	}()
	m.drainQueue(ctx)
}

func (m *MemtableManager) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.immutableMu.RLock()
		empty := len(m.immutables) == 0
		m.immutableMu.RUnlock()
		if empty {
			return
		}
		if _, err := m.flushOne(); err != nil {
			m.log.Error("flush worker: flush failed, will retry on next trigger", zap.Error(err))
			return
		}
	}
}

func (m *MemtableManager) signalFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// Stop cancels the flush worker and waits for it to exit.
func (m *MemtableManager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.doneCh
	}
}

// Get checks the active memtable, then every immutable memtable
// newest-first, returning the first match (tombstone or not).
func (m *MemtableManager) Get(userKey []byte) (Value, bool) {
	m.activeMu.RLock()
	if v, ok := m.active.Get(userKey); ok {
		m.activeMu.RUnlock()
		return v, true
	}
	m.activeMu.RUnlock()

	m.immutableMu.RLock()
	defer m.immutableMu.RUnlock()
	for i := len(m.immutables) - 1; i >= 0; i-- {
		if v, ok := m.immutables[i].mt.Get(userKey); ok {
			return v, true
		}
	}
	return Value{}, false
}

// Range returns every entry across the active memtable and every
// immutable memtable (newest-first) whose user key falls in [lo, hi].
// Caller (the merge iterator) is responsible for reconciling duplicate
// keys by seqno.
func (m *MemtableManager) Range(lo, hi []byte) [][]Value {
	var out [][]Value

	m.activeMu.RLock()
	out = append(out, m.active.Range(lo, hi))
	m.activeMu.RUnlock()

	m.immutableMu.RLock()
	for i := len(m.immutables) - 1; i >= 0; i-- {
		out = append(out, m.immutables[i].mt.Range(lo, hi))
	}
	m.immutableMu.RUnlock()

	return out
}

// Insert appends v to the active journal, then applies it to the active
// memtable, rotating if the memtable is now full.
func (m *MemtableManager) Insert(v Value) error {
	m.activeMu.RLock()
	err := m.activeJournal.Append(v)
	if err != nil {
		m.activeMu.RUnlock()
		return err
	}
	m.active.Insert(v)
	full := m.active.IsFull()
	m.activeMu.RUnlock()

	if full {
		if err := m.rotate(false); err != nil {
			m.log.Error("rotate after full memtable failed", zap.Error(err))
		}
	}
	return nil
}

// InsertGroup appends every value in values as one atomic journal group,
// then applies all of them to the active memtable.
func (m *MemtableManager) InsertGroup(values []Value) error {
	m.activeMu.RLock()
	err := m.activeJournal.AppendGroup(values)
	if err != nil {
		m.activeMu.RUnlock()
		return err
	}
	for _, v := range values {
		m.active.Insert(v)
	}
	full := m.active.IsFull()
	m.activeMu.RUnlock()

	if full {
		if err := m.rotate(false); err != nil {
			m.log.Error("rotate after full memtable failed", zap.Error(err))
		}
	}
	return nil
}

// rotate freezes the active memtable into the immutable queue and opens
// a fresh active memtable and journal. The protocol, all under the
// active memtable's write lock: open the new journal, mark the old
// journal .flush, swap in the new memtable and journal, and append the
// frozen memtable to the immutable queue - so readers always find the
// frozen data either as the active memtable or in the queue. A crash
// between opening the new journal and marking the old one leaves two
// unmarked journals; RecoverMemtableManager queues the older one for
// flush. When force is false
// this is a no-op if the active memtable is not actually full (the
// caller may race another rotation).
func (m *MemtableManager) rotate(force bool) error {
	m.activeMu.Lock()
	if !force && !m.active.IsFull() {
		m.activeMu.Unlock()
		return nil
	}
	if m.active.Len() == 0 {
		m.activeMu.Unlock()
		return nil
	}

	oldMT := m.active
	oldJournal := m.activeJournal
	oldID := m.activeJournalID

	newID := newSegmentID(time.Now())
	newJournal, err := OpenJournal(m.cfg.Root, newID, m.cfg.JournalShards, m.cfg.FsyncPolicy, m.cfg.FsyncInterval, m.log)
	if err != nil {
		m.activeMu.Unlock()
		return fmt.Errorf("rotate: open new journal: %w", err)
	}

	if err := oldJournal.MarkFlushing(); err != nil {
		m.activeMu.Unlock()
		newJournal.Remove()
		return fmt.Errorf("rotate: mark old journal flushing: %w", err)
	}

	m.active = NewMemTable(m.cfg.MaxMemtableSize)
	m.activeJournal = newJournal
	m.activeJournalID = newID

	m.immutableMu.Lock()
	m.immutables = append(m.immutables, &immutableEntry{mt: oldMT, journal: oldJournal, id: oldID})
	m.immutableMu.Unlock()
	m.activeMu.Unlock()

	m.signalFlush()
	return nil
}

// ForceRotate rotates the active memtable regardless of whether it is
// full, used by an explicit Flush call.
func (m *MemtableManager) ForceRotate() error {
	return m.rotate(true)
}

// FlushAllSync rotates the active memtable (if non-empty) and
// synchronously drains the immutable queue, blocking until every
// pending memtable has become a durable level-0 segment.
func (m *MemtableManager) FlushAllSync() error {
	if err := m.ForceRotate(); err != nil {
		return err
	}
	for {
		m.immutableMu.RLock()
		empty := len(m.immutables) == 0
		m.immutableMu.RUnlock()
		if empty {
			return nil
		}
		if _, err := m.flushOne(); err != nil {
			return err
		}
	}
}

// flushOne flushes the oldest queued immutable memtable into a new
// level-0 segment, commits it to the manifest, then removes the
// journal. It reports whether an immutable was found to flush.
func (m *MemtableManager) flushOne() (bool, error) {
	m.immutableMu.RLock()
	if len(m.immutables) == 0 {
		m.immutableMu.RUnlock()
		return false, nil
	}
	entry := m.immutables[0]
	m.immutableMu.RUnlock()

	entries := entry.mt.AllEntries()
	if len(entries) == 0 {
		return true, m.retireImmutable(entry)
	}

	id := newSegmentID(time.Now())
	builder, err := NewSegmentBuilder(m.cfg.Root, id, m.cfg.BlockSize, len(entries), m.cfg.Codec)
	if err != nil {
		return true, err
	}
	for _, v := range entries {
		if err := builder.Add(v); err != nil {
			builder.Abort()
			return true, err
		}
	}
	meta, ok, err := builder.Finish()
	if err != nil {
		return true, err
	}
	if !ok {
		return true, m.retireImmutable(entry)
	}

	seg, err := RecoverSegment(m.cfg.Root, meta.ID, m.cfg.FDs, m.cfg.Cache, m.cfg.Codec)
	if err != nil {
		return true, err
	}
	if err := m.cfg.Manifest.AddSegment(0, seg); err != nil {
		seg.Remove()
		return true, err
	}

	if err := m.retireImmutable(entry); err != nil {
		m.log.Error("flush: segment committed but journal retirement failed, will retry on restart", zap.Error(err))
	}

	m.log.Info("memtable flushed", zap.String("segment_id", meta.ID), zap.Int64("items", meta.ItemCount))
	return true, nil
}

func (m *MemtableManager) retireImmutable(entry *immutableEntry) error {
	m.immutableMu.Lock()
	for i, e := range m.immutables {
		if e == entry {
			m.immutables = append(m.immutables[:i], m.immutables[i+1:]...)
			break
		}
	}
	m.immutableMu.Unlock()
	return entry.journal.Remove()
}

// ActiveSize returns the active memtable's approximate byte size.
func (m *MemtableManager) ActiveSize() int {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.active.Size()
}

// Close stops the flush worker and closes the active journal and every
// queued immutable's journal without flushing them (a subsequent Open
// replays them from disk).
func (m *MemtableManager) Close() error {
	m.Stop()

	m.activeMu.Lock()
	err := m.activeJournal.Close()
	m.activeMu.Unlock()

	m.immutableMu.Lock()
	for _, e := range m.immutables {
		if cerr := e.journal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.immutableMu.Unlock()

	return err
}
