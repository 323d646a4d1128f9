package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/intellect4all/lsmtree/common"
	"go.uber.org/zap"
)

// FsyncPolicy controls when a journal append is durable on return.
type FsyncPolicy int

const (
	FsyncEveryWrite FsyncPolicy = iota
	FsyncInterval
	FsyncNever
)

// flushMarkerName is the sentinel file that, when present, marks a
// journal directory's paired memtable as having begun flushing; such
// journals are never taken as the active journal on recovery.
const flushMarkerName = ".flush"

type journalShard struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func (s *journalShard) appendLocked(v Value) error {
	encoded, err := v.Encode()
	if err != nil {
		return err
	}

	crc := crc32.ChecksumIEEE(encoded)
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(encoded)))
	binary.BigEndian.PutUint32(header[4:8], crc)

	if _, err := s.file.Write(header); err != nil {
		return fmt.Errorf("journal shard write header: %w: %v", common.ErrIo, err)
	}
	if _, err := s.file.Write(encoded); err != nil {
		return fmt.Errorf("journal shard write record: %w: %v", common.ErrIo, err)
	}
	return nil
}

// Journal is a sharded append-only write-ahead log backing one active
// memtable. N shards (a small power of two) let concurrent writers to
// distinct keys append without contending on a single file.
type Journal struct {
	dir    string
	id     string
	shards []*journalShard

	fsyncPolicy   FsyncPolicy
	fsyncInterval time.Duration
	stopInterval  chan struct{}

	// groupMu separates ordinary per-key appends (RLock, concurrent
	// across shards) from batch commits (Lock, exclusive - giving the
	// batch a single journal-wide lock and all-or-nothing visibility).
	groupMu sync.RWMutex

	sizeCounter int64 // not updated by any append; rotation is driven by the memtable's size
	log         *zap.Logger
}

func journalDir(root, id string) string {
	return filepath.Join(root, "journals", id)
}

// OpenJournal creates (or reopens) a journal directory with numShards
// shard files.
func OpenJournal(root, id string, numShards int, policy FsyncPolicy, interval time.Duration, log *zap.Logger) (*Journal, error) {
	if numShards <= 0 {
		numShards = 4
	}
	if log == nil {
		log = zap.NewNop()
	}

	dir := journalDir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir %s: %w: %v", id, common.ErrIo, err)
	}

	shards := make([]*journalShard, numShards)
	for i := 0; i < numShards; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%d", i))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			for _, s := range shards {
				if s != nil {
					s.file.Close()
				}
			}
			return nil, fmt.Errorf("open journal shard %s: %w: %v", path, common.ErrIo, err)
		}
		shards[i] = &journalShard{file: f, path: path}
	}

	j := &Journal{
		dir:           dir,
		id:            id,
		shards:        shards,
		fsyncPolicy:   policy,
		fsyncInterval: interval,
		log:           log,
	}

	if policy == FsyncInterval && interval > 0 {
		j.stopInterval = make(chan struct{})
		go j.intervalSyncer()
	}

	return j, nil
}

func (j *Journal) intervalSyncer() {
	ticker := time.NewTicker(j.fsyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopInterval:
			return
		case <-ticker.C:
			_ = j.Sync()
		}
	}
}

func (j *Journal) shardFor(key []byte) *journalShard {
	h := xxhash.Sum64(key)
	return j.shards[h%uint64(len(j.shards))]
}

// Append writes one record for v. Concurrent appends to different
// shards proceed without contention.
func (j *Journal) Append(v Value) error {
	j.groupMu.RLock()
	defer j.groupMu.RUnlock()

	shard := j.shardFor(v.Key)
	shard.mu.Lock()
	err := shard.appendLocked(v)
	if err == nil && j.fsyncPolicy == FsyncEveryWrite {
		err = shard.file.Sync()
	}
	shard.mu.Unlock()
	return err
}

// AppendGroup writes every value in values under one exclusive
// journal-wide lock: either the whole group lands, or (on the first
// error) the caller must treat none of it as committed to the memtable.
func (j *Journal) AppendGroup(values []Value) error {
	j.groupMu.Lock()
	defer j.groupMu.Unlock()

	touched := make(map[*journalShard]bool)
	for _, v := range values {
		shard := j.shardFor(v.Key)
		shard.mu.Lock()
		err := shard.appendLocked(v)
		shard.mu.Unlock()
		if err != nil {
			return err
		}
		touched[shard] = true
	}

	if j.fsyncPolicy == FsyncEveryWrite {
		for shard := range touched {
			if err := shard.file.Sync(); err != nil {
				return fmt.Errorf("journal group fsync: %w: %v", common.ErrIo, err)
			}
		}
	}
	return nil
}

// Sync fsyncs every shard.
func (j *Journal) Sync() error {
	for _, s := range j.shards {
		s.mu.Lock()
		err := s.file.Sync()
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("journal sync: %w: %v", common.ErrIo, err)
		}
	}
	return nil
}

// MarkFlushing writes the .flush sentinel, excluding this journal from
// being chosen as the active journal on a future recovery scan.
func (j *Journal) MarkFlushing() error {
	f, err := os.Create(filepath.Join(j.dir, flushMarkerName))
	if err != nil {
		return fmt.Errorf("mark journal %s flushing: %w: %v", j.id, common.ErrIo, err)
	}
	return f.Close()
}

// Close closes every shard file and stops the interval syncer if one is
// running.
func (j *Journal) Close() error {
	if j.stopInterval != nil {
		close(j.stopInterval)
	}
	var firstErr error
	for _, s := range j.shards {
		s.mu.Lock()
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mu.Unlock()
	}
	return firstErr
}

// Remove closes and deletes the journal's directory entirely. Called
// only after the paired segment's files and the manifest update
// referencing it have been fsynced.
func (j *Journal) Remove() error {
	j.Close()
	return os.RemoveAll(j.dir)
}

// readShard replays one shard file into values, stopping at the first
// truncated, CRC-mismatched or undecodable record. A truncated record
// header ends the shard silently; a truncated record body, a CRC
// mismatch or an undecodable record is logged as a warning. Either way
// the values read before that point are returned.
func readShard(path string, log *zap.Logger) ([]Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal shard %s: %w: %v", path, common.ErrIo, err)
	}
	defer f.Close()

	var values []Value
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("read journal shard %s header: %w: %v", path, common.ErrIo, err)
			}
			break
		}

		recLen := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])

		record := make([]byte, recLen)
		if _, err := io.ReadFull(f, record); err != nil {
			log.Warn("journal shard truncated record, stopping replay", zap.String("path", path))
			break
		}

		if crc32.ChecksumIEEE(record) != wantCRC {
			log.Warn("journal shard crc mismatch, stopping replay", zap.String("path", path))
			break
		}

		v, _, err := DecodeValue(record)
		if err != nil {
			log.Warn("journal shard undecodable record, stopping replay", zap.String("path", path), zap.Error(err))
			break
		}
		values = append(values, v)
	}

	return values, nil
}

// RecoverJournal replays every shard of the journal directory under
// root/journals/id into a freshly created memtable, in seqno order.
func RecoverJournal(root, id string, maxMemtableSize int, log *zap.Logger) (*MemTable, SeqNo, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := journalDir(root, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read journal dir %s: %w: %v", id, common.ErrIo, err)
	}

	var all []Value
	for _, e := range entries {
		if e.IsDir() || e.Name() == flushMarkerName {
			continue
		}
		values, err := readShard(filepath.Join(dir, e.Name()), log)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, values...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	mt := NewMemTable(maxMemtableSize)
	var maxSeq SeqNo
	for _, v := range all {
		mt.Insert(v)
		if v.Seq > maxSeq {
			maxSeq = v.Seq
		}
	}

	return mt, maxSeq, nil
}

// journalIsFlushing reports whether the journal directory carries the .flush
// sentinel.
func journalIsFlushing(root, id string) bool {
	_, err := os.Stat(filepath.Join(journalDir(root, id), flushMarkerName))
	return err == nil
}
