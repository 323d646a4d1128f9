package lsm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/intellect4all/lsmtree/common"
)

// fdEntry pools a single reusable *os.File for one segment's blocks
// file, handing out an exclusive reader per access. Adapted from the
// refcounted atomic.Pointer[os.File] pattern the teacher repo's
// hash-index engine uses for its own segment files.
type fdEntry struct {
	path string

	file   atomic.Pointer[os.File]
	closed atomic.Bool

	mu sync.Mutex // serializes the exclusive reader handed out by withReader

	release func() // returns this entry's semaphore slot; called once, from close()
}

func newFDEntry(path string, release func()) (*fdEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %v", path, common.ErrIo, err)
	}
	e := &fdEntry{path: path, release: release}
	e.file.Store(f)
	return e, nil
}

// withReader blocks until it can hand out the exclusive reader, runs fn
// with it, and always releases afterward - fn's return value and error
// propagate to the caller.
func (e *fdEntry) withReader(fn func(*os.File) error) error {
	if e.closed.Load() {
		return fmt.Errorf("fd table: segment closed: %w", common.ErrIo)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.file.Load()
	if f == nil {
		return fmt.Errorf("fd table: segment closed: %w", common.ErrIo)
	}
	return fn(f)
}

func (e *fdEntry) close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.file.Swap(nil)
	if e.release != nil {
		e.release()
	}
	if f == nil {
		return nil
	}
	return f.Close()
}

// FDTable pools one fdEntry per open segment file path. Exhaustion of
// the configured width blocks callers on the semaphore until a slot
// frees up.
type FDTable struct {
	sem     chan struct{}
	mu      sync.Mutex
	entries map[string]*fdEntry
}

func NewFDTable(maxOpenFiles int) *FDTable {
	if maxOpenFiles <= 0 {
		maxOpenFiles = 256
	}
	return &FDTable{
		sem:     make(chan struct{}, maxOpenFiles),
		entries: make(map[string]*fdEntry),
	}
}

// Open registers path with the table, opening the underlying file once.
// The semaphore slot it acquires is held for as long as the resulting
// handle stays open, not just for the duration of this call - that's
// what makes MaxOpenFiles an actual bound on concurrently-open fds
// rather than a bound on registration throughput.
func (t *FDTable) Open(path string) error {
	t.mu.Lock()
	if _, ok := t.entries[path]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.sem <- struct{}{}
	release := func() { <-t.sem }

	e, err := newFDEntry(path, release)
	if err != nil {
		release()
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[path]; ok {
		// Lost the race to register path; drop the handle we opened.
		_ = e.close()
		return nil
	}
	t.entries[path] = e
	return nil
}

// WithReader runs fn with the exclusive reader for path, blocking while
// the table is at capacity.
func (t *FDTable) WithReader(path string, fn func(*os.File) error) error {
	t.mu.Lock()
	e, ok := t.entries[path]
	t.mu.Unlock()
	if !ok {
		if err := t.Open(path); err != nil {
			return err
		}
		t.mu.Lock()
		e = t.entries[path]
		t.mu.Unlock()
	}
	return e.withReader(fn)
}

// Close closes and forgets the file handle for path.
func (t *FDTable) Close(path string) error {
	t.mu.Lock()
	e, ok := t.entries[path]
	delete(t.entries, path)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return e.close()
}

// CloseAll closes every pooled handle.
func (t *FDTable) CloseAll() error {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*fdEntry)
	t.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
