package lsm

import (
	"sync/atomic"

	"github.com/intellect4all/lsmtree/common"
	"go.uber.org/zap"
)

// Adapter implements common.StorageEngine over a Tree, matching the
// benchmark harness's engine-agnostic interface.
type Adapter struct {
	tree         *Tree
	writeCount   atomic.Int64
	readCount    atomic.Int64
	compactCount atomic.Int64
}

// NewAdapter opens a Tree at cfg.DataDir and wraps it as a
// common.StorageEngine.
func NewAdapter(cfg Config, log *zap.Logger) (*Adapter, error) {
	t, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Adapter{tree: t}, nil
}

// Tree exposes the underlying Tree for callers that need operations
// common.StorageEngine doesn't surface (range scans, CAS, batches).
func (a *Adapter) Tree() *Tree { return a.tree }

func (a *Adapter) Put(key, value []byte) error {
	a.writeCount.Add(1)
	return a.tree.Insert(key, value)
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	a.readCount.Add(1)
	v, ok, err := a.tree.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrKeyNotFound
	}
	return v, nil
}

func (a *Adapter) Delete(key []byte) error {
	a.writeCount.Add(1)
	return a.tree.Remove(key)
}

func (a *Adapter) Close() error {
	return a.tree.Close()
}

func (a *Adapter) Sync() error {
	return a.tree.Flush()
}

func (a *Adapter) Compact() error {
	a.compactCount.Add(1)
	return a.tree.DoMajorCompaction()
}

func (a *Adapter) Stats() common.Stats {
	numKeys, err := a.tree.Len()
	if err != nil {
		numKeys = 0
	}
	return common.Stats{
		NumKeys:       int64(numKeys),
		NumSegments:   a.tree.SegmentCount(),
		ActiveSegSize: int64(a.tree.mm.ActiveSize()),
		TotalDiskSize: a.tree.DiskSpace(),
		WriteCount:    a.writeCount.Load(),
		ReadCount:     a.readCount.Load(),
		CompactCount:  a.compactCount.Load(),
	}
}

var _ common.StorageEngine = (*Adapter)(nil)
