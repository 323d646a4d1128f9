package lsm

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// cacheKey identifies a cached block by the segment it belongs to and
// the start key of the block's first entry.
type cacheKey struct {
	segmentID string
	startKey  string
}

// blockNamespace is one of the cache's two logical partitions.
type blockNamespace int

const (
	namespaceData blockNamespace = iota
	namespaceIndex
)

// BlockCache is a bounded shared LRU over (segment_id, block_key) for
// both data and index blocks. Capacity is measured in entries. A single
// shared cache instance is handed to every open segment.
//
// Concurrent misses of the same key are serialized through a
// singleflight.Group per namespace, so a miss never races with another
// miss for the same block - exactly one load wins and every caller sees
// its result, resolving the spec's open question in favor of
// serialization over tolerated duplicate loads.
type BlockCache struct {
	data  *lru.Cache[cacheKey, []Value]
	index *lru.Cache[cacheKey, []IndexEntry]

	dataFlight  singleflight.Group
	indexFlight singleflight.Group
}

// NewBlockCache creates a cache with the given per-namespace capacity in
// entries (blocks).
func NewBlockCache(capacity int) (*BlockCache, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	data, err := lru.New[cacheKey, []Value](capacity)
	if err != nil {
		return nil, err
	}
	index, err := lru.New[cacheKey, []IndexEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &BlockCache{data: data, index: index}, nil
}

// GetOrLoadData returns the cached data block for key, loading it via
// load on a miss. Concurrent misses for the same key share one load.
func (c *BlockCache) GetOrLoadData(key cacheKey, load func() ([]Value, error)) ([]Value, error) {
	if v, ok := c.data.Get(key); ok {
		return v, nil
	}

	flightKey := key.segmentID + "\x00" + key.startKey
	v, err, _ := c.dataFlight.Do(flightKey, func() (interface{}, error) {
		if v, ok := c.data.Get(key); ok {
			return v, nil
		}
		loaded, err := load()
		if err != nil {
			return nil, err
		}
		c.data.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Value), nil
}

// GetOrLoadIndex is GetOrLoadData's counterpart for index blocks.
func (c *BlockCache) GetOrLoadIndex(key cacheKey, load func() ([]IndexEntry, error)) ([]IndexEntry, error) {
	if v, ok := c.index.Get(key); ok {
		return v, nil
	}

	flightKey := key.segmentID + "\x00" + key.startKey
	v, err, _ := c.indexFlight.Do(flightKey, func() (interface{}, error) {
		if v, ok := c.index.Get(key); ok {
			return v, nil
		}
		loaded, err := load()
		if err != nil {
			return nil, err
		}
		c.index.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]IndexEntry), nil
}

// InvalidateSegment drops every cached block belonging to segmentID.
// Called once a segment's files are removed so stale blocks can't be
// served from cache after deletion.
func (c *BlockCache) InvalidateSegment(segmentID string) {
	for _, k := range c.data.Keys() {
		if k.segmentID == segmentID {
			c.data.Remove(k)
		}
	}
	for _, k := range c.index.Keys() {
		if k.segmentID == segmentID {
			c.index.Remove(k)
		}
	}
}
