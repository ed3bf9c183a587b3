package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dyluth/mosaic/pkg/canvas"
	"golang.org/x/sync/singleflight"
)

// ChunkReader reads whole chunks from the shared store.
type ChunkReader interface {
	GetChunk(ctx context.Context, ref canvas.ChunkRef, minLength int) ([]byte, error)
}

// ChunkCache is a read-through cache of chunk bytes for downloads. Concurrent
// misses for one chunk share a single store read. Entries are dropped when
// the fabric reports the chunk changed; it implements fabric.ChunkObserver.
type ChunkCache struct {
	reader     ChunkReader
	maxEntries int
	group      singleflight.Group

	mu      sync.Mutex
	entries map[canvas.ChunkRef][]byte
	// reads in progress, true once a change makes the read stale
	reading map[canvas.ChunkRef]bool

	hits, misses, invalidations atomic.Int64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries       int   `json:"entries"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

// NewChunkCache creates a cache holding at most maxEntries chunks.
func NewChunkCache(reader ChunkReader, maxEntries int) *ChunkCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &ChunkCache{
		reader:     reader,
		maxEntries: maxEntries,
		entries:    make(map[canvas.ChunkRef][]byte),
		reading:    make(map[canvas.ChunkRef]bool),
	}
}

// Get returns the chunk, zero-padded to canvas.ChunkBytes. Callers must not
// modify the returned slice.
func (c *ChunkCache) Get(ctx context.Context, ref canvas.ChunkRef) ([]byte, error) {
	c.mu.Lock()
	if data, ok := c.entries[ref]; ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return data, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	v, err, _ := c.group.Do(ref.String(), func() (interface{}, error) {
		// singleflight allows one read per chunk at a time
		c.mu.Lock()
		c.reading[ref] = false
		c.mu.Unlock()

		data, err := c.reader.GetChunk(ctx, ref, canvas.ChunkBytes)

		c.mu.Lock()
		defer c.mu.Unlock()
		stale := c.reading[ref]
		delete(c.reading, ref)
		if err != nil {
			return nil, err
		}
		if !stale {
			if len(c.entries) >= c.maxEntries {
				c.evictOne()
			}
			c.entries[ref] = data
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ChunkUpdated drops the cached copy of ref.
func (c *ChunkCache) ChunkUpdated(ref canvas.ChunkRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.reading[ref]; ok {
		c.reading[ref] = true
	}
	if _, ok := c.entries[ref]; ok {
		delete(c.entries, ref)
		c.invalidations.Add(1)
	}
}

// Stats returns the current counters.
func (c *ChunkCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Entries:       entries,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// evictOne removes an arbitrary entry. Must hold mu.
func (c *ChunkCache) evictOne() {
	for ref := range c.entries {
		delete(c.entries, ref)
		return
	}
}
