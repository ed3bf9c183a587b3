package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
)

// PixelCache coalesces committed pixels into one packet per chunk and flushes
// them on a timer. It implements canvas.ChunkListener.
type PixelCache struct {
	mu      sync.Mutex
	order   []canvas.ChunkRef
	pending map[canvas.ChunkRef]*pendingChunk
	flush   func([]Packet)
}

type pendingChunk struct {
	pixels      []canvas.Pixel
	invalidated bool
}

// NewPixelCache creates a cache that hands each flushed batch of packets to flush.
func NewPixelCache(flush func([]Packet)) *PixelCache {
	return &PixelCache{
		pending: make(map[canvas.ChunkRef]*pendingChunk),
		flush:   flush,
	}
}

// ChunkChanged records a committed write. A nil pixel list marks the chunk as
// replaced, which supersedes any pixels already pending for it.
func (c *PixelCache) ChunkChanged(ref canvas.ChunkRef, pixels []canvas.Pixel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[ref]
	if !ok {
		p = &pendingChunk{}
		c.pending[ref] = p
		c.order = append(c.order, ref)
	}

	if pixels == nil {
		p.invalidated = true
		p.pixels = nil
		return
	}
	if !p.invalidated {
		p.pixels = append(p.pixels, pixels...)
	}
}

// Flush emits everything pending, one packet per chunk in first-touched order.
func (c *PixelCache) Flush() {
	c.mu.Lock()
	if len(c.order) == 0 {
		c.mu.Unlock()
		return
	}
	packets := make([]Packet, 0, len(c.order))
	for _, ref := range c.order {
		p := c.pending[ref]
		if p.invalidated {
			packets = append(packets, ChunkInvalidate{Chunk: ref})
		} else {
			packets = append(packets, PixelDelta{Chunk: ref, Pixels: p.pixels})
		}
	}
	c.order = nil
	c.pending = make(map[canvas.ChunkRef]*pendingChunk)
	c.mu.Unlock()

	c.flush(packets)
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (c *PixelCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}
