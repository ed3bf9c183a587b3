package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	reads   atomic.Int64
	release chan struct{}
	data    []byte
	err     error
}

func (r *countingReader) GetChunk(ctx context.Context, ref canvas.ChunkRef, minLength int) ([]byte, error) {
	r.reads.Add(1)
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return nil, r.err
	}
	out := make([]byte, minLength)
	copy(out, r.data)
	return out, nil
}

func TestChunkCacheReadThrough(t *testing.T) {
	reader := &countingReader{data: []byte{1, 2, 3}}
	cache := NewChunkCache(reader, 4)
	ref := canvas.ChunkRef{CanvasID: 0, I: 1, J: 1}
	ctx := context.Background()

	data, err := cache.Get(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, data, canvas.ChunkBytes)
	assert.Equal(t, byte(2), data[1])

	_, err = cache.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reader.reads.Load())

	cache.ChunkUpdated(ref)
	_, err = cache.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reader.reads.Load())

	stats := cache.Stats()
	assert.Equal(t, CacheStats{Entries: 1, Hits: 1, Misses: 2, Invalidations: 1}, stats)
}

func TestChunkCacheCoalescesConcurrentMisses(t *testing.T) {
	reader := &countingReader{release: make(chan struct{})}
	cache := NewChunkCache(reader, 4)
	ref := canvas.ChunkRef{CanvasID: 0, I: 0, J: 0}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), ref)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return reader.reads.Load() == 1 }, time.Second, time.Millisecond)
	close(reader.release)
	wg.Wait()

	assert.LessOrEqual(t, reader.reads.Load(), int64(2))
}

func TestChunkCacheDropsStaleRead(t *testing.T) {
	reader := &countingReader{release: make(chan struct{})}
	cache := NewChunkCache(reader, 4)
	ref := canvas.ChunkRef{CanvasID: 0, I: 0, J: 0}

	done := make(chan struct{})
	go func() {
		cache.Get(context.Background(), ref)
		close(done)
	}()

	require.Eventually(t, func() bool { return reader.reads.Load() == 1 }, time.Second, time.Millisecond)
	cache.ChunkUpdated(ref)
	close(reader.release)
	<-done

	assert.Equal(t, 0, cache.Stats().Entries, "a read racing a change is not cached")

	reader.release = nil
	_, err := cache.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Stats().Entries, "the next read is cached again")
}

func TestChunkCacheForgetsFinishedReads(t *testing.T) {
	reader := &countingReader{}
	cache := NewChunkCache(reader, 4)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		cache.ChunkUpdated(canvas.ChunkRef{CanvasID: uint8(i % 4), I: uint8(i), J: uint8(i / 256)})
	}
	assert.Empty(t, cache.reading, "changes to chunks nobody is reading leave no state")

	ref := canvas.ChunkRef{CanvasID: 1, I: 2, J: 3}
	_, err := cache.Get(ctx, ref)
	require.NoError(t, err)
	cache.ChunkUpdated(ref)

	reader.err = errors.New("boom")
	_, err = cache.Get(ctx, ref)
	require.Error(t, err)

	assert.Empty(t, cache.reading)
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestChunkCacheBoundedAndErrors(t *testing.T) {
	reader := &countingReader{}
	cache := NewChunkCache(reader, 2)
	ctx := context.Background()

	for i := uint8(0); i < 5; i++ {
		_, err := cache.Get(ctx, canvas.ChunkRef{CanvasID: 0, I: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Stats().Entries)

	reader.err = errors.New("boom")
	_, err := cache.Get(ctx, canvas.ChunkRef{CanvasID: 9})
	assert.Error(t, err)
}
