package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps every failure of the underlying Redis store.
var ErrStoreUnavailable = errors.New("store unavailable")

// ChunkListener is notified synchronously whenever the store commits a write.
// Pixels is nil when the whole chunk was replaced.
type ChunkListener interface {
	ChunkChanged(ref ChunkRef, pixels []Pixel)
}

// CommitFunc runs a write against the store and returns the pixels it committed.
type CommitFunc func(ctx context.Context, rdb redis.Scripter) ([]Pixel, error)

// Store provides byte-level access to canvas chunks in Redis.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type Store struct {
	rdb *redis.Client

	mu        sync.RWMutex
	listeners []ChunkListener
}

// NewStore creates a chunk store for the given Redis connection options.
func NewStore(redisOpts *redis.Options) *Store {
	return &Store{
		rdb: redis.NewClient(redisOpts),
	}
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Redis exposes the underlying client so sibling components share one pool.
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

// Register adds a listener for committed writes.
func (s *Store) Register(l ChunkListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// GetByte returns the stored byte at offset, or ok=false if the chunk has no
// byte there yet.
func (s *Store) GetByte(ctx context.Context, ref ChunkRef, offset uint16) (b byte, ok bool, err error) {
	val, err := s.rdb.GetRange(ctx, ChunkKey(ref), int64(offset), int64(offset)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("%w: read byte %d of chunk %s: %v", ErrStoreUnavailable, offset, ref, err)
	}
	if len(val) == 0 {
		return 0, false, nil
	}
	return val[0], true, nil
}

// GetChunk returns the chunk's bytes, zero-padded up to minLength.
// A chunk that was never written returns minLength zero bytes.
func (s *Store) GetChunk(ctx context.Context, ref ChunkRef, minLength int) ([]byte, error) {
	data, err := s.rdb.Get(ctx, ChunkKey(ref)).Bytes()
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("%w: read chunk %s: %v", ErrStoreUnavailable, ref, err)
	}

	if len(data) < minLength {
		padded := make([]byte, minLength)
		copy(padded, data)
		data = padded
	}

	return data, nil
}

// SetBytes writes pixels into a chunk in a single MULTI/EXEC transaction.
// Either every byte is written or none is.
func (s *Store) SetBytes(ctx context.Context, ref ChunkRef, pixels []Pixel) error {
	if len(pixels) == 0 {
		return nil
	}

	return s.Commit(ctx, ref, func(ctx context.Context, _ redis.Scripter) ([]Pixel, error) {
		key := ChunkKey(ref)
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, p := range pixels {
				pipe.SetRange(ctx, key, int64(p.Offset), string([]byte{p.Color}))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: write chunk %s: %v", ErrStoreUnavailable, ref, err)
		}
		return pixels, nil
	})
}

// SetChunk replaces a whole chunk. Listeners receive a nil pixel list.
func (s *Store) SetChunk(ctx context.Context, ref ChunkRef, data []byte) error {
	if len(data) > ChunkBytes {
		return fmt.Errorf("chunk data too large: %d bytes (max: %d)", len(data), ChunkBytes)
	}

	if err := s.rdb.Set(ctx, ChunkKey(ref), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: replace chunk %s: %v", ErrStoreUnavailable, ref, err)
	}

	s.notify(ref, nil)
	return nil
}

// Commit runs fn against the store and, if it committed any pixels, notifies
// listeners before returning. Callers that need atomic read-decide-write logic
// (a Lua script) run it through Commit so the change event is never skipped.
func (s *Store) Commit(ctx context.Context, ref ChunkRef, fn CommitFunc) error {
	pixels, err := fn(ctx, s.rdb)
	if err != nil {
		return err
	}

	if len(pixels) > 0 {
		s.notify(ref, pixels)
	}
	return nil
}

func (s *Store) notify(ref ChunkRef, pixels []Pixel) {
	s.mu.RLock()
	listeners := make([]ChunkListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.ChunkChanged(ref, pixels)
	}
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
