package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeViewers struct {
	mu     sync.Mutex
	online map[uint8]uint32
	byCanv map[uint8][][]byte
	toAll  [][]byte
}

func newFakeViewers(online map[uint8]uint32) *fakeViewers {
	return &fakeViewers{online: online, byCanv: make(map[uint8][][]byte)}
}

func (v *fakeViewers) Broadcast(canvasID uint8, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byCanv[canvasID] = append(v.byCanv[canvasID], data)
}

func (v *fakeViewers) BroadcastAll(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toAll = append(v.toAll, data)
}

func (v *fakeViewers) OnlineCounts() map[uint8]uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[uint8]uint32, len(v.online))
	for id, n := range v.online {
		out[id] = n
	}
	return out
}

func (v *fakeViewers) packets(t *testing.T, canvasID uint8) []Packet {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Packet
	for _, data := range v.byCanv[canvasID] {
		p, err := Decode(data)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func (v *fakeViewers) lastOnline(t *testing.T) map[uint8]uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.toAll) == 0 {
		return nil
	}
	p, err := Decode(v.toAll[len(v.toAll)-1])
	require.NoError(t, err)
	return CountsToMap(p.(OnlineCount).Counts)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[canvas.ChunkRef]int
}

func (o *countingObserver) ChunkUpdated(ref canvas.ChunkRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[canvas.ChunkRef]int)
	}
	o.counts[ref]++
}

func (o *countingObserver) snapshot() map[canvas.ChunkRef]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[canvas.ChunkRef]int, len(o.counts))
	for k, v := range o.counts {
		out[k] = v
	}
	return out
}

type testShard struct {
	fabric   *Fabric
	store    *canvas.Store
	viewers  *fakeViewers
	observer *countingObserver
}

// startShard runs a fabric against mr until the test ends. Flushing is left
// to the test unless flushInterval is set.
func startShard(t *testing.T, mr *miniredis.Miniredis, name string, online map[uint8]uint32, flushInterval time.Duration) *testShard {
	if flushInterval == 0 {
		flushInterval = time.Hour
	}

	s, _ := runShard(t, mr, Config{
		Shard:             name,
		HeartbeatInterval: 50 * time.Millisecond,
		StartupGrace:      -1,
		FlushInterval:     flushInterval,
	}, online)
	return s
}

// runShard runs a fabric with cfg until stop is called or the test ends.
func runShard(t *testing.T, mr *miniredis.Miniredis, cfg Config, online map[uint8]uint32) (s *testShard, stop func()) {
	store := canvas.NewStore(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })

	viewers := newFakeViewers(online)
	f := New(store, viewers, cfg)
	observer := &countingObserver{}
	f.AddObserver(observer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)

	return &testShard{fabric: f, store: store, viewers: viewers, observer: observer}, stop
}

func waitForPeers(t *testing.T, shards ...*testShard) {
	require.Eventually(t, func() bool {
		for _, s := range shards {
			if len(s.fabric.Peers()) != len(shards)-1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// peer channel subscriptions are confirmed asynchronously
	time.Sleep(50 * time.Millisecond)
}

func TestFabricFanOut(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	x := startShard(t, mr, "shard-x", nil, 0)
	y := startShard(t, mr, "shard-y", nil, 0)
	waitForPeers(t, x, y)

	ctx := context.Background()
	a := canvas.ChunkRef{CanvasID: 0, I: 0, J: 1}
	b := canvas.ChunkRef{CanvasID: 0, I: 3, J: 3}

	require.NoError(t, x.store.SetBytes(ctx, a, []canvas.Pixel{{Offset: 5, Color: 1}}))
	require.NoError(t, x.store.SetBytes(ctx, b, []canvas.Pixel{{Offset: 2, Color: 9}}))
	require.NoError(t, x.store.SetBytes(ctx, a, []canvas.Pixel{{Offset: 1, Color: 3}}))
	x.fabric.cache.Flush()

	want := []Packet{
		PixelDelta{Chunk: a, Pixels: []canvas.Pixel{{Offset: 5, Color: 1}, {Offset: 1, Color: 3}}},
		PixelDelta{Chunk: b, Pixels: []canvas.Pixel{{Offset: 2, Color: 9}}},
	}

	t.Run("local viewers", func(t *testing.T) {
		assert.Equal(t, want, x.viewers.packets(t, 0))
		assert.Equal(t, map[canvas.ChunkRef]int{a: 1, b: 1}, x.observer.snapshot())
	})

	t.Run("peer viewers", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(y.viewers.packets(t, 0)) == 2
		}, 2*time.Second, 10*time.Millisecond)

		assert.Equal(t, want, y.viewers.packets(t, 0))
		assert.Equal(t, map[canvas.ChunkRef]int{a: 1, b: 1}, y.observer.snapshot())
	})
}

func TestFabricReplicatesChunkReplacement(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	x := startShard(t, mr, "shard-x", nil, 0)
	y := startShard(t, mr, "shard-y", nil, 0)
	waitForPeers(t, x, y)

	ref := canvas.ChunkRef{CanvasID: 2, I: 1, J: 0}
	require.NoError(t, x.store.SetChunk(context.Background(), ref, []byte{1, 2, 3}))
	x.fabric.cache.Flush()

	require.Eventually(t, func() bool {
		return len(y.viewers.packets(t, 2)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Packet{ChunkInvalidate{Chunk: ref}}, y.viewers.packets(t, 2))
}

func TestFabricLeaderAndOnlineCounts(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	b := startShard(t, mr, "shard-b", map[uint8]uint32{0: 3}, 0)
	a := startShard(t, mr, "shard-a", map[uint8]uint32{0: 2, 1: 1}, 0)
	waitForPeers(t, a, b)

	assert.Equal(t, "shard-a", a.fabric.Leader())
	assert.Equal(t, "shard-a", b.fabric.Leader())
	assert.True(t, a.fabric.IsLeader())
	assert.False(t, b.fabric.IsLeader())

	want := map[uint8]uint32{0: 5, 1: 1}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, b.viewers.lastOnline(t))
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, want, b.fabric.ClusterOnline())
}

// orderObserver records how many packets viewers of a canvas had been sent
// when each chunk update was observed.
type orderObserver struct {
	viewers *fakeViewers

	mu   sync.Mutex
	seen []int
}

func (o *orderObserver) ChunkUpdated(ref canvas.ChunkRef) {
	o.viewers.mu.Lock()
	n := len(o.viewers.byCanv[ref.CanvasID])
	o.viewers.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, n)
}

func (o *orderObserver) snapshot() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.seen...)
}

func TestFabricNotifiesObserversBeforeViewers(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	x := startShard(t, mr, "shard-x", nil, 0)
	y := startShard(t, mr, "shard-y", nil, 0)
	xOrder := &orderObserver{viewers: x.viewers}
	yOrder := &orderObserver{viewers: y.viewers}
	x.fabric.AddObserver(xOrder)
	y.fabric.AddObserver(yOrder)
	waitForPeers(t, x, y)

	ctx := context.Background()
	pixel := canvas.ChunkRef{CanvasID: 0, I: 2, J: 2}
	replaced := canvas.ChunkRef{CanvasID: 0, I: 4, J: 1}
	require.NoError(t, x.store.SetBytes(ctx, pixel, []canvas.Pixel{{Offset: 7, Color: 2}}))
	require.NoError(t, x.store.SetChunk(ctx, replaced, []byte{1, 2, 3}))
	x.fabric.cache.Flush()

	require.Eventually(t, func() bool {
		return len(y.viewers.packets(t, 0)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{0, 1}, xOrder.snapshot(), "local viewers sent each packet after observers ran")
	assert.Equal(t, []int{0, 1}, yOrder.snapshot(), "peer viewers sent each packet after observers ran")
}

func TestFabricEvictsSilentShard(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	a, stopA := runShard(t, mr, Config{
		Shard:             "shard-a",
		HeartbeatInterval: 50 * time.Millisecond,
		StartupGrace:      -1,
		FlushInterval:     time.Hour,
	}, map[uint8]uint32{0: 4})
	b, _ := runShard(t, mr, Config{
		Shard:             "shard-b",
		HeartbeatInterval: 50 * time.Millisecond,
		ShardTimeout:      300 * time.Millisecond,
		StartupGrace:      -1,
		FlushInterval:     time.Hour,
	}, map[uint8]uint32{0: 1})
	waitForPeers(t, a, b)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[uint8]uint32{0: 5}, b.fabric.ClusterOnline())
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "shard-a", b.fabric.Leader())

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	delta := Encode(PixelDelta{
		Chunk:  canvas.ChunkRef{CanvasID: 0, I: 1, J: 1},
		Pixels: []canvas.Pixel{{Offset: 3, Color: 8}},
	})

	require.NoError(t, rdb.Publish(ctx, canvas.ShardChannel("shard-a"), delta).Err())
	require.Eventually(t, func() bool {
		return len(b.viewers.packets(t, 0)) == 1
	}, 2*time.Second, 10*time.Millisecond, "live peer's channel is followed")

	stopA()

	require.Eventually(t, func() bool {
		return len(b.fabric.Peers()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "shard-b", b.fabric.Leader())
	assert.True(t, b.fabric.IsLeader())
	assert.Equal(t, map[uint8]uint32{0: 1}, b.fabric.ClusterOnline())

	// unsubscribe is confirmed asynchronously
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rdb.Publish(ctx, canvas.ShardChannel("shard-a"), delta).Err())
	assert.Never(t, func() bool {
		return len(b.viewers.packets(t, 0)) > 1
	}, 200*time.Millisecond, 10*time.Millisecond, "evicted shard's channel is dropped")
}

func TestFabricStartupGrace(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store := canvas.NewStore(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })

	f := New(store, newFakeViewers(nil), Config{
		Shard:        "solo",
		StartupGrace: 100 * time.Millisecond,
	})
	assert.False(t, f.IsLeader(), "not leader before joining")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return f.IsLeader() }, 2*time.Second, 10*time.Millisecond)
}

func TestFabricRunFailsWithoutRedis(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	store := canvas.NewStore(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { store.Close() })
	mr.Close()

	f := New(store, newFakeViewers(nil), Config{Shard: "solo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, f.Run(ctx))
}
