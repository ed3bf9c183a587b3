package ranking

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

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func setupTestRanker(t *testing.T, leader bool) (*Ranker, *canvas.Store, *miniredis.Miniredis, *testClock) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store := canvas.NewStore(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}
	r := New(store, staticLeader(leader), Config{TopN: 2, Now: clock.Now})
	return r, store, mr, clock
}

func TestRecompute(t *testing.T) {
	r, store, mr, _ := setupTestRanker(t, true)
	ctx := context.Background()

	mr.ZAdd(canvas.RankTotalKey, 50, "alice")
	mr.ZAdd(canvas.RankTotalKey, 70, "bob")
	mr.ZAdd(canvas.RankTotalKey, 10, "carol")
	mr.ZAdd(canvas.RankDailyKey, 5, "carol")
	mr.ZAdd(canvas.RankCountryKey, 12, "DE")

	ranking, err := r.Recompute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []Entry{{Rank: 1, Name: "bob", Pixels: 70}, {Rank: 2, Name: "alice", Pixels: 50}}, ranking.Total)
	assert.Equal(t, []Entry{{Rank: 1, Name: "carol", Pixels: 5}}, ranking.Daily)
	assert.Equal(t, []Entry{{Rank: 1, Name: "DE", Pixels: 12}}, ranking.Countries)
	assert.Equal(t, "2026-03-01", ranking.Day)

	cached, err := Get(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, ranking.Total, cached.Total)
	assert.Equal(t, ranking.Countries, cached.Countries)
}

func TestGetBeforeFirstRecompute(t *testing.T) {
	_, store, _, _ := setupTestRanker(t, true)

	ranking, err := Get(context.Background(), store)
	require.NoError(t, err)
	assert.Empty(t, ranking.Total)
	assert.NotNil(t, ranking.Total)
}

func TestResetDaily(t *testing.T) {
	r, _, mr, clock := setupTestRanker(t, true)
	ctx := context.Background()

	rotated, err := r.ResetDaily(ctx)
	require.NoError(t, err)
	assert.False(t, rotated, "first run only records the day")

	mr.ZAdd(canvas.RankDailyKey, 9, "alice")
	mr.ZAdd(canvas.RankCountryKey, 9, "FR")
	mr.ZAdd(canvas.RankTotalKey, 9, "alice")

	rotated, err = r.ResetDaily(ctx)
	require.NoError(t, err)
	assert.False(t, rotated, "same day")

	clock.Set(time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC))
	rotated, err = r.ResetDaily(ctx)
	require.NoError(t, err)
	assert.True(t, rotated)

	assert.False(t, mr.Exists(canvas.RankDailyKey))
	assert.False(t, mr.Exists(canvas.RankCountryKey))
	prev, err := mr.ZScore(canvas.RankDailyPrevKey, "alice")
	require.NoError(t, err)
	assert.Equal(t, float64(9), prev)
	assert.True(t, mr.Exists(canvas.RankTotalKey), "all-time ranking survives")

	t.Run("quiet day clears stale previous ranking", func(t *testing.T) {
		clock.Set(time.Date(2026, 3, 3, 0, 0, 1, 0, time.UTC))
		rotated, err := r.ResetDaily(ctx)
		require.NoError(t, err)
		assert.True(t, rotated)
		assert.False(t, mr.Exists(canvas.RankDailyPrevKey))
	})
}

func TestTickOnlyOnLeader(t *testing.T) {
	t.Run("follower", func(t *testing.T) {
		r, _, mr, _ := setupTestRanker(t, false)
		ran, err := r.Tick(context.Background())
		require.NoError(t, err)
		assert.False(t, ran)
		assert.False(t, mr.Exists(canvas.RankingCacheKey))
		assert.False(t, mr.Exists(canvas.RankingDayKey))
	})

	t.Run("leader", func(t *testing.T) {
		r, _, mr, _ := setupTestRanker(t, true)
		ran, err := r.Tick(context.Background())
		require.NoError(t, err)
		assert.True(t, ran)
		assert.True(t, mr.Exists(canvas.RankingCacheKey))
		day, err := mr.Get(canvas.RankingDayKey)
		require.NoError(t, err)
		assert.Equal(t, "2026-03-01", day)
	})
}

func TestTickStoreUnavailable(t *testing.T) {
	r, _, mr, _ := setupTestRanker(t, true)
	mr.Close()

	_, err := r.Tick(context.Background())
	assert.ErrorIs(t, err, canvas.ErrStoreUnavailable)
}
