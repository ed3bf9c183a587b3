// Package ranking runs the cluster's singleton placement-ranking jobs.
//
// The placement gate increments per-user and per-country counters on every
// ranked placement. On the leader shard only, a Ranker periodically turns
// those counters into a cached JSON snapshot and rotates the daily counters
// when the UTC day changes.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/redis/go-redis/v9"
)

// LeaderCheck reports whether this shard owns singleton work.
type LeaderCheck interface {
	IsLeader() bool
}

// Entry is one row of a ranking list.
type Entry struct {
	Rank   int    `json:"rank"`
	Name   string `json:"name"`
	Pixels int64  `json:"pixels"`
}

// Ranking is the snapshot served to viewers.
type Ranking struct {
	Total     []Entry   `json:"total"`
	Daily     []Entry   `json:"daily"`
	Countries []Entry   `json:"countries"`
	Day       string    `json:"day,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config controls a Ranker. Zero values are replaced by defaults.
type Config struct {
	Interval time.Duration    // default 5m
	TopN     int              // default 100
	Now      func() time.Time // default time.Now
}

// Ranker recomputes rankings while its shard is the leader.
type Ranker struct {
	rdb     *redis.Client
	leader  LeaderCheck
	cfg     Config
	running atomic.Bool
}

// New creates a ranker over the store's counters.
func New(store *canvas.Store, leader LeaderCheck, cfg Config) *Ranker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ranker{rdb: store.Redis(), leader: leader, cfg: cfg}
}

// Run ticks every interval until ctx is cancelled.
func (r *Ranker) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[INFO] Ranking jobs started (interval: %s)", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				log.Printf("[ERROR] Ranking jobs failed: %v", err)
			}
		}
	}
}

// Tick runs the daily reset check and recomputation if this shard is the
// leader. Returns false when skipped. A tick still running from the previous
// interval causes this one to be skipped.
func (r *Ranker) Tick(ctx context.Context) (bool, error) {
	if !r.leader.IsLeader() {
		return false, nil
	}
	if !r.running.CompareAndSwap(false, true) {
		log.Printf("[WARN] Skipping ranking tick - previous tick still running")
		return false, nil
	}
	defer r.running.Store(false)

	if _, err := r.ResetDaily(ctx); err != nil {
		return true, err
	}
	if _, err := r.Recompute(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Recompute reads the top entries of every counter and stores the snapshot.
func (r *Ranker) Recompute(ctx context.Context) (*Ranking, error) {
	ranking := &Ranking{
		Day:       r.day(),
		UpdatedAt: r.cfg.Now().UTC(),
	}

	lists := []struct {
		key string
		dst *[]Entry
	}{
		{canvas.RankTotalKey, &ranking.Total},
		{canvas.RankDailyKey, &ranking.Daily},
		{canvas.RankCountryKey, &ranking.Countries},
	}
	for _, l := range lists {
		entries, err := r.top(ctx, l.key)
		if err != nil {
			return nil, err
		}
		*l.dst = entries
	}

	data, err := json.Marshal(ranking)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ranking: %w", err)
	}
	if err := r.rdb.Set(ctx, canvas.RankingCacheKey, data, 0).Err(); err != nil {
		return nil, fmt.Errorf("%w: store ranking: %v", canvas.ErrStoreUnavailable, err)
	}

	r.logEvent("ranking_recomputed", map[string]interface{}{
		"total_entries":   len(ranking.Total),
		"daily_entries":   len(ranking.Daily),
		"country_entries": len(ranking.Countries),
	})
	return ranking, nil
}

// ResetDaily rotates the daily counters once per UTC day. The first call on a
// fresh store only records the day. Returns true when a rotation happened.
func (r *Ranker) ResetDaily(ctx context.Context) (bool, error) {
	day := r.day()

	// GETSET makes the rotation happen once even if leadership briefly overlaps
	previous, err := r.rdb.GetSet(ctx, canvas.RankingDayKey, day).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read ranking day: %v", canvas.ErrStoreUnavailable, err)
	}
	if previous == day {
		return false, nil
	}

	exists, err := r.rdb.Exists(ctx, canvas.RankDailyKey).Result()
	if err != nil {
		return false, fmt.Errorf("%w: inspect daily ranking: %v", canvas.ErrStoreUnavailable, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if exists > 0 {
			pipe.Rename(ctx, canvas.RankDailyKey, canvas.RankDailyPrevKey)
		} else {
			pipe.Del(ctx, canvas.RankDailyPrevKey)
		}
		pipe.Del(ctx, canvas.RankCountryKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: rotate daily ranking: %v", canvas.ErrStoreUnavailable, err)
	}

	r.logEvent("daily_reset", map[string]interface{}{
		"previous_day": previous,
		"day":          day,
	})
	return true, nil
}

func (r *Ranker) top(ctx context.Context, key string) ([]Entry, error) {
	rows, err := r.rdb.ZRevRangeWithScores(ctx, key, 0, int64(r.cfg.TopN-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", canvas.ErrStoreUnavailable, key, err)
	}

	entries := make([]Entry, 0, len(rows))
	for i, z := range rows {
		name, _ := z.Member.(string)
		entries = append(entries, Entry{Rank: i + 1, Name: name, Pixels: int64(z.Score)})
	}
	return entries, nil
}

func (r *Ranker) day() string {
	return r.cfg.Now().UTC().Format("2006-01-02")
}

// logEvent logs a structured event in JSON format.
func (r *Ranker) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "ranking"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Ranking] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// Get returns the last snapshot stored by the leader, or an empty ranking if
// none has been computed yet.
func Get(ctx context.Context, store *canvas.Store) (*Ranking, error) {
	data, err := store.Redis().Get(ctx, canvas.RankingCacheKey).Bytes()
	if err == redis.Nil {
		return &Ranking{Total: []Entry{}, Daily: []Entry{}, Countries: []Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read ranking: %v", canvas.ErrStoreUnavailable, err)
	}

	var ranking Ranking
	if err := json.Unmarshal(data, &ranking); err != nil {
		return nil, fmt.Errorf("failed to decode ranking: %w", err)
	}
	return &ranking, nil
}
