package fabric

import (
	"sort"
	"sync"
	"time"
)

// ShardRecord is what a shard knows about one live peer.
type ShardRecord struct {
	Name          string
	LastHeartbeat time.Time
	Online        map[uint8]uint32
}

// ShardTable tracks live peers from their presence heartbeats and derives
// the leader from them. Thread-safe.
type ShardTable struct {
	self string
	now  func() time.Time

	mu    sync.RWMutex
	peers map[string]*ShardRecord
}

// NewShardTable creates a table for the shard named self.
func NewShardTable(self string, now func() time.Time) *ShardTable {
	if now == nil {
		now = time.Now
	}
	return &ShardTable{
		self:  self,
		now:   now,
		peers: make(map[string]*ShardRecord),
	}
}

// Observe records a heartbeat from a peer. Returns true on first sight.
// Heartbeats from self are ignored.
func (t *ShardTable) Observe(name string, online map[uint8]uint32) bool {
	if name == t.self {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[name]
	if !ok {
		rec = &ShardRecord{Name: name}
		t.peers[name] = rec
	}
	rec.LastHeartbeat = t.now()
	rec.Online = online
	return !ok
}

// Evict removes peers not heard from within timeout and returns their names.
func (t *ShardTable) Evict(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-timeout)
	var evicted []string
	for name, rec := range t.peers {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(t.peers, name)
			evicted = append(evicted, name)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Peers returns the names of live peers, sorted.
func (t *ShardTable) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.peers))
	for name := range t.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Leader returns the lexicographically lowest live shard name, self included.
func (t *ShardTable) Leader() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leader := t.self
	for name := range t.peers {
		if name < leader {
			leader = name
		}
	}
	return leader
}

// IsLeader reports whether self is the leader.
func (t *ShardTable) IsLeader() bool {
	return t.Leader() == t.self
}

// TotalOnline sums local counts with every live peer's last reported counts.
func (t *ShardTable) TotalOnline(local map[uint8]uint32) map[uint8]uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := make(map[uint8]uint32, len(local))
	for id, n := range local {
		total[id] += n
	}
	for _, rec := range t.peers {
		for id, n := range rec.Online {
			total[id] += n
		}
	}
	return total
}
