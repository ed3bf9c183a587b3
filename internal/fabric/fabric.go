// Package fabric replicates committed canvas changes across mosaic shards.
//
// Each shard batches locally committed pixels in a PixelCache, emits the
// resulting packets to its own viewers and publishes them on its dedicated
// Redis channel. Shards discover each other through heartbeats on the shared
// presence channel, subscribe to every live peer's channel and re-emit what
// they receive. The lexicographically lowest live shard name is the leader.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/redis/go-redis/v9"
)

// Viewers is this shard's set of connected viewers.
type Viewers interface {
	// Broadcast sends data to every viewer following canvasID.
	Broadcast(canvasID uint8, data []byte)

	// BroadcastAll sends data to every viewer.
	BroadcastAll(data []byte)

	// OnlineCounts returns the number of local viewers per canvas.
	OnlineCounts() map[uint8]uint32
}

// ChunkObserver is told once per packet that a chunk changed, whether the
// change was committed locally or on a peer.
type ChunkObserver interface {
	ChunkUpdated(ref canvas.ChunkRef)
}

// Config controls timing of the fabric. Zero values are replaced by defaults.
type Config struct {
	Shard             string
	HeartbeatInterval time.Duration    // default 10s
	ShardTimeout      time.Duration    // default 30s
	StartupGrace      time.Duration    // default 25s; a negative value disables it
	FlushInterval     time.Duration    // default 20ms
	Now               func() time.Time // default time.Now
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ShardTimeout <= 0 {
		c.ShardTimeout = 30 * time.Second
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = 25 * time.Second
	} else if c.StartupGrace < 0 {
		c.StartupGrace = 0
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 20 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Fabric is one shard's end of the broadcast fabric.
type Fabric struct {
	rdb     *redis.Client
	cfg     Config
	viewers Viewers
	table   *ShardTable
	cache   *PixelCache

	mu         sync.RWMutex
	observers  []ChunkObserver
	pubsub     *redis.PubSub
	startedAt  time.Time
	lastLeader string
}

// New creates a fabric for the shard and registers its pixel cache on store.
func New(store *canvas.Store, viewers Viewers, cfg Config) *Fabric {
	cfg.applyDefaults()

	f := &Fabric{
		rdb:     store.Redis(),
		cfg:     cfg,
		viewers: viewers,
		table:   NewShardTable(cfg.Shard, cfg.Now),
	}
	f.cache = NewPixelCache(f.publishLocal)
	store.Register(f.cache)

	return f
}

// AddObserver registers a chunk-updated observer.
func (f *Fabric) AddObserver(o ChunkObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// Shard returns this shard's name.
func (f *Fabric) Shard() string {
	return f.cfg.Shard
}

// Peers returns the names of live peers.
func (f *Fabric) Peers() []string {
	return f.table.Peers()
}

// Leader returns the current leader's name.
func (f *Fabric) Leader() string {
	return f.table.Leader()
}

// IsLeader reports whether this shard should run singleton work. Always false
// until the startup grace period has passed.
func (f *Fabric) IsLeader() bool {
	f.mu.RLock()
	started := f.startedAt
	f.mu.RUnlock()

	if started.IsZero() || f.cfg.Now().Sub(started) < f.cfg.StartupGrace {
		return false
	}
	return f.table.IsLeader()
}

// ClusterOnline returns viewer counts summed over every live shard.
func (f *Fabric) ClusterOnline() map[uint8]uint32 {
	return f.table.TotalOnline(f.viewers.OnlineCounts())
}

// Run joins the cluster and replicates packets until ctx is cancelled.
func (f *Fabric) Run(ctx context.Context) error {
	pubsub := f.rdb.Subscribe(ctx, canvas.PresenceChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to presence channel: %w", err)
	}
	defer pubsub.Close()

	f.mu.Lock()
	f.pubsub = pubsub
	f.startedAt = f.cfg.Now()
	f.lastLeader = f.table.Leader()
	f.mu.Unlock()

	log.Printf("[INFO] Fabric started for shard '%s'", f.cfg.Shard)

	if err := f.announce(ctx); err != nil {
		log.Printf("[WARN] Initial presence announcement failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.cache.Run(ctx, f.cfg.FlushInterval)
	}()
	defer wg.Wait()

	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] Fabric shutting down for shard '%s'", f.cfg.Shard)
			return nil

		case <-ticker.C:
			f.heartbeat(ctx)

		case msg, ok := <-messages:
			if !ok {
				log.Printf("[WARN] Fabric subscription closed")
				return nil
			}
			f.handleMessage(ctx, msg)
		}
	}
}

// publishLocal is the pixel cache's flush target.
func (f *Fabric) publishLocal(packets []Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel := canvas.ShardChannel(f.cfg.Shard)
	_, err := f.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range packets {
			data := Encode(p)
			ref := chunkOf(p)
			f.notifyObservers(ref)
			f.viewers.Broadcast(ref.CanvasID, data)
			pipe.Publish(ctx, channel, data)
		}
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] Failed to publish %d packets on %s: %v", len(packets), channel, err)
	}
}

func (f *Fabric) handleMessage(ctx context.Context, msg *redis.Message) {
	payload := []byte(msg.Payload)

	if msg.Channel == canvas.PresenceChannel {
		f.handlePresence(ctx, payload)
		return
	}

	p, err := Decode(payload)
	if err != nil {
		log.Printf("[WARN] Dropping packet from %s: %v", msg.Channel, err)
		return
	}

	// Observers drop cached chunks before viewers can refetch them.
	switch pkt := p.(type) {
	case PixelDelta:
		f.notifyObservers(pkt.Chunk)
		f.viewers.Broadcast(pkt.Chunk.CanvasID, payload)
	case ChunkInvalidate:
		f.notifyObservers(pkt.Chunk)
		f.viewers.Broadcast(pkt.Chunk.CanvasID, payload)
	default:
		log.Printf("[WARN] Unexpected packet 0x%02x on %s", p.Opcode(), msg.Channel)
	}
}

func (f *Fabric) handlePresence(ctx context.Context, payload []byte) {
	p, err := Decode(payload)
	if err != nil {
		log.Printf("[WARN] Dropping presence announcement: %v", err)
		return
	}
	presence, ok := p.(Presence)
	if !ok {
		log.Printf("[WARN] Unexpected packet 0x%02x on presence channel", p.Opcode())
		return
	}
	if presence.Shard == f.cfg.Shard {
		return
	}

	if !f.table.Observe(presence.Shard, CountsToMap(presence.Counts)) {
		return
	}

	f.mu.RLock()
	pubsub := f.pubsub
	f.mu.RUnlock()

	if err := pubsub.Subscribe(ctx, canvas.ShardChannel(presence.Shard)); err != nil {
		log.Printf("[ERROR] Failed to subscribe to shard %s: %v", presence.Shard, err)
	}

	f.logEvent("shard_joined", map[string]interface{}{
		"peer":  presence.Shard,
		"peers": len(f.table.Peers()),
	})

	// Let the newcomer learn about us without waiting a full interval
	if err := f.announce(ctx); err != nil {
		log.Printf("[WARN] Presence announcement failed: %v", err)
	}
	f.checkLeader()
}

func (f *Fabric) heartbeat(ctx context.Context) {
	if err := f.announce(ctx); err != nil {
		log.Printf("[WARN] Presence announcement failed: %v", err)
	}

	evicted := f.table.Evict(f.cfg.ShardTimeout)
	if len(evicted) > 0 {
		channels := make([]string, len(evicted))
		for i, name := range evicted {
			channels[i] = canvas.ShardChannel(name)
		}

		f.mu.RLock()
		pubsub := f.pubsub
		f.mu.RUnlock()

		if err := pubsub.Unsubscribe(ctx, channels...); err != nil {
			log.Printf("[ERROR] Failed to unsubscribe from evicted shards: %v", err)
		}
		for _, name := range evicted {
			f.logEvent("shard_evicted", map[string]interface{}{
				"peer": name,
			})
		}
	}
	f.checkLeader()

	online := OnlineCount{Counts: CountsFromMap(f.ClusterOnline())}
	f.viewers.BroadcastAll(Encode(online))
}

func (f *Fabric) announce(ctx context.Context) error {
	presence := Presence{
		Shard:  f.cfg.Shard,
		Counts: CountsFromMap(f.viewers.OnlineCounts()),
	}
	return f.rdb.Publish(ctx, canvas.PresenceChannel, Encode(presence)).Err()
}

func (f *Fabric) checkLeader() {
	leader := f.table.Leader()

	f.mu.Lock()
	changed := leader != f.lastLeader
	f.lastLeader = leader
	f.mu.Unlock()

	if changed {
		f.logEvent("leader_changed", map[string]interface{}{
			"leader": leader,
			"self":   leader == f.cfg.Shard,
		})
	}
}

func (f *Fabric) notifyObservers(ref canvas.ChunkRef) {
	f.mu.RLock()
	observers := f.observers
	f.mu.RUnlock()

	for _, o := range observers {
		o.ChunkUpdated(ref)
	}
}

func chunkOf(p Packet) canvas.ChunkRef {
	switch pkt := p.(type) {
	case PixelDelta:
		return pkt.Chunk
	case ChunkInvalidate:
		return pkt.Chunk
	}
	return canvas.ChunkRef{}
}

// logEvent logs a structured event in JSON format.
func (f *Fabric) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "fabric"
	data["event_type"] = eventType
	data["shard"] = f.cfg.Shard

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Fabric] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
