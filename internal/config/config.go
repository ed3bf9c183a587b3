package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from mosaic.yml.
const (
	EnvRedisURL  = "MOSAIC_REDIS_URL"
	EnvShardName = "MOSAIC_SHARD_NAME"
	EnvListen    = "MOSAIC_LISTEN"
)

// MosaicConfig represents the top-level mosaic.yml configuration
type MosaicConfig struct {
	Version         string                       `yaml:"version"`
	Server          *ServerConfig                `yaml:"server,omitempty"`
	Redis           *RedisConfig                 `yaml:"redis,omitempty"`
	Captcha         *CaptchaConfig               `yaml:"captcha,omitempty"`
	Ranking         *RankingConfig               `yaml:"ranking,omitempty"`
	CooldownFactors map[string]float64           `yaml:"cooldown_factors,omitempty"` // Country code → cooldown multiplier
	Canvases        map[uint8]*canvas.Descriptor `yaml:"canvases"`
}

// ServerConfig specifies how one shard serves viewers and joins the cluster.
// Durations are Go duration strings ("10s", "20ms").
type ServerConfig struct {
	Listen            string  `yaml:"listen,omitempty"`             // Default: ":8080"
	Shard             string  `yaml:"shard,omitempty"`              // Default: shard-<random>
	HeartbeatInterval string  `yaml:"heartbeat_interval,omitempty"` // Default: 10s
	ShardTimeout      string  `yaml:"shard_timeout,omitempty"`      // Default: 30s
	StartupGrace      string  `yaml:"startup_grace,omitempty"`      // Default: 25s
	FlushInterval     string  `yaml:"flush_interval,omitempty"`     // Default: 20ms
	FrameRate         float64 `yaml:"frame_rate,omitempty"`         // Inbound websocket frames per second, default 20
	FrameBurst        int     `yaml:"frame_burst,omitempty"`        // Default: 40
	TrustProxy        bool    `yaml:"trust_proxy,omitempty"`        // Take identity from proxy headers
	ChunkCacheSize    int     `yaml:"chunk_cache_size,omitempty"`   // Chunks kept for HTTP downloads, default 256

	timing Timing
}

// Timing holds the parsed durations of a validated ServerConfig.
type Timing struct {
	HeartbeatInterval time.Duration
	ShardTimeout      time.Duration
	StartupGrace      time.Duration
	FlushInterval     time.Duration
}

// RedisConfig specifies the shared store.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"` // Default: redis://localhost:6379
}

// CaptchaConfig toggles the captcha gate of the placement script.
type CaptchaConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RankingConfig controls the leader's ranking jobs.
type RankingConfig struct {
	Interval string `yaml:"interval,omitempty"` // Default: 5m
	TopN     int    `yaml:"top_n,omitempty"`    // Default: 100

	interval time.Duration
}

// Timing returns the parsed server durations. Only valid after Validate.
func (s *ServerConfig) Timing() Timing {
	return s.timing
}

// IntervalDuration returns the parsed ranking interval. Only valid after Validate.
func (r *RankingConfig) IntervalDuration() time.Duration {
	return r.interval
}

// Validate performs strict validation on the configuration and fills in defaults
func (c *MosaicConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: at least one canvas
	if len(c.Canvases) == 0 {
		return fmt.Errorf("no canvases defined")
	}

	for id, desc := range c.Canvases {
		if desc == nil {
			return fmt.Errorf("canvas %d: empty definition", id)
		}
		desc.ID = id
		if err := desc.Validate(); err != nil {
			return err
		}
	}

	for country, factor := range c.CooldownFactors {
		if factor <= 0 {
			return fmt.Errorf("cooldown_factors.%s must be > 0, got %v", country, factor)
		}
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if err := c.Server.validate(); err != nil {
		return err
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}

	if c.Captcha == nil {
		c.Captcha = &CaptchaConfig{}
	}

	if c.Ranking == nil {
		c.Ranking = &RankingConfig{}
	}
	return c.Ranking.validate()
}

func (s *ServerConfig) validate() error {
	if s.Listen == "" {
		s.Listen = ":8080"
	}

	if s.Shard == "" {
		s.Shard = GenerateShardName()
	}
	if err := ValidateShardName(s.Shard); err != nil {
		return fmt.Errorf("server.shard: %w", err)
	}

	var err error
	if s.timing.HeartbeatInterval, err = parseDuration("server.heartbeat_interval", s.HeartbeatInterval, 10*time.Second); err != nil {
		return err
	}
	if s.timing.ShardTimeout, err = parseDuration("server.shard_timeout", s.ShardTimeout, 30*time.Second); err != nil {
		return err
	}
	if s.timing.StartupGrace, err = parseDuration("server.startup_grace", s.StartupGrace, 25*time.Second); err != nil {
		return err
	}
	if s.timing.FlushInterval, err = parseDuration("server.flush_interval", s.FlushInterval, 20*time.Millisecond); err != nil {
		return err
	}

	if s.timing.ShardTimeout <= s.timing.HeartbeatInterval {
		return fmt.Errorf("server.shard_timeout (%s) must be longer than server.heartbeat_interval (%s)",
			s.timing.ShardTimeout, s.timing.HeartbeatInterval)
	}

	if s.FrameRate < 0 || s.FrameBurst < 0 {
		return fmt.Errorf("server.frame_rate and server.frame_burst must be >= 0")
	}
	if s.FrameRate == 0 {
		s.FrameRate = 20
	}
	if s.FrameBurst == 0 {
		s.FrameBurst = 40
	}

	if s.ChunkCacheSize < 0 {
		return fmt.Errorf("server.chunk_cache_size must be >= 0, got %d", s.ChunkCacheSize)
	}
	if s.ChunkCacheSize == 0 {
		s.ChunkCacheSize = 256
	}

	return nil
}

func (r *RankingConfig) validate() error {
	var err error
	if r.interval, err = parseDuration("ranking.interval", r.Interval, 5*time.Minute); err != nil {
		return err
	}
	if r.TopN < 0 {
		return fmt.Errorf("ranking.top_n must be >= 0, got %d", r.TopN)
	}
	if r.TopN == 0 {
		r.TopN = 100
	}
	return nil
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration '%s': %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// CanvasIDs returns the configured canvas ids in ascending order.
func (c *MosaicConfig) CanvasIDs() []uint8 {
	ids := make([]uint8, 0, len(c.Canvases))
	for id := range c.Canvases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Load reads, applies environment overrides to, and validates a mosaic.yml file.
func Load(path string) (*MosaicConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config MosaicConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides the Redis URL, shard name and listen address from the
// environment when set.
func (c *MosaicConfig) ApplyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.URL = v
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if v := os.Getenv(EnvShardName); v != "" {
		c.Server.Shard = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
}
