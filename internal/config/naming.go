package config

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

const (
	// DefaultShardPrefix is the prefix for generated shard names
	DefaultShardPrefix = "shard-"

	// MaxShardNameLength keeps shard names DNS-compatible and within the
	// presence packet's one-byte length prefix.
	MaxShardNameLength = 63
)

var (
	// ShardNamePattern is the regex pattern for valid shard names.
	// Lowercase alphanumeric, hyphens allowed but not at start/end.
	ShardNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
)

// ValidateShardName checks if a shard name is valid according to DNS naming rules.
func ValidateShardName(name string) error {
	if name == "" {
		return fmt.Errorf("shard name cannot be empty")
	}

	if len(name) > MaxShardNameLength {
		return fmt.Errorf("shard name too long: %d characters (max: %d)", len(name), MaxShardNameLength)
	}

	if !ShardNamePattern.MatchString(name) {
		return fmt.Errorf("invalid shard name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// GenerateShardName returns a random shard name such as "shard-1b4e28ba".
func GenerateShardName() string {
	return DefaultShardPrefix + uuid.New().String()[:8]
}
