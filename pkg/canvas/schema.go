package canvas

import "fmt"

// Redis key pattern helpers
//
// Key pattern: mosaic:{entity}:{canvas}:...
// Channel pattern: mosaic:shards and mosaic:shard:{name}

// ChunkKey returns the Redis key holding a chunk's bytes.
// Pattern: mosaic:ch:{canvas}:{i}:{j}
func ChunkKey(ref ChunkRef) string {
	return fmt.Sprintf("mosaic:ch:%d:%d:%d", ref.CanvasID, ref.I, ref.J)
}

// IPCooldownKey returns the TTL key tracking an IP's cooldown on a canvas.
// Pattern: mosaic:cd:{canvas}:ip:{ip}
func IPCooldownKey(canvasID uint8, ip string) string {
	return fmt.Sprintf("mosaic:cd:%d:ip:%s", canvasID, ip)
}

// UserCooldownKey returns the TTL key tracking a user's cooldown on a canvas.
// Pattern: mosaic:cd:{canvas}:id:{user}
func UserCooldownKey(canvasID uint8, userID string) string {
	return fmt.Sprintf("mosaic:cd:%d:id:%s", canvasID, userID)
}

// DisallowedKey returns the proxy/abuse cache entry for an IP.
// A value of "y" rejects every placement from that IP.
// Pattern: mosaic:isprox:{ip}
func DisallowedKey(ip string) string {
	return fmt.Sprintf("mosaic:isprox:%s", ip)
}

// CaptchaSolvedKey returns the key marking an IP as having solved a captcha.
// Its TTL is the window during which no new captcha is required.
// Pattern: mosaic:human:{ip}
func CaptchaSolvedKey(ip string) string {
	return fmt.Sprintf("mosaic:human:%s", ip)
}

const (
	// RankTotalKey is the ZSET of all-time placed pixels per user.
	RankTotalKey = "mosaic:rank"

	// RankDailyKey is the ZSET of placed pixels per user since the last daily reset.
	RankDailyKey = "mosaic:rankd"

	// RankDailyPrevKey holds the previous day's RankDailyKey after a reset.
	RankDailyPrevKey = "mosaic:rankd:prev"

	// RankCountryKey is the ZSET of placed pixels per country since the last daily reset.
	RankCountryKey = "mosaic:rankc"

	// RankingCacheKey holds the JSON ranking snapshot computed by the leader.
	RankingCacheKey = "mosaic:ranks:top"

	// RankingDayKey records the UTC day of the last daily reset.
	RankingDayKey = "mosaic:ranks:day"

	// PresenceChannel carries shard presence announcements for all shards.
	PresenceChannel = "mosaic:shards"

	// ShardChannelPattern matches every shard's packet channel.
	ShardChannelPattern = "mosaic:shard:*"
)

// ShardChannel returns the Pub/Sub channel a shard publishes its packets on.
// Pattern: mosaic:shard:{name}
func ShardChannel(shard string) string {
	return fmt.Sprintf("mosaic:shard:%s", shard)
}
