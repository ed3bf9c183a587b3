// Package canvas provides the shared data model, Redis schema patterns and the
// chunk store for the mosaic pixel canvas.
//
// # Overview
//
// A canvas is a square grid of pixels split into fixed-size chunks of
// TileSize x TileSize bytes. Every mosaic shard reads and writes the same
// chunks in Redis; no shard keeps a mutable copy of its own. The Store in this
// package is the single writer-of-record and announces every committed write to
// its registered listeners before the write is observable through any other
// path.
//
// # Pixel Byte Layout
//
// Each chunk byte encodes one pixel:
//
//	bit 7     protected flag
//	bit 6     reserved
//	bits 0-5  palette color index
//
// Chunks are materialized lazily. A missing chunk, or the missing tail of a
// short chunk, reads as zero.
//
// # Usage Example
//
//	store := canvas.NewStore(&redis.Options{Addr: "localhost:6379"})
//	defer store.Close()
//
//	store.Register(listener)
//
//	ref := canvas.ChunkRef{CanvasID: 0, I: 12, J: 40}
//	err := store.SetBytes(ctx, ref, []canvas.Pixel{{Offset: 513, Color: 7}})
//
// # Redis Schema
//
// All keys share the mosaic: prefix.
//
// Chunks: mosaic:ch:{canvas}:{i}:{j}
// IP cooldown: mosaic:cd:{canvas}:ip:{ip}
// User cooldown: mosaic:cd:{canvas}:id:{user}
// Disallowed IPs: mosaic:isprox:{ip}
// Solved captchas: mosaic:human:{ip}
// Rankings: mosaic:rank, mosaic:rankd, mosaic:rankc
//
// Pub/Sub channels: mosaic:shards (presence) and mosaic:shard:{name} (packets)
package canvas
