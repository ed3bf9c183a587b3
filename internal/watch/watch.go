// Package watch streams the packets every shard publishes, for operators.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/mosaic/internal/fabric"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/redis/go-redis/v9"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable, one line per event.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON.
	OutputFormatJSON OutputFormat = "json"
)

// Event is one decoded packet.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Shard     string            `json:"shard"`
	Type      string            `json:"type"`
	Chunk     string            `json:"chunk,omitempty"`
	Pixels    []canvas.Pixel    `json:"pixels,omitempty"`
	Online    map[string]uint32 `json:"online,omitempty"`
	Error     string            `json:"error,omitempty"`

	canvasID  uint8
	hasCanvas bool
}

// Options filters the stream.
type Options struct {
	Format OutputFormat
	Canvas *uint8 // Only chunk events of this canvas; nil for all
}

// Stream subscribes to every shard channel and the presence channel and
// writes one event per packet to w until ctx is cancelled.
func Stream(ctx context.Context, rdb *redis.Client, opts Options, w io.Writer) error {
	pubsub := rdb.PSubscribe(ctx, canvas.ShardChannelPattern)
	defer pubsub.Close()

	if err := pubsub.Subscribe(ctx, canvas.PresenceChannel); err != nil {
		return fmt.Errorf("failed to subscribe to presence channel: %w", err)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to shard channels: %w", err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			ev := Describe(msg.Channel, []byte(msg.Payload), time.Now())
			if opts.Canvas != nil && ev.hasCanvas && ev.canvasID != *opts.Canvas {
				continue
			}
			if err := Write(w, opts.Format, ev); err != nil {
				return err
			}
		}
	}
}

// Describe decodes a payload received on channel into an event. Undecodable
// payloads produce an event of type "invalid".
func Describe(channel string, payload []byte, now time.Time) Event {
	ev := Event{
		Timestamp: now.UTC(),
		Shard:     strings.TrimPrefix(channel, "mosaic:shard:"),
	}

	p, err := fabric.Decode(payload)
	if err != nil {
		ev.Type = "invalid"
		ev.Error = err.Error()
		return ev
	}

	switch pkt := p.(type) {
	case fabric.PixelDelta:
		ev.Type = "pixel_delta"
		ev.Chunk = pkt.Chunk.String()
		ev.Pixels = pkt.Pixels
		ev.canvasID, ev.hasCanvas = pkt.Chunk.CanvasID, true
	case fabric.ChunkInvalidate:
		ev.Type = "chunk_invalidate"
		ev.Chunk = pkt.Chunk.String()
		ev.canvasID, ev.hasCanvas = pkt.Chunk.CanvasID, true
	case fabric.Presence:
		ev.Type = "presence"
		ev.Shard = pkt.Shard
		ev.Online = onlineMap(pkt.Counts)
	case fabric.OnlineCount:
		ev.Type = "online_count"
		ev.Online = onlineMap(pkt.Counts)
	default:
		ev.Type = fmt.Sprintf("opcode_0x%02x", p.Opcode())
	}
	return ev
}

// Write renders ev to w in the given format.
func Write(w io.Writer, format OutputFormat, ev Event) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	ts := ev.Timestamp.Format("15:04:05.000")
	var line string
	switch ev.Type {
	case "pixel_delta":
		line = fmt.Sprintf("🎨 %s chunk %s: %d pixel(s)%s", ev.Shard, ev.Chunk, len(ev.Pixels), pixelSummary(ev.Pixels))
	case "chunk_invalidate":
		line = fmt.Sprintf("♻️  %s chunk %s replaced", ev.Shard, ev.Chunk)
	case "presence":
		line = fmt.Sprintf("📡 %s heartbeat, viewers %s", ev.Shard, onlineSummary(ev.Online))
	case "online_count":
		line = fmt.Sprintf("👥 %s viewers %s", ev.Shard, onlineSummary(ev.Online))
	case "invalid":
		line = fmt.Sprintf("⚠️  %s undecodable packet: %s", ev.Shard, ev.Error)
	default:
		line = fmt.Sprintf("❓ %s %s", ev.Shard, ev.Type)
	}

	_, err := fmt.Fprintf(w, "[%s] %s\n", ts, line)
	return err
}

const maxSummaryPixels = 4

func pixelSummary(pixels []canvas.Pixel) string {
	if len(pixels) == 0 {
		return ""
	}
	parts := make([]string, 0, maxSummaryPixels)
	for i, px := range pixels {
		if i == maxSummaryPixels {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%d=%d", px.Offset, px.Color))
	}
	return " [" + strings.Join(parts, " ") + "]"
}

func onlineMap(counts []fabric.CanvasCount) map[string]uint32 {
	m := make(map[string]uint32, len(counts))
	for _, c := range counts {
		m[fmt.Sprintf("%d", c.CanvasID)] = c.Count
	}
	return m
}

func onlineSummary(online map[string]uint32) string {
	if len(online) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(online))
	for id := 0; id < 256; id++ {
		if n, ok := online[fmt.Sprintf("%d", id)]; ok {
			parts = append(parts, fmt.Sprintf("canvas %d: %d", id, n))
		}
	}
	return strings.Join(parts, ", ")
}
