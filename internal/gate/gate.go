// Package gate implements the placement gate: the single atomic decision that
// validates a placement request, enforces cooldowns and commits pixel bytes.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/redis/go-redis/v9"
)

// Options configures gate-wide policy that is not part of a canvas descriptor.
type Options struct {
	// CaptchaEnabled requires a solved captcha (canvas.CaptchaSolvedKey) before placing.
	CaptchaEnabled bool

	// CountryFactors multiplies per-pixel cooldown cost by requester country.
	// Countries not listed use a factor of 1.0.
	CountryFactors map[string]float64

	// Shard is used only to label log events.
	Shard string
}

// Gate runs placement requests against the chunk store.
type Gate struct {
	store    *canvas.Store
	canvases map[uint8]*canvas.Descriptor
	opts     Options
}

// New creates a gate over the given canvases. Descriptors must already be validated.
func New(store *canvas.Store, canvases map[uint8]*canvas.Descriptor, opts Options) *Gate {
	return &Gate{
		store:    store,
		canvases: canvases,
		opts:     opts,
	}
}

// Place decides and commits one placement request. The returned error is
// non-nil only for infrastructure failures (wrapping canvas.ErrStoreUnavailable),
// in which case nothing was committed.
func (g *Gate) Place(ctx context.Context, req *canvas.PlacementRequest) (*canvas.PlacementResult, error) {
	if len(req.Pixels) == 0 {
		return nil, fmt.Errorf("placement request for chunk %s has no pixels", req.Chunk)
	}

	desc := g.canvases[req.Chunk.CanvasID]
	vstatus, vindex := validate(desc, req)

	// Unknown canvases still run the script so disallowed/captcha checks keep
	// their priority; they use a zero descriptor that can never commit.
	if desc == nil {
		desc = &canvas.Descriptor{}
	}

	keys := []string{
		canvas.ChunkKey(req.Chunk),
		canvas.IPCooldownKey(req.Chunk.CanvasID, req.IP),
		canvas.UserCooldownKey(req.Chunk.CanvasID, req.UserID),
		canvas.DisallowedKey(req.IP),
		canvas.CaptchaSolvedKey(req.IP),
		canvas.RankTotalKey,
		canvas.RankDailyKey,
		canvas.RankCountryKey,
	}

	args := make([]interface{}, 0, 13+2*len(req.Pixels))
	args = append(args,
		int(vstatus),
		vindex,
		boolArg(g.opts.CaptchaEnabled),
		req.UserID,
		desc.RequiredPixels,
		desc.BaseCooldownMs,
		desc.PerPixelCooldownMs,
		desc.StackBudgetMs(),
		desc.ClrIgnore,
		boolArg(desc.ProtectedSupported),
		g.factorPermille(req.Country),
		boolArg(req.Ranked),
		req.Country,
	)
	for _, p := range req.Pixels {
		args = append(args, p.Offset, p.Color)
	}

	var result *canvas.PlacementResult
	err := g.store.Commit(ctx, req.Chunk, func(ctx context.Context, rdb redis.Scripter) ([]canvas.Pixel, error) {
		raw, err := placeScript.Run(ctx, rdb, keys, args...).Int64Slice()
		if err != nil {
			return nil, fmt.Errorf("%w: placement script: %v", canvas.ErrStoreUnavailable, err)
		}

		result, err = parseResult(raw)
		if err != nil {
			return nil, err
		}

		if !result.Status.Accepted() {
			return nil, nil
		}
		return committedPixels(req.Pixels, result.ProtectedOffsets), nil
	})
	if err != nil {
		g.logEvent("placement_failed", map[string]interface{}{
			"chunk": req.Chunk.String(),
			"ip":    req.IP,
			"error": err.Error(),
		})
		if !errors.Is(err, canvas.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", canvas.ErrStoreUnavailable, err)
		}
		return nil, err
	}

	return result, nil
}

// validate runs the descriptor-only checks. The script applies the result
// after the disallowed and captcha checks so priority order is preserved.
func validate(desc *canvas.Descriptor, req *canvas.PlacementRequest) (canvas.Status, int) {
	if desc == nil {
		return canvas.StatusInvalidCanvas, 0
	}

	chunks := desc.ChunksPerSide()
	if int(req.Chunk.I) >= chunks {
		return canvas.StatusXOutOfBounds, 0
	}
	if int(req.Chunk.J) >= chunks {
		return canvas.StatusYOutOfBounds, 0
	}

	for i, p := range req.Pixels {
		if int(p.Color) < desc.ClrIgnore || int(p.Color) >= desc.PaletteSize {
			return canvas.StatusInvalidColor, i
		}
	}

	if desc.RequiresAuth && req.UserID == "" {
		return canvas.StatusAuthRequired, 0
	}

	return canvas.StatusOK, 0
}

func parseResult(raw []int64) (*canvas.PlacementResult, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: placement script returned %d values", canvas.ErrStoreUnavailable, len(raw))
	}

	wait, start := raw[1], raw[2]
	result := &canvas.PlacementResult{
		Status:               canvas.Status(raw[0]),
		WaitMs:               wait,
		CoolDownDeltaSeconds: int(math.Floor(float64(wait-start) / 1000)),
		CommittedCount:       int(raw[3]),
	}
	for _, offset := range raw[4:] {
		result.ProtectedOffsets = append(result.ProtectedOffsets, uint16(offset))
	}
	return result, nil
}

func committedPixels(pixels []canvas.Pixel, protected []uint16) []canvas.Pixel {
	if len(protected) == 0 {
		return pixels
	}

	skip := make(map[uint16]bool, len(protected))
	for _, offset := range protected {
		skip[offset] = true
	}

	committed := make([]canvas.Pixel, 0, len(pixels))
	for _, p := range pixels {
		if !skip[p.Offset] {
			committed = append(committed, p)
		}
	}
	return committed
}

func (g *Gate) factorPermille(country string) int64 {
	factor, ok := g.opts.CountryFactors[country]
	if !ok || factor <= 0 {
		return 1000
	}
	return int64(math.Round(factor * 1000))
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// logEvent logs a structured event in JSON format.
func (g *Gate) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "error"
	data["component"] = "gate"
	data["event_type"] = eventType
	data["shard"] = g.opts.Shard

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Gate] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
