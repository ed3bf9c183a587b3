package canvas

import (
	"fmt"
)

const (
	// TileSize is the side length of a chunk in pixels.
	TileSize = 256

	// ChunkBytes is the size of a fully materialized chunk.
	ChunkBytes = TileSize * TileSize

	// MaxPaletteSize is the number of colors addressable by bits 0-5.
	MaxPaletteSize = 64

	protectedBit = 0x80
	colorMask    = 0x3F
)

// Descriptor describes one canvas. Descriptors are loaded once at startup and
// never mutated afterwards.
type Descriptor struct {
	ID                 uint8  `json:"id" yaml:"-"`
	Name               string `json:"name" yaml:"name,omitempty"`
	Size               int    `json:"size" yaml:"size,omitempty"`                                   // Side length in pixels
	PaletteSize        int    `json:"palette_size" yaml:"palette_size,omitempty"`                   // Number of colors in the palette
	ClrIgnore          int    `json:"clr_ignore" yaml:"clr_ignore,omitempty"`                       // Colors below this index mean "unset" and cannot be placed
	BaseCooldownMs     int64  `json:"base_cooldown_ms" yaml:"base_cooldown_ms,omitempty"`           // Cost of placing on an unset pixel
	PerPixelCooldownMs int64  `json:"per_pixel_cooldown_ms" yaml:"per_pixel_cooldown_ms,omitempty"` // Cost of overwriting a set pixel
	CooldownStackCap   int    `json:"cooldown_stack_cap" yaml:"cooldown_stack_cap,omitempty"`       // Pixels placeable in a row before the stack is exhausted
	ProtectedSupported bool   `json:"protected_supported" yaml:"protected_supported,omitempty"`     // Whether bit 7 marks write-protected pixels
	RequiresAuth       bool   `json:"requires_auth" yaml:"requires_auth,omitempty"`                 // Anonymous requesters are rejected
	RequiredPixels     int64  `json:"required_pixels" yaml:"required_pixels,omitempty"`             // Minimum total placed pixels before access (0 = no gate)
}

// Validate checks the descriptor for internally consistent values.
func (d *Descriptor) Validate() error {
	if d.Size < TileSize || d.Size%TileSize != 0 {
		return fmt.Errorf("canvas %d: size %d must be a multiple of %d", d.ID, d.Size, TileSize)
	}

	// Size must be TileSize * 4^k
	chunks := d.Size / TileSize
	for chunks > 1 {
		if chunks%4 != 0 {
			return fmt.Errorf("canvas %d: size %d must be %d times a power of 4", d.ID, d.Size, TileSize)
		}
		chunks /= 4
	}

	if d.Size/TileSize > 256 {
		return fmt.Errorf("canvas %d: size %d exceeds 256 chunks per side", d.ID, d.Size)
	}

	if d.PaletteSize < 1 || d.PaletteSize > MaxPaletteSize {
		return fmt.Errorf("canvas %d: palette_size must be between 1 and %d, got %d", d.ID, MaxPaletteSize, d.PaletteSize)
	}

	if d.ClrIgnore < 0 || d.ClrIgnore >= d.PaletteSize {
		return fmt.Errorf("canvas %d: clr_ignore must be in [0, %d), got %d", d.ID, d.PaletteSize, d.ClrIgnore)
	}

	if d.BaseCooldownMs < 0 || d.PerPixelCooldownMs < 0 {
		return fmt.Errorf("canvas %d: cooldowns must be >= 0", d.ID)
	}

	if d.CooldownStackCap < 1 {
		return fmt.Errorf("canvas %d: cooldown_stack_cap must be >= 1, got %d", d.ID, d.CooldownStackCap)
	}

	return nil
}

// ChunksPerSide returns how many chunks span one side of the canvas.
func (d *Descriptor) ChunksPerSide() int {
	return d.Size / TileSize
}

// StackBudgetMs is the largest cooldown a requester may accumulate.
func (d *Descriptor) StackBudgetMs() int64 {
	return int64(d.CooldownStackCap) * d.BaseCooldownMs
}

// ChunkRef addresses one chunk of one canvas.
type ChunkRef struct {
	CanvasID uint8
	I        uint8 // Chunk column
	J        uint8 // Chunk row
}

// ID packs the chunk coordinate as i<<8 | j.
func (c ChunkRef) ID() uint16 {
	return uint16(c.I)<<8 | uint16(c.J)
}

func (c ChunkRef) String() string {
	return fmt.Sprintf("%d:%d:%d", c.CanvasID, c.I, c.J)
}

// ChunkRefFromID unpacks a chunk id produced by ChunkRef.ID.
func ChunkRefFromID(canvasID uint8, id uint16) ChunkRef {
	return ChunkRef{CanvasID: canvasID, I: uint8(id >> 8), J: uint8(id)}
}

// ChunkRefAt returns the chunk containing pixel (x, y) and the pixel's offset within it.
func ChunkRefAt(canvasID uint8, x, y int) (ChunkRef, uint16) {
	ref := ChunkRef{CanvasID: canvasID, I: uint8(x / TileSize), J: uint8(y / TileSize)}
	offset := uint16((y%TileSize)*TileSize + x%TileSize)
	return ref, offset
}

// Pixel is one (offset, color) pair within a chunk. Color is the raw stored
// byte, so it may carry the protected bit when written by admin tooling.
type Pixel struct {
	Offset uint16
	Color  uint8
}

// ColorOf strips the flag bits from a stored pixel byte.
func ColorOf(b byte) uint8 {
	return b & colorMask
}

// IsProtected reports whether bit 7 of a stored pixel byte is set.
func IsProtected(b byte) bool {
	return b&protectedBit != 0
}

// Protect returns color with the protected bit set.
func Protect(color uint8) uint8 {
	return color | protectedBit
}

// PlacementRequest asks to paint pixels of a single chunk.
type PlacementRequest struct {
	Chunk   ChunkRef
	Pixels  []Pixel // In request order; all share Chunk
	IP      string
	UserID  string // Empty when unauthenticated
	Country string
	Ranked  bool
}

// Status is the client-visible outcome of a placement.
type Status uint8

const (
	StatusOK Status = iota
	StatusInvalidCanvas
	StatusXOutOfBounds
	StatusYOutOfBounds
	StatusZOutOfBounds // Reserved for 3D canvases
	StatusInvalidColor
	StatusAuthRequired
	StatusBelowAccessThreshold
	StatusPixelProtected // Partial success: some pixels were skipped
	StatusCooldownStackExhausted
	StatusCaptchaRequired
	StatusProxyDisallowed
	StatusStoreUnavailable // Infrastructure failure, nothing committed; retry later
)

var statusNames = [...]string{
	"ok",
	"invalid_canvas",
	"x_out_of_bounds",
	"y_out_of_bounds",
	"z_out_of_bounds",
	"invalid_color",
	"auth_required",
	"below_access_threshold",
	"pixel_protected",
	"cooldown_stack_exhausted",
	"captcha_required",
	"proxy_disallowed",
	"store_unavailable",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Accepted reports whether at least the non-protected part of a request was committed.
func (s Status) Accepted() bool {
	return s == StatusOK || s == StatusPixelProtected
}

// PlacementResult is returned by the placement gate.
type PlacementResult struct {
	Status               Status   `json:"status"`
	WaitMs               int64    `json:"wait_ms"`                // Effective cooldown after the operation
	CoolDownDeltaSeconds int      `json:"cooldown_delta_seconds"` // Negative means time was returned
	CommittedCount       int      `json:"committed_count"`        // Pixels committed, or index of the failing pixel
	ProtectedOffsets     []uint16 `json:"protected_offsets,omitempty"`
}
