package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validDescriptor() *Descriptor {
	return &Descriptor{
		ID:                 0,
		Name:               "earth",
		Size:               TileSize * 16,
		PaletteSize:        32,
		ClrIgnore:          2,
		BaseCooldownMs:     4000,
		PerPixelCooldownMs: 6000,
		CooldownStackCap:   15,
		ProtectedSupported: true,
	}
}

func TestDescriptorValidate(t *testing.T) {
	t.Run("accepts valid descriptor", func(t *testing.T) {
		assert.NoError(t, validDescriptor().Validate())
	})

	t.Run("accepts single chunk canvas", func(t *testing.T) {
		d := validDescriptor()
		d.Size = TileSize
		assert.NoError(t, d.Validate())
	})

	tests := []struct {
		name    string
		mutate  func(d *Descriptor)
		wantErr string
	}{
		{"size not multiple of tile", func(d *Descriptor) { d.Size = 300 }, "multiple of"},
		{"size not power of four", func(d *Descriptor) { d.Size = TileSize * 8 }, "power of 4"},
		{"size too large", func(d *Descriptor) { d.Size = TileSize * 1024 }, "exceeds 256 chunks"},
		{"empty palette", func(d *Descriptor) { d.PaletteSize = 0 }, "palette_size"},
		{"palette too large", func(d *Descriptor) { d.PaletteSize = 65 }, "palette_size"},
		{"clr_ignore outside palette", func(d *Descriptor) { d.ClrIgnore = 32 }, "clr_ignore"},
		{"negative cooldown", func(d *Descriptor) { d.BaseCooldownMs = -1 }, "cooldowns"},
		{"zero stack cap", func(d *Descriptor) { d.CooldownStackCap = 0 }, "cooldown_stack_cap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(d)
			err := d.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDescriptorDerivedValues(t *testing.T) {
	d := validDescriptor()
	assert.Equal(t, 16, d.ChunksPerSide())
	assert.Equal(t, int64(60000), d.StackBudgetMs())
}

func TestChunkRefID(t *testing.T) {
	ref := ChunkRef{CanvasID: 3, I: 0x12, J: 0x34}
	assert.Equal(t, uint16(0x1234), ref.ID())
	assert.Equal(t, ref, ChunkRefFromID(3, 0x1234))
	assert.Equal(t, "3:18:52", ref.String())
}

func TestChunkRefAt(t *testing.T) {
	ref, offset := ChunkRefAt(1, TileSize*2+5, TileSize+3)
	assert.Equal(t, ChunkRef{CanvasID: 1, I: 2, J: 1}, ref)
	assert.Equal(t, uint16(3*TileSize+5), offset)
}

func TestPixelByteLayout(t *testing.T) {
	b := Protect(17)
	assert.True(t, IsProtected(b))
	assert.Equal(t, uint8(17), ColorOf(b))

	assert.False(t, IsProtected(17))
	assert.Equal(t, uint8(0x3F), ColorOf(0x7F), "bit 6 is reserved and stripped")
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "cooldown_stack_exhausted", StatusCooldownStackExhausted.String())
	assert.Equal(t, "status(200)", Status(200).String())

	assert.Equal(t, Status(8), StatusPixelProtected)
	assert.Equal(t, Status(11), StatusProxyDisallowed)

	assert.True(t, StatusOK.Accepted())
	assert.True(t, StatusPixelProtected.Accepted())
	assert.False(t, StatusCooldownStackExhausted.Accepted())
	assert.False(t, StatusInvalidColor.Accepted())
}
