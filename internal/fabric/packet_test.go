package fabric

import (
	"testing"

	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelDeltaLayout(t *testing.T) {
	p := PixelDelta{
		Chunk:  canvas.ChunkRef{CanvasID: 2, I: 0x01, J: 0x02},
		Pixels: []canvas.Pixel{{Offset: 0x0304, Color: 5}, {Offset: 0xFFFF, Color: 63}},
	}

	data := Encode(p)
	assert.Equal(t, []byte{
		OpPixelDelta,
		2,          // canvas
		0x01, 0x02, // chunk id i<<8|j
		0x03, 0x04, 5,
		0xFF, 0xFF, 63,
	}, data)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestChunkInvalidateLayout(t *testing.T) {
	p := ChunkInvalidate{Chunk: canvas.ChunkRef{CanvasID: 1, I: 7, J: 9}}
	data := Encode(p)
	assert.Equal(t, []byte{OpChunkInvalidate, 1, 7, 9}, data)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestOnlineCountLayout(t *testing.T) {
	p := OnlineCount{Counts: CountsFromMap(map[uint8]uint32{3: 1, 0: 258})}
	data := Encode(p)
	assert.Equal(t, []byte{
		OpOnlineCount,
		0, 0, 0, 1, 2,
		3, 0, 0, 0, 1,
	}, data, "counts are canvas-id ordered")

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestPresenceRoundTrip(t *testing.T) {
	p := Presence{Shard: "shard-a", Counts: []CanvasCount{{CanvasID: 0, Count: 12}}}
	decoded, err := Decode(Encode(p))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestClientPacketsRoundTrip(t *testing.T) {
	packets := []Packet{
		RegisterCanvas{CanvasID: 4},
		PlaceRequest{I: 1, J: 2, Pixels: []canvas.Pixel{{Offset: 9, Color: 3}}},
		PlaceResult{Status: canvas.StatusPixelProtected, WaitMs: 4000, CoolDownDelta: -3, Committed: 2, ProtectedOffsets: []uint16{11}},
		PlaceResult{Status: canvas.StatusOK, WaitMs: 1, Committed: 1},
	}

	for _, p := range packets {
		decoded, err := Decode(Encode(p))
		require.NoError(t, err)
		assert.Equal(t, p, decoded)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Run("empty frame", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorIs(t, err, ErrShortPacket)
	})

	t.Run("unknown opcode", func(t *testing.T) {
		_, err := Decode([]byte{0x42, 1, 2, 3})
		assert.ErrorIs(t, err, ErrUnknownOpcode)
	})

	tests := map[string][]byte{
		"pixel delta header":    {OpPixelDelta, 1, 2},
		"pixel delta pair":      {OpPixelDelta, 1, 2, 3, 0, 1},
		"chunk invalidate":      {OpChunkInvalidate, 1},
		"online count":          {OpOnlineCount, 0, 0, 0},
		"presence name":         {OpPresence, 5, 'a'},
		"register canvas":       {OpRegisterCanvas},
		"place request":         {OpPlaceRequest, 1},
		"place result":          {OpPlaceResult, 0, 0, 0},
		"place result odd tail": {OpPlaceResult, 0, 0, 0, 0, 1, 0, 0, 0, 1, 7},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrShortPacket)
		})
	}

	t.Run("presence without name", func(t *testing.T) {
		_, err := Decode([]byte{OpPresence, 0})
		assert.Error(t, err)
	})
}

func TestResultPacket(t *testing.T) {
	res := &canvas.PlacementResult{
		Status:               canvas.StatusOK,
		WaitMs:               -5,
		CoolDownDeltaSeconds: 99999,
		CommittedCount:       3,
	}
	p := ResultPacket(res)
	assert.Equal(t, uint32(0), p.WaitMs)
	assert.Equal(t, int16(32767), p.CoolDownDelta)
	assert.Equal(t, uint16(3), p.Committed)
}

func TestPlaceResultConversion(t *testing.T) {
	res := &canvas.PlacementResult{
		Status:               canvas.StatusPixelProtected,
		WaitMs:               6000,
		CoolDownDeltaSeconds: -2,
		CommittedCount:       4,
		ProtectedOffsets:     []uint16{1, 9},
	}
	assert.Equal(t, res, ResultPacket(res).Result())
}
