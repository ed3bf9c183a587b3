package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dyluth/mosaic/pkg/canvas"
)

// Opcodes identify the packet variant in the first byte of every frame.
const (
	OpRegisterCanvas  byte = 0xA0
	OpPresence        byte = 0xA1
	OpOnlineCount     byte = 0xA7
	OpPixelDelta      byte = 0xC1
	OpChunkInvalidate byte = 0xC3
	OpPlaceRequest    byte = 0xC4
	OpPlaceResult     byte = 0xC5
)

var (
	// ErrUnknownOpcode is returned when a frame starts with an unassigned opcode.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrShortPacket is returned when a frame is shorter than its layout requires.
	ErrShortPacket = errors.New("short packet")
)

// Packet is the tagged union of every frame exchanged between shards and viewers.
type Packet interface {
	Opcode() byte
	encode(buf []byte) []byte
}

// PixelDelta carries committed pixels of one chunk, in commit order.
type PixelDelta struct {
	Chunk  canvas.ChunkRef
	Pixels []canvas.Pixel
}

// ChunkInvalidate tells viewers to refetch a whole chunk.
type ChunkInvalidate struct {
	Chunk canvas.ChunkRef
}

// CanvasCount is the number of viewers connected to one canvas.
type CanvasCount struct {
	CanvasID uint8
	Count    uint32
}

// OnlineCount carries per-canvas viewer counts, ordered by canvas id.
type OnlineCount struct {
	Counts []CanvasCount
}

// Presence is a shard's heartbeat on the shared presence channel.
type Presence struct {
	Shard  string
	Counts []CanvasCount
}

// RegisterCanvas selects the canvas a viewer connection follows.
type RegisterCanvas struct {
	CanvasID uint8
}

// PlaceRequest asks to paint pixels of one chunk of the registered canvas.
type PlaceRequest struct {
	I, J   uint8
	Pixels []canvas.Pixel
}

// PlaceResult answers a PlaceRequest on the requesting connection only.
type PlaceResult struct {
	Status           canvas.Status
	WaitMs           uint32
	CoolDownDelta    int16 // seconds
	Committed        uint16
	ProtectedOffsets []uint16
}

func (PixelDelta) Opcode() byte      { return OpPixelDelta }
func (ChunkInvalidate) Opcode() byte { return OpChunkInvalidate }
func (OnlineCount) Opcode() byte     { return OpOnlineCount }
func (Presence) Opcode() byte        { return OpPresence }
func (RegisterCanvas) Opcode() byte  { return OpRegisterCanvas }
func (PlaceRequest) Opcode() byte    { return OpPlaceRequest }
func (PlaceResult) Opcode() byte     { return OpPlaceResult }

var order = binary.BigEndian

// Encode serializes a packet, opcode first.
func Encode(p Packet) []byte {
	return p.encode([]byte{p.Opcode()})
}

func (p PixelDelta) encode(buf []byte) []byte {
	buf = append(buf, p.Chunk.CanvasID)
	buf = order.AppendUint16(buf, p.Chunk.ID())
	return appendPixels(buf, p.Pixels)
}

func (p ChunkInvalidate) encode(buf []byte) []byte {
	buf = append(buf, p.Chunk.CanvasID)
	return order.AppendUint16(buf, p.Chunk.ID())
}

func (p OnlineCount) encode(buf []byte) []byte {
	return appendCounts(buf, p.Counts)
}

func (p Presence) encode(buf []byte) []byte {
	buf = append(buf, byte(len(p.Shard)))
	buf = append(buf, p.Shard...)
	return appendCounts(buf, p.Counts)
}

func (p RegisterCanvas) encode(buf []byte) []byte {
	return append(buf, p.CanvasID)
}

func (p PlaceRequest) encode(buf []byte) []byte {
	buf = append(buf, p.I, p.J)
	return appendPixels(buf, p.Pixels)
}

func (p PlaceResult) encode(buf []byte) []byte {
	buf = append(buf, byte(p.Status))
	buf = order.AppendUint32(buf, p.WaitMs)
	buf = order.AppendUint16(buf, uint16(p.CoolDownDelta))
	buf = order.AppendUint16(buf, p.Committed)
	for _, offset := range p.ProtectedOffsets {
		buf = order.AppendUint16(buf, offset)
	}
	return buf
}

func appendPixels(buf []byte, pixels []canvas.Pixel) []byte {
	for _, px := range pixels {
		buf = order.AppendUint16(buf, px.Offset)
		buf = append(buf, px.Color)
	}
	return buf
}

func appendCounts(buf []byte, counts []CanvasCount) []byte {
	for _, c := range counts {
		buf = append(buf, c.CanvasID)
		buf = order.AppendUint32(buf, c.Count)
	}
	return buf
}

// Decode parses a frame produced by Encode. Unknown opcodes and truncated or
// misaligned payloads are rejected.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrShortPacket
	}

	op, body := data[0], data[1:]
	switch op {
	case OpPixelDelta:
		if len(body) < 3 {
			return nil, fmt.Errorf("pixel delta: %w", ErrShortPacket)
		}
		pixels, err := decodePixels(body[3:])
		if err != nil {
			return nil, fmt.Errorf("pixel delta: %w", err)
		}
		return PixelDelta{Chunk: canvas.ChunkRefFromID(body[0], order.Uint16(body[1:3])), Pixels: pixels}, nil

	case OpChunkInvalidate:
		if len(body) != 3 {
			return nil, fmt.Errorf("chunk invalidate: %w", ErrShortPacket)
		}
		return ChunkInvalidate{Chunk: canvas.ChunkRefFromID(body[0], order.Uint16(body[1:3]))}, nil

	case OpOnlineCount:
		counts, err := decodeCounts(body)
		if err != nil {
			return nil, fmt.Errorf("online count: %w", err)
		}
		return OnlineCount{Counts: counts}, nil

	case OpPresence:
		if len(body) < 1 || len(body) < 1+int(body[0]) {
			return nil, fmt.Errorf("presence: %w", ErrShortPacket)
		}
		n := int(body[0])
		if n == 0 {
			return nil, fmt.Errorf("presence: empty shard name")
		}
		counts, err := decodeCounts(body[1+n:])
		if err != nil {
			return nil, fmt.Errorf("presence: %w", err)
		}
		return Presence{Shard: string(body[1 : 1+n]), Counts: counts}, nil

	case OpRegisterCanvas:
		if len(body) != 1 {
			return nil, fmt.Errorf("register canvas: %w", ErrShortPacket)
		}
		return RegisterCanvas{CanvasID: body[0]}, nil

	case OpPlaceRequest:
		if len(body) < 2 {
			return nil, fmt.Errorf("place request: %w", ErrShortPacket)
		}
		pixels, err := decodePixels(body[2:])
		if err != nil {
			return nil, fmt.Errorf("place request: %w", err)
		}
		return PlaceRequest{I: body[0], J: body[1], Pixels: pixels}, nil

	case OpPlaceResult:
		if len(body) < 9 || (len(body)-9)%2 != 0 {
			return nil, fmt.Errorf("place result: %w", ErrShortPacket)
		}
		res := PlaceResult{
			Status:        canvas.Status(body[0]),
			WaitMs:        order.Uint32(body[1:5]),
			CoolDownDelta: int16(order.Uint16(body[5:7])),
			Committed:     order.Uint16(body[7:9]),
		}
		for rest := body[9:]; len(rest) > 0; rest = rest[2:] {
			res.ProtectedOffsets = append(res.ProtectedOffsets, order.Uint16(rest))
		}
		return res, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, op)
	}
}

func decodePixels(body []byte) ([]canvas.Pixel, error) {
	if len(body)%3 != 0 {
		return nil, ErrShortPacket
	}
	pixels := make([]canvas.Pixel, 0, len(body)/3)
	for ; len(body) > 0; body = body[3:] {
		pixels = append(pixels, canvas.Pixel{Offset: order.Uint16(body), Color: body[2]})
	}
	return pixels, nil
}

func decodeCounts(body []byte) ([]CanvasCount, error) {
	if len(body)%5 != 0 {
		return nil, ErrShortPacket
	}
	counts := make([]CanvasCount, 0, len(body)/5)
	for ; len(body) > 0; body = body[5:] {
		counts = append(counts, CanvasCount{CanvasID: body[0], Count: order.Uint32(body[1:5])})
	}
	return counts, nil
}

// CountsFromMap converts per-canvas counts into canvas-id order.
func CountsFromMap(m map[uint8]uint32) []CanvasCount {
	counts := make([]CanvasCount, 0, len(m))
	for id, n := range m {
		counts = append(counts, CanvasCount{CanvasID: id, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].CanvasID < counts[j].CanvasID })
	return counts
}

// CountsToMap is the inverse of CountsFromMap.
func CountsToMap(counts []CanvasCount) map[uint8]uint32 {
	m := make(map[uint8]uint32, len(counts))
	for _, c := range counts {
		m[c.CanvasID] = c.Count
	}
	return m
}

// ResultPacket converts a gate result to its wire form, clamping fields that
// do not fit the fixed-width layout.
func ResultPacket(res *canvas.PlacementResult) PlaceResult {
	wait := res.WaitMs
	if wait < 0 {
		wait = 0
	}
	delta := res.CoolDownDeltaSeconds
	if delta > 32767 {
		delta = 32767
	} else if delta < -32768 {
		delta = -32768
	}
	return PlaceResult{
		Status:           res.Status,
		WaitMs:           uint32(wait),
		CoolDownDelta:    int16(delta),
		Committed:        uint16(res.CommittedCount),
		ProtectedOffsets: res.ProtectedOffsets,
	}
}

// Result converts a received PlaceResult back to a gate result.
func (p PlaceResult) Result() *canvas.PlacementResult {
	return &canvas.PlacementResult{
		Status:               p.Status,
		WaitMs:               int64(p.WaitMs),
		CoolDownDeltaSeconds: int(p.CoolDownDelta),
		CommittedCount:       int(p.Committed),
		ProtectedOffsets:     p.ProtectedOffsets,
	}
}
