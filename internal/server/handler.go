package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/mosaic/internal/fabric"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// maxFrameBytes bounds inbound frames; a PlaceRequest covering every
	// pixel of a chunk fits.
	maxFrameBytes = 3 + 3*canvas.ChunkBytes

	placeTimeout = 5 * time.Second
)

// Placer decides placement requests.
type Placer interface {
	Place(ctx context.Context, req *canvas.PlacementRequest) (*canvas.PlacementResult, error)
}

// wsHandler serves the binary viewer protocol on one websocket per viewer.
type wsHandler struct {
	hub        *Hub
	placer     Placer
	canvases   map[uint8]*canvas.Descriptor
	frameRate  rate.Limit
	frameBurst int
	trustProxy bool
	upgrader   websocket.Upgrader
}

func newWSHandler(hub *Hub, placer Placer, canvases map[uint8]*canvas.Descriptor, opts Options) *wsHandler {
	return &wsHandler{
		hub:        hub,
		placer:     placer,
		canvases:   canvases,
		frameRate:  rate.Limit(opts.FrameRate),
		frameBurst: opts.FrameBurst,
		trustProxy: opts.TrustProxy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := identify(r, h.trustProxy)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] Websocket upgrade failed for %s: %v", identity.IP, err)
		return
	}

	c := newClient(conn, identity, rate.NewLimiter(h.frameRate, h.frameBurst))
	h.hub.add(c)
	defer h.hub.remove(c)

	go c.writePump()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[DEBUG] Viewer %s disconnected: %v", identity.IP, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if !c.limiter.Allow() {
			log.Printf("[DEBUG] Rate limited frame from %s", identity.IP)
			continue
		}

		h.handleFrame(r.Context(), c, data)
	}
}

func (h *wsHandler) handleFrame(ctx context.Context, c *client, data []byte) {
	p, err := fabric.Decode(data)
	if err != nil {
		log.Printf("[DEBUG] Discarding malformed frame from %s: %v", c.identity.IP, err)
		return
	}

	switch pkt := p.(type) {
	case fabric.RegisterCanvas:
		if _, ok := h.canvases[pkt.CanvasID]; !ok {
			log.Printf("[DEBUG] Viewer %s asked for unknown canvas %d", c.identity.IP, pkt.CanvasID)
			return
		}
		h.hub.register(c, pkt.CanvasID)

	case fabric.PlaceRequest:
		if len(pkt.Pixels) == 0 {
			return
		}
		c.enqueue(fabric.Encode(h.place(ctx, c, pkt)))

	default:
		log.Printf("[DEBUG] Unexpected packet 0x%02x from %s", p.Opcode(), c.identity.IP)
	}
}

func (h *wsHandler) place(ctx context.Context, c *client, pkt fabric.PlaceRequest) fabric.PlaceResult {
	canvasID, ok := h.hub.registeredCanvas(c)
	if !ok {
		return fabric.PlaceResult{Status: canvas.StatusInvalidCanvas}
	}

	req := &canvas.PlacementRequest{
		Chunk:   canvas.ChunkRef{CanvasID: canvasID, I: pkt.I, J: pkt.J},
		Pixels:  pkt.Pixels,
		IP:      c.identity.IP,
		UserID:  c.identity.UserID,
		Country: c.identity.Country,
		Ranked:  c.identity.UserID != "",
	}

	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()

	res, err := h.placer.Place(ctx, req)
	if err != nil {
		// Already logged by the gate; the client may retry
		return fabric.PlaceResult{Status: canvas.StatusStoreUnavailable}
	}
	return fabric.ResultPacket(res)
}
