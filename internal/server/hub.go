package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is how many frames may queue for one viewer before it is
	// considered too slow and disconnected.
	sendBuffer = 256
)

// Hub tracks this shard's connected viewers and which canvas each follows.
// It implements fabric.Viewers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

type client struct {
	conn     *websocket.Conn
	identity Identity
	limiter  *rate.Limiter
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	// guarded by Hub.mu
	canvasID   uint8
	registered bool
}

func newClient(conn *websocket.Conn, identity Identity, limiter *rate.Limiter) *client {
	return &client{
		conn:     conn,
		identity: identity,
		limiter:  limiter,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. A viewer whose queue is full is
// closed.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Printf("[WARN] Dropping slow viewer %s", c.identity.IP)
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump is the only writer of c.conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// register makes c follow canvasID, replacing any previous canvas.
func (h *Hub) register(c *client, canvasID uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.canvasID = canvasID
	c.registered = true
}

// registeredCanvas returns the canvas c follows, if any.
func (h *Hub) registeredCanvas(c *client) (uint8, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.canvasID, c.registered
}

// Broadcast sends data to every viewer following canvasID.
func (h *Hub) Broadcast(canvasID uint8, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.registered && c.canvasID == canvasID {
			c.enqueue(data)
		}
	}
}

// BroadcastAll sends data to every viewer.
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

// OnlineCounts returns the number of registered viewers per canvas.
func (h *Hub) OnlineCounts() map[uint8]uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[uint8]uint32)
	for c := range h.clients {
		if c.registered {
			counts[c.canvasID]++
		}
	}
	return counts
}

// Len returns the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every viewer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
