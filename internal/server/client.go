package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dyluth/mosaic/internal/fabric"
	"github.com/dyluth/mosaic/internal/predictor"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/gorilla/websocket"
)

// Client is a viewer connection to a shard's websocket endpoint. It
// implements predictor.Sender.
type Client struct {
	conn     *websocket.Conn
	canvasID uint8

	writeMu sync.Mutex
}

// Dial connects to a shard's /ws endpoint and registers for canvasID.
func Dial(ctx context.Context, url string, header http.Header, canvasID uint8) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Client{conn: conn, canvasID: canvasID}
	if err := c.write(fabric.RegisterCanvas{CanvasID: canvasID}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// SendPlace sends a placement request for pixels of ref. ref must be on the
// registered canvas.
func (c *Client) SendPlace(ref canvas.ChunkRef, pixels []canvas.Pixel) error {
	if ref.CanvasID != c.canvasID {
		return fmt.Errorf("chunk %s is not on registered canvas %d", ref, c.canvasID)
	}
	return c.write(fabric.PlaceRequest{I: ref.I, J: ref.J, Pixels: pixels})
}

// Read blocks for the next packet from the shard.
func (c *Client) Read() (fabric.Packet, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return fabric.Decode(data)
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) write(p fabric.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, fabric.Encode(p)); err != nil {
		return fmt.Errorf("failed to send 0x%02x: %w", p.Opcode(), err)
	}
	return nil
}

// PlaceOutcome is the reconciled result of a Place call.
type PlaceOutcome struct {
	Result  *canvas.PlacementResult
	Pending []predictor.Prediction // Predictions not yet confirmed by a delta
	Err     error                  // Rejection, timeout or connection failure
}

// Place submits pixels of one chunk through a predictor and waits until the
// shard has answered and every accepted pixel has been confirmed by a delta,
// or until ctx ends. previous gives each pixel's current color for rollback.
func (c *Client) Place(ctx context.Context, ref canvas.ChunkRef, pixels []canvas.Pixel, previous []uint8, r predictor.Renderer, timeout time.Duration) PlaceOutcome {
	var (
		mu      sync.Mutex
		outcome PlaceOutcome
	)
	failed := make(chan struct{}, 1)

	p := predictor.New(r, c, predictor.Options{
		Timeout: timeout,
		OnError: func(err error) {
			mu.Lock()
			if outcome.Err == nil {
				outcome.Err = err
			}
			mu.Unlock()
			select {
			case failed <- struct{}{}:
			default:
			}
		},
	})

	for i, px := range pixels {
		var prev uint8
		if i < len(previous) {
			prev = previous[i]
		}
		if err := p.Submit(ref, px.Offset, px.Color, prev); err != nil {
			return PlaceOutcome{Err: err}
		}
	}

	packets := make(chan fabric.Packet)
	readErr := make(chan error, 1)
	go func() {
		for {
			pkt, err := c.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case packets <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}()

	finish := func(err error) PlaceOutcome {
		mu.Lock()
		defer mu.Unlock()
		if outcome.Err == nil {
			outcome.Err = err
		}
		outcome.Pending = p.Pending()
		return outcome
	}

	answered := false
	for {
		if answered && !p.InFlight() && len(p.Pending()) == 0 {
			return finish(nil)
		}

		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		case <-failed:
			return finish(nil)
		case err := <-readErr:
			return finish(fmt.Errorf("connection lost: %w", err))
		case pkt := <-packets:
			switch v := pkt.(type) {
			case fabric.PlaceResult:
				res := v.Result()
				mu.Lock()
				outcome.Result = res
				mu.Unlock()
				answered = true
				p.HandleResult(res)
			case fabric.PixelDelta:
				p.HandleDelta(v.Chunk, v.Pixels)
			}
		}
	}
}
