// Package predictor renders a client's placements before the server confirms
// them and reconciles the local view with the authoritative outcome.
//
// Predictions are kept in submission order. Placements are grouped into one
// request per chunk and only one request is in flight at a time. A rejected
// request reverts its own predictions and every later one, restoring each
// pixel to the color it had before the first reverted prediction touched it.
package predictor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/mosaic/pkg/canvas"
)

var (
	// ErrTimeout is reported when the server does not answer an in-flight request in time.
	ErrTimeout = errors.New("placement timed out")

	// ErrBusy is returned by Submit when too many predictions are pending.
	ErrBusy = errors.New("too many pending placements")
)

// RejectedError is reported when the server rejects a request.
type RejectedError struct {
	Status canvas.Status
	WaitMs int64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("placement rejected: %s (wait %dms)", e.Status, e.WaitMs)
}

// Renderer draws pixels into the client's local view.
type Renderer interface {
	SetPixel(ref canvas.ChunkRef, offset uint16, color uint8)
}

// Sender issues a placement request for pixels of one chunk.
type Sender interface {
	SendPlace(ref canvas.ChunkRef, pixels []canvas.Pixel) error
}

// Stopper is the part of *time.Timer the predictor uses.
type Stopper interface {
	Stop() bool
}

// Options configures a Predictor. Zero values are replaced by defaults.
type Options struct {
	Timeout    time.Duration // default 5s
	MaxPending int           // default 1024

	// AfterFunc schedules the request timeout; defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Stopper

	// OnError is told about timeouts, send failures and rejections, after the
	// affected predictions have been rolled back.
	OnError func(err error)
}

// Prediction is one optimistically rendered pixel.
type Prediction struct {
	Chunk         canvas.ChunkRef
	Offset        uint16
	Color         uint8
	PreviousColor uint8
	BatchID       uint64
}

type batch struct {
	id          uint64
	chunk       canvas.ChunkRef
	predictions []*Prediction
	sent        bool
}

// Predictor owns one client's prediction queue. Safe for concurrent use; the
// renderer and sender are called with the predictor's lock held and must not
// call back into it.
type Predictor struct {
	renderer Renderer
	sender   Sender
	opts     Options

	mu          sync.Mutex
	predictions []*Prediction
	queue       []*batch
	inFlight    *batch
	timer       Stopper
	nextBatch   uint64
}

// New creates a predictor rendering through r and sending through s.
func New(r Renderer, s Sender, opts Options) *Predictor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 1024
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	return &Predictor{renderer: r, sender: s, opts: opts}
}

// Submit renders the pixel immediately and queues it for the server.
func (p *Predictor) Submit(ref canvas.ChunkRef, offset uint16, color, previous uint8) error {
	p.mu.Lock()
	if len(p.predictions) >= p.opts.MaxPending {
		p.mu.Unlock()
		return ErrBusy
	}

	pred := &Prediction{Chunk: ref, Offset: offset, Color: color, PreviousColor: previous}
	p.renderer.SetPixel(ref, offset, color)
	p.predictions = append(p.predictions, pred)

	b := p.queuedBatch(ref)
	if b == nil {
		p.nextBatch++
		b = &batch{id: p.nextBatch, chunk: ref}
		p.queue = append(p.queue, b)
	}
	pred.BatchID = b.id
	b.predictions = append(b.predictions, pred)

	var err error
	if p.inFlight == nil {
		err = p.sendNext()
	}
	p.mu.Unlock()

	p.report(err)
	return nil
}

// HandleResult reconciles the in-flight request with the server's answer.
// Results arriving with nothing in flight are ignored.
func (p *Predictor) HandleResult(res *canvas.PlacementResult) {
	p.mu.Lock()
	b := p.inFlight
	if b == nil {
		p.mu.Unlock()
		return
	}
	p.stopTimer()
	p.inFlight = nil

	var reported error
	if res.Status.Accepted() {
		for _, offset := range res.ProtectedOffsets {
			p.revertOne(b, offset)
		}
	} else {
		p.revertFrom(p.rollbackStart(b))
		reported = &RejectedError{Status: res.Status, WaitMs: res.WaitMs}
	}

	err := p.sendNext()
	p.mu.Unlock()

	p.report(reported)
	p.report(err)
}

// HandleDelta applies authoritative pixels. A pixel matching a prediction
// that was already sent confirms it. Pixels covered by a prediction that is
// still pending are not drawn; they become that prediction's rollback color.
func (p *Predictor) HandleDelta(ref canvas.ChunkRef, pixels []canvas.Pixel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, px := range pixels {
		if i := p.findSent(ref, px.Offset); i >= 0 {
			confirmed := p.predictions[i]
			p.predictions = append(p.predictions[:i], p.predictions[i+1:]...)
			p.dropFromBatches(map[*Prediction]bool{confirmed: true})
		}
		if i := p.find(ref, px.Offset, 0); i >= 0 {
			p.predictions[i].PreviousColor = px.Color
			continue
		}
		p.renderer.SetPixel(ref, px.Offset, px.Color)
	}
}

// Reject rolls back the prediction for (ref, offset) and every prediction
// submitted after it. Unknown pixels are ignored.
func (p *Predictor) Reject(ref canvas.ChunkRef, offset uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.find(ref, offset, 0); i >= 0 {
		p.revertFrom(i)
	}
}

// Pending returns a copy of the unconfirmed predictions in submission order.
func (p *Predictor) Pending() []Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Prediction, len(p.predictions))
	for i, pred := range p.predictions {
		out[i] = *pred
	}
	return out
}

// InFlight reports whether a request is awaiting its result.
func (p *Predictor) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight != nil
}

func (p *Predictor) queuedBatch(ref canvas.ChunkRef) *batch {
	for _, b := range p.queue {
		if b.chunk == ref {
			return b
		}
	}
	return nil
}

// sendNext issues the oldest queued request. Must hold mu.
func (p *Predictor) sendNext() error {
	for len(p.queue) > 0 {
		b := p.queue[0]
		p.queue = p.queue[1:]
		if len(b.predictions) == 0 {
			continue
		}

		pixels := make([]canvas.Pixel, len(b.predictions))
		for i, pred := range b.predictions {
			pixels[i] = canvas.Pixel{Offset: pred.Offset, Color: pred.Color}
		}

		b.sent = true
		p.inFlight = b
		if err := p.sender.SendPlace(b.chunk, pixels); err != nil {
			p.abort()
			return fmt.Errorf("failed to send placement: %w", err)
		}

		id := b.id
		p.timer = p.opts.AfterFunc(p.opts.Timeout, func() { p.expire(id) })
		return nil
	}
	return nil
}

func (p *Predictor) expire(batchID uint64) {
	p.mu.Lock()
	if p.inFlight == nil || p.inFlight.id != batchID {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.abort()
	p.mu.Unlock()

	p.report(ErrTimeout)
}

// abort rolls back the in-flight request and everything queued behind it.
// Must hold mu.
func (p *Predictor) abort() {
	p.stopTimer()
	p.revertFrom(p.rollbackStart(p.inFlight))
	p.inFlight = nil
	p.queue = nil
}

// revertFrom rolls back predictions[i:] in submission order. Each pixel is
// restored once, to the earliest recorded previous color. Must hold mu.
func (p *Predictor) revertFrom(i int) {
	if i < 0 || i >= len(p.predictions) {
		return
	}
	reverted := p.predictions[i:]
	p.predictions = p.predictions[:i:i]

	type pixelKey struct {
		chunk  canvas.ChunkRef
		offset uint16
	}
	restored := make(map[pixelKey]bool, len(reverted))
	dropped := make(map[*Prediction]bool, len(reverted))
	for _, pred := range reverted {
		dropped[pred] = true
		key := pixelKey{pred.Chunk, pred.Offset}
		if restored[key] {
			continue
		}
		restored[key] = true
		p.renderer.SetPixel(pred.Chunk, pred.Offset, pred.PreviousColor)
	}

	p.dropFromBatches(dropped)
}

// revertOne rolls back the predictions of b at offset, which the server
// skipped. A later prediction of the same pixel keeps it drawn and inherits
// the rollback color instead. Must hold mu.
func (p *Predictor) revertOne(b *batch, offset uint16) {
	dropped := make(map[*Prediction]bool)
	var previous uint8
	for _, pred := range b.predictions {
		if pred.Offset == offset {
			if len(dropped) == 0 {
				previous = pred.PreviousColor
			}
			dropped[pred] = true
		}
	}
	if len(dropped) == 0 {
		return
	}

	first := -1
	kept := p.predictions[:0]
	for i, pred := range p.predictions {
		if !dropped[pred] {
			kept = append(kept, pred)
		} else if first < 0 {
			first = i
		}
	}
	p.predictions = kept
	p.dropFromBatches(dropped)

	if first < 0 {
		return
	}
	if i := p.find(b.chunk, offset, first); i >= 0 {
		p.predictions[i].PreviousColor = previous
		return
	}
	p.renderer.SetPixel(b.chunk, offset, previous)
}

func (p *Predictor) dropFromBatches(dropped map[*Prediction]bool) {
	filter := func(b *batch) {
		kept := b.predictions[:0]
		for _, pred := range b.predictions {
			if !dropped[pred] {
				kept = append(kept, pred)
			}
		}
		b.predictions = kept
	}

	if p.inFlight != nil {
		filter(p.inFlight)
	}
	queue := p.queue[:0]
	for _, b := range p.queue {
		filter(b)
		if len(b.predictions) > 0 {
			queue = append(queue, b)
		}
	}
	p.queue = queue
}

// rollbackStart returns the index a rollback of b begins at: its earliest
// unconfirmed prediction or, when deltas confirmed all of them, the earliest
// prediction queued behind it. -1 when nothing needs reverting. b may be nil.
// Must hold mu.
func (p *Predictor) rollbackStart(b *batch) int {
	start := -1
	earliest := func(preds []*Prediction) {
		for _, pred := range preds {
			if i := p.indexOf(pred); i >= 0 && (start < 0 || i < start) {
				start = i
			}
		}
	}

	if b != nil {
		earliest(b.predictions)
	}
	if start < 0 {
		for _, q := range p.queue {
			earliest(q.predictions)
		}
	}
	return start
}

func (p *Predictor) indexOf(target *Prediction) int {
	for i, pred := range p.predictions {
		if pred == target {
			return i
		}
	}
	return -1
}

// find returns the index of the first prediction at or after start for the pixel.
func (p *Predictor) find(ref canvas.ChunkRef, offset uint16, start int) int {
	for i := start; i < len(p.predictions); i++ {
		if pred := p.predictions[i]; pred.Chunk == ref && pred.Offset == offset {
			return i
		}
	}
	return -1
}

// findSent is find restricted to predictions whose request was issued.
func (p *Predictor) findSent(ref canvas.ChunkRef, offset uint16) int {
	queued := make(map[uint64]bool, len(p.queue))
	for _, b := range p.queue {
		queued[b.id] = true
	}

	for i, pred := range p.predictions {
		if pred.Chunk == ref && pred.Offset == offset && !queued[pred.BatchID] {
			return i
		}
	}
	return -1
}

func (p *Predictor) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Predictor) report(err error) {
	if err != nil && p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}
