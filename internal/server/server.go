// Package server is one mosaic shard's process surface: the viewer websocket
// protocol, chunk downloads, ranking and health endpoints, and the wiring of
// the placement gate, broadcast fabric and leader jobs behind them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dyluth/mosaic/internal/fabric"
	"github.com/dyluth/mosaic/internal/gate"
	"github.com/dyluth/mosaic/internal/ranking"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/gorilla/mux"
)

// Options configures a shard.
type Options struct {
	Listen         string
	Canvases       map[uint8]*canvas.Descriptor
	CaptchaEnabled bool
	CountryFactors map[string]float64
	Fabric         fabric.Config
	Ranking        ranking.Config
	FrameRate      float64 // Inbound frames per second per viewer
	FrameBurst     int
	TrustProxy     bool // Honour X-Forwarded-For and identity headers
	ChunkCacheSize int
}

// Server runs one shard.
type Server struct {
	opts   Options
	store  *canvas.Store
	hub    *Hub
	gate   *gate.Gate
	fabric *fabric.Fabric
	ranker *ranking.Ranker
	cache  *ChunkCache
	router *mux.Router
}

// New wires a shard over store.
func New(store *canvas.Store, opts Options) *Server {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 20
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 40
	}

	s := &Server{
		opts:  opts,
		store: store,
		hub:   NewHub(),
		cache: NewChunkCache(store, opts.ChunkCacheSize),
	}

	s.gate = gate.New(store, opts.Canvases, gate.Options{
		CaptchaEnabled: opts.CaptchaEnabled,
		CountryFactors: opts.CountryFactors,
		Shard:          opts.Fabric.Shard,
	})
	s.fabric = fabric.New(store, s.hub, opts.Fabric)
	s.fabric.AddObserver(s.cache)
	s.ranker = ranking.New(store, s.fabric, opts.Ranking)

	a := &api{
		store:    store,
		canvases: opts.Canvases,
		cache:    s.cache,
		cluster:  s.fabric,
		hub:      s.hub,
	}

	r := mux.NewRouter()
	r.Handle("/ws", newWSHandler(s.hub, s.gate, opts.Canvases, opts))
	r.HandleFunc("/chunks/{canvas:[0-9]+}/{i:[0-9]+}/{j:[0-9]+}", a.handleChunk).Methods(http.MethodGet)
	r.HandleFunc("/api/canvases", a.handleCanvases).Methods(http.MethodGet)
	r.HandleFunc("/api/ranking", a.handleRanking).Methods(http.MethodGet)
	r.HandleFunc("/api/online", a.handleOnline).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the shard's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Fabric returns the shard's broadcast fabric.
func (s *Server) Fabric() *fabric.Fabric {
	return s.fabric
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.fabric.Run(ctx); err != nil {
			errCh <- fmt.Errorf("fabric stopped: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		s.ranker.Run(ctx)
	}()

	go func() {
		log.Printf("[INFO] Shard '%s' listening on %s", s.opts.Fabric.Shard, s.opts.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Printf("[INFO] Shutting down shard '%s'...", s.opts.Fabric.Shard)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP shutdown: %v", err)
	}
	s.hub.CloseAll()

	cancel()
	wg.Wait()
	return runErr
}
