package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/mosaic/internal/ranking"
	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/gorilla/mux"
	"github.com/pierrec/lz4/v4"
)

// EncodingLZ4 is the Content-Encoding of lz4-framed chunk downloads, served
// when the request's Accept-Encoding lists it.
const EncodingLZ4 = "lz4"

// Cluster is the shard's view of the cluster.
type Cluster interface {
	Shard() string
	Leader() string
	Peers() []string
	ClusterOnline() map[uint8]uint32
}

// HealthResponse represents the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Shard  string `json:"shard,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OnlineResponse represents the JSON response from the /api/online endpoint.
type OnlineResponse struct {
	Shard  string            `json:"shard"`
	Leader string            `json:"leader"`
	Peers  []string          `json:"peers"`
	Online map[string]uint32 `json:"online"` // Canvas id → viewers across the cluster
	Local  int               `json:"local"`  // Viewers connected to this shard
	Cache  CacheStats        `json:"chunk_cache"`
}

type api struct {
	store    *canvas.Store
	canvases map[uint8]*canvas.Descriptor
	cache    *ChunkCache
	cluster  Cluster
	hub      *Hub
}

// handleHealthz returns 200 OK while the store answers PING, 503 otherwise.
//
// Response format:
//   - Success: {"status": "healthy", "shard": "shard-a"}
//   - Failure: {"status": "unhealthy", "shard": "shard-a", "error": "..."}
func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Shard: a.cluster.Shard()}
	statusCode := http.StatusOK
	if err := a.store.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

// handleChunk serves GET /chunks/{canvas}/{i}/{j} as raw chunk bytes.
func (a *api) handleChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	canvasID, errC := strconv.ParseUint(vars["canvas"], 10, 8)
	i, errI := strconv.ParseUint(vars["i"], 10, 8)
	j, errJ := strconv.ParseUint(vars["j"], 10, 8)
	if errC != nil || errI != nil || errJ != nil {
		http.Error(w, "invalid chunk address", http.StatusBadRequest)
		return
	}

	desc, ok := a.canvases[uint8(canvasID)]
	if !ok {
		http.Error(w, "unknown canvas", http.StatusNotFound)
		return
	}
	if int(i) >= desc.ChunksPerSide() || int(j) >= desc.ChunksPerSide() {
		http.Error(w, "chunk out of bounds", http.StatusNotFound)
		return
	}

	ref := canvas.ChunkRef{CanvasID: uint8(canvasID), I: uint8(i), J: uint8(j)}
	data, err := a.cache.Get(r.Context(), ref)
	if err != nil {
		log.Printf("[ERROR] Failed to read chunk %s: %v", ref, err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Vary", "Accept-Encoding")

	if !acceptsLZ4(r) {
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	w.Header().Set("Content-Encoding", EncodingLZ4)
	w.WriteHeader(http.StatusOK)
	zw := lz4.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		log.Printf("[WARN] Failed to stream chunk %s: %v", ref, err)
		return
	}
	if err := zw.Close(); err != nil {
		log.Printf("[WARN] Failed to stream chunk %s: %v", ref, err)
	}
}

func acceptsLZ4(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, EncodingLZ4) {
			return true
		}
	}
	return false
}

// handleCanvases serves the canvas descriptors in id order.
func (a *api) handleCanvases(w http.ResponseWriter, r *http.Request) {
	list := make([]*canvas.Descriptor, 0, len(a.canvases))
	for _, desc := range a.canvases {
		list = append(list, desc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	writeJSON(w, http.StatusOK, list)
}

// handleRanking serves the leader's last ranking snapshot.
func (a *api) handleRanking(w http.ResponseWriter, r *http.Request) {
	snapshot, err := ranking.Get(r.Context(), a.store)
	if err != nil {
		log.Printf("[ERROR] Failed to read ranking: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, canvas.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "ranking unavailable", status)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// handleOnline serves cluster membership and viewer counts.
func (a *api) handleOnline(w http.ResponseWriter, r *http.Request) {
	online := make(map[string]uint32)
	for id, n := range a.cluster.ClusterOnline() {
		online[strconv.Itoa(int(id))] = n
	}

	peers := a.cluster.Peers()
	if peers == nil {
		peers = []string{}
	}

	writeJSON(w, http.StatusOK, OnlineResponse{
		Shard:  a.cluster.Shard(),
		Leader: a.cluster.Leader(),
		Peers:  peers,
		Online: online,
		Local:  a.hub.Len(),
		Cache:  a.cache.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to encode response: %v", err)
	}
}
