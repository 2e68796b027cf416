package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/possync/internal/store"
)

// RecordStore is the persistence behind the collection endpoints.
// Implemented by store.BackendStore.
type RecordStore interface {
	Get(ctx context.Context, collection, id string) (*store.BackendRecord, error)
	Create(ctx context.Context, collection, id string, data json.RawMessage) (*store.BackendRecord, error)
	Update(ctx context.Context, collection, id string, patch json.RawMessage) (*store.BackendRecord, error)
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection, updatedAfter string, page, perPage int) ([]store.BackendRecord, int, error)
	Count(ctx context.Context) (map[string]int, error)
}

// Handler implements the API handlers
type Handler struct {
	store       RecordStore
	apiKey      string
	version     string
	collections map[string]bool
}

// NewHandler creates a Handler serving the named collections. An empty
// apiKey disables authentication.
func NewHandler(s RecordStore, apiKey, version string, collections []string) *Handler {
	known := make(map[string]bool, len(collections))
	for _, c := range collections {
		known[c] = true
	}
	return &Handler{
		store:       s,
		apiKey:      apiKey,
		version:     version,
		collections: known,
	}
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Records map[string]int `json:"records"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Count(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "action", "health", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Record store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Records: counts,
	})
}

// CollectionMiddleware resolves the {name} URL parameter. Unknown
// collections get a 404.
func (h *Handler) CollectionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !h.collections[name] {
			WriteProblem(w, r, http.StatusNotFound, "Missing collection context.")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCollection(r.Context(), name)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
