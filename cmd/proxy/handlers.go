package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wgproxy/internal/cache"
	"wgproxy/internal/errdefs"
	"wgproxy/internal/executor"
	"wgproxy/internal/failover"
	"wgproxy/internal/fleet"
	"wgproxy/internal/registry"
	"wgproxy/internal/router"
	"wgproxy/internal/store"
)

type handlers struct {
	router   *router.Router
	registry *registry.Registry
	failover *failover.Controller
	cache    *cache.Store
	store    *store.Client
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "wireguard-proxy"})
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	var req executor.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.router.HandleCreate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	publicKey := chi.URLParam(r, "public_key")
	outcome, err := h.router.HandleRemove(r.Context(), publicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handlers) servers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": h.registry.Sanitized(),
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	servers := h.registry.Sanitized()
	connected := 0
	for _, srv := range servers {
		if srv.Status == fleet.StatusOnline {
			connected++
		}
	}
	mode := "live"
	if h.registry.FallbackMode() {
		mode = "fallback"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proxy_status":      "active",
		"mode":              mode,
		"servers_status":    servers,
		"connected_servers": connected,
		"total_servers":     len(servers),
		"failover":          h.failover.States(),
	})
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	cacheStats := h.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache_hits":    cacheStats.Hits,
		"cache_misses":  cacheStats.Misses,
		"cache":         cacheStats,
		"request_count": h.router.RequestCounts(),
		"error_count":   h.router.ErrorCounts(),
		"server_stats":  h.registry.MetricsSnapshot(),
	})
}

type addServerRequest struct {
	fleet.Server
	TestMode bool `json:"test_mode,omitempty"`
}

func (h *handlers) addServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TestMode {
		if req.ID == "" {
			req.ID = "test-" + randomID()
		}
		h.registry.AddTestServer(req.Server)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"message":   "Test server added successfully",
			"server_id": req.ID,
		})
		return
	}

	if req.APIURL == "" || req.Location == "" || req.GeolocationID == 0 {
		errorJSON(w, http.StatusBadRequest, "api_url, location and geolocation_id are required")
		return
	}
	serverID, err := h.store.AddServer(r.Context(), req.Server)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.Refresh(r.Context()); err != nil {
		// The server is registered; a failed refresh only delays visibility.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"message":   "Server added; fleet refresh pending",
			"server_id": serverID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Server added successfully",
		"server_id": serverID,
	})
}

func (h *handlers) removeServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	srv, known := h.registry.ServerByID(id)
	if !known || !srv.IsTest() {
		if err := h.store.RemoveServer(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	h.registry.RemoveFromView(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Server removed successfully",
	})
}

func (h *handlers) resetCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Cache cleared",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the error taxonomy to status codes: validation 400, no
// server 503, remote failure 502, store trouble and everything else 500.
func writeError(w http.ResponseWriter, err error) {
	var validation *errdefs.ValidationError
	var noServer *errdefs.NoAvailableServerError
	var remote *errdefs.RemoteServerError
	var storeErr *errdefs.ConfigStoreError
	switch {
	case errors.As(err, &validation):
		errorJSON(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &noServer):
		errorJSON(w, http.StatusServiceUnavailable, "No available server found")
	case errors.As(err, &remote):
		errorJSON(w, http.StatusBadGateway, "Error communicating with remote server")
	case errors.As(err, &storeErr):
		errorJSON(w, http.StatusInternalServerError, "Configuration store unavailable")
	default:
		errorJSON(w, http.StatusInternalServerError, "Internal server error")
	}
}

func randomID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
