// Package executor performs authenticated calls against individual endpoint
// servers, measuring latency and reporting every outcome to the registry.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"wgproxy/internal/auth"
	"wgproxy/internal/errdefs"
	"wgproxy/internal/fleet"
	"wgproxy/internal/registry"
	"wgproxy/internal/store"
)

type CreateRequest struct {
	UserID        int64 `json:"user_id"`
	GeolocationID int   `json:"geolocation_id,omitempty"`
}

type CreateResult struct {
	Config         string `json:"config"`
	PublicKey      string `json:"public_key"`
	PrivateKey     string `json:"private_key,omitempty"`
	ServerEndpoint string `json:"server_endpoint,omitempty"`
	AllowedIPs     string `json:"allowed_ips,omitempty"`
	DNS            string `json:"dns,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	GeolocationID  int    `json:"geolocation_id,omitempty"`
}

type RemoveResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Executor struct {
	registry *registry.Registry
	auth     *auth.Provider
	store    *store.Client
	http     *http.Client
	log      zerolog.Logger
}

func New(reg *registry.Registry, authp *auth.Provider, st *store.Client, timeout time.Duration, log zerolog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		registry: reg,
		auth:     authp,
		store:    st,
		http:     &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "executor").Logger(),
	}
}

// Create provisions a peer on the named server.
func (e *Executor) Create(ctx context.Context, serverID string, req CreateRequest) (*CreateResult, error) {
	srv, ok := e.registry.ServerByID(serverID)
	if !ok {
		return nil, &errdefs.NoAvailableServerError{}
	}
	if srv.IsTest() {
		return e.testCreate(srv)
	}

	start := time.Now()
	var result CreateResult
	err := e.call(ctx, srv, http.MethodPost, srv.APIURL+"/create", req, &result)
	e.recordMetrics(serverID, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	if result.ServerID == "" {
		result.ServerID = srv.ID
	}
	if result.GeolocationID == 0 {
		result.GeolocationID = srv.GeolocationID
	}
	return &result, nil
}

// Remove deletes a peer from the named server.
func (e *Executor) Remove(ctx context.Context, serverID, publicKey string) (*RemoveResult, error) {
	srv, ok := e.registry.ServerByID(serverID)
	if !ok {
		return nil, &errdefs.NoAvailableServerError{}
	}
	if srv.IsTest() {
		return e.testRemove(srv, publicKey)
	}

	start := time.Now()
	var result RemoveResult
	target := srv.APIURL + "/remove/" + url.PathEscape(publicKey)
	err := e.call(ctx, srv, http.MethodDelete, target, nil, &result)
	e.recordMetrics(serverID, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindServerForPeer resolves peer ownership through the configuration store
// when local caches are cold.
func (e *Executor) FindServerForPeer(ctx context.Context, publicKey string) (string, error) {
	return e.store.FindServerForPeer(ctx, publicKey)
}

func (e *Executor) call(ctx context.Context, srv fleet.Server, method, target string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &errdefs.RemoteServerError{ServerID: srv.ID, Err: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &errdefs.RemoteServerError{ServerID: srv.ID, Err: err}
	}
	for k, v := range e.auth.Headers(ctx, srv) {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		// Transport failures map to the same kind as non-2xx responses so
		// the retry policy treats them uniformly.
		return &errdefs.RemoteServerError{ServerID: srv.ID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errdefs.RemoteServerError{ServerID: srv.ID, Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &errdefs.RemoteServerError{ServerID: srv.ID, Err: err}
		}
	}
	return nil
}

// recordMetrics never blocks the request path; the registry only takes a
// short-lived lock.
func (e *Executor) recordMetrics(serverID string, success bool, latency time.Duration) {
	e.registry.RecordMetrics(serverID, success, latency)
}
