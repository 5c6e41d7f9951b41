// Package store is the HTTP client for the configuration store, the
// external service holding server records, user configs and migration
// history. Every failure is reported as a ConfigStoreError so callers can
// switch to cached or static data.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"wgproxy/internal/errdefs"
	"wgproxy/internal/fleet"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Servers returns the routable fleet.
func (c *Client) Servers(ctx context.Context) ([]fleet.Server, error) {
	return c.serverList(ctx, "/api/servers")
}

// AllServers returns every server record regardless of status.
func (c *Client) AllServers(ctx context.Context) ([]fleet.Server, error) {
	return c.serverList(ctx, "/api/servers/all")
}

// ServersByGeolocation returns the fleet restricted to one geolocation.
func (c *Client) ServersByGeolocation(ctx context.Context, geoID int) ([]fleet.Server, error) {
	return c.serverList(ctx, fmt.Sprintf("/api/servers/geolocation/%d", geoID))
}

func (c *Client) serverList(ctx context.Context, path string) ([]fleet.Server, error) {
	var out struct {
		Servers []fleet.Server `json:"servers"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	for i := range out.Servers {
		out.Servers[i].Normalize()
	}
	return out.Servers, nil
}

func (c *Client) ServerByID(ctx context.Context, id string) (*fleet.Server, error) {
	var srv fleet.Server
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(id), &srv); err != nil {
		return nil, err
	}
	srv.Normalize()
	return &srv, nil
}

// ActiveConnections lists the users currently hosted on a server.
func (c *Client) ActiveConnections(ctx context.Context, serverID string) ([]fleet.Connection, error) {
	var out struct {
		Connections []fleet.Connection `json:"connections"`
	}
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/connections", &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// FindServerForPeer resolves which server hosts the peer with the given
// public key. An empty ID with a nil error means the store does not know it.
func (c *Client) FindServerForPeer(ctx context.Context, publicKey string) (string, error) {
	var out struct {
		ServerID string `json:"server_id"`
	}
	path := "/api/peers/find?public_key=" + url.QueryEscape(publicKey)
	if err := c.get(ctx, path, &out); err != nil {
		return "", err
	}
	return out.ServerID, nil
}

// MigrateUser reassigns a user to the target server's geolocation.
func (c *Client) MigrateUser(ctx context.Context, m fleet.Migration) error {
	payload := map[string]interface{}{
		"user_id":          m.UserID,
		"geolocation_id":   m.GeolocationID,
		"server_id":        m.ToServerID,
		"migration_reason": m.Reason,
	}
	return c.post(ctx, "/api/configs/change_geolocation", payload, nil)
}

// LogMigration appends a migration-log entry.
func (c *Client) LogMigration(ctx context.Context, m fleet.Migration) error {
	return c.post(ctx, "/api/server_migrations/log", m, nil)
}

// ReportMetrics forwards probe metrics for one server.
func (c *Client) ReportMetrics(ctx context.Context, serverID string, latencyMs, packetLoss float64) error {
	payload := map[string]interface{}{
		"server_id":   serverID,
		"latency":     latencyMs,
		"packet_loss": packetLoss,
	}
	return c.post(ctx, "/api/servers/metrics/add", payload, nil)
}

// UpdateStatus sets one server's store-side status.
func (c *Client) UpdateStatus(ctx context.Context, serverID, status string) error {
	payload := map[string]string{"status": status}
	return c.post(ctx, "/api/servers/"+url.PathEscape(serverID)+"/status", payload, nil)
}

// UpdateStatusBatch writes all changed statuses in one call.
func (c *Client) UpdateStatusBatch(ctx context.Context, updates []fleet.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	payload := map[string]interface{}{"servers": updates}
	return c.post(ctx, "/api/servers/update_status_batch", payload, nil)
}

// AddServer registers a server record and returns its assigned ID.
func (c *Client) AddServer(ctx context.Context, srv fleet.Server) (string, error) {
	var out struct {
		ServerID string `json:"server_id"`
	}
	if err := c.post(ctx, "/api/servers/add", srv, &out); err != nil {
		return "", err
	}
	return out.ServerID, nil
}

// RemoveServer deregisters a server.
func (c *Client) RemoveServer(ctx context.Context, serverID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/servers/"+url.PathEscape(serverID), nil)
	if err != nil {
		return &errdefs.ConfigStoreError{Op: "remove server", Err: err}
	}
	return c.do(req, "remove server", nil)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &errdefs.ConfigStoreError{Op: "GET " + path, Err: err}
	}
	return c.do(req, "GET "+path, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &errdefs.ConfigStoreError{Op: "POST " + path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &errdefs.ConfigStoreError{Op: "POST " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "POST "+path, out)
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &errdefs.ConfigStoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errdefs.ConfigStoreError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errdefs.ConfigStoreError{Op: op, Err: err}
	}
	return nil
}
