package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgproxy/internal/adminauth"
	"wgproxy/internal/auth"
	"wgproxy/internal/cache"
	"wgproxy/internal/executor"
	"wgproxy/internal/failover"
	"wgproxy/internal/fleet"
	"wgproxy/internal/registry"
	"wgproxy/internal/router"
	"wgproxy/internal/store"
)

type testApp struct {
	handler http.Handler
	reg     *registry.Registry
	cache   *cache.Store
	admin   *adminauth.Service
}

func newTestApp(t *testing.T, storeURL, adminSecret string, testServers ...fleet.Server) *testApp {
	t.Helper()
	nop := zerolog.Nop()
	c := cache.New(100, time.Minute, nop)
	storeClient := store.NewClient(storeURL, time.Second)
	reg := registry.New(
		&registry.StoreSource{Client: storeClient},
		&registry.StaticSource{},
		c,
		registry.Options{ProbeTimeout: 100 * time.Millisecond},
		nop,
	)
	for _, srv := range testServers {
		reg.AddTestServer(srv)
	}
	exec := executor.New(reg, auth.NewProvider(nop), storeClient, time.Second, nop)
	rt := router.New(reg, exec, c, router.DefaultRetryPolicy(), nop)
	probe := func(context.Context, fleet.Server) failover.ProbeResult {
		return failover.ProbeResult{Available: true}
	}
	ctrl := failover.NewController(storeClient, reg, probe, failover.Config{}, nop)
	admin := adminauth.NewService(adminSecret)
	return &testApp{
		handler: newHandler(rt, reg, ctrl, c, storeClient, admin),
		reg:     reg,
		cache:   c,
		admin:   admin,
	}
}

// liveStore is a minimal configuration store answering the fleet list.
func liveStore(t *testing.T, servers []fleet.Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/servers" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"servers": servers})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (a *testApp) do(t *testing.T, method, target string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	rec := app.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestCreateEndpoint(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "",
		fleet.Server{ID: "test-h1", Endpoint: "h1.example.com", GeolocationID: 1})

	rec := app.do(t, http.MethodPost, "/create", map[string]interface{}{
		"user_id": 7, "geolocation_id": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "test-h1", body["server_id"])
	assert.Contains(t, body["config"], "[Interface]")
	assert.NotEmpty(t, body["public_key"])
}

func TestCreateRejectsBadBody(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	req := httptest.NewRequest(http.MethodPost, "/create", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRejectsMissingUser(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "",
		fleet.Server{ID: "test-h1"})
	rec := app.do(t, http.MethodPost, "/create", map[string]interface{}{"geolocation_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateNoServersAvailable(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	rec := app.do(t, http.MethodPost, "/create", map[string]interface{}{"user_id": 7})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "No available server found", decode(t, rec)["error"])
}

func TestCreateRemoteErrorMapsBadGateway(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			w.Write([]byte(`{}`))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer endpoint.Close()

	nop := zerolog.Nop()
	c := cache.New(100, time.Minute, nop)
	storeClient := store.NewClient("http://127.0.0.1:1", time.Second)
	reg := registry.New(
		&registry.StaticSource{Servers: []fleet.Server{{ID: "s1", APIURL: endpoint.URL}}},
		&registry.StaticSource{},
		c,
		registry.Options{ProbeTimeout: 100 * time.Millisecond},
		nop,
	)
	require.NoError(t, reg.Refresh(context.Background()))
	exec := executor.New(reg, auth.NewProvider(nop), storeClient, time.Second, nop)
	rt := router.New(reg, exec, c, router.RetryPolicy{MaxAttempts: 1, Retryable: router.IsRemoteError}, nop)
	probe := func(context.Context, fleet.Server) failover.ProbeResult {
		return failover.ProbeResult{Available: true}
	}
	ctrl := failover.NewController(storeClient, reg, probe, failover.Config{}, nop)
	handler := newHandler(rt, reg, ctrl, c, storeClient, adminauth.NewService(""))

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]interface{}{"user_id": 7}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/create", &buf))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Error communicating with remote server", decode(t, rec)["error"])
}

func TestRemoveEndpointBroadcast(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "",
		fleet.Server{ID: "test-h1"}, fleet.Server{ID: "test-h2"})

	rec := app.do(t, http.MethodDelete, "/remove/some-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["details"], 2)
}

func TestServersEndpointSanitizes(t *testing.T) {
	ts := liveStore(t, []fleet.Server{
		{ID: "s1", APIKey: "hunter2", HMACSecret: "hunter2", APIURL: "http://127.0.0.1:1"},
	})
	app := newTestApp(t, ts.URL, "")
	require.NoError(t, app.reg.Refresh(context.Background()))

	rec := app.do(t, http.MethodGet, "/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), `"id":"s1"`)
}

func TestStatusReportsFallbackMode(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	_ = app.reg.Refresh(context.Background())

	rec := app.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "active", body["proxy_status"])
	assert.Equal(t, "fallback", body["mode"])
}

func TestStatusCountsConnected(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "",
		fleet.Server{ID: "test-h1"}, fleet.Server{ID: "test-h2"})

	rec := app.do(t, http.MethodGet, "/status", nil)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["connected_servers"])
	assert.Equal(t, float64(2), body["total_servers"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "",
		fleet.Server{ID: "test-h1"})
	app.do(t, http.MethodPost, "/create", map[string]interface{}{"user_id": 7})

	rec := app.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	counts := body["request_count"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["create"])
	assert.Contains(t, body, "cache_hits")
	assert.Contains(t, body, "server_stats")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "shh")
	rec := app.do(t, http.MethodPost, "/admin/reset-cache", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := app.admin.GenerateToken("ops", time.Minute)
	require.NoError(t, err)
	rec = app.do(t, http.MethodPost, "/admin/reset-cache", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAddTestServer(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	rec := app.do(t, http.MethodPost, "/admin/servers", map[string]interface{}{
		"test_mode": true, "endpoint": "t.example.com", "geolocation_id": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	id, _ := body["server_id"].(string)
	require.NotEmpty(t, id)

	srv, ok := app.reg.ServerByID(id)
	require.True(t, ok)
	assert.True(t, srv.IsTest())
	assert.Equal(t, fleet.StatusOnline, srv.Status)
}

func TestAdminAddServerValidation(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	rec := app.do(t, http.MethodPost, "/admin/servers", map[string]interface{}{
		"endpoint": "x.example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRemoveTestServerSkipsStore(t *testing.T) {
	// The store is unreachable; removing a test server must still succeed.
	app := newTestApp(t, "http://127.0.0.1:1", "", fleet.Server{ID: "test-h1"})
	rec := app.do(t, http.MethodDelete, "/admin/servers/test-h1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := app.reg.ServerByID("test-h1")
	assert.False(t, ok)
}

func TestAdminResetCache(t *testing.T) {
	app := newTestApp(t, "http://127.0.0.1:1", "")
	app.cache.Set("k", "v", 0)
	rec := app.do(t, http.MethodPost, "/admin/reset-cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := app.cache.Get("k")
	assert.False(t, ok)
}
