package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgproxy/internal/auth"
	"wgproxy/internal/cache"
	"wgproxy/internal/errdefs"
	"wgproxy/internal/executor"
	"wgproxy/internal/fleet"
	"wgproxy/internal/registry"
	"wgproxy/internal/store"
)

func newPickRouter(t *testing.T) *Router {
	t.Helper()
	return New(nil, nil, nil, fastPolicy(), zerolog.Nop())
}

// newTestRouter wires a full pipeline backed entirely by test-mode servers,
// so no remote endpoint is required.
func newTestRouter(t *testing.T, storeURL string, servers ...fleet.Server) (*Router, *registry.Registry, *cache.Store) {
	t.Helper()
	c := cache.New(100, time.Minute, zerolog.Nop())
	reg := registry.New(&registry.StaticSource{}, &registry.StaticSource{}, c, registry.Options{}, zerolog.Nop())
	for _, srv := range servers {
		reg.AddTestServer(srv)
	}
	authp := auth.NewProvider(zerolog.Nop())
	st := store.NewClient(storeURL, time.Second)
	exec := executor.New(reg, authp, st, time.Second, zerolog.Nop())
	return New(reg, exec, c, fastPolicy(), zerolog.Nop()), reg, c
}

func TestPickServerFiltersByGeolocation(t *testing.T) {
	r := newPickRouter(t)
	servers := []fleet.Server{
		{ID: "us", GeolocationID: 1, Status: fleet.StatusOnline},
		{ID: "eu", GeolocationID: 2, Status: fleet.StatusOnline},
	}
	srv, err := r.pickServer(servers, 2)
	require.NoError(t, err)
	assert.Equal(t, "eu", srv.ID)
}

func TestPickServerFallsBackToFullSet(t *testing.T) {
	r := newPickRouter(t)
	servers := []fleet.Server{
		{ID: "us", GeolocationID: 1, Status: fleet.StatusOnline},
	}
	srv, err := r.pickServer(servers, 9)
	require.NoError(t, err)
	assert.Equal(t, "us", srv.ID)
}

func TestPickServerEmpty(t *testing.T) {
	r := newPickRouter(t)
	_, err := r.pickServer(nil, 3)
	var nerr *errdefs.NoAvailableServerError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, 3, nerr.GeolocationID)
}

func TestPickServerPrefersOnlineOverDegraded(t *testing.T) {
	r := newPickRouter(t)
	servers := []fleet.Server{
		{ID: "busy", Status: fleet.StatusOnline, Load: 90},
		{ID: "idle-but-degraded", Status: fleet.StatusDegraded, Load: 1},
	}
	srv, err := r.pickServer(servers, 0)
	require.NoError(t, err)
	assert.Equal(t, "busy", srv.ID)
}

func TestPickServerLeastLoaded(t *testing.T) {
	r := newPickRouter(t)
	servers := []fleet.Server{
		{ID: "a", Status: fleet.StatusOnline, Load: 40},
		{ID: "b", Status: fleet.StatusOnline, Load: 10},
		{ID: "c", Status: fleet.StatusOnline, Load: 25},
	}
	srv, err := r.pickServer(servers, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", srv.ID)
}

func TestPickServerUsesPeerCountWhenLoadZero(t *testing.T) {
	r := newPickRouter(t)
	servers := []fleet.Server{
		{ID: "a", Status: fleet.StatusOnline, PeersCount: 50},
		{ID: "b", Status: fleet.StatusOnline, PeersCount: 3},
	}
	srv, err := r.pickServer(servers, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", srv.ID)
}

func TestPickServerTieBreakWithinMinimalSet(t *testing.T) {
	r := newPickRouter(t)
	servers := []fleet.Server{
		{ID: "a", Status: fleet.StatusOnline, Load: 5},
		{ID: "b", Status: fleet.StatusOnline, Load: 5},
		{ID: "heavy", Status: fleet.StatusOnline, Load: 50},
	}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		srv, err := r.pickServer(servers, 0)
		require.NoError(t, err)
		seen[srv.ID] = true
	}
	assert.False(t, seen["heavy"])
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestHandleCreateRequiresUserID(t *testing.T) {
	r, _, _ := newTestRouter(t, "http://127.0.0.1:1")
	_, err := r.HandleCreate(context.Background(), executor.CreateRequest{})
	var verr *errdefs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "user_id", verr.Field)
	assert.Equal(t, int64(1), r.ErrorCounts()["create"])
}

func TestHandleCreateOnTestServer(t *testing.T) {
	r, _, c := newTestRouter(t, "http://127.0.0.1:1",
		fleet.Server{ID: "test-r1", Endpoint: "r1.example.com", GeolocationID: 1})

	res, err := r.HandleCreate(context.Background(), executor.CreateRequest{UserID: 7, GeolocationID: 1})
	require.NoError(t, err)
	assert.Equal(t, "test-r1", res.ServerID)
	assert.Equal(t, 1, res.GeolocationID)
	assert.Contains(t, res.Config, "[Interface]")
	assert.Contains(t, res.Config, "r1.example.com:51820")
	require.NotEmpty(t, res.PublicKey)

	cached, ok := c.Get(peerKeyPrefix + res.PublicKey)
	require.True(t, ok)
	assert.Equal(t, "test-r1", cached)
	assert.Equal(t, int64(1), r.RequestCounts()["create"])
}

func TestHandleCreateRetriesThenFails(t *testing.T) {
	var createCalls int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/status":
			w.Write([]byte(`{}`))
		case "/create":
			atomic.AddInt32(&createCalls, 1)
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer endpoint.Close()

	c := cache.New(100, time.Minute, zerolog.Nop())
	source := &registry.StaticSource{Servers: []fleet.Server{{ID: "s1", APIURL: endpoint.URL}}}
	reg := registry.New(source, &registry.StaticSource{}, c, registry.Options{}, zerolog.Nop())
	require.NoError(t, reg.Refresh(context.Background()))
	exec := executor.New(reg, auth.NewProvider(zerolog.Nop()), store.NewClient("http://127.0.0.1:1", time.Second), time.Second, zerolog.Nop())
	r := New(reg, exec, c, fastPolicy(), zerolog.Nop())

	_, err := r.HandleCreate(context.Background(), executor.CreateRequest{UserID: 7})
	require.Error(t, err)
	assert.True(t, IsRemoteError(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&createCalls))
	assert.Equal(t, int64(1), r.ErrorCounts()["create"])
}

func TestHandleRemoveRequiresKey(t *testing.T) {
	r, _, _ := newTestRouter(t, "http://127.0.0.1:1")
	_, err := r.HandleRemove(context.Background(), "")
	var verr *errdefs.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestHandleRemoveUsesCachedMapping(t *testing.T) {
	r, _, c := newTestRouter(t, "http://127.0.0.1:1",
		fleet.Server{ID: "test-r1", GeolocationID: 1})
	c.Set(peerKeyPrefix+"pk-1", "test-r1", 0)

	out, err := r.HandleRemove(context.Background(), "pk-1")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, out.Details)

	_, ok := c.Get(peerKeyPrefix + "pk-1")
	assert.False(t, ok, "mapping should be dropped after removal")
}

func TestHandleRemoveResolvesViaStore(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/peers/find", req.URL.Path)
		require.Equal(t, "pk-2", req.URL.Query().Get("public_key"))
		w.Write([]byte(`{"server_id":"test-r1"}`))
	}))
	defer ts.Close()

	r, _, c := newTestRouter(t, ts.URL, fleet.Server{ID: "test-r1"})
	out, err := r.HandleRemove(context.Background(), "pk-2")
	require.NoError(t, err)
	assert.True(t, out.Success)

	_, ok := c.Get(peerKeyPrefix + "pk-2")
	assert.False(t, ok)
}

func TestHandleRemoveBroadcastsWhenOwnerUnknown(t *testing.T) {
	r, _, _ := newTestRouter(t, "http://127.0.0.1:1",
		fleet.Server{ID: "test-r1"},
		fleet.Server{ID: "test-r2"})

	out, err := r.HandleRemove(context.Background(), "pk-3")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Len(t, out.Details, 2)
	assert.True(t, out.Details["test-r1"].Success)
	assert.True(t, out.Details["test-r2"].Success)
}
