// Package registry owns the live view of the server fleet: identity,
// location, status and load, refreshed periodically from the configuration
// store with cached and static fallbacks.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wgproxy/internal/cache"
	"wgproxy/internal/fleet"
)

const fleetCacheKey = "servers"

type serverMetrics struct {
	requests   int64
	failures   int64
	avgLatency float64 // milliseconds, running average
}

// ServerMetrics is the exported per-server counter snapshot.
type ServerMetrics struct {
	TotalRequests int64   `json:"total_requests"`
	Failures      int64   `json:"failures"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_response_time_ms"`
}

type Options struct {
	ProbeTimeout    time.Duration
	ProbeWorkers    int
	CacheTTL        time.Duration
	RefreshInterval time.Duration
}

func (o *Options) defaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.ProbeWorkers <= 0 {
		o.ProbeWorkers = 8
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
}

type Registry struct {
	mu           sync.Mutex
	servers      []fleet.Server
	lastRefresh  time.Time
	fallbackMode bool
	metrics      map[string]*serverMetrics

	source   FleetSource
	fallback FleetSource
	cache    *cache.Store
	opts     Options
	http     *http.Client
	now      func() time.Time
	log      zerolog.Logger
}

func New(source, fallback FleetSource, c *cache.Store, opts Options, log zerolog.Logger) *Registry {
	opts.defaults()
	return &Registry{
		metrics:  make(map[string]*serverMetrics),
		source:   source,
		fallback: fallback,
		cache:    c,
		opts:     opts,
		http:     &http.Client{Timeout: opts.ProbeTimeout},
		now:      time.Now,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// Refresh reloads the fleet from the live source. On source failure a
// previously cached fleet is served stale; with no cache either, the
// registry enters fallback mode on the static list. Either way every
// non-test server is re-probed for status and load.
func (r *Registry) Refresh(ctx context.Context) error {
	servers, err := r.source.Fetch(ctx)
	usedFallback := false
	if err != nil {
		r.log.Error().Err(err).Msg("fleet fetch failed")
		if cached, ok := r.cache.Get(fleetCacheKey); ok {
			if list, ok := cached.([]fleet.Server); ok {
				servers = cloneServers(list)
			}
			r.log.Warn().Int("servers", len(servers)).Msg("serving stale cached fleet")
		}
		if len(servers) == 0 {
			servers, _ = r.fallback.Fetch(ctx)
			usedFallback = true
			r.log.Warn().Int("servers", len(servers)).Msg("entering fallback mode on static fleet")
		}
	} else {
		r.cache.Set(fleetCacheKey, cloneServers(servers), r.opts.CacheTTL)
	}

	r.probeAll(ctx, servers)

	r.mu.Lock()
	// Test-mode servers only live in registry memory; carry them across
	// refreshes.
	for _, existing := range r.servers {
		if existing.IsTest() {
			servers = append(servers, existing)
		}
	}
	r.servers = servers
	r.lastRefresh = r.now()
	r.fallbackMode = usedFallback
	r.mu.Unlock()

	if err != nil && !usedFallback {
		return nil // stale data is an accepted answer
	}
	return err
}

// RunRefresh drives Refresh on a timer until ctx is cancelled. The store is
// never retried more often than the refresh interval, and consecutive
// failures widen the gap by skipping ticks, up to maxBackoffTicks.
func (r *Registry) RunRefresh(ctx context.Context) {
	const maxBackoffTicks = 4
	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()
	failures, skip := 0, 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if skip > 0 {
				skip--
				continue
			}
			if err := r.Refresh(ctx); err != nil {
				failures++
				skip = failures - 1
				if skip > maxBackoffTicks {
					skip = maxBackoffTicks
				}
				r.log.Error().Err(err).Int("skipped_ticks", skip).Msg("refresh failed")
				continue
			}
			failures = 0
		}
	}
}

type statusResponse struct {
	PeersCount int `json:"peers_count"`
	Load       int `json:"load"`
}

// probeAll checks each server's /status endpoint concurrently. A failing
// probe marks the server degraded rather than dropping it, so a noisy
// server can still be selected under pressure.
func (r *Registry) probeAll(ctx context.Context, servers []fleet.Server) {
	sem := make(chan struct{}, r.opts.ProbeWorkers)
	var wg sync.WaitGroup
	for i := range servers {
		if servers[i].IsTest() {
			servers[i].Status = fleet.StatusOnline
			continue
		}
		if servers[i].Status == fleet.StoreStatusInactive {
			servers[i].Status = fleet.StatusOffline
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(srv *fleet.Server) {
			defer wg.Done()
			defer func() { <-sem }()
			r.probe(ctx, srv)
		}(&servers[i])
	}
	wg.Wait()
}

func (r *Registry) probe(ctx context.Context, srv *fleet.Server) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.APIURL+"/status", nil)
	if err != nil {
		srv.Status = fleet.StatusDegraded
		return
	}
	resp, err := r.http.Do(req)
	if err != nil {
		r.log.Warn().Err(err).Str("server", srv.ID).Msg("status probe failed")
		srv.Status = fleet.StatusDegraded
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.log.Warn().Int("code", resp.StatusCode).Str("server", srv.ID).Msg("status probe non-success")
		srv.Status = fleet.StatusDegraded
		return
	}
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		srv.PeersCount = body.PeersCount
		srv.Load = body.Load
	}
	srv.Status = fleet.StatusOnline
}

// AvailableServers returns the online and degraded part of the fleet,
// refreshing first when the view is stale or empty.
func (r *Registry) AvailableServers(ctx context.Context) []fleet.Server {
	r.mu.Lock()
	stale := len(r.servers) == 0 || r.now().Sub(r.lastRefresh) > r.opts.CacheTTL
	r.mu.Unlock()
	if stale {
		if err := r.Refresh(ctx); err != nil {
			r.log.Error().Err(err).Msg("refresh during selection failed")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fleet.Server, 0, len(r.servers))
	for _, srv := range r.servers {
		if srv.Status == fleet.StatusOnline || srv.Status == fleet.StatusDegraded {
			out = append(out, srv)
		}
	}
	return out
}

// KnownServers returns every server in the current view, including offline
// ones kept for recovery detection.
func (r *Registry) KnownServers() []fleet.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneServers(r.servers)
}

func (r *Registry) ServerByID(id string) (fleet.Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, srv := range r.servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return fleet.Server{}, false
}

// SetStatus overrides one server's status in the live view; the failover
// loop uses it to demote and restore servers between refreshes.
func (r *Registry) SetStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.servers {
		if r.servers[i].ID == id {
			r.servers[i].Status = status
			return
		}
	}
}

// AddTestServer inserts an in-memory test-mode server, visible to selection
// until the process restarts.
func (r *Registry) AddTestServer(srv fleet.Server) {
	srv.Normalize()
	srv.Status = fleet.StatusOnline
	r.mu.Lock()
	r.servers = append(r.servers, srv)
	r.mu.Unlock()
	r.log.Info().Str("server", srv.ID).Msg("test server registered")
}

// RemoveFromView drops a server from the in-memory fleet; the next refresh
// reconciles against the store.
func (r *Registry) RemoveFromView(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.servers {
		if r.servers[i].ID == id {
			r.servers = append(r.servers[:i], r.servers[i+1:]...)
			return
		}
	}
}

// RecordMetrics folds one call outcome into the per-server counters. Used
// for observability, not selection.
func (r *Registry) RecordMetrics(serverID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[serverID]
	if !ok {
		m = &serverMetrics{}
		r.metrics[serverID] = m
	}
	m.requests++
	if !success {
		m.failures++
	}
	ms := float64(latency) / float64(time.Millisecond)
	if m.requests == 1 {
		m.avgLatency = ms
	} else {
		m.avgLatency = (m.avgLatency*float64(m.requests-1) + ms) / float64(m.requests)
	}
}

func (r *Registry) MetricsSnapshot() map[string]ServerMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ServerMetrics, len(r.metrics))
	for id, m := range r.metrics {
		sm := ServerMetrics{
			TotalRequests: m.requests,
			Failures:      m.failures,
			AvgLatencyMs:  m.avgLatency,
		}
		if m.requests > 0 {
			sm.SuccessRate = float64(m.requests-m.failures) / float64(m.requests) * 100
		}
		out[id] = sm
	}
	return out
}

// FallbackMode reports whether the registry is serving the static fleet.
func (r *Registry) FallbackMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbackMode
}

// Sanitized lists the fleet without credentials.
func (r *Registry) Sanitized() []fleet.Sanitized {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fleet.Sanitized, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, srv.Sanitized())
	}
	return out
}

func cloneServers(in []fleet.Server) []fleet.Server {
	out := make([]fleet.Server, len(in))
	copy(out, in)
	return out
}
