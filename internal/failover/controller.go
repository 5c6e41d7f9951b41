// Package failover runs the control loop that detects failing servers and
// migrates their users elsewhere. It is independent of inbound traffic: the
// loop probes every active server on a timer, tracks consecutive failures,
// and sweeps a server's users once the threshold is crossed.
package failover

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wgproxy/internal/fleet"
	"wgproxy/internal/registry"
	"wgproxy/internal/store"
)

const reasonServerDown = "server_down"

// FailureState is the exported per-server failure record.
type FailureState struct {
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCheck           time.Time   `json:"last_check"`
	LastMetrics         ProbeResult `json:"last_metrics"`
}

type failureState struct {
	consecutiveFailures int
	lastCheck           time.Time
	lastResult          ProbeResult
	storeStatus         string
}

type Config struct {
	Interval  time.Duration
	Threshold int
}

type Controller struct {
	store    *store.Client
	registry *registry.Registry
	probe    ProbeFunc
	cfg      Config

	mu     sync.Mutex
	states map[string]*failureState

	now func() time.Time
	log zerolog.Logger
}

func NewController(st *store.Client, reg *registry.Registry, probe ProbeFunc, cfg Config, log zerolog.Logger) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Controller{
		store:    st,
		registry: reg,
		probe:    probe,
		cfg:      cfg,
		states:   make(map[string]*failureState),
		now:      time.Now,
		log:      log.With().Str("component", "failover").Logger(),
	}
}

// Run drives Tick on a timer until ctx is cancelled. The loop never exits
// on error; a bad tick is logged and retried on the next interval.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates every active server once and batch-writes the changed
// statuses afterwards.
func (c *Controller) Tick(ctx context.Context) {
	servers, err := c.store.AllServers(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("server list unavailable, skipping check")
		return
	}

	var updates []fleet.StatusUpdate
	for _, srv := range servers {
		if srv.Status != fleet.StoreStatusActive {
			continue
		}
		if update := c.checkServer(ctx, srv, servers); update != nil {
			updates = append(updates, *update)
		}
	}

	if err := c.store.UpdateStatusBatch(ctx, updates); err != nil {
		c.log.Error().Err(err).Int("servers", len(updates)).Msg("batch status write failed")
	}
}

// checkServer probes one server and advances its failure state machine:
// healthy (0 failures) -> suspect (1..threshold-1) -> failing (threshold,
// sweep) -> healthy again on the next successful probe. The returned update
// is non-nil only when the store-side status changed.
func (c *Controller) checkServer(ctx context.Context, srv fleet.Server, allServers []fleet.Server) *fleet.StatusUpdate {
	state := c.stateFor(srv.ID)
	result := c.probe(ctx, srv)

	c.mu.Lock()
	state.lastCheck = c.now()
	state.lastResult = result
	c.mu.Unlock()

	if result.Available {
		c.mu.Lock()
		recovered := state.consecutiveFailures > 0 || state.storeStatus == fleet.StoreStatusInactive
		state.consecutiveFailures = 0
		c.mu.Unlock()

		if err := c.store.ReportMetrics(ctx, srv.ID, result.LatencyMs, result.PacketLoss); err != nil {
			c.log.Warn().Err(err).Str("server", srv.ID).Msg("metrics report failed")
		}
		if recovered {
			c.log.Info().Str("server", srv.ID).Msg("server recovered")
			c.registry.SetStatus(srv.ID, fleet.StatusOnline)
			return c.markStatus(state, srv.ID, fleet.StoreStatusActive)
		}
		return nil
	}

	c.mu.Lock()
	state.consecutiveFailures++
	failures := state.consecutiveFailures
	c.mu.Unlock()
	c.log.Warn().Str("server", srv.ID).Int("failures", failures).
		Float64("loss", result.PacketLoss).Float64("latency_ms", result.LatencyMs).
		Msg("server unavailable")

	if failures < c.cfg.Threshold {
		return nil
	}

	c.log.Warn().Str("server", srv.ID).Msg("failure threshold crossed, migrating users")
	c.sweep(ctx, srv, allServers)
	c.registry.SetStatus(srv.ID, fleet.StatusOffline)

	// Reset so the same sweep is not repeated every poll; the server stays
	// inactive until a probe succeeds again.
	c.mu.Lock()
	state.consecutiveFailures = 0
	c.mu.Unlock()
	return c.markStatus(state, srv.ID, fleet.StoreStatusInactive)
}

// sweep moves every user off the failing server. Per-user failures are
// logged and skipped; the sweep always runs to completion.
func (c *Controller) sweep(ctx context.Context, failing fleet.Server, allServers []fleet.Server) {
	connections, err := c.store.ActiveConnections(ctx, failing.ID)
	if err != nil {
		c.log.Error().Err(err).Str("server", failing.ID).Msg("connection list unavailable, sweep aborted")
		return
	}
	if len(connections) == 0 {
		c.log.Info().Str("server", failing.ID).Msg("no users to migrate")
		return
	}

	for _, conn := range connections {
		target := c.findOptimalServer(ctx, failing, allServers)
		if target == nil {
			c.log.Warn().Int64("user", conn.UserID).Str("server", failing.ID).Msg("no migration target available, skipping user")
			continue
		}
		c.migrateUser(ctx, conn.UserID, failing, *target)
	}
}

// findOptimalServer prefers a reachable, least-loaded server in the failing
// server's geolocation, then falls back to the best-rated server globally.
func (c *Controller) findOptimalServer(ctx context.Context, failing fleet.Server, allServers []fleet.Server) *fleet.Server {
	var sameGeo []fleet.Server
	var global []fleet.Server
	for _, srv := range allServers {
		if srv.ID == failing.ID || srv.Status != fleet.StoreStatusActive {
			continue
		}
		global = append(global, srv)
		if srv.GeolocationID == failing.GeolocationID {
			sameGeo = append(sameGeo, srv)
		}
	}

	reachable := make([]fleet.Server, 0, len(sameGeo))
	for _, srv := range sameGeo {
		if c.isReachable(ctx, srv) {
			reachable = append(reachable, srv)
		}
	}
	if len(reachable) > 0 {
		sort.Slice(reachable, func(i, j int) bool {
			return reachable[i].LoadScore() < reachable[j].LoadScore()
		})
		return &reachable[0]
	}

	if len(global) > 0 {
		sort.Slice(global, func(i, j int) bool {
			return global[i].LoadScore() < global[j].LoadScore()
		})
		return &global[0]
	}
	return nil
}

// isReachable reuses the tracked state when the server is currently clean
// and probes it otherwise.
func (c *Controller) isReachable(ctx context.Context, srv fleet.Server) bool {
	c.mu.Lock()
	state, ok := c.states[srv.ID]
	clean := ok && state.consecutiveFailures == 0 && state.lastResult.Available
	c.mu.Unlock()
	if clean {
		return true
	}
	return c.probe(ctx, srv).Available
}

// migrateUser reassigns one user and appends a migration-log entry. A
// logging failure after a successful move is accepted as partial success.
func (c *Controller) migrateUser(ctx context.Context, userID int64, from, to fleet.Server) {
	m := fleet.Migration{
		UserID:        userID,
		FromServerID:  from.ID,
		ToServerID:    to.ID,
		GeolocationID: to.GeolocationID,
		Reason:        reasonServerDown,
	}
	if err := c.store.MigrateUser(ctx, m); err != nil {
		c.log.Error().Err(err).Int64("user", userID).Str("from", from.ID).Str("to", to.ID).Msg("migration failed")
		return
	}
	if err := c.store.LogMigration(ctx, m); err != nil {
		c.log.Warn().Err(err).Int64("user", userID).Msg("migration log write failed")
	}
	c.log.Info().Int64("user", userID).Str("from", from.ID).Str("to", to.ID).Msg("user migrated")
}

func (c *Controller) stateFor(serverID string) *failureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[serverID]
	if !ok {
		state = &failureState{storeStatus: fleet.StoreStatusActive}
		c.states[serverID] = state
	}
	return state
}

// markStatus records the new store-side status and returns an update entry
// only when it actually changed, keeping batch writes bounded.
func (c *Controller) markStatus(state *failureState, serverID, status string) *fleet.StatusUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.storeStatus == status {
		return nil
	}
	state.storeStatus = status
	return &fleet.StatusUpdate{
		ID:        serverID,
		Status:    status,
		LastCheck: c.now().UTC().Format(time.RFC3339),
	}
}

// States exposes the failure counters for the status endpoint.
func (c *Controller) States() map[string]FailureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]FailureState, len(c.states))
	for id, s := range c.states {
		out[id] = FailureState{
			ConsecutiveFailures: s.consecutiveFailures,
			LastCheck:           s.lastCheck,
			LastMetrics:         s.lastResult,
		}
	}
	return out
}
