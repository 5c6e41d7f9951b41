// Package router maps client operations to remote calls: it selects a
// target server, drives the executor under the retry policy, and keeps the
// peer-to-server mapping warm.
package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wgproxy/internal/cache"
	"wgproxy/internal/errdefs"
	"wgproxy/internal/executor"
	"wgproxy/internal/fleet"
	"wgproxy/internal/registry"
)

const peerKeyPrefix = "peer:"

type BroadcastResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type RemoveOutcome struct {
	Success bool                       `json:"success"`
	Message string                     `json:"message"`
	Details map[string]BroadcastResult `json:"details,omitempty"`
}

type Router struct {
	registry *registry.Registry
	exec     *executor.Executor
	cache    *cache.Store
	retry    RetryPolicy

	mu       sync.Mutex
	requests map[string]int64
	errors   map[string]int64
	rng      *rand.Rand

	log zerolog.Logger
}

func New(reg *registry.Registry, exec *executor.Executor, c *cache.Store, retry RetryPolicy, log zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		exec:     exec,
		cache:    c,
		retry:    retry,
		requests: map[string]int64{},
		errors:   map[string]int64{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log.With().Str("component", "router").Logger(),
	}
}

// HandleCreate provisions a configuration on the most suitable server. The
// server is re-selected on every retry attempt so a failing target does not
// get hammered three times in a row.
func (r *Router) HandleCreate(ctx context.Context, req executor.CreateRequest) (*executor.CreateResult, error) {
	r.count("create")
	if req.UserID == 0 {
		r.countError("create")
		return nil, &errdefs.ValidationError{Field: "user_id"}
	}

	var result *executor.CreateResult
	err := r.retry.Do(ctx, func() error {
		servers := r.registry.AvailableServers(ctx)
		srv, err := r.pickServer(servers, req.GeolocationID)
		if err != nil {
			return err
		}
		r.log.Info().Str("server", srv.ID).Str("location", srv.Location).Msg("server selected for create")
		res, err := r.exec.Create(ctx, srv.ID, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		r.countError("create")
		return nil, err
	}
	if result.PublicKey != "" {
		r.cache.Set(peerKeyPrefix+result.PublicKey, result.ServerID, 0)
	}
	return result, nil
}

// pickServer applies the selection algorithm: geolocation filter with
// fallback to the full set, online preferred over degraded, then minimum
// load with a uniformly random tie-break.
func (r *Router) pickServer(servers []fleet.Server, geoID int) (fleet.Server, error) {
	candidates := servers
	if geoID != 0 {
		matching := make([]fleet.Server, 0, len(servers))
		for _, srv := range servers {
			if srv.GeolocationID == geoID {
				matching = append(matching, srv)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		} else {
			r.log.Warn().Int("geolocation", geoID).Msg("no server in requested geolocation, using full set")
		}
	}
	if len(candidates) == 0 {
		return fleet.Server{}, &errdefs.NoAvailableServerError{GeolocationID: geoID}
	}

	online := make([]fleet.Server, 0, len(candidates))
	for _, srv := range candidates {
		if srv.Status == fleet.StatusOnline {
			online = append(online, srv)
		}
	}
	if len(online) > 0 {
		candidates = online
	}

	minLoad := candidates[0].LoadScore()
	for _, srv := range candidates[1:] {
		if srv.LoadScore() < minLoad {
			minLoad = srv.LoadScore()
		}
	}
	ties := make([]fleet.Server, 0, len(candidates))
	for _, srv := range candidates {
		if srv.LoadScore() == minLoad {
			ties = append(ties, srv)
		}
	}
	r.mu.Lock()
	pick := ties[r.rng.Intn(len(ties))]
	r.mu.Unlock()
	return pick, nil
}

// HandleRemove deletes a peer. Target resolution order: local cache, then
// the configuration store, then a broadcast to every known server.
func (r *Router) HandleRemove(ctx context.Context, publicKey string) (*RemoveOutcome, error) {
	r.count("remove")
	if publicKey == "" {
		r.countError("remove")
		return nil, &errdefs.ValidationError{Field: "public_key"}
	}

	serverID := r.findServerForPeer(ctx, publicKey)
	if serverID == "" {
		r.log.Warn().Str("peer", publicKey).Msg("owning server unknown, broadcasting remove")
		out := r.removeFromAll(ctx, publicKey)
		if out.Success {
			r.cache.Delete(peerKeyPrefix + publicKey)
		} else {
			r.countError("remove")
		}
		return out, nil
	}

	var result *executor.RemoveResult
	err := r.retry.Do(ctx, func() error {
		res, err := r.exec.Remove(ctx, serverID, publicKey)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		r.countError("remove")
		return nil, err
	}
	r.cache.Delete(peerKeyPrefix + publicKey)
	return &RemoveOutcome{Success: result.Success, Message: result.Message}, nil
}

func (r *Router) findServerForPeer(ctx context.Context, publicKey string) string {
	if cached, ok := r.cache.Get(peerKeyPrefix + publicKey); ok {
		if id, ok := cached.(string); ok && id != "" {
			return id
		}
	}
	serverID, err := r.exec.FindServerForPeer(ctx, publicKey)
	if err != nil {
		r.log.Error().Err(err).Str("peer", publicKey).Msg("peer lookup failed")
		return ""
	}
	if serverID != "" {
		r.cache.Set(peerKeyPrefix+publicKey, serverID, 0)
	}
	return serverID
}

// removeFromAll tries the removal on every known server. A "not found" on a
// server that never had the peer is not an error for the overall operation:
// one accepting server makes the broadcast a success.
func (r *Router) removeFromAll(ctx context.Context, publicKey string) *RemoveOutcome {
	details := make(map[string]BroadcastResult)
	success := false
	for _, srv := range r.registry.KnownServers() {
		res, err := r.exec.Remove(ctx, srv.ID, publicKey)
		if err != nil {
			r.log.Debug().Err(err).Str("server", srv.ID).Str("peer", publicKey).Msg("broadcast remove failed")
			details[srv.ID] = BroadcastResult{Success: false, Error: err.Error()}
			continue
		}
		details[srv.ID] = BroadcastResult{Success: res.Success}
		if res.Success {
			success = true
		}
	}
	return &RemoveOutcome{
		Success: success,
		Message: "Attempted to remove peer from all servers",
		Details: details,
	}
}

func (r *Router) count(op string) {
	r.mu.Lock()
	r.requests[op]++
	r.mu.Unlock()
}

func (r *Router) countError(op string) {
	r.mu.Lock()
	r.errors[op]++
	r.mu.Unlock()
}

// RequestCounts returns per-operation request counters.
func (r *Router) RequestCounts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCounts(r.requests)
}

// ErrorCounts returns per-operation error counters.
func (r *Router) ErrorCounts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCounts(r.errors)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
