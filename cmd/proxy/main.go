package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wgproxy/internal/adminauth"
	"wgproxy/internal/auth"
	"wgproxy/internal/cache"
	"wgproxy/internal/config"
	"wgproxy/internal/executor"
	"wgproxy/internal/failover"
	"wgproxy/internal/registry"
	"wgproxy/internal/router"
	"wgproxy/internal/store"
	"wgproxy/pkg/logger"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("WGPROXY_CONFIG"))
	if err != nil {
		// No logger yet; fall back to a bare one.
		bootLog := logger.New("info")
		bootLog.Fatal().Err(err).Msg("invalid config")
	}
	log := logger.New(cfg.LogLevel)

	cacheStore := cache.New(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, log)
	storeClient := store.NewClient(cfg.Store.URL, cfg.Store.Timeout)
	authProvider := auth.NewProvider(log)
	reg := registry.New(
		&registry.StoreSource{Client: storeClient},
		&registry.StaticSource{Servers: registry.FallbackFleet()},
		cacheStore,
		registry.Options{
			ProbeTimeout:    cfg.Registry.ProbeTimeout,
			ProbeWorkers:    cfg.Registry.ProbeWorkers,
			CacheTTL:        cfg.Registry.CacheTTL,
			RefreshInterval: cfg.Registry.RefreshInterval,
		},
		log,
	)
	exec := executor.New(reg, authProvider, storeClient, cfg.Executor.Timeout, log)
	rt := router.New(reg, exec, cacheStore, router.DefaultRetryPolicy(), log)
	prober := &failover.PingProber{
		Count:            cfg.Failover.PingCount,
		Timeout:          cfg.Failover.PingTimeout,
		LossThreshold:    cfg.Failover.PacketLossThreshold,
		LatencyCeilingMs: cfg.Failover.LatencyThresholdMs,
	}
	ctrl := failover.NewController(storeClient, reg, prober.Probe, failover.Config{
		Interval:  cfg.Failover.CheckInterval,
		Threshold: cfg.Failover.FailureThreshold,
	}, log)
	admin := adminauth.NewService(cfg.Admin.JWTSecret)
	if !admin.Enabled() {
		log.Warn().Msg("admin routes are unauthenticated (no jwt secret configured)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial fleet refresh failed, continuing on fallback data")
	}

	var wg sync.WaitGroup
	background := []func(context.Context){
		reg.RunRefresh,
		cacheStore.RunJanitor,
		ctrl.Run,
		func(ctx context.Context) {
			authProvider.RunRotation(ctx, cfg.Auth.RotationInterval, reg.KnownServers)
		},
	}
	for _, task := range background {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newHandler(rt, reg, ctrl, cacheStore, storeClient, admin),
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutdown signal received")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("proxy listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server stopped")
	}

	// Give background loops the same grace period to observe cancellation.
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("background tasks did not stop in time")
	}
	log.Info().Msg("proxy stopped")
}

func newHandler(
	rt *router.Router,
	reg *registry.Registry,
	ctrl *failover.Controller,
	cacheStore *cache.Store,
	storeClient *store.Client,
	admin *adminauth.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	h := &handlers{
		router:   rt,
		registry: reg,
		failover: ctrl,
		cache:    cacheStore,
		store:    storeClient,
	}

	r.Get("/health", h.health)
	r.Post("/create", h.create)
	r.Delete("/remove/{public_key}", h.remove)
	r.Get("/servers", h.servers)
	r.Get("/status", h.status)
	r.Get("/metrics", h.metrics)

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.RequireAdmin)
		r.Post("/servers", h.addServer)
		r.Delete("/servers/{id}", h.removeServer)
		r.Post("/reset-cache", h.resetCache)
	})
	return r
}
