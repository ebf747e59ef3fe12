// Command gateway is the filegate content-addressed storage gateway entry
// point. Configuration is read entirely from the environment (see
// internal/config); there is no config file and no hot-reload — the
// backend registry is an immutable snapshot taken once at startup.
//
// Shutdown is graceful: send SIGINT or SIGTERM and in-flight requests are
// given up to 10 seconds to complete.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"filegate/internal/admin"
	"filegate/internal/catalog"
	"filegate/internal/config"
	"filegate/internal/health"
	"filegate/internal/kvcache"
	"filegate/internal/middleware"
	"filegate/internal/proxy"
	"filegate/internal/ratelimit"
	"filegate/internal/registry"
	"filegate/internal/resolver"
	"filegate/internal/strategy"
	"filegate/internal/sweeper"
)

func main() {
	startTime := time.Now()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cat, err := connectCatalog(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		slog.Error("failed to connect to catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	cache, err := connectCache(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		slog.Error("failed to connect to cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	reg, err := registry.Load(context.Background(), cat)
	if err != nil {
		slog.Error("failed to load backend registry", "error", err)
		os.Exit(1)
	}

	mon := health.New(reg, cfg.HealthCheckInterval, cfg.KVSecret)
	mon.Start()
	defer mon.Stop()

	// New never errors — an unrecognized strategy name falls back to
	// round_robin after logging a warning.
	picker, _ := strategy.New(cfg.LoadBalancerStrategy)

	res := resolver.New(reg, mon, cat, picker)
	gw := proxy.New(res)
	specific := proxy.NewSpecificBackendHandler(reg, mon)
	sweep := sweeper.New(reg, cat, cfg.KVSecret)
	limiter := ratelimit.New(cache, ratelimit.Config{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Gateway is healthy"))
	})
	mux.HandleFunc("GET /api/v1/stats", statsHandler(reg, mon, picker))
	mux.HandleFunc("DELETE /api/v1/files/delete-expired", sweeper.Handler(sweep))
	mux.Handle("/api/v1/backend/{server_id}/", specific)
	mux.Handle("/", gw)

	var handler http.Handler = mux
	handler = ratelimit.Middleware(limiter)(handler)
	handler = middleware.CORS(cfg.CORSAllowedOrigins)(handler)
	handler = middleware.Logger(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	adminSrv := admin.New(mon, limiter, adminListenAddr())
	adminSrv.Start()

	go func() {
		slog.Info("gateway listening",
			"port", cfg.Port,
			"strategy", picker.Name(),
			"backends", reg.Len(),
			"uptime_start", startTime,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Stop(shutdownCtx); err != nil {
		slog.Error("admin server forced shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// connectCatalog retries the initial PostgreSQL connection with exponential
// backoff — the catalog is frequently started in the same compose/k8s
// rollout as the gateway and may not be ready on the first attempt.
func connectCatalog(ctx context.Context, databaseURL string) (*catalog.PgCatalog, error) {
	var cat *catalog.PgCatalog
	operation := func() error {
		c, err := catalog.Connect(ctx, databaseURL)
		if err != nil {
			slog.Warn("catalog connection attempt failed, retrying", "error", err)
			return err
		}
		cat = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return cat, nil
}

// connectCache retries the initial Redis connection with the same backoff
// policy as connectCatalog.
func connectCache(ctx context.Context, redisURL string) (*kvcache.RedisClient, error) {
	var client *kvcache.RedisClient
	operation := func() error {
		c, err := kvcache.Connect(ctx, redisURL)
		if err != nil {
			slog.Warn("cache connection attempt failed, retrying", "error", err)
			return err
		}
		client = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return client, nil
}

func adminListenAddr() string {
	if addr := os.Getenv("ADMIN_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":9091"
}

// ── /api/v1/stats ────────────────────────────────────────────────────────────

type backendStat struct {
	ServerID            string `json:"server_id"`
	ServerName          string `json:"server_name"`
	ServerURL           string `json:"server_url"`
	Provider            string `json:"provider"`
	IsHealthy           bool   `json:"is_healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type statsBody struct {
	LoadBalancer    string        `json:"load_balancer"`
	TotalBackends   int           `json:"total_backends"`
	HealthyBackends int           `json:"healthy_backends"`
	Backends        []backendStat `json:"backends"`
}

func statsHandler(reg *registry.Registry, mon *health.Monitor, picker strategy.Picker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := mon.AllStatus()

		backends := make([]backendStat, 0, reg.Len())
		healthy := 0
		for _, b := range reg.All() {
			st := statuses[b.ServerID]
			isHealthy := mon.IsHealthy(b.ServerID)
			if isHealthy {
				healthy++
			}
			backends = append(backends, backendStat{
				ServerID:            b.ServerID,
				ServerName:          b.ServerName,
				ServerURL:           b.ServerURL,
				Provider:            b.Provider,
				IsHealthy:           isHealthy,
				ConsecutiveFailures: st.ConsecutiveFailures,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsBody{
			LoadBalancer:    picker.Name(),
			TotalBackends:   reg.Len(),
			HealthyBackends: healthy,
			Backends:        backends,
		})
	}
}
