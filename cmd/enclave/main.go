package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	enchttp "github.com/Strob0t/Enclave/internal/adapter/http"
	encnats "github.com/Strob0t/Enclave/internal/adapter/nats"
	encotel "github.com/Strob0t/Enclave/internal/adapter/otel"
	"github.com/Strob0t/Enclave/internal/adapter/postgres"
	"github.com/Strob0t/Enclave/internal/adapter/ristretto"
	"github.com/Strob0t/Enclave/internal/adapter/ws"
	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/logger"
	"github.com/Strob0t/Enclave/internal/middleware"
	"github.com/Strob0t/Enclave/internal/monitor"
	"github.com/Strob0t/Enclave/internal/sandbox"
	"github.com/Strob0t/Enclave/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"cpu_window", cfg.Monitor.CPUWindow,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := encotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := encotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS
	queue, err := encnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Verified-module cache
	moduleCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("module cache: %w", err)
	}
	defer moduleCache.Close()

	// --- Execution runtime ---
	trust, err := sandbox.LoadTrustStore(cfg.Sandbox.TrustDir)
	if err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	slog.Info("trust store loaded", "keys", trust.Len())

	registry := sandbox.NewRegistry()
	if err := sandbox.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("builtins: %w", err)
	}

	sbx := sandbox.New(cfg.Sandbox, cfg.Breaker, trust, registry, moduleCache, cfg.Cache.TTL)
	mon := monitor.New(cfg.Monitor)

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	agentSvc := service.NewAgentService(*cfg, mon, sbx, store, nil, log)
	agentSvc.SetQueue(queue)
	agentSvc.SetBroadcaster(hub)
	agentSvc.SetMetrics(metrics)

	agreementSvc := service.NewAgreementService(agentSvc, store, log)
	agreementSvc.SetQueue(queue)
	agreementSvc.SetBroadcaster(hub)

	// --- HTTP ---
	handlers := enchttp.NewHandlers(agentSvc, agreementSvc)

	r := chi.NewRouter()

	r.Use(enchttp.CORS(cfg.Server.CORSOrigin))
	r.Use(enchttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	if cfg.Telemetry.Enabled {
		r.Use(encotel.HTTPMiddleware(cfg.Logging.Service))
	}

	r.Get("/health", healthHandler(cfg, trust))
	r.Get("/ws", hub.HandleWS)

	enchttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler returns an http.HandlerFunc that reports service health.
func healthHandler(cfg *config.Config, trust *sandbox.TrustStore) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		NATS        string `json:"nats"`
		TrustedKeys int    `json:"trusted_keys"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:      "ok",
			NATS:        cfg.NATS.URL,
			TrustedKeys: trust.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
