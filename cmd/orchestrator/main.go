package main

// Reel is a media processing orchestration service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"reel/internal/orchestrator/api"
	"reel/internal/orchestrator/config"
	"reel/internal/orchestrator/dispatch"
	"reel/internal/orchestrator/middleware"
	"reel/internal/orchestrator/monitor"
	"reel/internal/orchestrator/queue"
	"reel/internal/orchestrator/service"
	"reel/internal/orchestrator/store"
	"reel/internal/orchestrator/webhook"
)

// parseConfig builds the configuration from env + flags.
// Flags override environment variables.
func parseConfig() (config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return cfg, err
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env HTTP_ADDR)")
	flag.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Store backend: memory|sqlite (env STORE_BACKEND)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "Global worker budget (env MAX_WORKERS)")
	flag.StringVar(&cfg.WorkerAPIURL, "worker-url", cfg.WorkerAPIURL, "GPU worker base URL (env WORKER_API_URL)")
	flag.StringVar(&cfg.WorkerVPSURL, "worker-vps-url", cfg.WorkerVPSURL, "Local CPU worker base URL (env WORKER_VPS_URL)")
	flag.IntVar(&cfg.SplitThreshold, "split-threshold", cfg.SplitThreshold, "Image count above which img2video splits (env SPLIT_THRESHOLD)")
	flag.IntVar(&cfg.SplitMaxChunks, "split-max-chunks", cfg.SplitMaxChunks, "Maximum chunks per split job (env SPLIT_MAX_CHUNKS)")
	flag.DurationVar(&cfg.WebhookTimeout, "webhook-timeout", cfg.WebhookTimeout, "Per-attempt webhook delivery timeout (env WEBHOOK_TIMEOUT)")
	flag.IntVar(&cfg.WebhookMaxAttempts, "webhook-max-attempts", cfg.WebhookMaxAttempts, "Webhook delivery attempt cap (env WEBHOOK_MAX_ATTEMPTS)")
	flag.DurationVar(&cfg.SchedulerInterval, "scheduler-interval", cfg.SchedulerInterval, "Scheduler tick (env SCHEDULER_INTERVAL)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Worker status poll interval (env POLL_INTERVAL)")
	flag.DurationVar(&cfg.RecoveryInterval, "recovery-interval", cfg.RecoveryInterval, "Recovery sweep interval (env RECOVERY_INTERVAL)")
	flag.DurationVar(&cfg.ExecutionTimeout, "execution-timeout", cfg.ExecutionTimeout, "Per-job execution timeout (env EXECUTION_TIMEOUT)")
	flag.DurationVar(&cfg.ResultTTL, "result-ttl", cfg.ResultTTL, "Terminal job retention (env RESULT_TTL)")
	flag.Parse()

	return cfg, cfg.Validate()
}

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func logConfig(cfg config.Config) {
	// Do not log secret values
	log.Printf("orchestrator configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  store=%s", cfg.StoreBackend)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  max_workers=%d", cfg.MaxWorkers)
	log.Printf("  worker_url=%s", cfg.WorkerAPIURL)
	log.Printf("  worker_vps_url=%s", cfg.WorkerVPSURL)
	log.Printf("  worker_api_key=%s", redactedSecret(cfg.WorkerAPIKey))
	log.Printf("  api_key=%s", redactedSecret(cfg.APIKey))
	log.Printf("  webhook_secret=%s", redactedSecret(cfg.WebhookSecret))
	log.Printf("  webhook_timeout=%s", cfg.WebhookTimeout)
	log.Printf("  webhook_max_attempts=%d", cfg.WebhookMaxAttempts)
	log.Printf("  webhook_retry_delays=%v", cfg.WebhookRetryDelays)
	log.Printf("  split_threshold=%d", cfg.SplitThreshold)
	log.Printf("  split_max_chunks=%d", cfg.SplitMaxChunks)
	log.Printf("  scheduler_interval=%s", cfg.SchedulerInterval)
	log.Printf("  poll_interval=%s", cfg.PollInterval)
	log.Printf("  recovery_interval=%s", cfg.RecoveryInterval)
	log.Printf("  execution_timeout=%s", cfg.ExecutionTimeout)
	log.Printf("  result_ttl=%s", cfg.ResultTTL)
}

func openStore(ctx context.Context, cfg config.Config) (store.JobStore, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(cfg.MaxWorkers), nil
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.DBPath, cfg.MaxWorkers)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[reel-orchestrator] ")

	cfg, err := parseConfig()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	st, err := openStore(context.Background(), cfg)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	client := dispatch.NewClient(cfg.WorkerAPIURL, cfg.WorkerVPSURL, cfg.WorkerAPIKey,
		dispatch.WithLogger(log.Default()))
	notifier := webhook.NewDispatcher(st, cfg.WebhookSecret, log.Default(),
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithRetryPolicy(cfg.WebhookMaxAttempts, cfg.WebhookRetryDelays))
	policy := queue.SplitPolicy{Threshold: cfg.SplitThreshold, MaxChunks: cfg.SplitMaxChunks}
	manager := queue.NewManager(st, client, notifier, policy, cfg.SchedulerInterval, log.Default())
	mon := monitor.New(st, client, notifier, manager, log.Default(),
		monitor.WithIntervals(cfg.PollInterval, cfg.RecoveryInterval),
		monitor.WithExecutionTimeout(cfg.ExecutionTimeout),
		monitor.WithResultTTL(cfg.ResultTTL))
	svc := service.New(st, client, manager, log.Default())

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go manager.Run(bgCtx)
	go mon.Run(bgCtx)
	go notifier.Run(bgCtx)

	// Settle any reservation left behind by a previous crash before the
	// first scheduling pass can block on it.
	if n, err := st.RecoverLeakedWorkers(bgCtx); err != nil {
		log.Printf("startup worker recovery: %v", err)
	} else if n > 0 {
		log.Printf("startup worker recovery reclaimed %d worker(s)", n)
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		Logger:            log.Default(),
	})
	defer limiter.Stop()

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())))
	router.Use(mux.MiddlewareFunc(limiter.Middleware))

	ap := api.New(svc, log.Default())
	ap.Register(router, api.AuthMiddleware(api.AuthConfig{
		Key:     cfg.APIKey,
		KeyHash: cfg.APIKeyHash,
	}, log.Default()))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}
