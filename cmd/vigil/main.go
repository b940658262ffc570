// Vigil liveness control plane — tracks deployed agents, schedules
// liveness checks, and serves the operator API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentarium/vigil/pkg/api"
	"github.com/agentarium/vigil/pkg/chain"
	"github.com/agentarium/vigil/pkg/config"
	"github.com/agentarium/vigil/pkg/events"
	"github.com/agentarium/vigil/pkg/marketplace"
	"github.com/agentarium/vigil/pkg/models"
	"github.com/agentarium/vigil/pkg/monitor"
	"github.com/agentarium/vigil/pkg/registry"
	"github.com/agentarium/vigil/pkg/reports"
	"github.com/agentarium/vigil/pkg/retention"
	"github.com/agentarium/vigil/pkg/scheduler"
	"github.com/agentarium/vigil/pkg/version"
)

// storeRetryDelay is the single retry backoff applied when the report
// store is unreachable at boot.
const storeRetryDelay = 2 * time.Second

// sessionWriteTimeout bounds each WebSocket send.
const sessionWriteTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to an optional .env file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	slog.Info("Starting vigil", "version", version.Full())

	ctx := context.Background()

	// 1. Load and validate configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the report store
	var reportStore reports.Store
	if cfg.ReportStoreURL != "" {
		store, err := reports.NewPostgresStore(ctx, cfg.ReportStoreURL)
		if err != nil {
			slog.Warn("Report store unreachable, retrying once",
				"delay", storeRetryDelay, "error", err)
			time.Sleep(storeRetryDelay)
			store, err = reports.NewPostgresStore(ctx, cfg.ReportStoreURL)
			if err != nil {
				slog.Error("Failed to connect to report store", "error", err)
				os.Exit(2)
			}
		}
		reportStore = store
		slog.Info("Connected to PostgreSQL report store")
	} else {
		reportStore = reports.NewMemoryStore()
		slog.Info("REPORT_STORE_URL not set, using in-memory report store")
	}
	defer func() {
		if err := reportStore.Close(); err != nil {
			slog.Error("Error closing report store", "error", err)
		}
	}()

	// 3. Open the deployment registry
	handleStore, err := registry.NewBoltStore(cfg.RegistryPath)
	if err != nil {
		slog.Error("Failed to open deployment registry",
			"path", cfg.RegistryPath, "error", err)
		os.Exit(2)
	}
	defer func() {
		if err := handleStore.Close(); err != nil {
			slog.Error("Error closing deployment registry", "error", err)
		}
	}()
	slog.Info("Deployment registry opened", "path", cfg.RegistryPath)

	// 4. Connect the chain gateway and verify the endpoint
	gateway, err := chain.Dial(ctx, cfg.RPCEndpoint, cfg.FactoryAddress,
		min(cfg.WorkerCount, cfg.MaxRPCConnections))
	if err != nil {
		slog.Error("Failed to dial RPC endpoint", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()

	head, err := gateway.Ping(ctx)
	if err != nil {
		slog.Error("RPC endpoint unreachable", "error", err)
		os.Exit(1)
	}
	slog.Info("Chain gateway connected", "factory", cfg.FactoryAddress, "head", head)

	// 5. Marketplace client (only when the cross-check is enabled)
	var deployments monitor.DeploymentReader
	var marketSource api.MarketSource
	if cfg.MarketplaceCheckEnabled {
		client := marketplace.NewClient(cfg.MarketplaceEndpoint)
		deployments = client
		marketSource = client
		slog.Info("Marketplace cross-check enabled")
	} else {
		slog.Info("Marketplace cross-check disabled")
	}

	// 6. Event hub and WebSocket session manager
	hub := events.NewHub()
	sessions := events.NewSessionManager(hub, sessionWriteTimeout)

	// 7. Monitor: tracker, evaluator, and the log watcher wiring
	tracker := monitor.NewTracker()
	evaluator := monitor.NewEvaluator(cfg, tracker, gateway, deployments, handleStore, reportStore, hub)
	watcher := chain.NewWatcher(gateway, 0)

	evaluator.OnDeath(func(agentAddress string) {
		watcher.UnwatchHeartbeats(agentAddress)
		gateway.Forget(agentAddress)
	})

	// 8. Seed the roster from the factory registry. A failed walk is not
	// fatal: the creation watcher picks up agents as they appear.
	seeded := 0
	if err := gateway.Enumerate(ctx, func(addr string) bool {
		if tracker.Register(models.Agent{Address: addr}) {
			watcher.WatchHeartbeats(addr, evaluator.HandleHeartbeat)
			seeded++
		}
		return true
	}); err != nil {
		slog.Warn("Factory enumeration failed, relying on live discovery", "error", err)
	}
	slog.Info("Agent roster seeded", "agents", seeded)

	// 9. Start the check scheduler (before the HTTP surface)
	pool := scheduler.NewPool(cfg, evaluator, tracker)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start check scheduler", "error", err)
		os.Exit(1)
	}

	// 10. Start the log watcher
	watcher.OnCreations(func(ev chain.CreationEvent) {
		evaluator.HandleCreation(ev)
		watcher.WatchHeartbeats(ev.Agent, evaluator.HandleHeartbeat)
		pool.CheckNow(ev.Agent)
	})
	watcher.OnDecisions(evaluator.HandleDecision)
	if err := watcher.Start(ctx); err != nil {
		slog.Error("Failed to start chain watcher", "error", err)
		os.Exit(1)
	}

	// 11. Start the retention loop
	retentionSvc := retention.NewService(cfg, reportStore, handleStore, evaluator)
	retentionSvc.Start(ctx)

	// 12. Start the HTTP server
	httpServer := api.NewServer(cfg, tracker, reportStore, handleStore, gateway, marketSource, pool, sessions)
	if dashboardDir := getEnv("DASHBOARD_DIR", ""); dashboardDir != "" {
		httpServer.SetDashboardDir(dashboardDir)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Vigil started successfully",
		"http_port", cfg.HTTPPort,
		"workers", cfg.WorkerCount,
		"tracked_agents", seeded)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: scheduler first so no new checks start,
	// then the log watcher, the retention loop, and the HTTP surface.
	pool.Stop()
	watcher.Stop()
	retentionSvc.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sessions.Stop()
	hub.Close()

	slog.Info("Shutdown complete")
}
