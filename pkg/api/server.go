// Package api serves the control plane's HTTP surface: agent listings,
// derived heartbeat status, missing-report lifecycle actions, platform
// rollups, the health probe, and the WebSocket event feed. Every
// /api/v1 response uses a shared success/error envelope with stable
// machine-readable error codes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/config"
	"github.com/agentarium/vigil/pkg/events"
	"github.com/agentarium/vigil/pkg/models"
	"github.com/agentarium/vigil/pkg/monitor"
	"github.com/agentarium/vigil/pkg/registry"
	"github.com/agentarium/vigil/pkg/reports"
	"github.com/agentarium/vigil/pkg/scheduler"
)

// ChainSource is the read slice of the chain gateway the API consumes.
type ChainSource interface {
	// Ping verifies RPC connectivity and returns the latest block.
	Ping(ctx context.Context) (uint64, error)

	// DecisionLogs returns the agent's recent decision records,
	// newest first.
	DecisionLogs(ctx context.Context, addr string, limit int) ([]models.Decision, error)
}

// MarketSource looks up marketplace deployment state for agent detail
// views. Lookups are best-effort; failures flag the response partial.
type MarketSource interface {
	DeploymentStatus(ctx context.Context, sequenceID uint64, owner string) (models.DeploymentStatus, error)
}

// PoolSource exposes scheduler pool health to the probe and overview.
type PoolSource interface {
	Health() *scheduler.PoolHealth
}

// Server wires the HTTP routes to the tracker, stores, and gateways.
// Dependencies other than cfg, tracker, and reports may be nil; the
// affected endpoints then degrade or flag their responses partial.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg      *config.Config
	tracker  *monitor.Tracker
	reports  reports.Store
	handles  registry.Store
	chain    ChainSource
	market   MarketSource
	pool     PoolSource
	sessions *events.SessionManager

	limiter      *rateLimiter
	dashboardDir string
	now          func() time.Time
}

// NewServer builds the server and registers all routes.
func NewServer(
	cfg *config.Config,
	tracker *monitor.Tracker,
	reportStore reports.Store,
	handles registry.Store,
	chain ChainSource,
	market MarketSource,
	pool PoolSource,
	sessions *events.SessionManager,
) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		tracker:  tracker,
		reports:  reportStore,
		handles:  handles,
		chain:    chain,
		market:   market,
		pool:     pool,
		sessions: sessions,
		limiter:  newRateLimiter(requestsPerMinute),
		now:      time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              listenAddr(cfg.HTTPPort),
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(s.rateLimit())

	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)

	s.echo.GET("/api/v1/agents", s.listAgentsHandler)
	s.echo.GET("/api/v1/agents/:addr", s.getAgentHandler)
	s.echo.GET("/api/v1/agents/:addr/decisions", s.agentDecisionsHandler)
	s.echo.GET("/api/v1/agents/:addr/stats", s.agentStatsHandler)
	s.echo.GET("/api/v1/overview", s.overviewHandler)
	s.echo.GET("/api/v1/creators/:addr/stats", s.creatorStatsHandler)
	s.echo.GET("/api/v1/missing-reports", s.listReportsHandler)
	s.echo.GET("/api/v1/missing-reports-stats", s.reportStatsHandler)
	s.echo.GET("/api/v1/missing-reports/:id", s.getReportHandler)
	s.echo.POST("/api/v1/missing-reports/:id/acknowledge", s.acknowledgeReportHandler)
	s.echo.POST("/api/v1/missing-reports/:id/resolve", s.resolveReportHandler)
}

// SetDashboardDir enables static dashboard hosting from dir. Must be
// called before Start; API routes keep priority over the SPA fallback.
func (s *Server) SetDashboardDir(dir string) {
	s.dashboardDir = dir
	s.setupDashboardRoutes()
}

// Start serves HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// listenAddr accepts either a bare port or a full host:port.
func listenAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
