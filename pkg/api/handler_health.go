package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the report store is load-bearing: its failure makes the probe
// unhealthy so the orchestrator restarts the process. Chain, registry,
// and scheduler trouble only degrades the status, because the read
// surface stays useful while they recover.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	degrade := func() {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	if s.reports != nil {
		if _, err := s.reports.Stats(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["report_store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["report_store"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.chain != nil {
		if _, err := s.chain.Ping(reqCtx); err != nil {
			degrade()
			checks["chain"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["chain"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.handles != nil {
		if _, err := s.handles.List(1); err != nil {
			degrade()
			checks["registry"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["registry"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.pool != nil {
		if h := s.pool.Health(); h != nil && !h.IsHealthy {
			degrade()
			checks["scheduler"] = HealthCheck{
				Status: healthStatusDegraded,
				Message: fmt.Sprintf("%d/%d workers active, queue %d/%d",
					h.ActiveWorkers, h.TotalWorkers, h.QueueDepth, h.QueueCapacity),
			}
		} else {
			checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
