package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/models"
	"github.com/agentarium/vigil/pkg/reports"
)

// overviewHandler handles GET /api/v1/overview.
func (s *Server) overviewHandler(c *echo.Context) error {
	view := &OverviewDetail{}
	for _, a := range s.tracker.List() {
		view.TotalAgents++
		switch a.State {
		case models.StateDead:
			view.DeadAgents++
		case models.StateWarning:
			view.AliveAgents++
			view.WarningAgents++
		case models.StateCritical:
			view.AliveAgents++
			view.CriticalAgents++
		case models.StateAbandoned:
			view.AliveAgents++
			view.AbandonedAgents++
		default:
			view.AliveAgents++
		}
		if a.State != models.StateDead {
			view.TotalBalance += a.Snapshot.Balance
		}
		view.TotalHeartbeats += a.Snapshot.HeartbeatCount
	}

	if s.reports != nil {
		stats, err := s.reports.Stats(c.Request().Context())
		if err != nil {
			slog.Warn("Overview degraded: report stats failed", "error", err)
			view.Partial = true
		} else {
			view.OpenReports = stats.OpenCount
		}
	}

	if s.pool != nil {
		if h := s.pool.Health(); h != nil {
			view.SchedulerOverflow = h.Overflow
		}
	}

	return respond(c, http.StatusOK, view)
}

// creatorStatsHandler handles GET /api/v1/creators/:addr/stats. A
// creator with no tracked agents gets a zero rollup, not a 404.
func (s *Server) creatorStatsHandler(c *echo.Context) error {
	creator := c.Param("addr")
	if err := models.ValidateAddress(creator); err != nil {
		return fail(c, http.StatusBadRequest, codeInvalidAddress, err.Error())
	}
	creator = models.NormalizeAddress(creator)

	view := &CreatorStatsDetail{CreatorStats: models.CreatorStats{Creator: creator}}
	ctx := c.Request().Context()
	for _, a := range s.tracker.List() {
		if a.Creator != creator {
			continue
		}
		view.TotalAgents++
		if a.State == models.StateDead {
			view.DeadAgents++
		} else {
			view.AliveAgents++
			view.TotalBalance += a.Snapshot.Balance
		}

		if s.reports == nil {
			continue
		}
		switch _, err := s.reports.OpenByAgent(ctx, a.Address); {
		case err == nil:
			view.OpenReports++
		case errors.Is(err, reports.ErrNotFound):
		default:
			slog.Warn("Creator stats degraded: report lookup failed", "creator", creator, "error", err)
			view.Partial = true
		}
	}

	return respond(c, http.StatusOK, view)
}
