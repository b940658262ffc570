package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/models"
	"github.com/agentarium/vigil/pkg/registry"
	"github.com/agentarium/vigil/pkg/reports"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 200
)

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	status := c.QueryParam("status")
	if status == "" {
		status = "all"
	}
	switch status {
	case "alive", "dead", "all":
	default:
		return fail(c, http.StatusBadRequest, codeInvalidInput, "invalid status: must be alive, dead, or all")
	}

	creator := c.QueryParam("creator")
	if creator != "" {
		if err := models.ValidateAddress(creator); err != nil {
			return fail(c, http.StatusBadRequest, codeInvalidAddress, err.Error())
		}
		creator = models.NormalizeAddress(creator)
	}

	page, limit := parsePaging(c)

	all := s.tracker.List()
	filtered := make([]models.Agent, 0, len(all))
	for _, a := range all {
		if creator != "" && a.Creator != creator {
			continue
		}
		switch status {
		case "alive":
			if a.State == models.StateDead {
				continue
			}
		case "dead":
			if a.State != models.StateDead {
				continue
			}
		}
		filtered = append(filtered, a)
	}

	return respondPage(c, pageSlice(filtered, page, limit), newPagination(page, limit, len(filtered)))
}

// getAgentHandler handles GET /api/v1/agents/:addr.
func (s *Server) getAgentHandler(c *echo.Context) error {
	addr := c.Param("addr")
	if err := models.ValidateAddress(addr); err != nil {
		return fail(c, http.StatusBadRequest, codeInvalidAddress, err.Error())
	}
	addr = models.NormalizeAddress(addr)

	agent, found := s.tracker.Get(addr)
	if !found {
		return fail(c, http.StatusNotFound, codeAgentNotFound, "agent not tracked")
	}

	detail := &AgentDetail{Agent: agent}
	// An empty state means the agent is registered but no check has
	// completed yet.
	if agent.State == "" {
		detail.Partial = true
	}

	ctx := c.Request().Context()

	if s.reports != nil {
		open, err := s.reports.OpenByAgent(ctx, addr)
		switch {
		case err == nil:
			detail.OpenReport = open
		case errors.Is(err, reports.ErrNotFound):
		default:
			slog.Warn("Agent detail degraded: open report lookup failed", "agent", addr, "error", err)
			detail.Partial = true
		}
	}

	var marketState models.DeploymentState
	if s.handles != nil {
		handle, err := s.handles.Get(addr)
		switch {
		case err == nil:
			detail.Deployment = &handle
			marketState = s.lookupMarketState(ctx, handle, detail)
		case errors.Is(err, registry.ErrNotFound):
		default:
			slog.Warn("Agent detail degraded: registry lookup failed", "agent", addr, "error", err)
			detail.Partial = true
		}
	}

	detail.HeartbeatStatus = s.heartbeatStatus(agent, marketState)
	return respond(c, http.StatusOK, detail)
}

// agentDecisionsHandler handles GET /api/v1/agents/:addr/decisions.
// Decision records come from indexed event logs; a failed RPC returns
// an empty, partial list rather than an error.
func (s *Server) agentDecisionsHandler(c *echo.Context) error {
	addr := c.Param("addr")
	if err := models.ValidateAddress(addr); err != nil {
		return fail(c, http.StatusBadRequest, codeInvalidAddress, err.Error())
	}
	addr = models.NormalizeAddress(addr)

	if _, found := s.tracker.Get(addr); !found {
		return fail(c, http.StatusNotFound, codeAgentNotFound, "agent not tracked")
	}

	limit := defaultDecisionLimit
	if v := c.QueryParam("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxDecisionLimit {
			limit = l
		}
	}

	list := &DecisionList{Decisions: []models.Decision{}}
	if s.chain == nil {
		list.Partial = true
		return respond(c, http.StatusOK, list)
	}

	decisions, err := s.chain.DecisionLogs(c.Request().Context(), addr, limit)
	if err != nil {
		slog.Warn("Decision lookup degraded", "agent", addr, "error", err)
		list.Partial = true
		return respond(c, http.StatusOK, list)
	}
	list.Decisions = decisions
	return respond(c, http.StatusOK, list)
}

// agentStatsHandler handles GET /api/v1/agents/:addr/stats.
func (s *Server) agentStatsHandler(c *echo.Context) error {
	addr := c.Param("addr")
	if err := models.ValidateAddress(addr); err != nil {
		return fail(c, http.StatusBadRequest, codeInvalidAddress, err.Error())
	}
	addr = models.NormalizeAddress(addr)

	agent, found := s.tracker.Get(addr)
	if !found {
		return fail(c, http.StatusNotFound, codeAgentNotFound, "agent not tracked")
	}

	stats := &AgentStatsDetail{AgentStats: models.AgentStats{
		Address:        agent.Address,
		HeartbeatCount: agent.Snapshot.HeartbeatCount,
		Alive:          agent.Snapshot.Alive,
		Balance:        agent.Snapshot.Balance,
		CumulativeCost: agent.Snapshot.CumulativeCost,
		RunwayDays:     runwayDays(agent.Snapshot),
	}}
	if agent.BirthTime > 0 {
		stats.AgeSeconds = s.now().Unix() - agent.BirthTime
	}

	if s.reports != nil {
		all, err := s.reports.ListByAgent(c.Request().Context(), addr)
		if err != nil {
			slog.Warn("Agent stats degraded: report lookup failed", "agent", addr, "error", err)
			stats.Partial = true
		} else {
			stats.TotalReports = len(all)
			for _, r := range all {
				if !r.Resolved {
					stats.OpenReports++
				}
			}
		}
	}

	return respond(c, http.StatusOK, stats)
}

// heartbeatStatus derives the deadline view from the last accepted
// snapshot. Recomputed per request, never persisted.
func (s *Server) heartbeatStatus(agent models.Agent, market models.DeploymentState) *models.HeartbeatStatus {
	interval := agent.NominalIntervalSec
	if interval <= 0 {
		interval = int64(s.cfg.NominalInterval.Seconds())
	}
	last := agent.Snapshot.LastHeartbeatAt
	deadline := last + int64(s.cfg.HardDeadline.Seconds())
	return &models.HeartbeatStatus{
		LastHeartbeatAt:   last,
		NextExpectedAt:    last + interval,
		DeadlineAt:        deadline,
		TimeUntilDeadline: deadline - s.now().Unix(),
		Healthy:           agent.State == models.StateHealthy,
		MarketplaceState:  market,
	}
}

// lookupMarketState resolves the deployment state behind the handle.
// A failed lookup attaches the unknown state and flags the detail
// partial.
func (s *Server) lookupMarketState(ctx context.Context, handle models.DeploymentHandle, detail *AgentDetail) models.DeploymentState {
	if s.market == nil || !s.cfg.MarketplaceCheckEnabled {
		return ""
	}
	status, err := s.market.DeploymentStatus(ctx, handle.SequenceID, handle.Owner)
	if err != nil {
		slog.Warn("Agent detail degraded: marketplace lookup failed", "agent", handle.AgentAddress, "error", err)
		detail.Partial = true
	}
	return status.State
}

// runwayDays estimates days of balance left at the lifetime burn rate.
// -1 means no cost has accrued yet.
func runwayDays(snap models.AgentSnapshot) int64 {
	if snap.CumulativeCost == 0 {
		return -1
	}
	return int64(snap.Balance / snap.CumulativeCost)
}
