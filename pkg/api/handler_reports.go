package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/models"
)

// AcknowledgeRequest is the body of POST /api/v1/missing-reports/:id/acknowledge.
// An empty actor falls back to the proxy identity headers.
type AcknowledgeRequest struct {
	Actor string `json:"actor"`
}

// ResolveRequest is the body of POST /api/v1/missing-reports/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// listReportsHandler handles GET /api/v1/missing-reports.
func (s *Server) listReportsHandler(c *echo.Context) error {
	filter := models.ReportFilter{}

	if v := c.QueryParam("agent"); v != "" {
		if err := models.ValidateAddress(v); err != nil {
			return fail(c, http.StatusBadRequest, codeInvalidAddress, err.Error())
		}
		filter.AgentAddress = models.NormalizeAddress(v)
	}
	if v := c.QueryParam("severity"); v != "" {
		sev := models.Severity(v)
		if !sev.Valid() {
			return fail(c, http.StatusBadRequest, codeInvalidInput, "invalid severity: must be warning, critical, or abandoned")
		}
		filter.Severity = &sev
	}
	if v := c.QueryParam("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, codeInvalidInput, "invalid resolved: must be true or false")
		}
		filter.Resolved = &b
	}
	if v := c.QueryParam("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, codeInvalidInput, "invalid acknowledged: must be true or false")
		}
		filter.Acknowledged = &b
	}

	page, limit := parsePaging(c)
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	list, err := s.reports.List(c.Request().Context(), filter)
	if err != nil {
		return mapReportError(c, err)
	}
	return respondPage(c, list.Reports, newPagination(page, limit, list.Total))
}

// getReportHandler handles GET /api/v1/missing-reports/:id.
func (s *Server) getReportHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, codeInvalidInput, "report id is required")
	}

	report, err := s.reports.Get(c.Request().Context(), id)
	if err != nil {
		return mapReportError(c, err)
	}
	return respond(c, http.StatusOK, report)
}

// reportStatsHandler handles GET /api/v1/missing-reports-stats.
func (s *Server) reportStatsHandler(c *echo.Context) error {
	stats, err := s.reports.Stats(c.Request().Context())
	if err != nil {
		return mapReportError(c, err)
	}
	return respond(c, http.StatusOK, stats)
}

// acknowledgeReportHandler handles POST /api/v1/missing-reports/:id/acknowledge.
func (s *Server) acknowledgeReportHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, codeInvalidInput, "report id is required")
	}

	var req AcknowledgeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return fail(c, http.StatusBadRequest, codeInvalidInput, "invalid request body")
		}
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = extractActor(c)
	}

	report, err := s.reports.Acknowledge(c.Request().Context(), id, actor)
	if err != nil {
		return mapReportError(c, err)
	}
	slog.Info("Report acknowledged", "report_id", id, "agent", report.AgentAddress, "actor", actor)
	return respond(c, http.StatusOK, report)
}

// resolveReportHandler handles POST /api/v1/missing-reports/:id/resolve.
func (s *Server) resolveReportHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, codeInvalidInput, "report id is required")
	}

	var req ResolveRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return fail(c, http.StatusBadRequest, codeInvalidInput, "invalid request body")
		}
	}
	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		return fail(c, http.StatusBadRequest, codeInvalidInput, "resolution is required")
	}

	report, err := s.reports.Resolve(c.Request().Context(), id, resolution)
	if err != nil {
		return mapReportError(c, err)
	}
	slog.Info("Report resolved", "report_id", id, "agent", report.AgentAddress, "actor", extractActor(c))
	return respond(c, http.StatusOK, report)
}
