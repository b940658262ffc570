package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/models"
)

// Stable error codes carried in the error envelope.
const (
	codeInvalidAddress = "INVALID_ADDRESS"
	codeAgentNotFound  = "AGENT_NOT_FOUND"
	codeReportNotFound = "REPORT_NOT_FOUND"
	codeInvalidInput   = "INVALID_INPUT"
	codeRateLimited    = "RATE_LIMITED"
	codeInternal       = "INTERNAL"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// Envelope is the uniform /api/v1 response wrapper.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// ErrorBody carries a machine-readable code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// AgentDetail is the single-agent view: the tracked record plus the
// derived heartbeat status, the open report if any, and the deployment
// binding. Partial marks a response assembled with a degraded backend.
type AgentDetail struct {
	models.Agent
	HeartbeatStatus *models.HeartbeatStatus  `json:"heartbeat_status"`
	OpenReport      *models.MissingReport    `json:"open_report,omitempty"`
	Deployment      *models.DeploymentHandle `json:"deployment,omitempty"`
	Partial         bool                     `json:"partial,omitempty"`
}

// DecisionList is the response body for an agent's decision records.
type DecisionList struct {
	Decisions []models.Decision `json:"decisions"`
	Partial   bool              `json:"partial,omitempty"`
}

// AgentStatsDetail wraps the per-agent rollup with a partial flag.
type AgentStatsDetail struct {
	models.AgentStats
	Partial bool `json:"partial,omitempty"`
}

// OverviewDetail wraps the platform rollup with a partial flag.
type OverviewDetail struct {
	models.PlatformOverview
	Partial bool `json:"partial,omitempty"`
}

// CreatorStatsDetail wraps the per-creator rollup with a partial flag.
type CreatorStatsDetail struct {
	models.CreatorStats
	Partial bool `json:"partial,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the probe result for a single component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// respond writes the success envelope.
func respond(c *echo.Context, status int, data any) error {
	return c.JSON(status, &Envelope{Success: true, Data: data})
}

// respondPage writes the success envelope with pagination metadata.
func respondPage(c *echo.Context, data any, p *Pagination) error {
	return c.JSON(http.StatusOK, &Envelope{Success: true, Data: data, Pagination: p})
}

// fail writes the error envelope.
func fail(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, &Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}

// parsePaging reads page and limit query parameters. Out-of-range
// values silently fall back to the defaults.
func parsePaging(c *echo.Context) (page, limit int) {
	page, limit = 1, defaultPageSize
	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxPageSize {
			limit = l
		}
	}
	return page, limit
}

func newPagination(page, limit, total int) *Pagination {
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	return &Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// pageSlice cuts one page out of the full result set.
func pageSlice[T any](items []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
