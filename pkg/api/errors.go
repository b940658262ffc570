package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentarium/vigil/pkg/reports"
)

// mapReportError translates report-store errors into envelope
// responses. Anything outside the store's taxonomy is logged and
// surfaced as an internal error.
func mapReportError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, reports.ErrNotFound):
		return fail(c, http.StatusNotFound, codeReportNotFound, "report not found")
	case errors.Is(err, reports.ErrUnavailable):
		slog.Error("Report store unavailable", "error", err)
		return fail(c, http.StatusInternalServerError, codeInternal, "report store unavailable")
	}

	slog.Error("Unexpected report store error", "error", err)
	return fail(c, http.StatusInternalServerError, codeInternal, "internal server error")
}
