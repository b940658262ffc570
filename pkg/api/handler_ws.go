package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to
// the session manager. HandleSession blocks until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace InsecureSkipVerify with an OriginPatterns
		// allowlist once the dashboard's serving origin is fixed.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.sessions.HandleSession(c.Request().Context(), conn)
	return nil
}
