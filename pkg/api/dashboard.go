package api

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// setupDashboardRoutes registers the SPA fallback serving the bundled
// dashboard. No-op unless dashboardDir holds an index.html.
func (s *Server) setupDashboardRoutes() {
	if s.dashboardDir == "" {
		return
	}
	if _, err := os.Stat(filepath.Join(s.dashboardDir, "index.html")); err != nil {
		slog.Warn("Dashboard directory has no index.html, skipping dashboard routes", "dir", s.dashboardDir)
		return
	}
	s.echo.GET("/*", s.dashboardHandler)
	slog.Info("Dashboard routes enabled", "dir", s.dashboardDir)
}

// dashboardHandler serves files from the dashboard build, falling back
// to index.html for client-side routes. API, probe, and WebSocket
// paths never fall through to the SPA.
func (s *Server) dashboardHandler(c *echo.Context) error {
	p := c.Request().URL.Path
	if strings.HasPrefix(p, "/api/") || p == "/healthz" || p == "/ws" {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel != "" {
		fp := filepath.Join(s.dashboardDir, filepath.FromSlash(rel))
		if insideDir(s.dashboardDir, fp) {
			if st, err := os.Stat(fp); err == nil && !st.IsDir() {
				if strings.HasPrefix(p, "/assets/") {
					// Vite emits content-hashed filenames under assets/.
					c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				} else {
					c.Response().Header().Set("Cache-Control", "no-cache")
				}
				return serveFile(c, fp)
			}
		}
	}

	// SPA fallback: the client router resolves the path. no-cache so
	// browsers pick up new asset hashes after deployments.
	c.Response().Header().Set("Cache-Control", "no-cache")
	return serveFile(c, filepath.Join(s.dashboardDir, "index.html"))
}

// serveFile streams one known-good file. http.ServeFile is avoided
// because it 400s any URL containing a dot-dot segment even when the
// served path is fixed.
func serveFile(c *echo.Context, fp string) error {
	f, err := os.Open(fp)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	http.ServeContent(c.Response(), c.Request(), st.Name(), st.ModTime(), f)
	return nil
}

func insideDir(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
