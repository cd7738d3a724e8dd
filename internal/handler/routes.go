package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edge-proxy/internal/config"
	"edge-proxy/internal/metrics"
	"edge-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Local
// endpoints are static routes and win over the proxy catch-all.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	local := middleware.SecurityHeaders()

	e.GET("/healthz", health.Healthz, local)
	e.GET("/proxy/status", health.Status, local)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), local)
	}

	e.Any(rootRoute, proxy.Handle)
	e.Any(catchAllRoute, proxy.Handle)
}

const (
	rootRoute     = "/"
	catchAllRoute = "/*"
)

// IsProxyRoute reports whether c was routed to the proxy catch-all. It only
// works in middleware added with e.Use, which runs after routing.
func IsProxyRoute(c echo.Context) bool {
	p := c.Path()
	return p == rootRoute || p == catchAllRoute
}
