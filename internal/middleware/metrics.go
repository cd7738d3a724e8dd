package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"edge-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Tunneled requests are counted with status
// "upgrade" and kept out of the latency histogram, since their duration is the
// lifetime of the tunnel. Aborted streams are counted with status "aborted".
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			method := metrics.NormalizeMethod(c.Request().Method)
			path := m.NormalizePath(c.Request().URL.Path)

			defer func() {
				if r := recover(); r != nil {
					m.RequestsTotal.WithLabelValues(method, "aborted", path).Inc()
					panic(r)
				}
			}()

			err := next(c)

			status := statusLabel(c, err)
			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			if status != "upgrade" {
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}

// statusLabel resolves the status code. When a handler returns an
// *echo.HTTPError the response has not been written yet; Echo's central
// error handler does that later.
func statusLabel(c echo.Context, err error) string {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return strconv.Itoa(he.Code)
		}
	}
	if isTunneled(c) {
		return "upgrade"
	}
	return strconv.Itoa(c.Response().Status)
}
