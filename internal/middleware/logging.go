// Package middleware provides Echo middleware for logging, metrics and
// security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"edge-proxy/internal/headers"
)

// isTunneled reports whether the handler took the connection over for an
// upgrade tunnel. Echo never sees a status for those.
func isTunneled(c echo.Context) bool {
	return !c.Response().Committed && headers.IsUpgrade(c.Request().Header)
}

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			requestID := res.Header().Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = req.Header.Get(echo.HeaderXRequestID)
			}
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestID,
				"remote_ip", c.RealIP(),
			}
			if isTunneled(c) {
				logger.Info("tunnel", attrs...)
				return err
			}

			attrs = append(attrs, "status", res.Status, "bytes_out", res.Size)
			if res.Status >= 500 {
				logger.Warn("request", attrs...)
			} else {
				logger.Info("request", attrs...)
			}

			return err
		}
	}
}
