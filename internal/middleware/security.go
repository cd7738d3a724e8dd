package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are set on locally generated responses only; proxied
// responses carry whatever the upstream sent.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Cache-Control":          "no-store",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// the response before it is committed, leaving any value the handler already
// set in place.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for k, v := range securityHeaders {
					if h.Get(k) == "" {
						h.Set(k, v)
					}
				}
			})
			return next(c)
		}
	}
}
