package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-proxy/internal/client"
	"edge-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PoolStats reports upstream pool usage. *client.UpstreamClient implements it.
type PoolStats interface {
	Stats() client.Stats
}

// TunnelCounter reports open tunnels. *tunnel.Tunnel implements it.
type TunnelCounter interface {
	Active() int64
}

type statusResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	UpstreamURL   string       `json:"upstream_url"`
	Prefix        string       `json:"prefix"`
	Tunneling     bool         `json:"tunneling"`
	ActiveTunnels int64        `json:"active_tunnels"`
	Pool          client.Stats `json:"pool"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	pool    PoolStats
	tunnels TunnelCounter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, pool PoolStats, tunnels TunnelCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, pool: pool, tunnels: tunnels}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.URL,
		Prefix:      h.cfg.Proxy.Prefix,
		Tunneling:   !h.cfg.Tunnel.Disabled,
	}
	if h.pool != nil {
		resp.Pool = h.pool.Stats()
	}
	if h.tunnels != nil {
		resp.ActiveTunnels = h.tunnels.Active()
	}
	return c.JSON(http.StatusOK, resp)
}
