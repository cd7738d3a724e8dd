package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-proxy/internal/config"
	"edge-proxy/internal/headers"
	"edge-proxy/internal/model"
	"edge-proxy/internal/service"
	"edge-proxy/internal/tunnel"
)

const streamBufferSize = 32 * 1024

// errorBody is the JSON shape of every locally generated error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// ProxyHandler forwards everything under the proxy prefix to the upstream.
// Upgrade requests go to the tunnel unless tunneling is disabled, in which
// case they are forwarded as plain requests with the upgrade headers stripped.
type ProxyHandler struct {
	forwarder *service.Forwarder
	tunnel    *tunnel.Tunnel
	tunneling bool
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(fwd *service.Forwarder, tun *tunnel.Tunnel, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: fwd,
		tunnel:    tun,
		tunneling: !cfg.Tunnel.Disabled,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if h.tunneling && headers.IsUpgrade(req.Header) {
		h.tunnel.Serve(c.Response(), req)
		return nil
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		EscapedPath:   req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		Host:          req.Host,
		TLS:           req.TLS != nil,
	}

	resp, err := h.forwarder.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(resp.StatusCode)
	res.Flush()

	if err := stream(res, resp.Body); err != nil {
		if req.Context().Err() != nil {
			h.logger.Debug("client went away mid-response", "path", req.URL.Path)
			return nil
		}
		// The status line is already out; cut the connection.
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

// stream copies body to the client, flushing after every chunk.
func stream(res *echo.Response, body io.Reader) error {
	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := res.Write(buf[:n]); err != nil {
				return fmt.Errorf("write client: %w", err)
			}
			res.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read upstream: %w", rerr)
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	if errors.Is(err, service.ErrNoRoute) {
		return c.JSON(http.StatusNotFound, errorBody{
			Error:  "not_found",
			Detail: "no route for " + req.URL.Path,
		})
	}

	// Nobody is left to read a response.
	if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
		h.logger.Debug("client canceled request", "path", req.URL.Path)
		return nil
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", req.URL.Path,
	)
	return c.JSON(http.StatusBadGateway, errorBody{
		Error:  "bad_gateway",
		Detail: diagnose(err),
	})
}

// diagnose maps a forwarding failure to a short client-facing description.
func diagnose(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "upstream connection failed"
	}

	return "upstream request failed"
}
