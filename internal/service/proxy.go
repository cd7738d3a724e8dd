// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"edge-proxy/internal/config"
	"edge-proxy/internal/headers"
	"edge-proxy/internal/lifecycle"
	"edge-proxy/internal/model"
	"edge-proxy/internal/route"
)

// ErrNoRoute is returned when the request path is outside the proxy prefix.
var ErrNoRoute = errors.New("no route for path")

// Pool sends requests over reusable upstream connections.
// *client.UpstreamClient is the production implementation.
type Pool interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// Forwarder streams plain (non-upgrade) requests to the upstream target.
type Forwarder struct {
	pool    Pool
	router  *route.Router
	target  model.UpstreamTarget
	timeout time.Duration
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder bound to the configured upstream target.
func NewForwarder(pool Pool, router *route.Router, target model.UpstreamTarget, cfg *config.Config, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		pool:    pool,
		router:  router,
		target:  target,
		timeout: cfg.Upstream.RequestTimeout(),
		logger:  logger.With("component", "forwarder"),
	}
}

// Forward sends pr to the upstream and returns the response with sanitized
// headers. The caller is responsible for closing the response body; closing
// it also releases the per-request deadline.
//
// The outbound request inherits pr.Ctx, so a client that goes away cancels
// the upstream exchange. The per-request deadline covers the whole exchange
// including the response body.
func (f *Forwarder) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	decision := f.router.Route(pr.RequestPath())
	if !decision.Proxy {
		return nil, ErrNoRoute
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := context.CancelFunc(func() {})
	if f.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
	}

	req, err := f.buildRequest(ctx, pr, decision.UpstreamPath)
	if err != nil {
		cancel()
		return nil, err
	}

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream_path", decision.UpstreamPath,
	)

	resp, err := f.pool.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = headers.Sanitize(resp.Header)
	resp.Body = lifecycle.NewOnceCloser(resp.Body, cancel)
	return resp, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, pr *model.ProxyRequest, upstreamPath string) (*http.Request, error) {
	// upstreamPath is escaped; keep the client's encoding so "%2F" is not
	// turned into a path separator.
	decoded, err := url.PathUnescape(upstreamPath)
	if err != nil {
		return nil, fmt.Errorf("decode upstream path %q: %w", upstreamPath, err)
	}
	u := f.target.URL()
	u.Path = decoded
	u.RawPath = upstreamPath
	u.RawQuery = pr.RawQuery

	var body io.ReadCloser = http.NoBody
	if pr.Body != nil && pr.ContentLength != 0 {
		body = pr.Body
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}

	proto := "http"
	if pr.TLS {
		proto = "https"
	}
	req.Header = headers.ForRequest(pr.Header, headers.Meta{
		Authority:  f.target.Authority(),
		RemoteAddr: pr.RemoteAddr,
		Proto:      proto,
		Host:       pr.Host,
	})
	// net/http writes the Host line from req.Host, not from the header map.
	req.Host = req.Header.Get("Host")
	req.Header.Del("Host")

	return req, nil
}
