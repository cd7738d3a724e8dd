// Package client provides the pooled upstream HTTP client.
package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"edge-proxy/internal/config"
	"edge-proxy/internal/lifecycle"
	"edge-proxy/internal/metrics"
	"edge-proxy/internal/model"
)

// Stats is a snapshot of pool usage.
type Stats struct {
	InFlight int64 `json:"in_flight"`
	Total    int64 `json:"total"`
	Failed   int64 `json:"failed"`
}

// UpstreamClient sends requests to the upstream over a shared keep-alive pool.
// It is safe for concurrent use; its only mutable state is the transport's
// own pool and atomic counters.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics

	inFlight atomic.Int64
	total    atomic.Int64
	failed   atomic.Int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		MaxConnsPerHost:     cfg.Upstream.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.Upstream.ConnectTimeout(),
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies are relayed byte-for-byte; transparent gzip would alter them.
		DisableCompression: true,
	}
	if cfg.Upstream.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for self-signed upstreams
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the client, not to the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Do executes req against the upstream and returns the raw response.
// The caller is responsible for closing the response body; the pooled
// connection counts as in flight until then.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	c.total.Add(1)
	c.inFlight.Add(1)
	if c.metrics != nil {
		c.metrics.UpstreamInFlight.Inc()
	}
	release := func() {
		c.inFlight.Add(-1)
		if c.metrics != nil {
			c.metrics.UpstreamInFlight.Dec()
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		release()
		c.failed.Add(1)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       lifecycle.NewOnceCloser(resp.Body, release),
	}, nil
}

// Stats returns a snapshot of the pool counters.
func (c *UpstreamClient) Stats() Stats {
	return Stats{
		InFlight: c.inFlight.Load(),
		Total:    c.total.Load(),
		Failed:   c.failed.Load(),
	}
}

// CloseIdleConnections drops every idle pooled connection.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
