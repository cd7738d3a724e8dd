// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Tunnel outcome label values.
const (
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeClosed   = "closed"
	OutcomeIdle     = "idle_timeout"
	OutcomeBroken   = "broken"
)

// Tunnel byte direction label values.
const (
	DirectionUpstream = "client_to_upstream"
	DirectionClient   = "upstream_to_client"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamInFlight  prometheus.Gauge

	TunnelsActive prometheus.Gauge
	TunnelsTotal  *prometheus.CounterVec
	TunnelBytes   *prometheus.CounterVec

	proxyPrefix string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. proxyPrefix becomes the path label for proxied requests.
func New(proxyPrefix string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_proxy_upstream_requests_in_flight",
			Help: "Upstream requests holding a pooled connection.",
		}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_proxy_tunnels_active",
			Help: "Upgrade tunnels currently open.",
		}),

		TunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_tunnels_total",
			Help: "Finished upgrade tunnels by outcome.",
		}, []string{"outcome"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_tunnel_bytes_total",
			Help: "Bytes relayed through upgrade tunnels by direction.",
		}, []string{"direction"}),

		proxyPrefix: proxyPrefix,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamInFlight,
		m.TunnelsActive,
		m.TunnelsTotal,
		m.TunnelBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the local route label values; they win over the proxy prefix.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label: a local route, the proxy
// prefix, or "other".
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	p := strings.TrimRight(m.proxyPrefix, "/")
	if p == "" {
		if strings.HasPrefix(path, "/") {
			return "/"
		}
		return "other"
	}
	if path == p || strings.HasPrefix(path, p+"/") {
		return p
	}
	return "other"
}
