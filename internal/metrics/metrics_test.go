package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New("/api")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Vector metrics only appear once a label set has been observed.
	m.RequestsTotal.WithLabelValues("GET", "200", "/api").Inc()
	m.TunnelsTotal.WithLabelValues(OutcomeClosed).Inc()
	m.TunnelBytes.WithLabelValues(DirectionUpstream).Add(5)

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"edge_proxy_http_requests_total":         false,
		"edge_proxy_tunnels_total":               false,
		"edge_proxy_tunnel_bytes_total":          false,
		"edge_proxy_tunnels_active":              false,
		"edge_proxy_upstream_requests_in_flight": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	m := New("/api")

	tests := []struct {
		path string
		want string
	}{
		{"/api/users/5", "/api"},
		{"/api", "/api"},
		{"/apix", "other"},
		{"/healthz", "/healthz"},
		{"/proxy/status", "/proxy/status"},
		{"/metrics", "/metrics"},
		{"/unknown", "other"},
		{"/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := m.NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizePath_RootPrefix(t *testing.T) {
	m := New("/")

	if got := m.NormalizePath("/anything"); got != "/" {
		t.Errorf("NormalizePath(%q) = %q, want %q", "/anything", got, "/")
	}
	if got := m.NormalizePath("/healthz"); got != "/healthz" {
		t.Errorf("NormalizePath(%q) = %q, want %q", "/healthz", got, "/healthz")
	}
}
