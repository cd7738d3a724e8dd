package headers

import (
	"net/http"
	"slices"
	"testing"
)

func TestSanitize_StripsFixedHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":          {"keep-alive"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Connection":    {"keep-alive"},
		"Proxy-Authenticate":  {"Basic"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"trailers"},
		"Trailer":             {"Expires"},
		"Transfer-Encoding":   {"chunked"},
		"Upgrade":             {"websocket"},
		"Content-Type":        {"text/plain"},
	}

	got := Sanitize(h)

	for key := range hopByHop {
		if v := got.Values(key); len(v) > 0 {
			t.Errorf("%s = %v, want stripped", key, v)
		}
	}
	if v := got.Get("Content-Type"); v != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", v, "text/plain")
	}
}

func TestSanitize_StripsConnectionTokens(t *testing.T) {
	tests := []struct {
		name       string
		connection []string
		stripped   []string
	}{
		{"single token", []string{"X-Foo"}, []string{"X-Foo"}},
		{"two tokens", []string{"X-Foo, X-Bar"}, []string{"X-Foo", "X-Bar"}},
		{"mixed case and spaces", []string{"  x-FOO ,X-bar  "}, []string{"X-Foo", "X-Bar"}},
		{"repeated header", []string{"x-foo", "X-BAR"}, []string{"X-Foo", "X-Bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{
				"Connection": tt.connection,
				"X-Foo":      {"1"},
				"X-Bar":      {"2"},
				"X-Keep":     {"3"},
			}

			got := Sanitize(h)

			for _, name := range tt.stripped {
				if v := got.Values(name); len(v) > 0 {
					t.Errorf("%s = %v, want stripped", name, v)
				}
			}
			if v := got.Get("X-Keep"); v != "3" {
				t.Errorf("X-Keep = %q, want %q", v, "3")
			}
		})
	}
}

func TestSanitize_EmptyConnectionHeader(t *testing.T) {
	h := http.Header{
		"Connection": {""},
		"X-Foo":      {"1"},
	}

	got := Sanitize(h)

	if v := got.Get("X-Foo"); v != "1" {
		t.Errorf("X-Foo = %q, want %q", v, "1")
	}
	if len(got) != 1 {
		t.Errorf("len(header) = %d, want 1: %v", len(got), got)
	}
}

func TestSanitize_PreservesMultiValued(t *testing.T) {
	h := http.Header{
		"Set-Cookie": {"a=1; Path=/", "b=2; Path=/"},
		"Vary":       {"Accept", "Origin"},
	}

	got := Sanitize(h)

	if v := got.Values("Set-Cookie"); !slices.Equal(v, []string{"a=1; Path=/", "b=2; Path=/"}) {
		t.Errorf("Set-Cookie = %q, want both cookies as separate values", v)
	}
	if v := got.Values("Vary"); len(v) != 2 {
		t.Errorf("Vary = %q, want 2 values", v)
	}
}

func TestSanitize_CaseInsensitiveNames(t *testing.T) {
	// Raw map keys bypass canonicalization, as with headers built by hand.
	h := http.Header{
		"connection": {"x-secret"},
		"X-SECRET":   {"s"},
		"x-trace":    {"t1"},
		"X-Trace":    {"t2"},
	}

	got := Sanitize(h)

	if _, ok := got["X-Secret"]; ok {
		t.Error("X-Secret should be stripped via lower-case connection header")
	}
	if _, ok := got["Connection"]; ok {
		t.Error("Connection should be stripped")
	}
	if v := got.Values("X-Trace"); len(v) != 2 {
		t.Errorf("X-Trace = %q, want both values merged under one key", v)
	}
}

func TestSanitize_DoesNotMutateInput(t *testing.T) {
	h := http.Header{"Connection": {"close"}, "X-Foo": {"1"}}
	_ = Sanitize(h)
	if h.Get("Connection") != "close" {
		t.Error("input header was mutated")
	}
}

func TestForRequest_Host(t *testing.T) {
	h := http.Header{"Host": {"proxy.example.com"}}

	got := ForRequest(h, Meta{Authority: "backend:3000", RemoteAddr: "10.0.0.1:5555"})

	if v := got.Get("Host"); v != "backend:3000" {
		t.Errorf("Host = %q, want %q", v, "backend:3000")
	}
}

func TestForRequest_XForwardedFor(t *testing.T) {
	tests := []struct {
		name  string
		prior []string
		want  string
	}{
		{"no prior value", nil, "10.0.0.1"},
		{"prior value", []string{"203.0.113.7"}, "203.0.113.7, 10.0.0.1"},
		{"prior chain", []string{"203.0.113.7, 198.51.100.2"}, "203.0.113.7, 198.51.100.2, 10.0.0.1"},
		{"repeated prior headers", []string{"203.0.113.7", "198.51.100.2"}, "203.0.113.7, 198.51.100.2, 10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.prior != nil {
				h["X-Forwarded-For"] = tt.prior
			}

			got := ForRequest(h, Meta{Authority: "backend", RemoteAddr: "10.0.0.1:5555"})

			if v := got.Values("X-Forwarded-For"); len(v) != 1 || v[0] != tt.want {
				t.Errorf("X-Forwarded-For = %q, want %q", v, tt.want)
			}
		})
	}
}

func TestForRequest_XForwardedForIPv6(t *testing.T) {
	got := ForRequest(http.Header{}, Meta{Authority: "backend", RemoteAddr: "[::1]:5555"})
	if v := got.Get("X-Forwarded-For"); v != "::1" {
		t.Errorf("X-Forwarded-For = %q, want %q", v, "::1")
	}
}

func TestForRequest_XForwardedDefaults(t *testing.T) {
	got := ForRequest(http.Header{}, Meta{
		Authority:  "backend",
		RemoteAddr: "10.0.0.1:5555",
		Proto:      "https",
		Host:       "proxy.example.com:8443",
	})

	if v := got.Get("X-Forwarded-Proto"); v != "https" {
		t.Errorf("X-Forwarded-Proto = %q, want %q", v, "https")
	}
	if v := got.Get("X-Forwarded-Host"); v != "proxy.example.com:8443" {
		t.Errorf("X-Forwarded-Host = %q, want %q", v, "proxy.example.com:8443")
	}
	if v := got.Get("X-Forwarded-Port"); v != "8443" {
		t.Errorf("X-Forwarded-Port = %q, want %q", v, "8443")
	}
}

func TestForRequest_XForwardedPortFromScheme(t *testing.T) {
	got := ForRequest(http.Header{}, Meta{Authority: "backend", Proto: "https", Host: "proxy.example.com"})
	if v := got.Get("X-Forwarded-Port"); v != "443" {
		t.Errorf("X-Forwarded-Port = %q, want %q", v, "443")
	}

	got = ForRequest(http.Header{}, Meta{Authority: "backend", Host: "proxy.example.com"})
	if v := got.Get("X-Forwarded-Proto"); v != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want %q", v, "http")
	}
	if v := got.Get("X-Forwarded-Port"); v != "80" {
		t.Errorf("X-Forwarded-Port = %q, want %q", v, "80")
	}
}

func TestForRequest_PreservesUpstreamChain(t *testing.T) {
	h := http.Header{
		"X-Forwarded-Proto": {"https"},
		"X-Forwarded-Host":  {"edge.example.com"},
		"X-Forwarded-Port":  {"443"},
	}

	got := ForRequest(h, Meta{
		Authority:  "backend",
		RemoteAddr: "10.0.0.1:5555",
		Proto:      "http",
		Host:       "internal:8080",
	})

	if v := got.Get("X-Forwarded-Proto"); v != "https" {
		t.Errorf("X-Forwarded-Proto = %q, want preserved %q", v, "https")
	}
	if v := got.Get("X-Forwarded-Host"); v != "edge.example.com" {
		t.Errorf("X-Forwarded-Host = %q, want preserved %q", v, "edge.example.com")
	}
	if v := got.Get("X-Forwarded-Port"); v != "443" {
		t.Errorf("X-Forwarded-Port = %q, want preserved %q", v, "443")
	}
}

func TestForRequest_StripsConnectionNamedHeaders(t *testing.T) {
	h := http.Header{
		"Connection":    {"Upgrade, X-Hop"},
		"Upgrade":       {"websocket"},
		"X-Hop":         {"1"},
		"Authorization": {"Bearer t"},
	}

	got := ForRequest(h, Meta{Authority: "backend"})

	for _, name := range []string{"Connection", "Upgrade", "X-Hop"} {
		if v := got.Values(name); len(v) > 0 {
			t.Errorf("%s = %v, want stripped", name, v)
		}
	}
	if v := got.Get("Authorization"); v != "Bearer t" {
		t.Errorf("Authorization = %q, want %q", v, "Bearer t")
	}
}

func TestIsUpgrade(t *testing.T) {
	tests := []struct {
		name string
		h    http.Header
		want bool
	}{
		{"websocket", http.Header{"Connection": {"Upgrade"}, "Upgrade": {"websocket"}}, true},
		{"token list", http.Header{"Connection": {"keep-alive, upgrade"}, "Upgrade": {"h2c"}}, true},
		{"no connection token", http.Header{"Connection": {"keep-alive"}, "Upgrade": {"websocket"}}, false},
		{"no upgrade header", http.Header{"Connection": {"Upgrade"}}, false},
		{"plain", http.Header{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUpgrade(tt.h); got != tt.want {
				t.Errorf("IsUpgrade() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsHopByHop(t *testing.T) {
	if !IsHopByHop("Transfer-Encoding") || !IsHopByHop("TE") || !IsHopByHop("proxy-connection") {
		t.Error("expected fixed hop-by-hop names to match regardless of case")
	}
	if IsHopByHop("Content-Length") {
		t.Error("Content-Length is end-to-end")
	}
}
