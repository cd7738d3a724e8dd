package model

import "testing"

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw           string
		wantAddress   string
		wantAuthority string
		wantBase      string
		wantTLS       bool
	}{
		{"http://backend", "backend:80", "backend", "/", false},
		{"https://backend", "backend:443", "backend", "/", true},
		{"http://backend:3000/v1/", "backend:3000", "backend:3000", "/v1/", false},
		{"https://10.0.0.5:8443", "10.0.0.5:8443", "10.0.0.5:8443", "/", true},
		{"http://[::1]:9000/x", "[::1]:9000", "[::1]:9000", "/x", false},
		{"http://[::1]", "[::1]:80", "[::1]", "/", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			target, err := ParseTarget(tt.raw)
			if err != nil {
				t.Fatalf("ParseTarget() error = %v", err)
			}
			if got := target.Address(); got != tt.wantAddress {
				t.Errorf("Address() = %q, want %q", got, tt.wantAddress)
			}
			if got := target.Authority(); got != tt.wantAuthority {
				t.Errorf("Authority() = %q, want %q", got, tt.wantAuthority)
			}
			if target.BasePath != tt.wantBase {
				t.Errorf("BasePath = %q, want %q", target.BasePath, tt.wantBase)
			}
			if target.IsTLS() != tt.wantTLS {
				t.Errorf("IsTLS() = %v, want %v", target.IsTLS(), tt.wantTLS)
			}
		})
	}
}

func TestParseTarget_Invalid(t *testing.T) {
	for _, raw := range []string{"ftp://backend", "http://", "http://backend:0", "http://backend:99999", "::"} {
		if _, err := ParseTarget(raw); err == nil {
			t.Errorf("ParseTarget(%q) expected error, got nil", raw)
		}
	}
}

func TestUpstreamTarget_URL(t *testing.T) {
	target := UpstreamTarget{Scheme: "https", Host: "backend", Port: 8443, BasePath: "/"}
	if got := target.URL().String(); got != "https://backend:8443" {
		t.Errorf("URL() = %q, want %q", got, "https://backend:8443")
	}
}
