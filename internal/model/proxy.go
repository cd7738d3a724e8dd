// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	EscapedPath   string // Path as the client encoded it; empty means Path needs no escaping
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown

	RemoteAddr string // client address as seen by the listener (host:port)
	Host       string // inbound Host header
	TLS        bool   // inbound connection was TLS
}

// RequestPath returns the escaped request path, falling back to the default
// encoding of Path.
func (pr *ProxyRequest) RequestPath() string {
	if pr.EscapedPath != "" {
		return pr.EscapedPath
	}
	return (&url.URL{Path: pr.Path}).EscapedPath()
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}

// UpstreamTarget is the single upstream all proxied traffic goes to.
// It is parsed once from configuration and never mutated.
type UpstreamTarget struct {
	Scheme   string
	Host     string
	Port     int
	BasePath string
}

// ParseTarget builds an UpstreamTarget from an http(s) URL. A missing port is
// filled with the scheme default and a missing path becomes "/".
func ParseTarget(raw string) (UpstreamTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return UpstreamTarget{}, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return UpstreamTarget{}, fmt.Errorf("upstream scheme %q is not http or https", u.Scheme)
	}
	if u.Hostname() == "" {
		return UpstreamTarget{}, fmt.Errorf("upstream url %q has no host", raw)
	}

	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return UpstreamTarget{}, fmt.Errorf("upstream port %q is invalid", p)
		}
	}

	base := u.Path
	if base == "" {
		base = "/"
	}

	return UpstreamTarget{
		Scheme:   u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		BasePath: base,
	}, nil
}

// IsTLS reports whether connections to the target are encrypted.
func (t UpstreamTarget) IsTLS() bool {
	return t.Scheme == "https"
}

// Address returns host:port suitable for dialing.
func (t UpstreamTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Authority returns the value for the outbound Host header. The port is
// omitted when it is the scheme default.
func (t UpstreamTarget) Authority() string {
	if t.Port == defaultPort(t.Scheme) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Address()
}

// URL returns the origin of the target (scheme://authority) without a path.
func (t UpstreamTarget) URL() *url.URL {
	return &url.URL{Scheme: t.Scheme, Host: t.Authority()}
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
