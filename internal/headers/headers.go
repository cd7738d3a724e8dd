// Package headers sanitizes header sets crossing the proxy.
//
// Hop-by-hop headers (RFC 7230 section 6.1) are stripped in both directions,
// together with every header the Connection header names. Request headers
// additionally get the upstream Host and the X-Forwarded-* chain.
package headers

import (
	"net"
	"net/http"
	"strings"
)

// hopByHop is the fixed set of headers that never cross a hop, lower-cased.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-connection":    {}, // non-standard but still sent by some clients
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// Meta describes the hop a request arrived on.
type Meta struct {
	// Authority replaces the Host header (upstream host[:port]).
	Authority string
	// RemoteAddr is the client address, host:port or bare host.
	RemoteAddr string
	// Proto is "http" or "https" for the inbound connection.
	Proto string
	// Host is the inbound Host header.
	Host string
}

// IsHopByHop reports whether name is in the fixed hop-by-hop set.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// ConnectionTokens returns the lower-cased header names listed by every
// Connection header value. Empty tokens are ignored.
func ConnectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for key, vals := range h {
		if !strings.EqualFold(key, "Connection") {
			continue
		}
		for _, v := range vals {
			for tok := range strings.SplitSeq(v, ",") {
				tok = strings.ToLower(strings.TrimSpace(tok))
				if tok != "" {
					tokens[tok] = struct{}{}
				}
			}
		}
	}
	return tokens
}

// IsUpgrade reports whether h asks for a protocol upgrade: Connection lists
// "upgrade" and Upgrade carries a protocol.
func IsUpgrade(h http.Header) bool {
	if strings.TrimSpace(h.Get("Upgrade")) == "" {
		return false
	}
	_, ok := ConnectionTokens(h)["upgrade"]
	return ok
}

// Sanitize returns a copy of h without hop-by-hop headers and without any
// header named by h's Connection header. Multi-valued headers keep every value.
func Sanitize(h http.Header) http.Header {
	drop := ConnectionTokens(h)
	dst := make(http.Header, len(h))
	for key, vals := range h {
		lower := strings.ToLower(key)
		if _, ok := hopByHop[lower]; ok {
			continue
		}
		if _, ok := drop[lower]; ok {
			continue
		}
		if vals == nil {
			continue
		}
		// Header names differing only by case collapse onto one canonical key.
		canon := http.CanonicalHeaderKey(key)
		dst[canon] = append(dst[canon], vals...)
	}
	return dst
}

// ForRequest sanitizes inbound request headers for the upstream hop: strips
// hop-by-hop headers, sets Host to the upstream authority and extends the
// X-Forwarded-* chain. Existing X-Forwarded-Proto/Host/Port values set by an
// earlier proxy are preserved.
func ForRequest(h http.Header, meta Meta) http.Header {
	dst := Sanitize(h)

	dst.Set("Host", meta.Authority)

	if client := clientIP(meta.RemoteAddr); client != "" {
		if prior := strings.Join(dst.Values("X-Forwarded-For"), ", "); prior != "" {
			dst.Set("X-Forwarded-For", prior+", "+client)
		} else {
			dst.Set("X-Forwarded-For", client)
		}
	}

	proto := meta.Proto
	if proto == "" {
		proto = "http"
	}
	setIfAbsent(dst, "X-Forwarded-Proto", proto)
	if meta.Host != "" {
		setIfAbsent(dst, "X-Forwarded-Host", meta.Host)
	}
	setIfAbsent(dst, "X-Forwarded-Port", forwardedPort(meta.Host, proto))

	return dst
}

func setIfAbsent(h http.Header, key, value string) {
	if len(h.Values(key)) == 0 {
		h.Set(key, value)
	}
}

// clientIP strips the port from a listener remote address.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// forwardedPort returns the port the client connected to: the one in the
// inbound Host header, or the scheme default.
func forwardedPort(host, proto string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return port
	}
	if proto == "https" {
		return "443"
	}
	return "80"
}
