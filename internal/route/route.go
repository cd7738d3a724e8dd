// Package route decides which inbound paths are proxied and where they land
// on the upstream.
package route

import (
	"net/url"
	"strings"
)

// Decision is the outcome of routing one inbound path.
type Decision struct {
	Proxy        bool
	UpstreamPath string
}

// Router matches request paths against a single configured prefix.
type Router struct {
	prefix      string
	segments    []string // decoded prefix segments; empty for "/"
	basePath    string
	escapedBase string
}

// NewRouter creates a Router for prefix, mapping matches under basePath.
// An empty prefix is treated as "/".
func NewRouter(prefix, basePath string) *Router {
	if prefix == "" {
		prefix = "/"
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" {
			prefix = "/"
		}
	}
	r := &Router{
		prefix:      prefix,
		basePath:    basePath,
		escapedBase: (&url.URL{Path: basePath}).EscapedPath(),
	}
	if prefix != "/" {
		r.segments = strings.Split(strings.TrimPrefix(prefix, "/"), "/")
	}
	return r
}

// Prefix returns the normalized prefix.
func (r *Router) Prefix() string {
	return r.prefix
}

// Match reports whether path falls under the prefix. Matching is
// segment-aware: "/api" matches "/api" and "/api/x" but not "/apix".
func (r *Router) Match(path string) bool {
	_, ok := r.strip(path)
	return ok
}

// Route classifies path, which is the escaped request path as sent by the
// client (url.URL.EscapedPath). Prefix segments are compared after
// unescaping; the remainder is carried over still escaped, so "%2F" stays
// "%2F" upstream. A rejected path must not reach the upstream.
func (r *Router) Route(path string) Decision {
	rest, ok := r.strip(path)
	if !ok {
		return Decision{}
	}
	return Decision{Proxy: true, UpstreamPath: join(r.escapedBase, rest)}
}

// strip removes the prefix segments from the escaped path and returns the
// remainder ("" or starting with "/").
func (r *Router) strip(path string) (string, bool) {
	if !strings.HasPrefix(path, "/") {
		return "", false
	}
	rest := path
	for _, want := range r.segments {
		if rest == "" {
			return "", false
		}
		rest = rest[1:]
		seg := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			seg, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}
		got, err := url.PathUnescape(seg)
		if err != nil || got != want {
			return "", false
		}
	}
	return rest, true
}

// MapPath rewrites requestPath, which must start with prefix, onto
// targetBasePath. The result always starts with a single slash and never
// contains a doubled slash at the join point. An empty remainder maps to the
// base path with any trailing slash removed ("/" stays "/").
func MapPath(requestPath, prefix, targetBasePath string) string {
	rest := requestPath
	if prefix != "/" {
		rest = strings.TrimPrefix(requestPath, strings.TrimRight(prefix, "/"))
	}

	return join(targetBasePath, rest)
}

// join appends rest to base with exactly one slash at the join point.
func join(base, rest string) string {
	base = "/" + strings.Trim(base, "/")
	rest = strings.TrimLeft(rest, "/")

	if rest == "" {
		return base
	}
	if base == "/" {
		return "/" + rest
	}
	return base + "/" + rest
}
