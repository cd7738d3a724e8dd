// Package tunnel relays protocol-upgrade connections (WebSocket and any other
// Upgrade: protocol) to the upstream as raw bytes.
//
// The inbound handshake is replayed upstream with sanitized headers, followed
// by any bytes the HTTP server had already buffered past the header block.
// After that both connections are piped verbatim until one side ends.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"edge-proxy/internal/config"
	"edge-proxy/internal/headers"
	"edge-proxy/internal/lifecycle"
	"edge-proxy/internal/metrics"
	"edge-proxy/internal/model"
	"edge-proxy/internal/route"
)

const (
	copyBufferSize  = 32 * 1024
	keepAlivePeriod = 30 * time.Second
	// defaultHalfCloseGrace bounds how long the second direction may keep
	// running after the first one reached EOF.
	defaultHalfCloseGrace = 30 * time.Second
	// maxEarlyBytes caps what a client may send while the upstream is
	// still being connected.
	maxEarlyBytes = 1 << 20
	// statusWriteTimeout bounds best-effort status lines to a client.
	statusWriteTimeout = 2 * time.Second
)

var (
	errHalfCloseGrace = errors.New("peer did not finish after half-close")
	errEarlyOverflow  = errors.New("client sent too much before the upstream answered")

	rejectResponse     = []byte("HTTP/1.1 404 Not Found\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	badGatewayResponse = []byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
)

// Dialer opens raw upstream transports. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Tunnel serves upgrade requests for a single upstream target.
type Tunnel struct {
	router         *route.Router
	target         model.UpstreamTarget
	dialer         Dialer
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	idleTimeout    time.Duration
	halfCloseGrace time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	active atomic.Int64
}

// NewTunnel creates a Tunnel. The metrics parameter is optional.
func NewTunnel(router *route.Router, target model.UpstreamTarget, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Tunnel {
	t := &Tunnel{
		router:         router,
		target:         target,
		connectTimeout: cfg.Upstream.ConnectTimeout(),
		idleTimeout:    cfg.Tunnel.IdleTimeout(),
		halfCloseGrace: cfg.Tunnel.HalfCloseGrace(),
		logger:         logger.With("component", "tunnel"),
		metrics:        m,
	}
	if t.halfCloseGrace <= 0 {
		t.halfCloseGrace = defaultHalfCloseGrace
	}
	t.dialer = &net.Dialer{Timeout: t.connectTimeout, KeepAlive: keepAlivePeriod}
	if target.IsTLS() {
		t.tlsConfig = &tls.Config{
			// Go omits SNI for IP literals but still verifies against IP SANs.
			ServerName:         target.Host,
			NextProtos:         []string{"http/1.1"},
			InsecureSkipVerify: cfg.Upstream.TLSInsecureSkipVerify, //nolint:gosec // explicit opt-in for self-signed upstreams
		}
	}
	return t
}

// Active returns the number of sessions currently open.
func (t *Tunnel) Active() int64 {
	return t.active.Load()
}

// Serve handles one upgrade request. It hijacks the client connection and
// returns once the session is closed.
func (t *Tunnel) Serve(w http.ResponseWriter, r *http.Request) {
	s := newSession(t.logger.With("path", r.URL.Path))
	s.transition(Connecting)

	decision := t.router.Route(r.URL.EscapedPath())
	if !decision.Proxy {
		t.reject(w, s)
		return
	}

	client, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		s.logger.Error("hijack client connection", "err", err)
		s.transition(Closed)
		t.record(metrics.OutcomeFailed)
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	// The server may have left its read/write deadlines on the connection.
	_ = client.SetDeadline(time.Time{})
	s.client = client
	s.preRead = drainBuffered(brw.Reader)
	s.pair = lifecycle.NewPair(client, nil)
	s.pair.OnDestroy(func(error) { s.transition(Closed) })

	t.active.Add(1)
	if t.metrics != nil {
		t.metrics.TunnelsActive.Inc()
	}
	defer func() {
		t.active.Add(-1)
		if t.metrics != nil {
			t.metrics.TunnelsActive.Dec()
		}
	}()

	// The request context is not canceled once the connection is hijacked,
	// so connecting is bound to the pair instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.pair.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	watch := watchClient(s)
	err = t.connect(ctx, s)
	s.preRead = append(s.preRead, watch.stop()...)
	if cause := s.pair.Err(); cause != nil {
		err = cause
	}
	if err != nil {
		t.fail(s, fmt.Errorf("connect upstream: %w", err))
		return
	}
	if err := t.handshake(r, s, decision.UpstreamPath); err != nil {
		t.fail(s, fmt.Errorf("replay handshake: %w", err))
		return
	}

	t.pipe(s)
}

// reject answers a non-matching upgrade attempt with a raw 404 status line
// and drops the connection without contacting the upstream.
func (t *Tunnel) reject(w http.ResponseWriter, s *Session) {
	defer t.record(metrics.OutcomeRejected)
	defer s.transition(Closed)

	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	writeStatus(conn, rejectResponse)
	_ = conn.Close()
	s.logger.Debug("upgrade rejected: path outside prefix")
}

// connect dials the upstream, wrapping it in TLS for https targets.
func (t *Tunnel) connect(ctx context.Context, s *Session) error {
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.target.Address())
	if err != nil {
		return err
	}
	if t.tlsConfig != nil {
		tc := tls.Client(conn, t.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}

	s.upstream = conn
	s.pair.SetUpstream(conn)
	s.transition(Handshaking)
	return nil
}

// handshake writes the request line, the sanitized header block and the
// pre-read bytes to the upstream, in that order.
func (t *Tunnel) handshake(r *http.Request, s *Session, upstreamPath string) error {
	if t.connectTimeout > 0 {
		_ = s.upstream.SetWriteDeadline(time.Now().Add(t.connectTimeout))
		defer func() { _ = s.upstream.SetWriteDeadline(time.Time{}) }()
	}

	bw := bufio.NewWriter(s.upstream)
	if err := writeHandshake(bw, r, t.handshakeHeader(r), upstreamPath); err != nil {
		return err
	}
	if len(s.preRead) > 0 {
		if _, err := bw.Write(s.preRead); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (t *Tunnel) handshakeHeader(r *http.Request) http.Header {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h := headers.ForRequest(r.Header, headers.Meta{
		Authority:  t.target.Authority(),
		RemoteAddr: r.RemoteAddr,
		Proto:      proto,
		Host:       r.Host,
	})
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", strings.Join(r.Header.Values("Upgrade"), ", "))
	return h
}

// writeHandshake renders "METHOD path HTTP/1.1", Host first, then the
// remaining headers in sorted order and the blank delimiter line.
// upstreamPath is already escaped and is written as is.
func writeHandshake(w io.Writer, r *http.Request, h http.Header, upstreamPath string) error {
	target := upstreamPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	host := h.Get("Host")
	h.Del("Host")

	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, target, host); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// pipe relays bytes in both directions until both have finished or the
// pair is destroyed.
func (t *Tunnel) pipe(s *Session) {
	tune(s.client)
	tune(s.upstream)

	s.transition(Piping)
	s.pair.AfterIdle(t.idleTimeout)
	s.logger.Debug("tunnel established", "pre_read_bytes", len(s.preRead))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.relay(s, s.upstream, s.client, lifecycle.Upstream, metrics.DirectionUpstream)
	}()
	go func() {
		defer wg.Done()
		t.relay(s, s.client, s.upstream, lifecycle.Client, metrics.DirectionClient)
	}()
	wg.Wait()
	s.pair.Destroy(nil)

	err := s.pair.Err()
	switch {
	case err == nil, errors.Is(err, errHalfCloseGrace):
		t.record(metrics.OutcomeClosed)
	case errors.Is(err, lifecycle.ErrIdleTimeout):
		t.record(metrics.OutcomeIdle)
	default:
		t.record(metrics.OutcomeBroken)
	}
	s.logger.Info("tunnel closed",
		"duration_ms", time.Since(start).Milliseconds(),
		"cause", errString(err),
	)
}

// relay copies src to dst one buffer at a time; a write must complete
// before the next read, so a slow dst throttles src. EOF half-closes dst,
// any other failure destroys the whole session.
func (t *Tunnel) relay(s *Session, dst net.Conn, src net.Conn, dstSide lifecycle.Side, direction string) {
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.pair.Touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.pair.Destroy(fmt.Errorf("write %s: %w", dstSide, werr))
				return
			}
			if t.metrics != nil {
				t.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if err := s.pair.CloseWrite(dstSide); err != nil {
				s.pair.Destroy(fmt.Errorf("half-close %s: %w", dstSide, err))
				return
			}
			s.pair.DestroyAfter(t.halfCloseGrace, errHalfCloseGrace)
			return
		}
		s.pair.Destroy(fmt.Errorf("read %s: %w", dstSide.Other(), rerr))
		return
	}
}

// fail handles errors before piping: best-effort 502 to the client, then
// both sides are destroyed. A client that already left gets no status.
func (t *Tunnel) fail(s *Session, err error) {
	s.logger.Warn("tunnel failed", "err", err, "state", s.State().String())
	select {
	case <-s.pair.Done():
	default:
		writeStatus(s.client, badGatewayResponse)
	}
	s.pair.Destroy(err)
	t.record(metrics.OutcomeFailed)
}

// clientWatch reads the client while the upstream is being connected, so a
// client that hangs up tears the session down instead of waiting out the
// connect timeout.
type clientWatch struct {
	conn  net.Conn
	done  chan struct{}
	early []byte
}

func watchClient(s *Session) *clientWatch {
	w := &clientWatch{conn: s.client, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		buf := make([]byte, copyBufferSize)
		for {
			n, err := w.conn.Read(buf)
			w.early = append(w.early, buf[:n]...)
			if len(w.early) > maxEarlyBytes {
				s.pair.Destroy(errEarlyOverflow)
				return
			}
			if err == nil {
				continue
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				s.pair.Destroy(fmt.Errorf("client left during connect: %w", err))
			}
			return
		}
	}()
	return w
}

// stop interrupts the pending read and returns the bytes the client sent
// in the meantime. The connection is usable again afterwards.
func (w *clientWatch) stop() []byte {
	_ = w.conn.SetReadDeadline(time.Unix(1, 0))
	<-w.done
	_ = w.conn.SetReadDeadline(time.Time{})
	return w.early
}

func (t *Tunnel) record(outcome string) {
	if t.metrics != nil {
		t.metrics.TunnelsTotal.WithLabelValues(outcome).Inc()
	}
}

// drainBuffered returns a copy of the bytes the HTTP server read past the
// header block.
func drainBuffered(br *bufio.Reader) []byte {
	if br == nil || br.Buffered() == 0 {
		return nil
	}
	peeked, _ := br.Peek(br.Buffered())
	out := make([]byte, len(peeked))
	copy(out, peeked)
	_, _ = br.Discard(len(peeked))
	return out
}

// writeStatus writes a raw status line, giving up after statusWriteTimeout.
func writeStatus(conn net.Conn, status []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	_, _ = conn.Write(status)
}

// tune enables keep-alive and disables Nagle on the underlying TCP socket.
func tune(conn net.Conn) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	_ = tcp.SetNoDelay(true)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
