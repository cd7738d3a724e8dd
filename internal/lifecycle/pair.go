// Package lifecycle ties the client and upstream resources of one proxied
// exchange together so they are torn down exactly once, whichever side fails
// first.
package lifecycle

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrIdleTimeout is the teardown cause when a pair sees no activity for its
// idle window.
var ErrIdleTimeout = errors.New("idle timeout exceeded")

// Side names one half of a Pair.
type Side int

const (
	Client Side = iota
	Upstream
)

func (s Side) String() string {
	if s == Client {
		return "client"
	}
	return "upstream"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Client {
		return Upstream
	}
	return Client
}

// closeWriter is implemented by *net.TCPConn, *net.UnixConn and *tls.Conn.
type closeWriter interface {
	CloseWrite() error
}

// Pair owns a client resource and its upstream counterpart.
type Pair struct {
	closers [2]io.Closer

	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	err    error
	hooks  []func(error)
	idle   *time.Timer
	window time.Duration
	timers []*time.Timer
}

// NewPair registers client and upstream for joint teardown. upstream may be
// nil and attached later with SetUpstream.
func NewPair(client, upstream io.Closer) *Pair {
	return &Pair{
		closers: [2]io.Closer{client, upstream},
		done:    make(chan struct{}),
	}
}

// SetUpstream attaches the upstream resource once it exists. If the pair was
// already destroyed, c is closed immediately.
func (p *Pair) SetUpstream(c io.Closer) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		_ = c.Close()
		return
	default:
	}
	p.closers[Upstream] = c
	p.mu.Unlock()
}

// OnDestroy registers fn to run once, after both sides are closed.
func (p *Pair) OnDestroy(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// AfterIdle arms an idle timer that destroys the pair with ErrIdleTimeout
// when Touch is not called for d. A zero or negative d leaves it disarmed.
func (p *Pair) AfterIdle(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idle != nil {
		p.idle.Stop()
	}
	p.window = d
	p.idle = time.AfterFunc(d, func() { p.Destroy(ErrIdleTimeout) })
}

// DestroyAfter schedules Destroy(err) in d unless the pair is torn down
// first. The timer is stopped by Destroy.
func (p *Pair) DestroyAfter(d time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.timers = append(p.timers, time.AfterFunc(d, func() { p.Destroy(err) }))
}

// Touch records activity and pushes the idle deadline out.
func (p *Pair) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	if p.idle != nil {
		p.idle.Reset(p.window)
	}
}

// CloseWrite half-closes side so its peer sees EOF while queued bytes still
// flush. Resources without half-close support are closed outright.
func (p *Pair) CloseWrite(side Side) error {
	p.mu.Lock()
	c := p.closers[side]
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// Destroy closes both sides, stops every timer and runs the OnDestroy
// hooks. Only the first call has any effect; its err is kept as the cause.
func (p *Pair) Destroy(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		if p.idle != nil {
			p.idle.Stop()
		}
		for _, tm := range p.timers {
			tm.Stop()
		}
		p.timers = nil
		closers := p.closers
		hooks := p.hooks
		p.hooks = nil
		close(p.done)
		p.mu.Unlock()

		for _, c := range closers {
			if c != nil {
				_ = c.Close()
			}
		}
		for _, fn := range hooks {
			fn(err)
		}
	})
}

// Done is closed once Destroy has started.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Err returns the cause passed to the first Destroy call.
func (p *Pair) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// OnceCloser wraps an io.ReadCloser so that Close runs the underlying Close
// and then release exactly once.
type OnceCloser struct {
	io.ReadCloser
	once    sync.Once
	release func()
	err     error
}

// NewOnceCloser returns rc with release attached to its first Close.
func NewOnceCloser(rc io.ReadCloser, release func()) *OnceCloser {
	return &OnceCloser{ReadCloser: rc, release: release}
}

func (c *OnceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.ReadCloser.Close()
		if c.release != nil {
			c.release()
		}
	})
	return c.err
}
