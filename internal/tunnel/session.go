package tunnel

import (
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"edge-proxy/internal/lifecycle"
)

// State is the phase of a tunnel session. Closed is terminal and reachable
// from every other state.
type State int32

const (
	Idle State = iota
	Connecting
	Handshaking
	Piping
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Piping:
		return "piping"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection tunneled to exactly one upstream
// connection for its whole lifetime.
type Session struct {
	ID string

	client   net.Conn
	upstream net.Conn
	preRead  []byte
	pair     *lifecycle.Pair

	state  atomic.Int32
	logger *slog.Logger
}

func newSession(logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		logger: logger.With("session_id", id),
	}
}

// State returns the current phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition moves the session forward. Transitions out of Closed are ignored.
func (s *Session) transition(to State) {
	for {
		from := State(s.state.Load())
		if from == Closed {
			return
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Debug("tunnel state", "from", from.String(), "to", to.String())
			return
		}
	}
}
