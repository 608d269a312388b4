package connection

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
	"github.com/habemus/habemus-workspace-server/internal/protocol"
)

// DefaultAuthTimeout is the window a fresh socket has to authenticate.
const DefaultAuthTimeout = 10 * time.Second

// Authenticator validates credentials and binds a socket to its room.
// Implemented by the socket-auth controller.
type Authenticator interface {
	ConnectAuthenticatedSocket(ctx context.Context, sock Socket, authToken, projectCode string) error
	ConnectAnonymousSocket(ctx context.Context, sock Socket, projectCode string) error
}

// Gate runs the per-socket authentication state machine. Until a socket
// authenticates, every message is unauthorized and fatal to the
// connection, and a timeout force-disconnects sockets that never try.
type Gate struct {
	auth    Authenticator
	timeout time.Duration
	log     *logrus.Entry
}

// NewGate builds a Gate. A zero timeout falls back to DefaultAuthTimeout.
func NewGate(auth Authenticator, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &Gate{
		auth:    auth,
		timeout: timeout,
		log:     logrus.WithField("component", "auth-gate"),
	}
}

// Per-socket gate states. Pending and validating sockets are still
// unauthenticated; authenticated and closed are terminal.
type gateState int

const (
	statePending gateState = iota
	stateValidating
	stateAuthenticated
	stateClosed
)

// Manage installs the gate on a freshly connected socket.
func (g *Gate) Manage(ctx context.Context, sock Socket) {
	var mu sync.Mutex
	state := statePending

	timer := time.AfterFunc(g.timeout, func() {
		mu.Lock()
		if state == stateAuthenticated || state == stateClosed {
			mu.Unlock()
			return
		}
		state = stateClosed
		mu.Unlock()

		g.log.WithField("socket", sock.ID()).Info("authentication timeout")
		sock.Emit(protocol.EventAuthError,
			herrors.ToWire(&herrors.AuthenticationTimeout{}))
		sock.Close()
	})

	// The timer must never fire against a dead socket, and a validation
	// still in flight must not acknowledge one.
	sock.OnClose(func() {
		timer.Stop()
		mu.Lock()
		if state != stateAuthenticated {
			state = stateClosed
		}
		mu.Unlock()
	})

	// Strict auth-first gate: one early message is fatal.
	sock.OnMessage(func(protocol.Envelope) {
		mu.Lock()
		if state == stateAuthenticated || state == stateClosed {
			mu.Unlock()
			return
		}
		state = stateClosed
		mu.Unlock()

		g.log.WithField("socket", sock.ID()).Warn("message before authentication")
		sock.Emit(protocol.EventAuthError,
			herrors.ToWire(&herrors.Unauthorized{Message: "the socket is not authenticated"}))
		sock.Close()
	})

	sock.OnAuthenticate(func(req protocol.AuthRequest) {
		mu.Lock()
		if state != statePending {
			mu.Unlock()
			g.log.WithField("socket", sock.ID()).Warn("repeated authenticate request")
			return
		}
		state = stateValidating
		mu.Unlock()

		err := g.dispatch(ctx, sock, req)

		mu.Lock()
		if state == stateClosed {
			// Timed out or disconnected while validating. The socket
			// is gone, nothing to acknowledge.
			mu.Unlock()
			return
		}
		if err != nil {
			state = stateClosed
			mu.Unlock()
			g.log.WithFields(logrus.Fields{
				"socket": sock.ID(),
				"role":   req.Role,
			}).WithError(err).Info("authentication failed")
			sock.Emit(protocol.EventAuthError, herrors.ToWire(err))
			sock.Close()
			return
		}
		state = stateAuthenticated
		mu.Unlock()
		timer.Stop()

		sock.Emit(protocol.EventAuthSuccess, nil)
	})
}

func (g *Gate) dispatch(ctx context.Context, sock Socket, req protocol.AuthRequest) error {
	switch req.Role {
	case protocol.RoleAuthenticated:
		return g.auth.ConnectAuthenticatedSocket(ctx, sock, req.AuthToken, req.ProjectCode)
	case protocol.RoleAnonymous:
		return g.auth.ConnectAnonymousSocket(ctx, sock, req.ProjectCode)
	default:
		return &herrors.InvalidOption{Option: "role", Kind: "invalid"}
	}
}
