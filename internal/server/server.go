// Package server exposes the websocket endpoint and health check over
// HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/connection"
	"github.com/habemus/habemus-workspace-server/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin connects are expected: the editor client is
		// served from a different host. Auth happens on the socket.
		return true
	},
}

// Server is the HTTP/websocket surface of the workspace server.
type Server struct {
	baseCtx context.Context
	gate    *connection.Gate
	limiter *ratelimit.Limiter
	log     *logrus.Entry
	router  *mux.Router
}

// New builds the server around the auth gate. Auth flows of accepted
// sockets are bound to ctx so shutdown cancels them.
func New(ctx context.Context, gate *connection.Gate, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		baseCtx: ctx,
		gate:    gate,
		limiter: limiter,
		log:     logrus.WithField("component", "server"),
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if err := s.limiter.CheckConnection(r.Context(), ip); err != nil {
		s.log.WithField("ip", ip).Warn("connection rate limited")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sock := connection.NewWSSocket(conn)
	s.log.WithField("socket", sock.ID()).Debug("socket connected")
	s.gate.Manage(s.baseCtx, sock)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("workspace server is healthy"))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// The header may carry a proxy chain; the first entry is the
		// client. Using the raw chain as the rate-limit key would let a
		// client mint fresh keys by varying the tail.
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
