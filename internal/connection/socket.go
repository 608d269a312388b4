// Package connection owns the per-client websocket channel: the socket
// abstraction with its read/write pumps, and the authentication gate
// every fresh socket must pass before any message is routed.
package connection

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/protocol"
)

// Websocket keepalive settings.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendBufferSize = 256
)

// Socket is one live duplex channel to a client. The gate and the room
// layer talk to sockets exclusively through this interface.
type Socket interface {
	ID() string

	// Emit sends a named event to the client. Delivery is best-effort:
	// when a client cannot drain its buffer the oldest queued frame is
	// evicted in favor of the newest.
	Emit(event string, data interface{})

	// OnMessage installs the handler for inbound message envelopes,
	// replacing any previous one.
	OnMessage(handler func(protocol.Envelope))

	// ClearMessageHandler detaches the current message handler.
	ClearMessageHandler()

	// OnAuthenticate installs the handler for the authenticate event.
	OnAuthenticate(handler func(protocol.AuthRequest))

	// OnClose appends a listener fired exactly once when the socket
	// reaches its terminal state. If the socket is already closed the
	// listener runs immediately.
	OnClose(listener func())

	// Close force-disconnects the client.
	Close()
}

// WSSocket implements Socket on a gorilla websocket connection.
type WSSocket struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry

	mu             sync.Mutex
	msgHandler     func(protocol.Envelope)
	authHandler    func(protocol.AuthRequest)
	closeListeners []func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSSocket wraps an upgraded websocket connection and starts its
// read/write pumps.
func NewWSSocket(conn *websocket.Conn) *WSSocket {
	s := &WSSocket{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
	s.log = logrus.WithField("socket", s.id)

	go s.writePump()
	go s.readPump()
	return s
}

// ID returns the socket's unique connection id.
func (s *WSSocket) ID() string { return s.id }

// Emit implements Socket.
func (s *WSSocket) Emit(event string, data interface{}) {
	frame := protocol.Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.log.WithError(err).WithField("event", event).Error("marshal frame")
			return
		}
		frame.Data = raw
	}
	buf, err := json.Marshal(frame)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("marshal frame")
		return
	}

	s.enqueue(event, buf)
}

// enqueue hands a frame to the write pump. When the buffer is full the
// oldest queued frame is evicted so the newest one, typically a
// terminal error preceding a forced disconnect, still goes out.
func (s *WSSocket) enqueue(event string, buf []byte) {
	select {
	case s.send <- buf:
		return
	case <-s.closed:
		return
	default:
	}

	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- buf:
		s.log.WithField("event", event).Warn("send buffer full, evicted oldest frame")
	default:
		s.log.WithField("event", event).Warn("send buffer full, dropping frame")
	}
}

// OnMessage implements Socket.
func (s *WSSocket) OnMessage(handler func(protocol.Envelope)) {
	s.mu.Lock()
	s.msgHandler = handler
	s.mu.Unlock()
}

// ClearMessageHandler implements Socket.
func (s *WSSocket) ClearMessageHandler() {
	s.OnMessage(nil)
}

// OnAuthenticate implements Socket.
func (s *WSSocket) OnAuthenticate(handler func(protocol.AuthRequest)) {
	s.mu.Lock()
	s.authHandler = handler
	s.mu.Unlock()
}

// OnClose implements Socket. A listener registered after the socket
// closed runs immediately, so late registrations (a room joining a
// socket that died mid-handshake) are never silently lost.
func (s *WSSocket) OnClose(listener func()) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		listener()
		return
	default:
	}
	s.closeListeners = append(s.closeListeners, listener)
	s.mu.Unlock()
}

// Close implements Socket. Safe to call multiple times. The underlying
// connection is closed by the write pump after it flushes the frames
// queued before the close, so a terminal error emitted just before
// Close still reaches the client.
func (s *WSSocket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		listeners := s.closeListeners
		s.closeListeners = nil
		s.mu.Unlock()

		for _, listener := range listeners {
			listener()
		}
	})
}

func (s *WSSocket) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Debug("read error")
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.WithError(err).Warn("malformed frame")
			continue
		}
		s.dispatch(frame)
	}
}

func (s *WSSocket) dispatch(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventAuthenticate:
		var req protocol.AuthRequest
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				s.log.WithError(err).Warn("malformed authenticate payload")
				return
			}
		}
		s.mu.Lock()
		handler := s.authHandler
		s.mu.Unlock()
		if handler != nil {
			handler(req)
		}

	case protocol.EventMessage:
		var env protocol.Envelope
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &env); err != nil {
				s.log.WithError(err).Warn("malformed message envelope")
				return
			}
		}
		s.mu.Lock()
		handler := s.msgHandler
		s.mu.Unlock()
		if handler != nil {
			handler(env)
		}

	default:
		s.log.WithField("event", frame.Event).Debug("unknown event")
	}
}

func (s *WSSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case buf := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			// Drain frames queued before the close so terminal error
			// payloads are written before the connection drops.
			for {
				select {
				case buf := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
			}
		}
	}
}
