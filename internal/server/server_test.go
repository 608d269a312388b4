package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habemus/habemus-workspace-server/internal/connection"
	"github.com/habemus/habemus-workspace-server/internal/protocol"
)

// acceptAll authenticates every socket without touching rooms, so the
// tests exercise the full HTTP -> upgrade -> gate path over a real
// websocket.
type acceptAll struct{}

func (acceptAll) ConnectAuthenticatedSocket(ctx context.Context, sock connection.Socket, authToken, projectCode string) error {
	return nil
}

func (acceptAll) ConnectAnonymousSocket(ctx context.Context, sock connection.Socket, projectCode string) error {
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gate := connection.NewGate(acceptAll{}, time.Second)
	srv := New(context.Background(), gate, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame := protocol.Frame{Event: event, Data: raw}
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestAuthenticateOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts)

	sendFrame(t, conn, protocol.EventAuthenticate, protocol.AuthRequest{
		Role:        protocol.RoleAuthenticated,
		AuthToken:   "token",
		ProjectCode: "my-project",
	})

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.EventAuthSuccess, frame.Event)
}

func TestMessageBeforeAuthDisconnects(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts)

	sendFrame(t, conn, protocol.EventMessage, protocol.Envelope{Type: protocol.TypeEvent})

	frame := readFrame(t, conn)
	require.Equal(t, protocol.EventAuthError, frame.Event)

	var payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "Unauthorized", payload.Name)

	// The server closes its side after the error frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestAuthTimeoutDisconnects(t *testing.T) {
	gate := connection.NewGate(acceptAll{}, 100*time.Millisecond)
	srv := New(context.Background(), gate, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts)

	frame := readFrame(t, conn)
	require.Equal(t, protocol.EventAuthError, frame.Event)

	var payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "AuthenticationTimeout", payload.Name)
}

func TestPreAuthErrorFrameDeliveredToEveryConnection(t *testing.T) {
	// The error frame precedes a forced disconnect; it must survive the
	// close on every connection, not just when the write pump wins a
	// race.
	ts := newTestServer(t)

	for i := 0; i < 20; i++ {
		conn := dial(t, ts)

		sendFrame(t, conn, protocol.EventMessage, protocol.Envelope{Type: protocol.TypeEvent})

		frame := readFrame(t, conn)
		require.Equal(t, protocol.EventAuthError, frame.Event, "connection %d lost its error frame", i)
		conn.Close()
	}
}

func TestClientIPUsesFirstForwardedHop(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 70.41.3.18, 150.172.238.178")
	assert.Equal(t, "203.0.113.9", clientIP(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:52114"
	assert.Equal(t, "192.0.2.7", clientIP(r))
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
