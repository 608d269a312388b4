package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habemus/habemus-workspace-server/internal/protocol"
)

// fakeSocket implements connection.Socket in memory, recording every
// emitted frame.
type fakeSocket struct {
	id string

	mu             sync.Mutex
	frames         []emittedFrame
	msgHandler     func(protocol.Envelope)
	closeListeners []func()
	closed         bool
}

type emittedFrame struct {
	event string
	data  interface{}
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id}
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Emit(event string, data interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, emittedFrame{event: event, data: data})
}

func (s *fakeSocket) OnMessage(handler func(protocol.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgHandler = handler
}

func (s *fakeSocket) ClearMessageHandler() { s.OnMessage(nil) }

func (s *fakeSocket) OnAuthenticate(func(protocol.AuthRequest)) {}

func (s *fakeSocket) OnClose(listener func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener()
		return
	}
	s.closeListeners = append(s.closeListeners, listener)
	s.mu.Unlock()
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.closeListeners
	s.closeListeners = nil
	s.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}

// inject delivers an inbound envelope as if the client had sent it.
func (s *fakeSocket) inject(env protocol.Envelope) {
	s.mu.Lock()
	handler := s.msgHandler
	s.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (s *fakeSocket) emitted() []emittedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emittedFrame(nil), s.frames...)
}

func (s *fakeSocket) framesOf(event string) []emittedFrame {
	var out []emittedFrame
	for _, f := range s.emitted() {
		if f.event == event {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func eventEnvelope(t *testing.T, name string, data interface{}) protocol.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{"name": name, "data": data})
	require.NoError(t, err)
	return protocol.Envelope{Type: protocol.TypeEvent, Payload: payload}
}

func TestRoomEventBroadcastExcludesSender(t *testing.T) {
	r := New("ws-1", t.TempDir())

	a := newFakeSocket("sock-a")
	b := newFakeSocket("sock-b")
	c := newFakeSocket("sock-c")
	r.Join(a, protocol.RoleAuthenticated)
	r.Join(b, protocol.RoleAuthenticated)
	r.Join(c, protocol.RoleAnonymous)

	a.inject(eventEnvelope(t, "test-event", map[string]string{"test": "x"}))

	assert.Empty(t, a.framesOf(protocol.EventMessage), "sender must not receive its own event")
	require.Len(t, b.framesOf(protocol.EventMessage), 1)
	require.Len(t, c.framesOf(protocol.EventMessage), 1)

	env, ok := b.framesOf(protocol.EventMessage)[0].data.(protocol.Envelope)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeEvent, env.Type)
	assert.Equal(t, "sock-a", env.From)
}

func TestRoomResponseRoutedToDestinationOnly(t *testing.T) {
	r := New("ws-1", t.TempDir())

	a := newFakeSocket("sock-a")
	b := newFakeSocket("sock-b")
	c := newFakeSocket("sock-c")
	r.Join(a, protocol.RoleAuthenticated)
	r.Join(b, protocol.RoleAuthenticated)
	r.Join(c, protocol.RoleAuthenticated)

	a.inject(protocol.Envelope{Type: protocol.TypeResponse, To: "sock-b"})

	assert.Len(t, b.framesOf(protocol.EventMessage), 1)
	assert.Empty(t, a.framesOf(protocol.EventMessage))
	assert.Empty(t, c.framesOf(protocol.EventMessage))
}

func TestRoomPeerRPCForwarded(t *testing.T) {
	r := New("ws-1", t.TempDir())

	a := newFakeSocket("sock-a")
	b := newFakeSocket("sock-b")
	r.Join(a, protocol.RoleAuthenticated)
	r.Join(b, protocol.RoleAuthenticated)

	payload, _ := json.Marshal(protocol.RPCRequest{ID: "req-1", Method: "custom"})
	a.inject(protocol.Envelope{
		Type:    protocol.TypeRPCRequest,
		To:      "sock-b",
		Payload: payload,
	})

	require.Len(t, b.framesOf(protocol.EventMessage), 1)
	assert.Zero(t, r.Bridge().Calls(), "peer rpc must not touch the fs bridge")
}

func TestRoomAnonymousRPCDropped(t *testing.T) {
	r := New("ws-1", t.TempDir())

	anon := newFakeSocket("sock-anon")
	other := newFakeSocket("sock-other")
	r.Join(anon, protocol.RoleAnonymous)
	r.Join(other, protocol.RoleAuthenticated)

	payload, _ := json.Marshal(protocol.RPCRequest{
		ID:     "req-1",
		Method: "readFile",
		Params: protocol.RPCParams{Path: "/index.html"},
	})
	anon.inject(protocol.Envelope{
		Type:    protocol.TypeRPCRequest,
		To:      protocol.FSBridgeName,
		Payload: payload,
	})

	assert.Zero(t, r.Bridge().Calls(), "anonymous rpc must never reach the bridge")
	assert.Empty(t, other.framesOf(protocol.EventMessage))
	assert.Empty(t, anon.framesOf(protocol.EventMessage))
}

func TestRoomAnonymousEventBroadcasts(t *testing.T) {
	r := New("ws-1", t.TempDir())

	anon := newFakeSocket("sock-anon")
	other := newFakeSocket("sock-other")
	r.Join(anon, protocol.RoleAnonymous)
	r.Join(other, protocol.RoleAuthenticated)

	anon.inject(eventEnvelope(t, "cursor-moved", nil))

	assert.Len(t, other.framesOf(protocol.EventMessage), 1)
	assert.Empty(t, anon.framesOf(protocol.EventMessage))
}

func TestRoomFSRPCRespondsToOriginatingSocket(t *testing.T) {
	dir := t.TempDir()
	r := New("ws-1", dir)

	a := newFakeSocket("sock-a")
	b := newFakeSocket("sock-b")
	r.Join(a, protocol.RoleAuthenticated)
	r.Join(b, protocol.RoleAuthenticated)

	payload, _ := json.Marshal(protocol.RPCRequest{
		ID:     "req-1",
		Method: "createFile",
		Params: protocol.RPCParams{Path: "/index.html", Content: "<html></html>"},
	})
	a.inject(protocol.Envelope{
		Type:    protocol.TypeRPCRequest,
		To:      protocol.FSBridgeName,
		Payload: payload,
	})

	require.Eventually(t, func() bool {
		for _, f := range a.framesOf(protocol.EventMessage) {
			env, ok := f.data.(protocol.Envelope)
			if ok && env.Type == protocol.TypeResponse {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "requester must receive the rpc response")

	// The file creation event fans out to the other member; the direct
	// response does not.
	for _, f := range b.framesOf(protocol.EventMessage) {
		env, ok := f.data.(protocol.Envelope)
		require.True(t, ok)
		assert.NotEqual(t, protocol.TypeResponse, env.Type, "responses are never broadcast")
	}
	assert.EqualValues(t, 1, r.Bridge().Calls())
}

func TestRoomDestroyNotifiesAndDisconnects(t *testing.T) {
	r := New("ws-1", t.TempDir())

	socks := []*fakeSocket{
		newFakeSocket("sock-1"),
		newFakeSocket("sock-2"),
		newFakeSocket("sock-3"),
	}
	for _, s := range socks {
		r.Join(s, protocol.RoleAuthenticated)
	}

	r.Destroy()

	for _, s := range socks {
		assert.Len(t, s.framesOf(protocol.EventRoomDestroy), 1)
		assert.True(t, s.isClosed())
	}
	assert.Zero(t, r.MemberCount())

	// Idempotent: a second destroy emits nothing new.
	r.Destroy()
	for _, s := range socks {
		assert.Len(t, s.framesOf(protocol.EventRoomDestroy), 1)
	}
}

func TestRoomEmptySignalFiresOnceOnLastDisconnect(t *testing.T) {
	r := New("ws-1", t.TempDir())

	var mu sync.Mutex
	emptyCount := 0
	r.SetOnEmpty(func() {
		mu.Lock()
		emptyCount++
		mu.Unlock()
	})

	a := newFakeSocket("sock-a")
	b := newFakeSocket("sock-b")
	r.Join(a, protocol.RoleAuthenticated)
	r.Join(b, protocol.RoleAuthenticated)

	a.Close()
	mu.Lock()
	assert.Zero(t, emptyCount, "room still has a member")
	mu.Unlock()

	b.Close()
	mu.Lock()
	assert.Equal(t, 1, emptyCount)
	mu.Unlock()
}

func TestRoomJoinClosedSocketLeavesNoGhostMember(t *testing.T) {
	// A socket that died during the auth handshake can still be joined
	// by the completing flow. Its close listener runs immediately, so
	// the membership must be undone and the empty signal fired.
	r := New("ws-1", t.TempDir())

	var mu sync.Mutex
	emptyCount := 0
	r.SetOnEmpty(func() {
		mu.Lock()
		emptyCount++
		mu.Unlock()
	})

	dead := newFakeSocket("sock-dead")
	dead.Close()
	r.Join(dead, protocol.RoleAuthenticated)

	assert.Zero(t, r.MemberCount(), "closed socket must not remain a member")
	mu.Lock()
	assert.Equal(t, 1, emptyCount, "empty signal must fire so the manager reaps the room")
	mu.Unlock()
}

func TestRoomJoinAfterDestroyDisconnects(t *testing.T) {
	r := New("ws-1", t.TempDir())
	r.Destroy()

	late := newFakeSocket("sock-late")
	r.Join(late, protocol.RoleAuthenticated)

	assert.True(t, late.isClosed())
	assert.Zero(t, r.MemberCount())
}
