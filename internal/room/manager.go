package room

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/events"
	"github.com/habemus/habemus-workspace-server/internal/protocol"
	"github.com/habemus/habemus-workspace-server/internal/store"
	"github.com/habemus/habemus-workspace-server/internal/workspace"
)

// Manager tracks all live rooms keyed by workspace id. The room map is
// the single source of truth for room existence: only the manager and
// the rooms' own empty callbacks mutate it.
type Manager struct {
	root *workspace.Root
	log  *logrus.Entry

	mu       sync.Mutex
	rooms    map[string]*Room
	creating map[string]*roomInflight
}

// roomInflight is one room creation in progress. Concurrent EnsureRoom
// calls for the same workspace attach to it instead of racing.
type roomInflight struct {
	done chan struct{}
	room *Room
	err  error
}

// NewManager builds a Manager and subscribes it to the workspace
// lifecycle bus. The subscription lives until ctx is cancelled.
func NewManager(ctx context.Context, root *workspace.Root, bus events.Bus) (*Manager, error) {
	m := &Manager{
		root:     root,
		log:      logrus.WithField("component", "room-manager"),
		rooms:    make(map[string]*Room),
		creating: make(map[string]*roomInflight),
	}
	if err := bus.Subscribe(ctx, m.handleWorkspaceEvent); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureRoom returns the room for the workspace, creating it when
// absent. At most one room ever exists per workspace id: a concurrent
// creation for the same id is reused, not duplicated.
func (m *Manager) EnsureRoom(ctx context.Context, ws *store.Workspace) (*Room, error) {
	m.mu.Lock()
	if room, ok := m.rooms[ws.ID]; ok {
		m.mu.Unlock()
		return room, nil
	}
	if call, ok := m.creating[ws.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.room, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &roomInflight{done: make(chan struct{})}
	m.creating[ws.ID] = call
	m.mu.Unlock()

	call.room, call.err = m.createRoom(ws)

	m.mu.Lock()
	if call.err == nil {
		m.rooms[ws.ID] = call.room
	}
	delete(m.creating, ws.ID)
	m.mu.Unlock()

	close(call.done)
	return call.room, call.err
}

func (m *Manager) createRoom(ws *store.Workspace) (*Room, error) {
	m.log.WithField("workspace", ws.ID).Info("creating room")

	room := New(ws.ID, m.root.PathFor(ws.ID))
	workspaceID := ws.ID
	room.SetOnEmpty(func() {
		m.log.WithField("workspace", workspaceID).Info("room is empty")
		m.EnsureRoomDestroyed(workspaceID)
	})
	return room, nil
}

// GetRoom returns the active room for a workspace id, or nil. Never
// creates.
func (m *Manager) GetRoom(workspaceID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[workspaceID]
}

// DestroyRoom removes the map entry, then destroys the room.
func (m *Manager) DestroyRoom(workspaceID string) {
	m.mu.Lock()
	room := m.rooms[workspaceID]
	delete(m.rooms, workspaceID)
	m.mu.Unlock()

	if room != nil {
		room.Destroy()
	}
}

// EnsureRoomDestroyed destroys the room if one is active, else no-op.
func (m *Manager) EnsureRoomDestroyed(workspaceID string) {
	m.DestroyRoom(workspaceID)
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// handleWorkspaceEvent reacts to remote lifecycle events. An update
// start is only broadcast; a finished or failed update additionally
// destroys the room, since the in-memory bridge state must never
// survive a version swap. Rooms are never created here.
func (m *Manager) handleWorkspaceEvent(topic, workspaceID string) {
	room := m.GetRoom(workspaceID)
	if room == nil {
		return
	}

	switch topic {
	case events.TopicUpdateStarted:
		room.Broadcast(protocol.EventUpdateStarted, nil)

	case events.TopicUpdateFinished:
		room.Broadcast(protocol.EventUpdateFinished, nil)
		m.EnsureRoomDestroyed(workspaceID)

	case events.TopicUpdateFailed:
		room.Broadcast(protocol.EventUpdateFailed, nil)
		m.EnsureRoomDestroyed(workspaceID)

	default:
		m.log.WithField("topic", topic).Warn("unknown lifecycle topic")
	}
}
