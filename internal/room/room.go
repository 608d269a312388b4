// Package room implements the connection broker: per-workspace rooms
// with role-gated message routing, the filesystem RPC bridge reachable
// from inside a room, and the manager that owns the room map and reacts
// to workspace lifecycle events.
package room

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/connection"
	"github.com/habemus/habemus-workspace-server/internal/hfs"
	"github.com/habemus/habemus-workspace-server/internal/protocol"
)

type member struct {
	sock connection.Socket
	role string
}

// Room is the per-workspace actor owning the joined sockets, the message
// routing policy and the filesystem bridge. Rooms are created and
// destroyed exclusively by the Manager.
type Room struct {
	workspaceID string
	rootPath    string
	bridge      *Bridge
	log         *logrus.Entry

	mu        sync.Mutex
	members   map[string]*member
	destroyed bool

	// onEmpty is installed by the Manager and fired when the local
	// member count drops to zero. The room never destroys itself.
	onEmpty func()
}

// New builds a room for a workspace rooted at rootPath.
func New(workspaceID, rootPath string) *Room {
	r := &Room{
		workspaceID: workspaceID,
		rootPath:    rootPath,
		members:     make(map[string]*member),
		log:         logrus.WithField("workspace", workspaceID),
	}
	fs := hfs.New(rootPath, r.publishFSEvent)
	r.bridge = NewBridge(fs, r.deliver)
	return r
}

// WorkspaceID returns the id of the workspace this room serves.
func (r *Room) WorkspaceID() string { return r.workspaceID }

// RootPath returns the workspace's filesystem root.
func (r *Room) RootPath() string { return r.rootPath }

// Bridge returns the room's filesystem RPC bridge.
func (r *Room) Bridge() *Bridge { return r.bridge }

// SetOnEmpty installs the callback fired when the room becomes empty.
func (r *Room) SetOnEmpty(fn func()) {
	r.mu.Lock()
	r.onEmpty = fn
	r.mu.Unlock()
}

// Join registers the socket as a room member with the given role and
// attaches the room's message router and disconnect handling. From this
// point on the socket's message envelopes are routed by the room.
func (r *Room) Join(sock connection.Socket, role string) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		sock.Close()
		return
	}
	r.members[sock.ID()] = &member{sock: sock, role: role}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"socket": sock.ID(),
		"role":   role,
	}).Info("socket joined room")

	sock.OnMessage(func(env protocol.Envelope) {
		r.route(sock, role, env)
	})
	sock.OnClose(func() {
		r.handleDisconnect(sock.ID())
	})
}

// MemberCount returns the number of locally tracked members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// route is the single site enforcing the routing policy: only
// authenticated clients may issue RPC, events fan out to everyone but
// the sender, responses and peer requests go to one destination.
func (r *Room) route(sock connection.Socket, role string, env protocol.Envelope) {
	// The sender identity is server-authoritative.
	env.From = sock.ID()

	switch env.Type {
	case protocol.TypeRPCRequest:
		if role != protocol.RoleAuthenticated {
			r.log.WithFields(logrus.Fields{
				"socket": sock.ID(),
				"role":   role,
			}).Warn("rpc-request from non-authenticated socket dropped")
			return
		}
		if env.To == protocol.FSBridgeName {
			r.bridge.HandleRequest(sock.ID(), env)
			return
		}
		r.deliver(env.To, env)

	case protocol.TypeResponse:
		r.deliver(env.To, env)

	case protocol.TypeEvent:
		r.broadcastEnvelope(sock.ID(), env)

	default:
		r.log.WithFields(logrus.Fields{
			"socket": sock.ID(),
			"type":   env.Type,
		}).Warn("unknown message type dropped")
	}
}

// deliver emits an envelope to one member by connection id.
func (r *Room) deliver(connID string, env protocol.Envelope) {
	r.mu.Lock()
	m, ok := r.members[connID]
	r.mu.Unlock()
	if !ok {
		r.log.WithField("to", connID).Debug("destination not in room, message dropped")
		return
	}
	m.sock.Emit(protocol.EventMessage, env)
}

// broadcastEnvelope emits an envelope to every member except the sender.
func (r *Room) broadcastEnvelope(senderID string, env protocol.Envelope) {
	for _, m := range r.snapshotMembers() {
		if m.sock.ID() == senderID {
			continue
		}
		m.sock.Emit(protocol.EventMessage, env)
	}
}

// Broadcast sends a system event to every member, sender included. Used
// for lifecycle notices and the room-destroyed notice.
func (r *Room) Broadcast(event string, data interface{}) {
	for _, m := range r.snapshotMembers() {
		m.sock.Emit(event, data)
	}
}

// publishFSEvent fans a filesystem change out to the room as an event
// envelope originating from the bridge.
func (r *Room) publishFSEvent(event, path string) {
	payload, err := json.Marshal(map[string]string{
		"name": event,
		"path": path,
	})
	if err != nil {
		return
	}
	r.broadcastEnvelope(protocol.FSBridgeName, protocol.Envelope{
		Type:    protocol.TypeEvent,
		From:    protocol.FSBridgeName,
		Payload: payload,
	})
}

// Destroy broadcasts a room-destroyed notice and force-disconnects every
// locally tracked member. Idempotent.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.members = make(map[string]*member)
	r.mu.Unlock()

	r.log.WithField("members", len(members)).Info("destroying room")

	for _, m := range members {
		m.sock.Emit(protocol.EventRoomDestroy, nil)
		m.sock.Close()
	}
}

func (r *Room) handleDisconnect(connID string) {
	r.mu.Lock()
	delete(r.members, connID)
	empty := len(r.members) == 0 && !r.destroyed
	onEmpty := r.onEmpty
	r.mu.Unlock()

	r.log.WithField("socket", connID).Debug("socket left room")

	if empty && onEmpty != nil {
		onEmpty()
	}
}

func (r *Room) snapshotMembers() []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}
