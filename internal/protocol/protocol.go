// Package protocol defines the websocket wire contract: the JSON frame
// carrying named events, the message envelope routed inside a room, and
// the well-known event, role and destination names.
package protocol

import "encoding/json"

// Transport-level event names.
const (
	EventAuthenticate = "authenticate"
	EventAuthSuccess  = "authenticated"
	EventAuthError    = "authentication-error"
	EventMessage      = "message"
	EventRoomDestroy  = "room-destroyed"
)

// Workspace lifecycle notices broadcast into a room. The names double as
// pub/sub event identifiers, see the events package for the topic names.
const (
	EventUpdateStarted  = "update-started"
	EventUpdateFinished = "update-finished"
	EventUpdateFailed   = "update-failed"
)

// Connection roles. A role is assigned at join time and gates routing.
const (
	RoleAuthenticated = "authenticated-client"
	RoleAnonymous     = "anonymous-client"
)

// Envelope message types.
const (
	TypeRPCRequest = "rpc-request"
	TypeResponse   = "response"
	TypeEvent      = "event"
)

// FSBridgeName is the reserved destination for the filesystem RPC bridge.
const FSBridgeName = "h-fs"

// Frame is the outermost unit on the websocket: a named event plus its
// JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope is the application-level message routed through a room.
// To is a connection id, the reserved bridge name, or empty for
// room-wide events.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthRequest is the payload of the authenticate event.
type AuthRequest struct {
	Role        string `json:"role"`
	AuthToken   string `json:"authToken,omitempty"`
	ProjectCode string `json:"projectCode"`
}

// RPCRequest is the payload of an rpc-request envelope addressed to the
// filesystem bridge.
type RPCRequest struct {
	ID     string    `json:"id"`
	Method string    `json:"method"`
	Params RPCParams `json:"params"`
}

// RPCParams carries the arguments of a filesystem RPC call. Dest is only
// used by move.
type RPCParams struct {
	Path    string `json:"path,omitempty"`
	Dest    string `json:"dest,omitempty"`
	Content string `json:"content,omitempty"`
}

// RPCResponse is the payload of a response envelope produced by the
// bridge. Exactly one of Result and Error is set.
type RPCResponse struct {
	RequestID string      `json:"requestId"`
	Result    interface{} `json:"result,omitempty"`
	Error     interface{} `json:"error,omitempty"`
}
