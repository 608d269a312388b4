package room

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
	"github.com/habemus/habemus-workspace-server/internal/hfs"
	"github.com/habemus/habemus-workspace-server/internal/protocol"
)

// Bridge exposes the workspace filesystem as callable procedures
// reachable via rpc-request envelopes addressed to the reserved bridge
// name. Each outstanding request is mapped to its originating connection
// so the result reaches exactly that socket, never the whole room.
type Bridge struct {
	fs      *hfs.FS
	deliver func(connID string, env protocol.Envelope)
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[string]string

	calls atomic.Int64
}

// NewBridge builds a bridge over the given filesystem. deliver routes a
// response envelope to one connection id.
func NewBridge(fs *hfs.FS, deliver func(connID string, env protocol.Envelope)) *Bridge {
	return &Bridge{
		fs:      fs,
		deliver: deliver,
		log:     logrus.WithField("component", "fs-bridge"),
		pending: make(map[string]string),
	}
}

// Calls reports how many RPC requests the bridge has accepted.
func (b *Bridge) Calls() int64 {
	return b.calls.Load()
}

// HandleRequest accepts an rpc-request envelope from an authenticated
// member. The filesystem call runs off the caller's read pump; the
// response is addressed back to the originating connection.
func (b *Bridge) HandleRequest(senderID string, env protocol.Envelope) {
	var req protocol.RPCRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.log.WithError(err).Warn("malformed rpc request payload")
		return
	}
	if req.ID == "" {
		b.log.Warn("rpc request without id dropped")
		return
	}

	b.mu.Lock()
	if _, exists := b.pending[req.ID]; exists {
		b.mu.Unlock()
		b.log.WithField("request", req.ID).Warn("duplicate rpc request id dropped")
		return
	}
	b.pending[req.ID] = senderID
	b.mu.Unlock()

	b.calls.Add(1)

	go b.execute(req)
}

func (b *Bridge) execute(req protocol.RPCRequest) {
	result, err := b.call(req.Method, req.Params)

	b.mu.Lock()
	connID, ok := b.pending[req.ID]
	delete(b.pending, req.ID)
	b.mu.Unlock()
	if !ok {
		return
	}

	res := protocol.RPCResponse{RequestID: req.ID}
	if err != nil {
		wire := herrors.ToWire(err)
		// RPC errors reuse the wire error shape minus the kind field.
		res.Error = map[string]string{
			"name":    wire.Name,
			"option":  wire.Option,
			"message": wire.Message,
		}
	} else {
		res.Result = result
	}

	payload, merr := json.Marshal(res)
	if merr != nil {
		b.log.WithError(merr).Error("marshal rpc response")
		return
	}
	b.deliver(connID, protocol.Envelope{
		Type:    protocol.TypeResponse,
		From:    protocol.FSBridgeName,
		To:      connID,
		Payload: payload,
	})
}

func (b *Bridge) call(method string, params protocol.RPCParams) (interface{}, error) {
	switch method {
	case "createFile":
		return nil, b.fs.CreateFile(params.Path, params.Content)
	case "createDirectory":
		return nil, b.fs.CreateDirectory(params.Path)
	case "readFile":
		return b.fs.ReadFile(params.Path)
	case "readDirectory":
		return b.fs.ReadDirectory(params.Path)
	case "updateFile":
		return nil, b.fs.UpdateFile(params.Path, params.Content)
	case "move":
		return nil, b.fs.Move(params.Path, params.Dest)
	case "remove":
		return nil, b.fs.Remove(params.Path)
	case "pathExists":
		return b.fs.PathExists(params.Path)
	default:
		return nil, &herrors.InvalidOption{Option: "method", Kind: "invalid"}
	}
}
