package session

import (
	"context"
	"encoding/json"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/gridwire/go-csms/protocol"
)

// HandlerFunc answers one inbound request. Returning a *protocol.CallError
// rejects the request on the wire and keeps the session alive; any other
// non-nil error is a handler fault and tears the session down.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) (any, error)

// HandlerTable is the capability table mapping action names to handlers. A
// server shares one table with all its sessions, so registrations are
// visible to live sessions immediately.
type HandlerTable struct {
	m cmap.ConcurrentMap[string, HandlerFunc]
}

func NewHandlerTable() *HandlerTable {
	return &HandlerTable{m: cmap.New[HandlerFunc]()}
}

// Register installs fn for action, replacing any previous handler.
func (t *HandlerTable) Register(action protocol.Action, fn HandlerFunc) {
	t.m.Set(string(action), fn)
}

// Unregister removes the handler for action; requests for it are answered
// with a NotImplemented error from then on.
func (t *HandlerTable) Unregister(action protocol.Action) {
	t.m.Remove(string(action))
}

func (t *HandlerTable) lookup(action protocol.Action) (HandlerFunc, bool) {
	return t.m.Get(string(action))
}
