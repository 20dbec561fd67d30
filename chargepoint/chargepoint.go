// Package chargepoint implements the device side of the protocol: it dials
// a central system, issues calls, and answers server-initiated requests.
// The simulator binary and the end-to-end tests run on it.
package chargepoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
	"github.com/gridwire/go-csms/transport"
)

const defaultCallTimeout = 30 * time.Second

// HandlerFunc answers one server-initiated request. Returning a
// *protocol.CallError rejects the request with that error; any other error
// is reported to the server as InternalError. Handlers must not issue calls
// on the same charge point.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

type Option func(*ChargePoint)

func WithLogger(logger pkg.Logger) Option {
	return func(cp *ChargePoint) {
		cp.logger = logger
	}
}

func WithCallTimeout(timeout time.Duration) Option {
	return func(cp *ChargePoint) {
		cp.callTimeout = timeout
	}
}

func WithHandler(action protocol.Action, handler HandlerFunc) Option {
	return func(cp *ChargePoint) {
		cp.handlers.Set(string(action), handler)
	}
}

type reply struct {
	result json.RawMessage
	err    *protocol.CallError
}

// ChargePoint is one device connection to a central system.
type ChargePoint struct {
	id   string
	conn transport.Conn

	handlers     cmap.ConcurrentMap[string, HandlerFunc]
	pendingCalls cmap.ConcurrentMap[string, chan *reply]

	writeMu sync.Mutex

	dying     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	callTimeout time.Duration
	logger      pkg.Logger
}

// Dial connects to a central system at endpoint (ws:// or wss://), joining
// the charge point id onto the URL path.
func Dial(ctx context.Context, endpoint, id string, opts ...Option) (*ChargePoint, error) {
	u, err := url.JoinPath(endpoint, id)
	if err != nil {
		return nil, fmt.Errorf("charge point url: %w", err)
	}

	conn, err := transport.DialWebSocket(ctx, u)
	if err != nil {
		return nil, err
	}
	return New(id, conn, opts...), nil
}

// New wraps an already-established connection and starts the read loop.
// Dial is the usual entry point; New exists for pipe-backed tests.
func New(id string, conn transport.Conn, opts ...Option) *ChargePoint {
	cp := &ChargePoint{
		id:           id,
		conn:         conn,
		handlers:     cmap.New[HandlerFunc](),
		pendingCalls: cmap.New[chan *reply](),
		dying:        make(chan struct{}),
		done:         make(chan struct{}),
		callTimeout:  defaultCallTimeout,
		logger:       pkg.DefaultLogger,
	}
	for _, opt := range opts {
		opt(cp)
	}

	go cp.readLoop()
	return cp
}

func (cp *ChargePoint) ID() string { return cp.id }

// Done is closed once the connection is down and the read loop has exited.
func (cp *ChargePoint) Done() <-chan struct{} { return cp.done }

// Close disconnects from the central system. Idempotent; pending calls fail
// with ErrSessionClosed.
func (cp *ChargePoint) Close() error {
	cp.closeOnce.Do(func() {
		close(cp.dying)
		if err := cp.conn.Close(); err != nil {
			cp.logger.Debugf("charge point %s: close transport: %v", cp.id, err)
		}
	})
	return nil
}

// RegisterHandler installs a handler for a server-initiated action.
func (cp *ChargePoint) RegisterHandler(action protocol.Action, handler HandlerFunc) {
	cp.handlers.Set(string(action), handler)
}

func (cp *ChargePoint) readLoop() {
	defer pkg.Recover()
	defer close(cp.done)
	defer cp.Close()

	for {
		data, err := cp.conn.ReadMessage()
		if err != nil {
			if cp.closed() || errors.Is(err, transport.ErrConnClosed) || errors.Is(err, io.EOF) {
				return
			}
			cp.logger.Warnf("charge point %s: read: %v", cp.id, err)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			cp.logger.Errorf("charge point %s: inbound frame: %v", cp.id, err)
			return
		}

		switch m := msg.(type) {
		case *protocol.Call:
			cp.handleCall(m)
		case *protocol.CallResult:
			cp.resolveReply(m.UniqueID, &reply{result: m.Payload})
		case *protocol.CallError:
			cp.resolveReply(m.UniqueID, &reply{err: m})
		}
	}
}

// handleCall runs in the read loop. Device handlers compute an answer from
// local state, so serial handling is deliberate; a handler failure rejects
// the one request and keeps the connection up.
func (cp *ChargePoint) handleCall(call *protocol.Call) {
	handler, ok := cp.handlers.Get(string(call.Action))
	if !ok {
		cp.writeError(call.UniqueID, protocol.NewCallError(protocol.ErrorNotImplemented, fmt.Sprintf("action %s not implemented", call.Action)))
		return
	}

	result, err := handler(context.Background(), call.Payload)
	if err != nil {
		var cerr *protocol.CallError
		if !errors.As(err, &cerr) {
			cerr = protocol.NewCallError(protocol.ErrorInternal, err.Error())
		}
		cp.writeError(call.UniqueID, cerr)
		return
	}
	cp.writeResult(call.UniqueID, result)
}

func (cp *ChargePoint) resolveReply(correlationID string, r *reply) {
	slot, ok := cp.pendingCalls.Pop(correlationID)
	if !ok {
		cp.logger.Warnf("charge point %s: dropping reply with unknown correlation id %q", cp.id, correlationID)
		return
	}
	slot <- r
}

// Call issues a request to the central system and waits for the correlated
// reply.
func (cp *ChargePoint) Call(ctx context.Context, action protocol.Action, payload any) (json.RawMessage, error) {
	if cp.closed() {
		return nil, fmt.Errorf("action %s: %w", action, pkg.ErrSessionClosed)
	}

	call, err := protocol.NewCall(uuid.NewString(), action, payload)
	if err != nil {
		return nil, err
	}

	slot := make(chan *reply, 1)
	cp.pendingCalls.Set(call.UniqueID, slot)
	defer cp.pendingCalls.Remove(call.UniqueID)

	if err := cp.writeMessage(call); err != nil {
		if errors.Is(err, transport.ErrConnClosed) {
			return nil, fmt.Errorf("action %s: %w", action, pkg.ErrSessionClosed)
		}
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cp.callTimeout)
		defer cancel()
	}

	select {
	case r := <-slot:
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("action %s: %w", action, pkg.ErrCallTimeout)
		}
		return nil, ctx.Err()
	case <-cp.dying:
		return nil, fmt.Errorf("action %s: %w", action, pkg.ErrSessionClosed)
	}
}

func (cp *ChargePoint) closed() bool {
	select {
	case <-cp.dying:
		return true
	default:
		return false
	}
}

func (cp *ChargePoint) writeMessage(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	cp.writeMu.Lock()
	defer cp.writeMu.Unlock()
	return cp.conn.WriteMessage(data)
}

func (cp *ChargePoint) writeResult(correlationID string, result any) {
	msg, err := protocol.NewCallResult(correlationID, result)
	if err != nil {
		cp.logger.Errorf("charge point %s: marshal result: %v", cp.id, err)
		cp.writeError(correlationID, protocol.NewCallError(protocol.ErrorInternal, "marshal result"))
		return
	}
	if err := cp.writeMessage(msg); err != nil {
		cp.logger.Warnf("charge point %s: write result: %v", cp.id, err)
	}
}

func (cp *ChargePoint) writeError(correlationID string, cerr *protocol.CallError) {
	out := *cerr
	out.UniqueID = correlationID
	if err := cp.writeMessage(&out); err != nil {
		cp.logger.Warnf("charge point %s: write error reply: %v", cp.id, err)
	}
}
