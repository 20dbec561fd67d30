package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/gridwire/go-csms/observability"
	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
	"github.com/gridwire/go-csms/transport"
)

// State tracks where a session is in its lifecycle. Active while the read
// loop runs, Closing once teardown has been requested, Closed once the
// transport is released and the registry entry removed. No transition
// leaves Closed.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultCallTimeout bounds how long an outbound call waits for its reply
// when the caller's context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

const dispatchQueueSize = 16

type Option func(*Session)

func WithLogger(logger pkg.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithCallTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		s.callTimeout = timeout
	}
}

// reply is delivered into a pending call's slot: exactly one of result or
// err is set.
type reply struct {
	result json.RawMessage
	err    *protocol.CallError
}

// Session owns one charge point connection: the read loop, in-order request
// dispatch, and the correlation state matching outbound calls to their
// replies. The registry is the only place sessions are tracked; everything
// inside a Session is private to it.
type Session struct {
	id   string
	conn transport.Conn

	handlers *HandlerTable

	// pendingCalls maps correlation id to a single-use reply slot (buffered,
	// capacity one). Entries live from issue until reply, timeout or close.
	pendingCalls cmap.ConcurrentMap[string, chan *reply]

	writeMu sync.Mutex

	state     atomic.Int32
	dying     chan struct{}
	closeOnce sync.Once

	// faultErr records the dispatcher-side error that forced teardown, so
	// Run reports it instead of the secondary read error it provoked.
	faultOnce sync.Once
	faultErr  error

	// options
	callTimeout time.Duration
	logger      pkg.Logger
}

// New creates a session for an accepted connection. The handler table is
// shared with the server that accepted the connection; handlers registered
// later apply to live sessions too.
func New(id string, conn transport.Conn, handlers *HandlerTable, opts ...Option) *Session {
	s := &Session{
		id:           id,
		conn:         conn,
		handlers:     handlers,
		pendingCalls: cmap.New[chan *reply](),
		dying:        make(chan struct{}),
		callTimeout:  DefaultCallTimeout,
		logger:       pkg.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session until the peer disconnects, teardown is requested,
// or a fatal protocol/handler fault occurs. It returns nil for a clean
// shutdown and the terminating error otherwise.
//
// Inbound replies are resolved inline so a slow handler can never starve
// them; inbound requests go to a single dispatcher goroutine that invokes
// handlers one at a time in arrival order. Keeping the read loop free also
// lets a handler issue calls on its own session.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.RequestClose)
	defer stop()

	requests := make(chan *protocol.Call, dispatchQueueSize)
	dispatchDone := make(chan struct{})
	go s.dispatchLoop(ctx, requests, dispatchDone)

	err := s.readLoop(requests)

	s.RequestClose()
	close(requests)
	<-dispatchDone

	if s.faultErr != nil {
		err = s.faultErr
	}
	return err
}

func (s *Session) readLoop(requests chan<- *protocol.Call) error {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing() || errors.Is(err, transport.ErrConnClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debugf("charge point %s: peer closed the connection", s.id)
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			observability.RecordAnomaly("malformed_frame")
			return fmt.Errorf("inbound frame: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.Call:
			select {
			case requests <- m:
			case <-s.dying:
				return nil
			}
		case *protocol.CallResult:
			s.resolveReply(m.UniqueID, &reply{result: m.Payload})
		case *protocol.CallError:
			s.resolveReply(m.UniqueID, &reply{err: m})
		}
	}
}

func (s *Session) dispatchLoop(ctx context.Context, requests <-chan *protocol.Call, done chan<- struct{}) {
	defer pkg.Recover()
	defer close(done)

	for call := range requests {
		if s.closing() {
			// Teardown already started; the queue is drained, not answered.
			continue
		}
		if err := s.handleCall(ctx, call); err != nil {
			if errors.Is(err, transport.ErrConnClosed) {
				continue
			}
			s.faultOnce.Do(func() { s.faultErr = err })
			s.RequestClose()
			return
		}
	}
}

// handleCall answers one inbound request. A nil return keeps the session
// alive; a non-nil return is fatal.
func (s *Session) handleCall(ctx context.Context, call *protocol.Call) error {
	handler, ok := s.handlers.lookup(call.Action)
	if !ok {
		s.logger.Warnf("charge point %s: no handler for action %s", s.id, call.Action)
		cerr := protocol.NewCallError(protocol.ErrorNotImplemented, fmt.Sprintf("action %s not implemented", call.Action))
		return s.writeError(call.UniqueID, cerr)
	}

	result, err := s.invoke(ctx, handler, call)
	if err != nil {
		var cerr *protocol.CallError
		if errors.As(err, &cerr) {
			return s.writeError(call.UniqueID, cerr)
		}
		return fmt.Errorf("%w: action %s: %w", pkg.ErrHandlerFault, call.Action, err)
	}
	return s.writeResult(call.UniqueID, result)
}

// invoke runs the handler, converting a panic into an error so one broken
// handler terminates only its own session.
func (s *Session) invoke(ctx context.Context, handler HandlerFunc, call *protocol.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, s, call.Payload)
}

// resolveReply hands an inbound reply to the call waiting on its
// correlation id. Popping the slot before delivering guarantees exactly one
// outcome per call; a late or unknown id finds no slot and is dropped as a
// logged anomaly, never a session failure.
func (s *Session) resolveReply(correlationID string, r *reply) {
	slot, ok := s.pendingCalls.Pop(correlationID)
	if !ok {
		observability.RecordAnomaly("unknown_correlation_id")
		s.logger.Warnf("charge point %s: dropping reply with unknown correlation id %q", s.id, correlationID)
		return
	}
	slot <- r
}

// Call issues an outbound request and waits for the correlated reply. It
// fails with ErrSessionClosed when the session is (or begins) closing, with
// ErrCallTimeout when no reply arrives in time, and with the peer's
// *protocol.CallError when the request is rejected. Any number of calls may
// be pending at once; each resolves independently.
func (s *Session) Call(ctx context.Context, action protocol.Action, payload any) (json.RawMessage, error) {
	if s.State() != StateActive {
		return nil, fmt.Errorf("action %s: %w", action, pkg.ErrSessionClosed)
	}

	call, err := protocol.NewCall(uuid.NewString(), action, payload)
	if err != nil {
		return nil, err
	}

	slot := make(chan *reply, 1)
	s.pendingCalls.Set(call.UniqueID, slot)
	defer s.pendingCalls.Remove(call.UniqueID)

	if err := s.writeMessage(call); err != nil {
		if errors.Is(err, transport.ErrConnClosed) {
			return nil, fmt.Errorf("action %s: %w", action, pkg.ErrSessionClosed)
		}
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	select {
	case r := <-slot:
		if r.err != nil {
			observability.RecordCall(string(action), "call_error")
			return nil, r.err
		}
		observability.RecordCall(string(action), "ok")
		return r.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			observability.RecordCall(string(action), "timeout")
			return nil, fmt.Errorf("action %s: %w", action, pkg.ErrCallTimeout)
		}
		return nil, ctx.Err()
	case <-s.dying:
		observability.RecordCall(string(action), "session_closed")
		return nil, fmt.Errorf("action %s: %w", action, pkg.ErrSessionClosed)
	}
}

// RequestClose begins teardown: new calls fail fast, pending calls fail
// with ErrSessionClosed, and the blocked read unwinds because the transport
// is closed. Idempotent; safe from any goroutine.
func (s *Session) RequestClose() {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return
	}
	s.closeOnce.Do(func() {
		close(s.dying)
		if err := s.conn.Close(); err != nil {
			s.logger.Debugf("charge point %s: close transport: %v", s.id, err)
		}
	})
}

func (s *Session) closing() bool {
	select {
	case <-s.dying:
		return true
	default:
		return false
	}
}

// markClosed is the supervisor's final transition, after the registry entry
// is gone.
func (s *Session) markClosed() {
	s.state.Store(int32(StateClosed))
}
