package server

import (
	"context"
	"time"

	"github.com/gridwire/go-csms/observability"
	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
	"github.com/gridwire/go-csms/server/session"
	"github.com/gridwire/go-csms/transport"
)

// UnknownChargePointID identifies connections whose URL carried no charge
// point id. They get a working session like everyone else.
const UnknownChargePointID = "none"

type Option func(*CentralSystem)

func WithLogger(logger pkg.Logger) Option {
	return func(cs *CentralSystem) {
		cs.logger = logger
	}
}

// WithCallTimeout changes the default bound on outbound calls, used when a
// caller's context has no deadline of its own.
func WithCallTimeout(timeout time.Duration) Option {
	return func(cs *CentralSystem) {
		cs.callTimeout = timeout
	}
}

// WithHeartbeatInterval sets the interval the central system hands out in
// boot and heartbeat confirmations.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(cs *CentralSystem) {
		cs.heartbeatInterval = interval
	}
}

// WithHandler installs a handler for an inbound action, replacing the
// default one if the action has a default.
func WithHandler(action protocol.Action, handler session.HandlerFunc) Option {
	return func(cs *CentralSystem) {
		cs.handlers.Register(action, handler)
	}
}

// CentralSystem accepts charge point connections, tracks their sessions and
// exposes the operator-facing operations on them. One CentralSystem serves
// any number of charge points.
type CentralSystem struct {
	registry *session.Registry
	handlers *session.HandlerTable

	callTimeout       time.Duration
	heartbeatInterval time.Duration

	logger pkg.Logger
}

func NewCentralSystem(opts ...Option) *CentralSystem {
	cs := &CentralSystem{
		handlers:          session.NewHandlerTable(),
		callTimeout:       session.DefaultCallTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		logger:            pkg.DefaultLogger,
	}

	cs.handlers.Register(protocol.ActionBootNotification, cs.handleBootNotification)
	cs.handlers.Register(protocol.ActionHeartbeat, cs.handleHeartbeat)
	cs.handlers.Register(protocol.ActionStatusNotification, cs.handleStatusNotification)

	for _, opt := range opts {
		opt(cs)
	}

	cs.registry = session.NewRegistry(cs.logger)
	observability.Register()

	return cs
}

// RegisterHandler installs a handler for an inbound action. It applies to
// live sessions as well as future ones.
func (cs *CentralSystem) RegisterHandler(action protocol.Action, handler session.HandlerFunc) {
	cs.handlers.Register(action, handler)
}

// Accept takes ownership of an accepted connection and returns once its
// session is registered. The returned channel closes when the session has
// fully terminated; transports block on it before releasing the connection.
func (cs *CentralSystem) Accept(ctx context.Context, conn transport.Conn, chargePointID string) <-chan struct{} {
	if chargePointID == "" {
		chargePointID = UnknownChargePointID
	}

	cs.logger.Infof("charge point %s: connected", chargePointID)
	_, released := cs.registry.Register(ctx, chargePointID, conn, cs.handlers,
		session.WithLogger(cs.logger),
		session.WithCallTimeout(cs.callTimeout),
	)
	return released
}

// Lookup returns the live session for a charge point id.
func (cs *CentralSystem) Lookup(chargePointID string) (*session.Session, bool) {
	return cs.registry.Lookup(chargePointID)
}

func (cs *CentralSystem) ConnectedCount() int {
	return cs.registry.Count()
}

// Shutdown tears down every session and waits for them to terminate or for
// ctx to expire.
func (cs *CentralSystem) Shutdown(ctx context.Context) error {
	cs.logger.Infof("central system: shutting down %d sessions", cs.registry.Count())
	return cs.registry.Shutdown(ctx)
}
