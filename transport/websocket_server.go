package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yosida95/uritemplate/v3"

	"github.com/gridwire/go-csms/pkg"
)

const (
	// DefaultSubprotocol is the OCPP-J 1.6 websocket subprotocol name.
	DefaultSubprotocol = "ocpp1.6"

	defaultPathTemplate = "/{chargePointID}"
	pathVarChargePoint  = "chargePointID"

	defaultPingPeriod = 30 * time.Second
	defaultPongWait   = 90 * time.Second
)

type WebSocketServerOption func(*WebSocketServer)

func WithWebSocketServerOptionLogger(logger pkg.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger
	}
}

// WithWebSocketServerOptionPathTemplate sets the URI template the charge
// point id is extracted from, e.g. "/ocpp/{chargePointID}".
func WithWebSocketServerOptionPathTemplate(tmpl string) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.pathTemplate = tmpl
	}
}

// WithWebSocketServerOptionSubprotocols replaces the set of acceptable
// websocket subprotocols.
func WithWebSocketServerOptionSubprotocols(subprotocols ...string) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.subprotocols = subprotocols
	}
}

// WithWebSocketServerOptionKeepalive tunes the server-side ping interval and
// the silence window after which a peer is considered gone. Zero values
// disable keepalive.
func WithWebSocketServerOptionKeepalive(pingPeriod, pongWait time.Duration) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.pingPeriod = pingPeriod
		s.pongWait = pongWait
	}
}

// WebSocketServer accepts charge point connections over websocket, extracts
// the charge point id from the request path and hands each upgraded
// connection to the accept handler. It implements http.Handler so it can be
// mounted on an external server; Run starts its own.
type WebSocketServer struct {
	addr    string
	handler Handler

	upgrader websocket.Upgrader
	pathTmpl *uritemplate.Template

	httpSvr *http.Server

	// options
	logger       pkg.Logger
	pathTemplate string
	subprotocols []string
	pingPeriod   time.Duration
	pongWait     time.Duration
}

func NewWebSocketServer(addr string, handler Handler, opts ...WebSocketServerOption) (*WebSocketServer, error) {
	if handler == nil {
		return nil, errors.New("websocket server: nil accept handler")
	}

	s := &WebSocketServer{
		addr:         addr,
		handler:      handler,
		logger:       pkg.DefaultLogger,
		pathTemplate: defaultPathTemplate,
		subprotocols: []string{DefaultSubprotocol},
		pingPeriod:   defaultPingPeriod,
		pongWait:     defaultPongWait,
	}

	for _, opt := range opts {
		opt(s)
	}

	tmpl, err := uritemplate.New(s.pathTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse path template %q: %w", s.pathTemplate, err)
	}
	s.pathTmpl = tmpl

	s.upgrader = websocket.Upgrader{
		Subprotocols: s.subprotocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	return s, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer pkg.Recover()

	chargePointID, ok := s.matchPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if !s.acceptableSubprotocol(r) {
		s.logger.Warnf("rejecting %s: no acceptable websocket subprotocol in %v", r.RemoteAddr, websocket.Subprotocols(r))
		http.Error(w, "unsupported websocket subprotocol", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warnf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	s.logger.Debugf("connection from %s as %q (subprotocol %q)", r.RemoteAddr, chargePointID, ws.Subprotocol())

	conn := newKeepaliveConn(ws, s.pingPeriod, s.pongWait)
	released := s.handler(r.Context(), conn, chargePointID)
	if released != nil {
		// Rendezvous: hold the handler goroutine (and with it the hijacked
		// connection) until the session owning the conn has torn down.
		<-released
	}
}

func (s *WebSocketServer) matchPath(path string) (string, bool) {
	vals := s.pathTmpl.Match(path)
	if vals == nil {
		// An id-less connect to the root is accepted; identity
		// normalization happens in the accept handler.
		if path == "/" {
			return "", true
		}
		return "", false
	}
	return vals.Get(pathVarChargePoint).String(), true
}

func (s *WebSocketServer) acceptableSubprotocol(r *http.Request) bool {
	for _, offered := range websocket.Subprotocols(r) {
		for _, accepted := range s.subprotocols {
			if offered == accepted {
				return true
			}
		}
	}
	return false
}

// Run serves until Shutdown or a listener error.
func (s *WebSocketServer) Run() error {
	s.httpSvr = &http.Server{
		Addr:    s.addr,
		Handler: s,
	}
	if err := s.httpSvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// RunTLS serves with TLS until Shutdown or a listener error.
func (s *WebSocketServer) RunTLS(certFile, keyFile string) error {
	s.httpSvr = &http.Server{
		Addr:    s.addr,
		Handler: s,
	}
	if err := s.httpSvr.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections. Upgraded connections are owned
// by their sessions; close those first (the central system's Shutdown does)
// so their handler goroutines unblock.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	if s.httpSvr == nil {
		return nil
	}
	if err := s.httpSvr.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown websocket server: %w", err)
	}
	return nil
}
