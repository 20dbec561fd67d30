package session

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/gridwire/go-csms/observability"
	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/transport"
)

// entry pairs a session with the supervisor driving it, so a displaced
// entry can be torn down and a finished one compared before removal.
type entry struct {
	sess *Session
	sup  *supervisor
}

// Registry is the single authority on which charge points are connected.
// A charge point id maps to at most one live session at a time.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *entry]
	logger   pkg.Logger
}

func NewRegistry(logger pkg.Logger) *Registry {
	if logger == nil {
		logger = pkg.DefaultLogger
	}
	return &Registry{
		sessions: cmap.New[*entry](),
		logger:   logger,
	}
}

// Register creates a session for the connection, installs it under the
// charge point id and starts its supervisor. When the id is already taken
// the new session displaces the old one, which is torn down; the charge
// point has evidently reconnected and the fresh connection wins.
//
// The returned channel is closed when the session has fully terminated and
// its registry entry is gone.
func (r *Registry) Register(ctx context.Context, id string, conn transport.Conn, handlers *HandlerTable, opts ...Option) (*Session, <-chan struct{}) {
	sess := New(id, conn, handlers, opts...)
	e := &entry{
		sess: sess,
		sup:  newSupervisor(),
	}

	var displaced *entry
	r.sessions.Upsert(id, e, func(exist bool, current, newValue *entry) *entry {
		if exist {
			displaced = current
		}
		return newValue
	})
	if displaced != nil {
		r.logger.Infof("charge point %s: reconnected, displacing previous session", id)
		displaced.sess.RequestClose()
	}

	observability.SessionRegistered()
	go e.sup.run(ctx, r, e)
	return sess, e.sup.released
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	e, ok := r.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// ForEach visits a snapshot of the registry, skipping sessions already on
// their way down. Sessions appearing or vanishing during iteration may or
// may not be visited.
func (r *Registry) ForEach(fn func(s *Session)) {
	for item := range r.sessions.IterBuffered() {
		if item.Val.sess.State() != StateActive {
			continue
		}
		fn(item.Val.sess)
	}
}

// Disconnect requests teardown of the session registered under id. It
// returns immediately; the session finishes closing in the background.
func (r *Registry) Disconnect(id string) error {
	e, ok := r.sessions.Get(id)
	if !ok {
		return pkg.ErrNotConnected
	}
	e.sess.RequestClose()
	return nil
}

// Shutdown requests teardown of every registered session and waits until
// they have all terminated or ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	var released []<-chan struct{}
	for item := range r.sessions.IterBuffered() {
		item.Val.sess.RequestClose()
		released = append(released, item.Val.sup.released)
	}
	for _, ch := range released {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Registry) Count() int {
	return r.sessions.Count()
}

// remove deletes the entry for id only while it still maps to e. A
// replacement registered under the same id is left untouched when the
// displaced session's supervisor finally gets here.
func (r *Registry) remove(id string, e *entry) {
	r.sessions.RemoveCb(id, func(key string, v *entry, exists bool) bool {
		return exists && v == e
	})
}
