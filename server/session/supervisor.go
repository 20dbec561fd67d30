package session

import (
	"context"

	"github.com/gridwire/go-csms/observability"
	"github.com/gridwire/go-csms/pkg"
)

// supervisor owns the teardown of one session: however the session ends,
// exactly one goroutine removes the registry entry, marks the session
// closed and releases the transport.
type supervisor struct {
	released chan struct{}
}

func newSupervisor() *supervisor {
	return &supervisor{released: make(chan struct{})}
}

func (sup *supervisor) run(ctx context.Context, r *Registry, e *entry) {
	defer pkg.Recover()
	defer close(sup.released)

	err := e.sess.Run(ctx)

	r.remove(e.sess.id, e)
	e.sess.markClosed()
	observability.SessionClosed()

	if err != nil {
		r.logger.Warnf("charge point %s: session ended: %v", e.sess.id, err)
		return
	}
	r.logger.Infof("charge point %s: session closed", e.sess.id)
}
