package pkg

import "errors"

var (
	// ErrCallTimeout reports that an outbound call received no reply within
	// its deadline. Only the issuing caller sees it; the session stays up.
	ErrCallTimeout = errors.New("call timed out waiting for reply")

	// ErrSessionClosed reports that a call was issued against, or was still
	// pending on, a session that began teardown.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected reports an administrative operation against a charge
	// point id with no live session.
	ErrNotConnected = errors.New("charge point not connected")

	// ErrHandlerFault reports a request handler failing outside its domain
	// error contract. It is fatal to the owning session.
	ErrHandlerFault = errors.New("request handler fault")
)
