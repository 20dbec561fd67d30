package transport

import (
	"io"
	"sync"
)

// Pipe returns a connected pair of in-memory Conns. Writes on one end are
// reads on the other, delivered synchronously like net.Pipe. Closing an end
// unblocks both sides: the closer reads ErrConnClosed, the peer reads
// io.EOF. Tests use it wherever a real socket would add nothing.
func Pipe() (Conn, Conn) {
	aToB := make(chan []byte)
	bToA := make(chan []byte)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeConn{in: bToA, out: aToB, localDone: aDone, remoteDone: bDone}
	b := &pipeConn{in: aToB, out: bToA, localDone: bDone, remoteDone: aDone}
	return a, b
}

type pipeConn struct {
	in  <-chan []byte
	out chan<- []byte

	localDone  chan struct{}
	remoteDone <-chan struct{}
	closeOnce  sync.Once
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	// A close racing an in-flight read must win; otherwise a chatty peer
	// could keep a closed conn readable forever.
	select {
	case <-p.localDone:
		return nil, ErrConnClosed
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.localDone:
		return nil, ErrConnClosed
	case <-p.remoteDone:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.localDone:
		return ErrConnClosed
	case <-p.remoteDone:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.localDone) })
	return nil
}
