package wireless

import (
	"net"
	"sync"
)

// PipeListener is an in-memory Listener. Dial hands the server side of a
// net.Pipe to Accept and returns the client side.
type PipeListener struct {
	conns     chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func NewPipeListener() *PipeListener {
	return &PipeListener{
		conns:  make(chan Conn, 4),
		closed: make(chan struct{}),
	}
}

// Dial connects a client claiming to be peer.
func (l *PipeListener) Dial(peer string) net.Conn {
	server, client := net.Pipe()
	select {
	case l.conns <- netConn{Conn: server, peer: peer}:
	case <-l.closed:
		server.Close()
		client.Close()
	}
	return client
}

func (l *PipeListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *PipeListener) Addr() string { return "pipe" }

// Closed reports whether Close was called.
func (l *PipeListener) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}
