package wireless

import (
	"errors"
	"io"
	"net"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Conn is an accepted client connection.
type Conn interface {
	io.ReadWriteCloser
	// Peer is the client address used for access control: a Bluetooth
	// device address for RFCOMM, an IP address for TCP.
	Peer() string
}

// Listener accepts client connections. Close must unblock a pending Accept.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// TCPListener serves the client protocol over TCP for development without
// Bluetooth hardware.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP listens on address, for example "127.0.0.1:7001".
func ListenTCP(address string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return netConn{Conn: c, peer: hostOnly(c.RemoteAddr())}, nil
}

func (l *TCPListener) Close() error { return l.ln.Close() }
func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

type netConn struct {
	net.Conn
	peer string
}

func (c netConn) Peer() string { return c.peer }

func hostOnly(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
