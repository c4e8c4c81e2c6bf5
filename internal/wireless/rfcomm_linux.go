//go:build linux

package wireless

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RFCOMMListener accepts Bluetooth serial port profile connections.
type RFCOMMListener struct {
	file    *os.File
	channel uint8
}

// ListenRFCOMM binds channel on any local adapter.
func ListenRFCOMM(channel uint8) (*RFCOMMListener, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm bind channel %d: %w", channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm listen: %w", err)
	}
	// Non-blocking descriptors are handed to the runtime poller by
	// os.NewFile, which lets Close interrupt a pending Accept.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm set nonblock: %w", err)
	}
	return &RFCOMMListener{
		file:    os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm-listen-%d", channel)),
		channel: channel,
	}, nil
}

func (l *RFCOMMListener) Accept() (Conn, error) {
	raw, err := l.file.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		nfd       int
		sa        unix.Sockaddr
		acceptErr error
	)
	err = raw.Read(func(fd uintptr) bool {
		nfd, sa, acceptErr = unix.Accept(int(fd))
		return acceptErr != unix.EAGAIN
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("rfcomm accept: %w", acceptErr)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, fmt.Errorf("rfcomm set nonblock: %w", err)
	}

	peer := ""
	if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
		peer = formatBDAddr(rc.Addr)
	}
	return fileConn{File: os.NewFile(uintptr(nfd), "rfcomm-"+peer), peer: peer}, nil
}

func (l *RFCOMMListener) Close() error { return l.file.Close() }
func (l *RFCOMMListener) Addr() string { return fmt.Sprintf("rfcomm channel %d", l.channel) }

type fileConn struct {
	*os.File
	peer string
}

func (c fileConn) Peer() string { return c.peer }

// formatBDAddr renders a kernel bdaddr, which is stored least significant
// byte first, in the usual colon-separated form.
func formatBDAddr(a [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}
