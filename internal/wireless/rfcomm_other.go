//go:build !linux

package wireless

import "errors"

// RFCOMMListener is only available on Linux.
type RFCOMMListener struct{}

var errRFCOMMUnsupported = errors.New("rfcomm is only supported on linux; use the tcp transport")

func ListenRFCOMM(channel uint8) (*RFCOMMListener, error) {
	return nil, errRFCOMMUnsupported
}

func (l *RFCOMMListener) Accept() (Conn, error) { return nil, errRFCOMMUnsupported }
func (l *RFCOMMListener) Close() error          { return nil }
func (l *RFCOMMListener) Addr() string          { return "rfcomm (unsupported)" }
