package motorlink

import (
	"bytes"
	"errors"
	"sync"
)

var (
	errPortClosed = errors.New("serial port closed")
	errNoPorts    = errors.New("no port available")
)

// TestPort implements Port in memory. Reads block until data is added with
// AddReadData, an error is injected with FailRead, or the port is closed.
type TestPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readErr  error

	// WriteError is returned by every Write while set.
	WriteError error
	closed     bool
}

// NewTestPort returns an open TestPort.
func NewTestPort() *TestPort {
	p := &TestPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readErr == nil && p.readBuf.Len() == 0 {
		p.cond.Wait()
	}
	if p.readBuf.Len() > 0 {
		return p.readBuf.Read(b)
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	return 0, errPortClosed
}

func (p *TestPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		return 0, p.WriteError
	}
	return p.writeBuf.Write(b)
}

func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddReadData queues bytes for Read, as if sent by the controller.
func (p *TestPort) AddReadData(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(b)
	p.cond.Broadcast()
}

// FailRead makes pending and future reads return err once buffered data
// is drained, simulating a cable pull.
func (p *TestPort) FailRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// Written returns a copy of everything written to the port.
func (p *TestPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.writeBuf.Bytes())
}

// Closed reports whether Close was called.
func (p *TestPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ScriptedOpener fails a fixed number of times and then hands out ports in
// order. It records every path it was asked to open.
type ScriptedOpener struct {
	mu       sync.Mutex
	failures int
	err      error
	ports    []Port
	calls    []string
}

// NewScriptedOpener returns an opener that fails failures times with err
// before returning ports, one per successful call.
func NewScriptedOpener(failures int, err error, ports ...Port) *ScriptedOpener {
	return &ScriptedOpener{failures: failures, err: err, ports: ports}
}

// Open implements Opener.
func (o *ScriptedOpener) Open(path string, _ PortOptions) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, path)
	if o.failures > 0 {
		o.failures--
		return nil, o.err
	}
	if len(o.ports) == 0 {
		return nil, errNoPorts
	}
	p := o.ports[0]
	o.ports = o.ports[1:]
	return p, nil
}

// Calls returns the number of Open calls so far.
func (o *ScriptedOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}
