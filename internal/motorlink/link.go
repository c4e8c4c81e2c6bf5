// Package motorlink owns the serial connection to the motor controller.
//
// The controller takes one byte per motor command and answers with a single
// byte when the movement completes. The Link keeps the port open, reopening
// it forever when it fails, and reports every received byte as a step
// completion.
package motorlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/timeutil"
)

var (
	ErrNotConnected = errors.New("motor controller not connected")
	ErrWriteFailed  = errors.New("failed to write to serial port")
	ErrQueueFull    = errors.New("serial outbox full")
)

const outboxSize = 16

// failureLogEvery limits reconnect logging while the controller is absent.
const failureLogEvery = 100

// Config configures a Link.
type Config struct {
	Path    string
	Options PortOptions
	// RetryInterval is the pause between failed open attempts. Zero retries
	// immediately.
	RetryInterval time.Duration

	Open    Opener
	Clock   timeutil.Clock
	Metrics *monitoring.Metrics

	// OnStep is called from the reader goroutine for every byte received.
	OnStep func()
	// OnConnected and OnLost report changes in port availability.
	OnConnected func()
	OnLost      func(err error)
}

// Link is the serial link manager.
type Link struct {
	cfg Config

	mu     sync.Mutex
	outbox chan byte

	attempts atomic.Int64
}

// New returns a Link. Nothing is opened until Run.
func New(cfg Config) *Link {
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Link{cfg: cfg}
}

// Attempts returns how many times Run has tried to open the port.
func (l *Link) Attempts() int {
	return int(l.attempts.Load())
}

// Connected reports whether a port is currently open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outbox != nil
}

// Run opens the port and serves it until ctx is cancelled, reopening it
// whenever opening or reading fails.
func (l *Link) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.attempts.Add(1)
		l.cfg.Metrics.ConnectAttempt(monitoring.LinkSerial)
		port, err := l.cfg.Open(l.cfg.Path, l.cfg.Options)
		if err != nil {
			if failures%failureLogEvery == 0 {
				monitoring.Logf("[serial] open %s failed (attempt %d): %v", l.cfg.Path, l.Attempts(), err)
			}
			failures++
			if err := timeutil.Sleep(ctx, l.cfg.Clock, l.cfg.RetryInterval); err != nil {
				return err
			}
			continue
		}

		monitoring.Logf("[serial] connected to %s after %d failed attempts", l.cfg.Path, failures)
		failures = 0
		err = l.serve(ctx, port)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Logf("[serial] connection to %s lost: %v", l.cfg.Path, err)
		if l.cfg.OnLost != nil {
			l.cfg.OnLost(err)
		}
	}
}

// serve runs the reader on the calling goroutine and the writer on its own
// until the port fails or ctx ends. The port is closed on return.
func (l *Link) serve(ctx context.Context, port Port) error {
	outbox := make(chan byte, outboxSize)
	done := make(chan struct{})

	l.mu.Lock()
	l.outbox = outbox
	l.mu.Unlock()
	if l.cfg.OnConnected != nil {
		l.cfg.OnConnected()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writeLoop(port, outbox, done)
	}()
	go func() {
		// Unblocks the pending Read when the context ends.
		defer wg.Done()
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()

	err := l.readLoop(port)

	l.mu.Lock()
	l.outbox = nil
	l.mu.Unlock()
	close(done)
	port.Close()
	wg.Wait()
	return err
}

func (l *Link) readLoop(port Port) error {
	buf := make([]byte, 1)
	for {
		n, err := port.Read(buf)
		if n > 0 && l.cfg.OnStep != nil {
			l.cfg.OnStep()
		}
		if err != nil {
			return err
		}
	}
}

func (l *Link) writeLoop(port Port, outbox <-chan byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case b := <-outbox:
			n, err := port.Write([]byte{b})
			if err == nil && n != 1 {
				err = ErrWriteFailed
			}
			if err != nil {
				l.cfg.Metrics.SendFailure(monitoring.LinkSerial)
				monitoring.Logf("[serial] write 0x%02x failed: %v", b, err)
			}
		}
	}
}

// SendCommand encodes cmd and queues it for the writer. It does not wait for
// the byte to reach the port.
func (l *Link) SendCommand(cmd frame.Command) error {
	b, err := frame.EncodeMotorByte(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd, err)
	}
	return l.SendByte(b)
}

// SendByte queues one raw byte for the writer.
func (l *Link) SendByte(b byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outbox == nil {
		l.cfg.Metrics.SendFailure(monitoring.LinkSerial)
		return ErrNotConnected
	}
	select {
	case l.outbox <- b:
		return nil
	default:
		l.cfg.Metrics.SendFailure(monitoring.LinkSerial)
		return ErrQueueFull
	}
}
