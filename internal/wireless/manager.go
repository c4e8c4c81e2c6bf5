// Package wireless runs the control link to the handheld client: it accepts
// one client at a time, forwards the obstacle maps it sends and writes
// status frames back.
package wireless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/timeutil"
)

var (
	ErrUnauthorizedPeer = errors.New("peer not on allow list")
	ErrNoClient         = errors.New("no wireless client connected")
	ErrQueueFull        = errors.New("wireless outbox full")
)

const (
	outboxSize         = 16
	defaultReadBuffer  = 30
	defaultAcceptPause = 100 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	Listener Listener
	// AllowedPeer is compared case-insensitively with each client's address.
	// Empty admits no client.
	AllowedPeer    string
	ReadBufferSize int
	// AcceptPause is the wait after a failed Accept.
	AcceptPause time.Duration

	// Terminating, once closed, stops the manager after the current client
	// disconnects.
	Terminating <-chan struct{}

	Clock   timeutil.Clock
	Metrics *monitoring.Metrics

	// OnFrame receives each data frame; the slice is owned by the callee.
	OnFrame        func(payload []byte)
	OnConnected    func(peer string)
	OnDisconnected func(peer string)
}

// Manager is the wireless session manager.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	conn    Conn
	peer    string
	outbox  chan frame.StatusFrame
	closing bool
}

func New(cfg Config) *Manager {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBuffer
	}
	if cfg.AcceptPause <= 0 {
		cfg.AcceptPause = defaultAcceptPause
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Manager{cfg: cfg}
}

// ActivePeer returns the connected client's address, or "" when none.
func (m *Manager) ActivePeer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

func (m *Manager) allowed(peer string) bool {
	return m.cfg.AllowedPeer != "" && strings.EqualFold(peer, m.cfg.AllowedPeer)
}

func (m *Manager) terminating() bool {
	select {
	case <-m.cfg.Terminating:
		return true
	default:
		return false
	}
}

// Run accepts clients until ctx is cancelled, or until termination has been
// signalled and no client remains. It returns nil on termination.
func (m *Manager) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-m.cfg.Terminating:
			// No new clients; the current one is served until it leaves or
			// ctx ends.
			m.cfg.Listener.Close()
			select {
			case <-ctx.Done():
			case <-stop:
				return
			}
		case <-stop:
			return
		}
		m.cfg.Listener.Close()
		m.closeActive()
	}()
	defer m.cfg.Listener.Close()

	monitoring.Logf("[wireless] listening on %s", m.cfg.Listener.Addr())
	for {
		conn, err := m.cfg.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.terminating() {
				monitoring.Logf("[wireless] terminating, listener closed")
				return nil
			}
			monitoring.Logf("[wireless] accept failed: %v", err)
			m.cfg.Metrics.ConnectAttempt(monitoring.LinkWireless)
			if err := timeutil.Sleep(ctx, m.cfg.Clock, m.cfg.AcceptPause); err != nil {
				return err
			}
			continue
		}
		m.cfg.Metrics.ConnectAttempt(monitoring.LinkWireless)

		peer := conn.Peer()
		if !m.allowed(peer) {
			m.cfg.Metrics.RejectedPeer()
			monitoring.Logf("[wireless] rejected %s: %v", peer, ErrUnauthorizedPeer)
			conn.Close()
			continue
		}

		monitoring.Logf("[wireless] client %s connected", peer)
		err = m.serve(conn, peer)
		monitoring.Logf("[wireless] client %s disconnected: %v", peer, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.terminating() {
			monitoring.Logf("[wireless] terminating after client disconnect")
			return nil
		}
	}
}

func (m *Manager) serve(conn Conn, peer string) error {
	outbox := make(chan frame.StatusFrame, outboxSize)
	done := make(chan struct{})

	m.mu.Lock()
	m.conn, m.peer, m.outbox = conn, peer, outbox
	if m.closing {
		conn.Close()
	}
	m.mu.Unlock()
	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected(peer)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writeLoop(conn, outbox, done)
	}()

	err := m.readLoop(conn)

	m.mu.Lock()
	m.conn, m.peer, m.outbox = nil, "", nil
	m.mu.Unlock()
	close(done)
	conn.Close()
	wg.Wait()

	if m.cfg.OnDisconnected != nil {
		m.cfg.OnDisconnected(peer)
	}
	return err
}

func (m *Manager) readLoop(conn Conn) error {
	buf := make([]byte, m.cfg.ReadBufferSize)
	for {
		n, readErr := conn.Read(buf)
		payload, err := frame.DecodeWireless(buf, n)
		if err == nil && m.cfg.OnFrame != nil {
			m.cfg.OnFrame(payload)
		}
		if readErr != nil {
			return readErr
		}
		if err != nil {
			return err
		}
	}
}

func (m *Manager) writeLoop(conn Conn, outbox <-chan frame.StatusFrame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f := <-outbox:
			if _, err := conn.Write(f[:]); err != nil {
				m.cfg.Metrics.SendFailure(monitoring.LinkWireless)
				monitoring.Logf("[wireless] write %v failed: %v", f, err)
			}
		}
	}
}

// closeActive drops the current client and any accepted after it.
func (m *Manager) closeActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	if m.conn != nil {
		m.conn.Close()
	}
}

// SendStatus queues a status frame for the connected client. Frames are
// written in the order they are queued.
func (m *Manager) SendStatus(f frame.StatusFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outbox == nil {
		m.cfg.Metrics.SendFailure(monitoring.LinkWireless)
		return ErrNoClient
	}
	select {
	case m.outbox <- f:
		return nil
	default:
		m.cfg.Metrics.SendFailure(monitoring.LinkWireless)
		return fmt.Errorf("%w: dropped %v", ErrQueueFull, f)
	}
}
