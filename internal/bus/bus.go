// Package bus bridges the robot to the planner, camera and recognition
// services over a publish/subscribe broker. MQTT is the default backend;
// Redis pub/sub is also supported.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/monitoring"
)

var (
	ErrNotConnected = errors.New("message bus not connected")
	ErrQueueFull    = errors.New("publish queue full")
	ErrAckTimeout   = errors.New("publish not acknowledged in time")
)

const (
	outboxSize = 32
	inboxSize  = 32
)

// Delivery selects whether a publish waits for the broker's reply.
type Delivery int

const (
	FireAndForget Delivery = iota
	WaitForAck
)

func (d Delivery) String() string {
	if d == WaitForAck {
		return "wait_for_ack"
	}
	return "fire_and_forget"
}

// Channels names the pub/sub channels. The first three are subscribed to.
type Channels struct {
	PlanResult        string
	RecognitionResult string
	CameraReady       string

	PlannerRequest     string
	RecognitionRequest string
	CameraRequest      string
}

// DefaultChannels returns the channel names the remote services use.
func DefaultChannels() Channels {
	return Channels{
		PlanResult:         "path_data",
		RecognitionResult:  "detected_target",
		CameraReady:        "picture_taken",
		PlannerRequest:     "run_algo",
		RecognitionRequest: "run_recognition",
		CameraRequest:      "take_picture",
	}
}

func (c Channels) inbound() []string {
	return []string{c.PlanResult, c.RecognitionResult, c.CameraReady}
}

// Message is one delivery on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Router receives inbound messages in arrival order.
type Router func(Message)

// Conn is an open, subscribed broker session.
type Conn interface {
	// Publish sends payload on channel. With WaitForAck it returns once the
	// broker has confirmed the message or ctx ends.
	Publish(ctx context.Context, channel string, payload []byte, d Delivery) error
	// Unsubscribe stops inbound deliveries. Publishing stays possible.
	Unsubscribe() error
	Close() error
}

// Dialer opens broker sessions. Dial subscribes to channels and hands each
// inbound message to deliver, in arrival order, until Unsubscribe or Close.
type Dialer interface {
	Dial(ctx context.Context, channels []string, deliver func(Message)) (Conn, error)
	Addr() string
}

type Config struct {
	Dialer   Dialer
	Channels Channels
	// PublishTimeout bounds each publish.
	PublishTimeout time.Duration
	Metrics        *monitoring.Metrics
}

type publishRequest struct {
	channel  string
	payload  []byte
	delivery Delivery
	reply    chan error
}

// Bridge is the message bridge.
type Bridge struct {
	cfg Config

	mu         sync.Mutex
	conn       Conn
	inbox      chan Message
	unsub      chan struct{}
	subscribed bool
	outbox     chan publishRequest
	stop       chan struct{}
	released   bool
	wg         sync.WaitGroup
}

func New(cfg Config) *Bridge {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.Channels == (Channels{}) {
		cfg.Channels = DefaultChannels()
	}
	return &Bridge{cfg: cfg}
}

// Channels returns the channel names in use.
func (b *Bridge) Channels() Channels { return b.cfg.Channels }

// Connect authenticates with the broker and subscribes to the inbound
// channels.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.cfg.Dialer == nil {
		return fmt.Errorf("connect: %w", ErrNotConnected)
	}
	b.cfg.Metrics.ConnectAttempt(monitoring.LinkBus)

	inbox := make(chan Message, inboxSize)
	unsub := make(chan struct{})
	deliver := func(m Message) {
		select {
		case inbox <- m:
		case <-unsub:
		}
	}
	conn, err := b.cfg.Dialer.Dial(ctx, b.cfg.Channels.inbound(), deliver)
	if err != nil {
		return fmt.Errorf("connect %s: %w", b.cfg.Dialer.Addr(), err)
	}

	b.mu.Lock()
	b.conn, b.inbox, b.unsub, b.subscribed = conn, inbox, unsub, true
	b.outbox = make(chan publishRequest, outboxSize)
	b.stop = make(chan struct{})
	b.released = false
	b.mu.Unlock()

	b.wg.Add(1)
	go b.publishLoop(conn, b.outbox, b.stop)

	monitoring.Logf("[bus] connected to %s, subscribed to %v", b.cfg.Dialer.Addr(), b.cfg.Channels.inbound())
	return nil
}

// Run hands every inbound message to route until the subscription is
// dropped by Disconnect (returning nil) or ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, route Router) error {
	b.mu.Lock()
	inbox, unsub := b.inbox, b.unsub
	b.mu.Unlock()
	if inbox == nil {
		return ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-unsub:
			return nil
		case msg := <-inbox:
			route(msg)
		}
	}
}

// publishLoop owns all publishes so they reach the broker in call order.
func (b *Bridge) publishLoop(conn Conn, outbox <-chan publishRequest, stop <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		case req := <-outbox:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
			err := conn.Publish(ctx, req.channel, req.payload, req.delivery)
			cancel()
			if err != nil {
				b.cfg.Metrics.SendFailure(monitoring.LinkBus)
				monitoring.Logf("[bus] publish to %s failed: %v", req.channel, err)
			}
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

func (b *Bridge) publish(channel string, payload []byte, d Delivery) error {
	req := publishRequest{channel: channel, payload: payload, delivery: d}
	if d == WaitForAck {
		req.reply = make(chan error, 1)
	}

	b.mu.Lock()
	if b.conn == nil || b.released {
		b.mu.Unlock()
		b.cfg.Metrics.SendFailure(monitoring.LinkBus)
		return ErrNotConnected
	}
	select {
	case b.outbox <- req:
	default:
		b.mu.Unlock()
		b.cfg.Metrics.SendFailure(monitoring.LinkBus)
		return fmt.Errorf("%w: %s", ErrQueueFull, channel)
	}
	stop := b.stop
	b.mu.Unlock()

	if req.reply == nil {
		return nil
	}
	select {
	case err := <-req.reply:
		return err
	case <-stop:
		return ErrNotConnected
	}
}

// RequestPlanner forwards an obstacle map to the planner.
func (b *Bridge) RequestPlanner(obstacles []byte, d Delivery) error {
	return b.publish(b.cfg.Channels.PlannerRequest, obstacles, d)
}

// RequestPhoto asks the camera service for a picture.
func (b *Bridge) RequestPhoto(d Delivery) error {
	return b.publish(b.cfg.Channels.CameraRequest, frame.PhotoPayload, d)
}

// RequestRecognition forwards an image reference to the recognition service.
func (b *Bridge) RequestRecognition(payload []byte, d Delivery) error {
	return b.publish(b.cfg.Channels.RecognitionRequest, payload, d)
}

// RequestClose tells the service listening on channel to end its session.
func (b *Bridge) RequestClose(channel string, d Delivery) error {
	return b.publish(channel, frame.ClosePayload, d)
}

// Disconnect drops the subscription. Run returns once it has drained.
// Publishing stays possible until Release.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if !b.subscribed {
		b.mu.Unlock()
		return nil
	}
	b.subscribed = false
	conn := b.conn
	close(b.unsub)
	b.mu.Unlock()

	monitoring.Logf("[bus] unsubscribing")
	return conn.Unsubscribe()
}

// Release stops the publisher and closes the connection. Queued
// fire-and-forget publishes that have not been sent are dropped.
func (b *Bridge) Release() error {
	b.mu.Lock()
	if b.conn == nil || b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	if b.subscribed {
		b.subscribed = false
		close(b.unsub)
	}
	conn := b.conn
	close(b.stop)
	b.mu.Unlock()

	b.wg.Wait()
	monitoring.Logf("[bus] released")
	return conn.Close()
}
