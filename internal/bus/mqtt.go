package bus

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/course.bridge/internal/monitoring"
)

const (
	DefaultClientID  = "RPi_Client"
	DefaultKeepAlive = 10 * time.Second
	DefaultQoS       = 1

	// quiesce is how long Close lets in-flight work finish, in milliseconds.
	quiesce = 250
)

// MQTTDialer connects to an MQTT broker. Channels are topics.
type MQTTDialer struct {
	// Address is host:port or a broker URL such as tcp://host:1883.
	Address  string
	ClientID string
	Username string
	Password string
	// KeepAlive defaults to DefaultKeepAlive.
	KeepAlive time.Duration
	// QoS applies to subscriptions and publishes.
	QoS byte
	// AckTimeout bounds connect, subscribe and unsubscribe round trips.
	AckTimeout time.Duration
}

func (d MQTTDialer) Addr() string { return brokerURL(d.Address) }

func brokerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

func (d MQTTDialer) ackTimeout() time.Duration {
	if d.AckTimeout <= 0 {
		return 2 * time.Second
	}
	return d.AckTimeout
}

func (d MQTTDialer) Dial(ctx context.Context, channels []string, deliver func(Message)) (Conn, error) {
	clientID, keepAlive := d.ClientID, d.KeepAlive
	if clientID == "" {
		clientID = DefaultClientID
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	c := &mqttConn{
		qos:      d.QoS,
		timeout:  d.ackTimeout(),
		channels: channels,
	}
	handler := func(_ paho.Client, m paho.Message) {
		if c.unsubscribed.Load() {
			return
		}
		deliver(Message{Channel: m.Topic(), Payload: m.Payload()})
	}
	c.filters = make(map[string]byte, len(channels))
	for _, ch := range channels {
		c.filters[ch] = c.qos
	}

	opts := paho.NewClientOptions().
		AddBroker(d.Addr()).
		SetClientID(clientID).
		SetUsername(d.Username).
		SetPassword(d.Password).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectTimeout(c.timeout).
		SetConnectRetry(false).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			monitoring.Logf("[bus] mqtt connection lost: %v", err)
		}).
		SetOnConnectHandler(func(cl paho.Client) {
			// A clean session loses its subscriptions on reconnect.
			if !c.established.Load() || c.unsubscribed.Load() {
				return
			}
			monitoring.Logf("[bus] mqtt reconnected, resubscribing")
			cl.SubscribeMultiple(c.filters, handler)
		})

	c.client = paho.NewClient(opts)
	if err := c.wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, err
	}
	if err := c.wait(ctx, c.client.SubscribeMultiple(c.filters, handler)); err != nil {
		c.client.Disconnect(quiesce)
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}
	c.established.Store(true)
	return c, nil
}

type mqttConn struct {
	client   paho.Client
	qos      byte
	timeout  time.Duration
	channels []string
	filters  map[string]byte

	established  atomic.Bool
	unsubscribed atomic.Bool
}

// wait blocks until tok completes, ctx ends or the ack timeout passes,
// whichever is first.
func (c *mqttConn) wait(ctx context.Context, tok paho.Token) error {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !tok.WaitTimeout(timeout) {
		return ErrAckTimeout
	}
	return tok.Error()
}

// Publish with FireAndForget returns once the message is queued by the
// client; WaitForAck waits for the broker's PUBACK.
func (c *mqttConn) Publish(ctx context.Context, channel string, payload []byte, d Delivery) error {
	tok := c.client.Publish(channel, c.qos, false, payload)
	if d == FireAndForget {
		select {
		case <-tok.Done():
			return tok.Error()
		default:
			return nil
		}
	}
	return c.wait(ctx, tok)
}

func (c *mqttConn) Unsubscribe() error {
	if c.unsubscribed.Swap(true) {
		return nil
	}
	return c.wait(context.Background(), c.client.Unsubscribe(c.channels...))
}

func (c *mqttConn) Close() error {
	c.unsubscribed.Store(true)
	c.client.Disconnect(quiesce)
	return nil
}
