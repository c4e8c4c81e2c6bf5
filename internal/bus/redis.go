package bus

import (
	"context"
	"fmt"
	"sync"

	backend "github.com/redis/go-redis/v9"
)

// RedisDialer connects to a Redis server and uses its pub/sub channels.
type RedisDialer struct {
	Address  string
	Username string
	Password string
	DB       int
}

func (d RedisDialer) Addr() string { return d.Address }

func (d RedisDialer) Dial(ctx context.Context, channels []string, deliver func(Message)) (Conn, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     d.Address,
		Username: d.Username,
		Password: d.Password,
		DB:       d.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	sub := client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	c := &redisConn{client: client, sub: sub, done: make(chan struct{})}
	go c.forward(sub.Channel(), deliver)
	return c, nil
}

type redisConn struct {
	client *backend.Client

	mu   sync.Mutex
	sub  *backend.PubSub
	done chan struct{}
}

// forward hands subscription messages on until the subscription closes.
func (c *redisConn) forward(ch <-chan *backend.Message, deliver func(Message)) {
	defer close(c.done)
	for msg := range ch {
		deliver(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
	}
}

// Publish is synchronous in Redis, so both deliveries wait for the reply.
func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte, _ Delivery) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c *redisConn) Unsubscribe() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (c *redisConn) Close() error {
	c.Unsubscribe()
	<-c.done
	return c.client.Close()
}
