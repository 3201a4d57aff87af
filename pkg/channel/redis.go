package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/logging"
)

// redisPrefix namespaces calibration topics on a shared Redis.
const redisPrefix = "tryon:"

// Redis is a Channel over Redis pub/sub, for previews running in another
// process or on another host.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// ConnectRedis opens a client and checks it with PING.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedis wraps client. Close does not close the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		log:    logging.Component("channel"),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish sends m to topic.
func (r *Redis) Publish(ctx context.Context, topic string, m Message) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic and waits for Redis to confirm, so that
// messages published after it returns are received.
func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	ps := r.client.Subscribe(ctx, redisPrefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ps.Close()
		return nil, ErrClosed
	}
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			m, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.log.WithFields(logging.Fields{
					"topic": topic,
					"error": err.Error(),
				}).Warn("Dropping undecodable message")
				continue
			}
			select {
			case out <- m:
			case <-done:
				return
			}
		}
	}()

	sub := newSubscription(out, func() {
		close(done)
		r.mu.Lock()
		delete(r.subs, ps)
		r.mu.Unlock()
		ps.Close()
	})
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Close ends every subscription made through r.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	return nil
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var _ Channel = (*Redis)(nil)
