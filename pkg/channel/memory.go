package channel

import (
	"context"
	"errors"
	"sync"
)

// subscriberBuffer is the per-subscriber queue length. Publishers block
// when a subscriber falls this far behind.
const subscriberBuffer = 16

// Memory is an in-process Channel.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch       chan Message
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

// Publish delivers m to every current subscriber of topic. It blocks while
// a subscriber's queue is full, until ctx is done. A subscriber that could
// not take m does not keep it from the others; their failures are joined.
func (b *Memory) Publish(ctx context.Context, topic string, m Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.deliver(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a subscriber on topic. The subscription ends when
// ctx is done or it is closed.
func (b *Memory) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &memorySub{
		ch:   make(chan Message, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	sub := newSubscription(s.ch, func() {
		b.remove(topic, s)
		s.close()
	})
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Close ends every subscription. Further publishes return ErrClosed.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	for _, subs := range topics {
		for s := range subs {
			s.close()
		}
	}
	return nil
}

func (b *Memory) remove(topic string, s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (s *memorySub) deliver(ctx context.Context, m Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	// Queues with room take m even once ctx is done.
	select {
	case s.ch <- m:
		return nil
	default:
	}
	select {
	case s.ch <- m:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close unblocks pending deliveries before closing ch.
func (s *memorySub) close() {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ Channel = (*Memory)(nil)
