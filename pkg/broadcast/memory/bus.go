// Package memory provides an in-process broadcast bus. Several simulated
// nodes connect to one Bus; tests inject latency and loss through options.
package memory

import (
	"context"
	"sync"
	"time"

	"autonode/pkg/broadcast"
	"autonode/pkg/metrics"
)

// Compile-time interface check.
var _ broadcast.Channel = (*Channel)(nil)

// Delivery describes one message on its way to one subscriber.
type Delivery struct {
	Topic string
	From  string // name of the publishing connection
	To    string // name of the receiving connection
	Msg   []byte
}

// Option configures a Bus.
type Option func(*Bus)

// WithDelay delays each delivery by the returned duration.
func WithDelay(fn func(Delivery) time.Duration) Option {
	return func(b *Bus) { b.delay = fn }
}

// WithDrop discards each delivery for which fn returns true.
func WithDrop(fn func(Delivery) bool) Option {
	return func(b *Bus) { b.drop = fn }
}

// Bus is the shared medium. It is safe for concurrent use.
type Bus struct {
	delay func(Delivery) time.Duration
	drop  func(Delivery) bool

	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{topics: make(map[string]map[*subscription]struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect returns a named connection to the bus. Closing the connection only
// removes its own subscriptions.
func (b *Bus) Connect(name string) *Channel {
	return &Channel{bus: b, name: name, subs: make(map[*subscription]struct{})}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) publish(from, topic string, msg []byte) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		d := Delivery{Topic: topic, From: from, To: sub.owner, Msg: append([]byte(nil), msg...)}
		if b.drop != nil && b.drop(d) {
			metrics.MessagesDropped.WithLabelValues(topic, "injected_loss").Inc()
			continue
		}
		var wait time.Duration
		if b.delay != nil {
			wait = b.delay(d)
		}
		if wait > 0 {
			sub := sub
			time.AfterFunc(wait, func() { sub.enqueue(d.Msg) })
			continue
		}
		sub.enqueue(d.Msg)
	}
}

func (b *Bus) add(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[sub.topic] = subs
	}
	subs[sub] = struct{}{}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

// Channel is one node's connection to a Bus.
type Channel struct {
	bus  *Bus
	name string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Name returns the connection name.
func (c *Channel) Name() string {
	return c.name
}

// Publish delivers msg asynchronously to every subscriber of topic.
func (c *Channel) Publish(_ context.Context, topic string, msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return broadcast.ErrClosed
	}

	c.bus.publish(c.name, topic, msg)
	metrics.RecordPublish("memory", nil)
	return nil
}

// Subscribe registers handler for topic.
func (c *Channel) Subscribe(_ context.Context, topic string, handler broadcast.Handler) (broadcast.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broadcast.ErrClosed
	}

	sub := newSubscription(c, topic, handler)
	c.subs[sub] = struct{}{}
	c.bus.add(sub)
	go sub.run()
	return sub, nil
}

// Close removes all subscriptions of this connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	return nil
}

func (c *Channel) forget(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

type subscription struct {
	conn    *Channel
	owner   string
	topic   string
	handler broadcast.Handler

	mu      sync.Mutex
	queue   [][]byte
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(conn *Channel, topic string, handler broadcast.Handler) *subscription {
	return &subscription{
		conn:    conn,
		owner:   conn.name,
		topic:   topic,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	s.conn.forget(s)
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.conn.bus.remove(s)
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) enqueue(msg []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.handler(msg)
		}
	}
}
