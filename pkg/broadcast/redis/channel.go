package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"autonode/pkg/broadcast"
	"autonode/pkg/logger"
	"autonode/pkg/metrics"
	"autonode/pkg/resilience"
)

// Compile-time interface check.
var _ broadcast.Channel = (*Channel)(nil)

// ChannelConfig holds Redis connection configuration
type ChannelConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	Breaker      resilience.CircuitBreakerConfig
	Logger       *zap.Logger
}

// DefaultChannelConfig returns defaults for a pub/sub node connection.
func DefaultChannelConfig(addr string) ChannelConfig {
	return ChannelConfig{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		Breaker:      resilience.DefaultCircuitBreakerConfig(),
	}
}

// Channel broadcasts over Redis Pub/Sub. PUBLISH fans a message out to every
// connection subscribed to the exact channel name, the publisher included.
type Channel struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
	log     *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewChannel connects to Redis with default config.
func NewChannel(addr string) (*Channel, error) {
	return NewChannelWithConfig(DefaultChannelConfig(addr))
}

// NewChannelWithConfig connects to Redis and verifies the connection.
func NewChannelWithConfig(cfg ChannelConfig) (*Channel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newChannel(client, cfg), nil
}

// NewChannelFromClient wraps an existing client, e.g. one shared with other stores.
func NewChannelFromClient(client *redis.Client, cfg ChannelConfig) *Channel {
	return newChannel(client, cfg)
}

func newChannel(client *redis.Client, cfg ChannelConfig) *Channel {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("bus.redis")
	}

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		log.Warn("publish circuit changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}

	return &Channel{
		client:  client,
		breaker: resilience.NewCircuitBreaker("redis-publish", breakerCfg),
		log:     log,
		subs:    make(map[*subscription]struct{}),
	}
}

// Client exposes the underlying client.
func (c *Channel) Client() *redis.Client {
	return c.client
}

// Publish sends msg with PUBLISH. Failures count towards the circuit breaker.
func (c *Channel) Publish(ctx context.Context, topic string, msg []byte) error {
	if c.isClosed() {
		return broadcast.ErrClosed
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.client.Publish(ctx, topic, msg).Err()
	})
	metrics.RecordPublish("redis", err)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a dedicated Pub/Sub connection for topic. It returns once
// Redis confirmed the subscription, so messages published afterwards are seen.
func (c *Channel) Subscribe(ctx context.Context, topic string, handler broadcast.Handler) (broadcast.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broadcast.ErrClosed
	}

	pubsub := c.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &subscription{
		owner:  c,
		topic:  topic,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	c.subs[sub] = struct{}{}

	go sub.run(handler)

	c.log.Debug("subscribed", zap.String("topic", topic))
	return sub, nil
}

// Close closes all subscriptions and the client.
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

	var errs []error
	for sub := range subs {
		errs = append(errs, sub.close())
	}
	errs = append(errs, c.client.Close())
	return errors.Join(errs...)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) forget(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

type subscription struct {
	owner  *Channel
	topic  string
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	s.owner.forget(s)
	return s.close()
}

func (s *subscription) close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// run delivers messages in arrival order. go-redis reconnects and
// resubscribes on its own; messages published while disconnected are lost,
// which the protocols tolerate.
func (s *subscription) run(handler broadcast.Handler) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		if msg.Channel != s.topic {
			continue
		}
		handler([]byte(msg.Payload))
	}
}
