package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"autonode/pkg/broadcast"
	"autonode/pkg/eventloop"
	"autonode/pkg/logger"
	"autonode/pkg/metrics"
)

const (
	DefaultCollectTimeout    = 1000 * time.Millisecond
	DefaultCapabilityTimeout = 500 * time.Millisecond
)

// CollectState is the lifecycle of one collect query.
type CollectState int

const (
	CollectInit CollectState = iota
	CollectAnnounced
	CollectWaiting
	CollectAnswered
	CollectTimedOut
)

func (s CollectState) String() string {
	switch s {
	case CollectInit:
		return "init"
	case CollectAnnounced:
		return "announced"
	case CollectWaiting:
		return "waiting"
	case CollectAnswered:
		return "answered"
	case CollectTimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// Capability answers a collect query for key. It reports false when this
// node has nothing to offer.
type Capability[T any] func(ctx context.Context, key string) (T, bool)

// CollectConfig configures a CollectCoordinator.
type CollectConfig[T any] struct {
	NodeID            string
	Topic             string
	CollectTimeout    time.Duration
	CapabilityTimeout time.Duration
	PublishTimeout    time.Duration
	Clock             clockwork.Clock
	// Capability makes this node a responder. Without one it only asks.
	Capability  Capability[T]
	OnDuplicate DuplicatePolicy
	Logger      *zap.Logger
}

// DefaultCollectConfig returns the standard one second collect window.
func DefaultCollectConfig[T any](topic string) CollectConfig[T] {
	return CollectConfig[T]{
		Topic:             topic,
		CollectTimeout:    DefaultCollectTimeout,
		CapabilityTimeout: DefaultCapabilityTimeout,
		PublishTimeout:    DefaultPublishTimeout,
		OnDuplicate:       Overwrite,
	}
}

type collectAttempt[T any] struct {
	key     string
	start   time.Time
	state   CollectState
	handler func(T, error)
	timer   clockwork.Timer
	span    trace.Span
}

// CollectCoordinator runs the first-reply-wins collect protocol and, when
// given a Capability, answers other nodes' queries.
type CollectCoordinator[T any] struct {
	cfg    CollectConfig[T]
	loop   *eventloop.Loop
	bus    broadcast.Channel
	pub    *publisher
	log    *zap.Logger
	tracer trace.Tracer

	sub broadcast.Subscription

	// responders run off the loop
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	stopping  bool
	responder sync.WaitGroup

	// loop-owned
	pending *registry[string, *collectAttempt[T]]
	closed  bool
}

// NewCollectCoordinator builds a coordinator. Call Start before collecting.
func NewCollectCoordinator[T any](cfg CollectConfig[T], loop *eventloop.Loop, bus broadcast.Channel) *CollectCoordinator[T] {
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = DefaultCollectTimeout
	}
	if cfg.CapabilityTimeout <= 0 {
		cfg.CapabilityTimeout = DefaultCapabilityTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("collect")
	}
	log = log.With(zap.String("topic", cfg.Topic))

	ctx, cancel := context.WithCancel(context.Background())
	return &CollectCoordinator[T]{
		cfg:  cfg,
		loop: loop,
		bus:  bus,
		pub: &publisher{
			bus:     bus,
			topic:   cfg.Topic,
			sender:  cfg.NodeID,
			timeout: cfg.PublishTimeout,
			log:     log,
		},
		log:     log,
		tracer:  otel.Tracer(tracerName),
		ctx:     ctx,
		cancel:  cancel,
		pending: newRegistry[string, *collectAttempt[T]](),
	}
}

// Topic returns the topic queries and replies are exchanged on.
func (c *CollectCoordinator[T]) Topic() string {
	return c.cfg.Topic
}

// Start subscribes to the collect topic.
func (c *CollectCoordinator[T]) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.cfg.Topic, c.receive)
	if err != nil {
		return fmt.Errorf("failed to subscribe collect coordinator: %w", err)
	}
	c.sub = sub
	return nil
}

// Collect asks every peer for key. handler is called exactly once, on the
// event loop, with the first reply or an error wrapping ErrNoResponder,
// ErrSuperseded, ErrInProgress, ErrClosed or ErrEmptyKey.
func (c *CollectCoordinator[T]) Collect(key string, handler func(T, error)) {
	if handler == nil {
		handler = func(T, error) {}
	}
	if !c.loop.Post(func() { c.begin(key, handler) }) {
		var zero T
		go handler(zero, ErrClosed)
	}
}

// CollectWait collects key and blocks until the query resolves or ctx is
// done. Cancelling ctx only abandons the wait.
func (c *CollectCoordinator[T]) CollectWait(ctx context.Context, key string) (T, error) {
	done := make(chan result[T], 1)
	c.Collect(key, func(v T, err error) { done <- result[T]{v, err} })

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Pending returns the number of unresolved queries. It reports 0 while the
// loop is not running.
func (c *CollectCoordinator[T]) Pending() int {
	if !c.loop.Running() {
		return 0
	}
	n := make(chan int, 1)
	if !c.loop.Post(func() { n <- c.pending.len() }) {
		return 0
	}
	return <-n
}

// Close resolves all pending queries with ErrClosed, stops answering and
// unsubscribes. It must not be called from a handler. On a loop that is not
// running Close does not wait; queued queries resolve with ErrClosed once the
// loop starts.
func (c *CollectCoordinator[T]) Close() error {
	done := make(chan struct{})
	posted := c.loop.Post(func() {
		defer close(done)
		c.closed = true
		var zero T
		for _, a := range c.pending.drain() {
			c.resolve(a, CollectTimedOut, "closed", zero, ErrClosed)
		}
	})
	if posted && c.loop.Running() {
		<-done
	}

	var err error
	if c.sub != nil {
		err = c.sub.Close()
	}
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.cancel()
	c.responder.Wait()
	return err
}

func (c *CollectCoordinator[T]) begin(key string, handler func(T, error)) {
	var zero T
	if c.closed {
		handler(zero, ErrClosed)
		return
	}
	if key == "" {
		metrics.CollectsTotal.WithLabelValues(c.cfg.Topic, "invalid").Inc()
		handler(zero, ErrEmptyKey)
		return
	}

	if prev, ok := c.pending.get(key); ok {
		if c.cfg.OnDuplicate == Reject {
			metrics.CollectsTotal.WithLabelValues(c.cfg.Topic, "rejected").Inc()
			handler(zero, fmt.Errorf("collect %q: %w", key, ErrInProgress))
			return
		}
		c.pending.take(key, prev)
		c.resolve(prev, CollectTimedOut, "superseded", zero, fmt.Errorf("collect %q: %w", key, ErrSuperseded))
	}

	a := &collectAttempt[T]{
		key:     key,
		start:   c.cfg.Clock.Now(),
		state:   CollectInit,
		handler: handler,
	}
	_, a.span = c.tracer.Start(context.Background(), "collect",
		trace.WithAttributes(
			attribute.String("collect.topic", c.cfg.Topic),
			attribute.String("collect.key", key),
		))
	c.pending.put(key, a)
	metrics.CollectsPending.WithLabelValues(c.cfg.Topic).Set(float64(c.pending.len()))

	id, err := c.pub.send(ActionCollectQuery, CollectQuery{Key: key})
	if err != nil {
		c.pending.take(key, a)
		c.resolve(a, CollectTimedOut, "invalid", zero, err)
		return
	}
	a.state = CollectAnnounced
	c.log.Debug("collect query sent", zap.String("key", key), zap.String("message_id", id))

	a.state = CollectWaiting
	a.timer = c.loop.AfterFunc(c.cfg.Clock, c.cfg.CollectTimeout, func() { c.expire(a) })
}

func (c *CollectCoordinator[T]) expire(a *collectAttempt[T]) {
	if !c.pending.take(a.key, a) {
		return
	}
	var zero T
	c.resolve(a, CollectTimedOut, "timeout", zero, fmt.Errorf("collect %q: %w", a.key, ErrNoResponder))
}

func (c *CollectCoordinator[T]) answer(reply CollectReply) {
	a, ok := c.pending.get(reply.Key)
	if !ok {
		return
	}

	var v T
	if err := json.Unmarshal(reply.Payload, &v); err != nil {
		c.pub.drop(err)
		return
	}
	c.pending.take(reply.Key, a)
	c.resolve(a, CollectAnswered, "answered", v, nil)
}

func (c *CollectCoordinator[T]) resolve(a *collectAttempt[T], state CollectState, outcome string, v T, err error) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.state = state
	elapsed := c.cfg.Clock.Since(a.start)

	metrics.RecordCollect(c.cfg.Topic, outcome, elapsed.Seconds())
	metrics.CollectsPending.WithLabelValues(c.cfg.Topic).Set(float64(c.pending.len()))

	a.span.SetAttributes(attribute.String("collect.outcome", outcome))
	if err != nil {
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.span.End()

	c.log.Debug("collect resolved",
		zap.String("key", a.key),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed))

	a.handler(v, err)
}

// receive runs on the subscription goroutine.
func (c *CollectCoordinator[T]) receive(msg []byte) {
	env, err := decodeEnvelope(msg, ActionCollectQuery, ActionCollectReply)
	if err != nil {
		c.pub.drop(err)
		return
	}

	switch env.Action {
	case ActionCollectQuery:
		var q CollectQuery
		if err := json.Unmarshal(env.Body, &q); err != nil {
			c.pub.drop(err)
			return
		}
		if q.Key == "" {
			c.pub.drop(ErrEmptyKey)
			return
		}
		c.respond(q.Key)

	case ActionCollectReply:
		var r CollectReply
		if err := json.Unmarshal(env.Body, &r); err != nil {
			c.pub.drop(err)
			return
		}
		if r.Key == "" {
			c.pub.drop(ErrEmptyKey)
			return
		}
		c.loop.Post(func() { c.answer(r) })
	}
}

// respond evaluates the capability off the loop and broadcasts a reply when
// it has something.
func (c *CollectCoordinator[T]) respond(key string) {
	if c.cfg.Capability == nil {
		return
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.responder.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.responder.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.CapabilityTimeout)
		defer cancel()

		v, ok := c.cfg.Capability(ctx, key)
		if !ok {
			return
		}
		payload, err := json.Marshal(v)
		if err != nil {
			c.log.Warn("failed to encode collect reply", zap.String("key", key), zap.Error(err))
			return
		}
		if _, err := c.pub.send(ActionCollectReply, CollectReply{Key: key, Payload: payload}); err != nil {
			c.log.Warn("failed to send collect reply", zap.String("key", key), zap.Error(err))
			return
		}
		metrics.RepliesSent.WithLabelValues(c.cfg.Topic).Inc()
		c.log.Debug("answered collect query", zap.String("key", key))
	}()
}
