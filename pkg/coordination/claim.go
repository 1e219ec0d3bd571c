// Package coordination implements two leaderless protocols on top of a
// broadcast channel.
//
// ClaimCoordinator lets nodes race for ownership of an object: every
// contender announces a random priority and the smallest one wins once the
// claim window passes without a smaller competitor being seen.
// CollectCoordinator asks every peer for a value and takes the first reply.
//
// Both coordinators keep their bookkeeping on an eventloop.Loop. Handlers run
// on that loop and must not block.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
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
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultClaimTimeout   = 1000 * time.Millisecond
	LongClaimTimeout      = 5000 * time.Millisecond
	DefaultPublishTimeout = 2 * time.Second
)

const tracerName = "autonode/coordination"

// ClaimState is the lifecycle of one claim attempt.
type ClaimState int

const (
	ClaimInit ClaimState = iota
	ClaimAnnounced
	ClaimPolling
	ClaimWon
	ClaimLost
)

func (s ClaimState) String() string {
	switch s {
	case ClaimInit:
		return "init"
	case ClaimAnnounced:
		return "announced"
	case ClaimPolling:
		return "polling"
	case ClaimWon:
		return "won"
	case ClaimLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ClaimConfig configures a ClaimCoordinator.
type ClaimConfig[T any] struct {
	// NodeID must be unique among peers. Announcements carrying this id from
	// another process are taken for stale echoes of our own and ignored.
	NodeID         string
	Topic          string
	PollInterval   time.Duration
	ClaimTimeout   time.Duration
	PublishTimeout time.Duration
	Clock          clockwork.Clock
	// Priority draws the priority of each attempt. Lower wins.
	Priority    func() int64
	KeyFunc     KeyFunc[T]
	OnDuplicate DuplicatePolicy
	Logger      *zap.Logger
}

// DefaultClaimConfig returns the standard one second claim window.
func DefaultClaimConfig[T any](topic string) ClaimConfig[T] {
	return ClaimConfig[T]{
		Topic:          topic,
		PollInterval:   DefaultPollInterval,
		ClaimTimeout:   DefaultClaimTimeout,
		PublishTimeout: DefaultPublishTimeout,
		OnDuplicate:    Overwrite,
	}
}

// RandomPriority returns a uniformly distributed positive int64.
func RandomPriority() int64 {
	return rand.Int64N(math.MaxInt64) + 1
}

type claimAttempt[T any] struct {
	obj       T
	key       uint64
	priority  int64
	msgID     string
	witnessed []int64
	start     time.Time
	state     ClaimState
	handler   func(T, error)
	timer     clockwork.Timer
	span      trace.Span
}

// ClaimCoordinator runs the smallest-priority-wins claim protocol.
type ClaimCoordinator[T any] struct {
	cfg    ClaimConfig[T]
	loop   *eventloop.Loop
	bus    broadcast.Channel
	pub    *publisher
	log    *zap.Logger
	tracer trace.Tracer

	sub broadcast.Subscription

	// loop-owned
	pending *registry[uint64, *claimAttempt[T]]
	closed  bool
}

// NewClaimCoordinator builds a coordinator. Call Start before claiming.
func NewClaimCoordinator[T any](cfg ClaimConfig[T], loop *eventloop.Loop, bus broadcast.Channel) *ClaimCoordinator[T] {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Priority == nil {
		cfg.Priority = RandomPriority
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("claim")
	}
	log = log.With(zap.String("topic", cfg.Topic))

	return &ClaimCoordinator[T]{
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
		pending: newRegistry[uint64, *claimAttempt[T]](),
	}
}

// Topic returns the topic announcements are exchanged on.
func (c *ClaimCoordinator[T]) Topic() string {
	return c.cfg.Topic
}

// Start subscribes to the claim topic.
func (c *ClaimCoordinator[T]) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.cfg.Topic, c.receive)
	if err != nil {
		return fmt.Errorf("failed to subscribe claim coordinator: %w", err)
	}
	c.sub = sub
	return nil
}

// Claim starts an attempt to own obj. handler is called exactly once, on the
// event loop, with obj and nil on success or an error wrapping one of
// ErrAlreadyClaimed, ErrSuperseded, ErrInProgress, ErrClosed or ErrNilObject.
func (c *ClaimCoordinator[T]) Claim(obj T, handler func(T, error)) {
	if handler == nil {
		handler = func(T, error) {}
	}
	if !c.loop.Post(func() { c.begin(obj, handler) }) {
		go handler(obj, ErrClosed)
	}
}

// ClaimWait claims obj and blocks until the attempt resolves or ctx is done.
// Cancelling ctx only abandons the wait.
func (c *ClaimCoordinator[T]) ClaimWait(ctx context.Context, obj T) (T, error) {
	done := make(chan result[T], 1)
	c.Claim(obj, func(v T, err error) { done <- result[T]{v, err} })

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Pending returns the number of unresolved attempts. It reports 0 while the
// loop is not running.
func (c *ClaimCoordinator[T]) Pending() int {
	if !c.loop.Running() {
		return 0
	}
	n := make(chan int, 1)
	if !c.loop.Post(func() { n <- c.pending.len() }) {
		return 0
	}
	return <-n
}

// Close resolves all pending attempts with ErrClosed and unsubscribes. It must
// not be called from a handler. On a loop that is not running Close does not
// wait; queued attempts resolve with ErrClosed once the loop starts.
func (c *ClaimCoordinator[T]) Close() error {
	done := make(chan struct{})
	posted := c.loop.Post(func() {
		defer close(done)
		c.closed = true
		for _, a := range c.pending.drain() {
			c.resolve(a, ClaimLost, "closed", ErrClosed)
		}
	})
	if posted && c.loop.Running() {
		<-done
	}
	if c.sub != nil {
		return c.sub.Close()
	}
	return nil
}

func (c *ClaimCoordinator[T]) key(obj T) (uint64, error) {
	if c.cfg.KeyFunc != nil {
		return c.cfg.KeyFunc(obj)
	}
	return Key(obj)
}

func (c *ClaimCoordinator[T]) begin(obj T, handler func(T, error)) {
	if c.closed {
		handler(obj, ErrClosed)
		return
	}
	if isNil(obj) {
		metrics.ClaimsTotal.WithLabelValues(c.cfg.Topic, "invalid").Inc()
		handler(obj, ErrNilObject)
		return
	}
	key, err := c.key(obj)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues(c.cfg.Topic, "invalid").Inc()
		handler(obj, fmt.Errorf("failed to derive claim key: %w", err))
		return
	}

	if prev, ok := c.pending.get(key); ok {
		if c.cfg.OnDuplicate == Reject {
			metrics.ClaimsTotal.WithLabelValues(c.cfg.Topic, "rejected").Inc()
			handler(obj, fmt.Errorf("claim %d: %w", key, ErrInProgress))
			return
		}
		c.pending.take(key, prev)
		c.resolve(prev, ClaimLost, "superseded", fmt.Errorf("claim %d: %w", key, ErrSuperseded))
	}

	a := &claimAttempt[T]{
		obj:      obj,
		key:      key,
		priority: c.cfg.Priority(),
		start:    c.cfg.Clock.Now(),
		state:    ClaimInit,
		handler:  handler,
	}
	_, a.span = c.tracer.Start(context.Background(), "claim",
		trace.WithAttributes(
			attribute.String("claim.topic", c.cfg.Topic),
			attribute.Int64("claim.priority", a.priority),
			attribute.String("claim.key", fmt.Sprintf("%016x", key)),
		))
	c.pending.put(key, a)
	metrics.ClaimsPending.WithLabelValues(c.cfg.Topic).Set(float64(c.pending.len()))

	a.msgID, err = c.pub.send(ActionClaimAnnounce, ClaimAnnouncement{Hash: key, Time: a.priority})
	if err != nil {
		c.pending.take(key, a)
		c.resolve(a, ClaimLost, "invalid", err)
		return
	}
	a.state = ClaimAnnounced

	c.log.Debug("claim announced",
		zap.Uint64("key", key),
		zap.Int64("priority", a.priority),
		zap.String("message_id", a.msgID))

	a.state = ClaimPolling
	a.timer = c.loop.AfterFunc(c.cfg.Clock, c.cfg.PollInterval, func() { c.poll(a) })
}

// poll is one tick of the claim window.
func (c *ClaimCoordinator[T]) poll(a *claimAttempt[T]) {
	if cur, ok := c.pending.get(a.key); !ok || cur != a {
		return
	}

	for _, p := range a.witnessed {
		if p < a.priority {
			c.pending.take(a.key, a)
			c.resolve(a, ClaimLost, "lost", fmt.Errorf("claim %d: %w", a.key, ErrAlreadyClaimed))
			return
		}
	}

	if c.cfg.Clock.Since(a.start) >= c.cfg.ClaimTimeout {
		c.pending.take(a.key, a)
		c.resolve(a, ClaimWon, "won", nil)
		return
	}

	a.timer = c.loop.AfterFunc(c.cfg.Clock, c.cfg.PollInterval, func() { c.poll(a) })
}

// resolve finalises an attempt that was already taken out of the registry.
func (c *ClaimCoordinator[T]) resolve(a *claimAttempt[T], state ClaimState, outcome string, err error) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.state = state
	elapsed := c.cfg.Clock.Since(a.start)

	metrics.RecordClaim(c.cfg.Topic, outcome, elapsed.Seconds())
	metrics.ClaimsPending.WithLabelValues(c.cfg.Topic).Set(float64(c.pending.len()))

	a.span.SetAttributes(
		attribute.String("claim.outcome", outcome),
		attribute.Int("claim.witnessed", len(a.witnessed)),
	)
	if err != nil && state != ClaimWon {
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.span.End()

	c.log.Debug("claim resolved",
		zap.Uint64("key", a.key),
		zap.Int64("priority", a.priority),
		zap.String("outcome", outcome),
		zap.Int("witnessed", len(a.witnessed)),
		zap.Duration("elapsed", elapsed))

	a.handler(a.obj, err)
}

// receive runs on the subscription goroutine.
func (c *ClaimCoordinator[T]) receive(msg []byte) {
	env, err := decodeEnvelope(msg, ActionClaimAnnounce)
	if err != nil {
		c.pub.drop(err)
		return
	}
	var ann ClaimAnnouncement
	if err := json.Unmarshal(env.Body, &ann); err != nil {
		c.pub.drop(err)
		return
	}
	c.loop.Post(func() { c.witness(env, ann) })
}

// witness records a priority for a key with a pending attempt. Announcements
// for unknown keys are ignored, as are stale echoes of our own superseded
// attempts.
func (c *ClaimCoordinator[T]) witness(env *Envelope, ann ClaimAnnouncement) {
	a, ok := c.pending.get(ann.Hash)
	if !ok {
		return
	}
	if env.Sender == c.cfg.NodeID && env.ID != a.msgID {
		return
	}
	a.witnessed = append(a.witnessed, ann.Time)
	metrics.AnnouncementsWitnessed.WithLabelValues(c.cfg.Topic).Inc()
}

type result[T any] struct {
	value T
	err   error
}
