// Package etcd broadcasts over an etcd keyspace. A publish is a leased Put
// under <prefix>/<topic>/<uuid>; subscribers watch <prefix>/<topic>/ and
// receive every PUT event from the revision they subscribed at.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"autonode/pkg/broadcast"
	"autonode/pkg/logger"
	"autonode/pkg/metrics"
)

// Compile-time interface check.
var _ broadcast.Channel = (*Channel)(nil)

// Config for the etcd channel.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	// MessageTTL is the lease TTL in seconds attached to every published key.
	MessageTTL int64
	Logger     *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(endpoints []string) Config {
	return Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Prefix:      "/autonode/bus",
		MessageTTL:  10,
	}
}

// Channel implements broadcast.Channel on etcd.
type Channel struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewChannel dials etcd.
func NewChannel(cfg Config) (*Channel, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewChannelFromClient(cli, cfg), nil
}

// NewChannelFromClient wraps an existing client. Close closes the client.
func NewChannelFromClient(cli *clientv3.Client, cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("bus.etcd")
	}
	ttl := cfg.MessageTTL
	if ttl <= 0 {
		ttl = 10
	}
	return &Channel{
		client: cli,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		ttl:    ttl,
		log:    log,
		subs:   make(map[*subscription]struct{}),
	}
}

func (c *Channel) topicPrefix(topic string) string {
	return c.prefix + "/" + topic + "/"
}

// Publish writes msg under a fresh key bound to a short lease, so published
// messages expire on their own.
func (c *Channel) Publish(ctx context.Context, topic string, msg []byte) (err error) {
	if c.isClosed() {
		return broadcast.ErrClosed
	}
	defer func() { metrics.RecordPublish("etcd", err) }()

	lease, err := c.client.Grant(ctx, c.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	key := c.topicPrefix(topic) + uuid.NewString()
	if _, err := c.client.Put(ctx, key, string(msg), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	return nil
}

// Subscribe starts a watch on the topic prefix at the current revision.
func (c *Channel) Subscribe(ctx context.Context, topic string, handler broadcast.Handler) (broadcast.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broadcast.ErrClosed
	}

	prefix := c.topicPrefix(topic)
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to read revision for %s: %w", topic, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		owner:   c,
		topic:   topic,
		prefix:  prefix,
		nextRev: resp.Header.Revision + 1,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.subs[sub] = struct{}{}

	go sub.run(watchCtx, handler)
	return sub, nil
}

// Close cancels all watches and closes the client.
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
	return c.client.Close()
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
	owner   *Channel
	topic   string
	prefix  string
	nextRev int64
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Close() error {
	s.owner.forget(s)
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// run keeps a watch open until ctx is cancelled. A broken watch is re-opened
// from the last seen revision after an exponential backoff.
func (s *subscription) run(ctx context.Context, handler broadcast.Handler) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	log := s.owner.log.With(zap.String("topic", s.topic))

	for {
		err := s.watch(ctx, handler, retry.Reset)
		if ctx.Err() != nil {
			return
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		log.Warn("watch interrupted, retrying",
			zap.Error(err),
			zap.Int64("from_revision", s.nextRev),
			zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

var errWatchClosed = errors.New("watch channel closed")

func (s *subscription) watch(ctx context.Context, handler broadcast.Handler, healthy func()) error {
	wch := s.owner.client.Watch(clientv3.WithRequireLeader(ctx), s.prefix,
		clientv3.WithPrefix(),
		clientv3.WithRev(s.nextRev),
		clientv3.WithFilterDelete())

	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			if wresp.CompactRevision > 0 {
				// History is gone; skip ahead rather than fail forever.
				s.nextRev = wresp.CompactRevision
			}
			return err
		}
		healthy()
		for _, ev := range wresp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			s.nextRev = ev.Kv.ModRevision + 1
			handler(ev.Kv.Value)
		}
	}
	return errWatchClosed
}
