// Package node composes one event loop, one broadcast connection and the two
// coordinators into a single autonomous node.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"autonode/pkg/broadcast"
	"autonode/pkg/coordination"
	"autonode/pkg/eventloop"
	"autonode/pkg/logger"
	"autonode/pkg/models"
	"autonode/pkg/storage"
)

var (
	ErrNotStarted = errors.New("node not started")
	ErrStopped    = errors.New("node stopped")
)

// Config for a Node.
type Config struct {
	ID             string
	Namespace      string
	PollInterval   time.Duration
	ClaimTimeout   time.Duration
	CollectTimeout time.Duration
	OnDuplicate    coordination.DuplicatePolicy
	Clock          clockwork.Clock
	Logger         *zap.Logger
}

// DefaultConfig returns the standard protocol timings under namespace.
func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:      namespace,
		PollInterval:   coordination.DefaultPollInterval,
		ClaimTimeout:   coordination.DefaultClaimTimeout,
		CollectTimeout: coordination.DefaultCollectTimeout,
		OnDuplicate:    coordination.Overwrite,
	}
}

// TaskTopic is the topic task claims are announced on.
func (c Config) TaskTopic() string {
	return c.Namespace + ".tasks.claimer"
}

// ItemTopic is the topic item collects are exchanged on.
func (c Config) ItemTopic() string {
	return c.Namespace + ".items.collector"
}

// Node claims tasks and collects items over a shared broadcast channel.
// Items in its own catalog are offered to peers that collect them.
type Node struct {
	cfg     Config
	bus     broadcast.Channel
	catalog storage.Catalog
	log     *zap.Logger

	loop  *eventloop.Loop
	tasks *coordination.ClaimCoordinator[models.Task]
	items *coordination.CollectCoordinator[models.Item]

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires a node. The caller keeps ownership of bus and catalog.
func New(cfg Config, bus broadcast.Channel, catalog storage.Catalog) *Node {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "autonode"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("node_id", cfg.ID))

	loop := eventloop.New(log.Named("eventloop"), eventloop.WithName(cfg.ID))

	claimCfg := coordination.DefaultClaimConfig[models.Task](cfg.TaskTopic())
	claimCfg.NodeID = cfg.ID
	claimCfg.PollInterval = cfg.PollInterval
	claimCfg.ClaimTimeout = cfg.ClaimTimeout
	claimCfg.OnDuplicate = cfg.OnDuplicate
	claimCfg.Clock = cfg.Clock
	claimCfg.Logger = log.Named("claim")

	collectCfg := coordination.DefaultCollectConfig[models.Item](cfg.ItemTopic())
	collectCfg.NodeID = cfg.ID
	collectCfg.CollectTimeout = cfg.CollectTimeout
	collectCfg.OnDuplicate = cfg.OnDuplicate
	collectCfg.Clock = cfg.Clock
	collectCfg.Logger = log.Named("collect")
	if catalog != nil {
		collectCfg.Capability = storage.Capability(catalog, log.Named("catalog"))
	}

	return &Node{
		cfg:     cfg,
		bus:     bus,
		catalog: catalog,
		log:     log,
		loop:    loop,
		tasks:   coordination.NewClaimCoordinator(claimCfg, loop, bus),
		items:   coordination.NewCollectCoordinator(collectCfg, loop, bus),
	}
}

// ID returns the node identity.
func (n *Node) ID() string {
	return n.cfg.ID
}

// Config returns the effective configuration.
func (n *Node) Config() Config {
	return n.cfg
}

// Start runs the event loop and subscribes both coordinators.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}

	n.loop.Start()
	if err := n.tasks.Start(ctx); err != nil {
		n.loop.Stop()
		return err
	}
	if err := n.items.Start(ctx); err != nil {
		_ = n.tasks.Close()
		n.loop.Stop()
		return err
	}
	n.started = true

	n.log.Info("node started",
		zap.String("task_topic", n.cfg.TaskTopic()),
		zap.String("item_topic", n.cfg.ItemTopic()),
		zap.Duration("claim_timeout", n.cfg.ClaimTimeout),
		zap.Duration("collect_timeout", n.cfg.CollectTimeout))
	return nil
}

// Close resolves every pending claim and collect with ErrClosed and stops
// the loop. The bus and catalog are left open.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	wasStarted := n.started
	n.stopped = true
	n.mu.Unlock()

	var errs []error
	if wasStarted {
		errs = append(errs, n.items.Close(), n.tasks.Close())
	}
	n.loop.Stop()

	n.log.Info("node stopped")
	return errors.Join(errs...)
}

func (n *Node) ready() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.stopped:
		return ErrStopped
	case !n.started:
		return ErrNotStarted
	}
	return nil
}

// ClaimTask races peers for task and blocks until the claim resolves. It
// returns the claim key on success.
func (n *Node) ClaimTask(ctx context.Context, task models.Task) (uint64, error) {
	if err := n.ready(); err != nil {
		return 0, err
	}
	if err := task.Validate(); err != nil {
		return 0, err
	}
	key, err := coordination.Key(task)
	if err != nil {
		return 0, err
	}

	if _, err := n.tasks.ClaimWait(ctx, task); err != nil {
		return key, fmt.Errorf("claim task %s/%s: %w", task.Kind, task.Name, err)
	}
	n.log.Info("task claimed",
		zap.String("kind", task.Kind),
		zap.String("name", task.Name),
		zap.Uint64("key", key))
	return key, nil
}

// CollectItem asks every node, this one included, for key and returns the
// first answer.
func (n *Node) CollectItem(ctx context.Context, key string) (*models.Item, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}
	item, err := n.items.CollectWait(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("collect item %q: %w", key, err)
	}
	return &item, nil
}

// StoreItem puts item in the local catalog so the node can answer collects for it.
func (n *Node) StoreItem(ctx context.Context, item *models.Item) error {
	if n.catalog == nil {
		return errors.New("node has no catalog")
	}
	item.Origin = n.cfg.ID
	if err := n.catalog.Put(ctx, item); err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}
	return nil
}

// LocalItem reads key from the local catalog only.
func (n *Node) LocalItem(ctx context.Context, key string) (*models.Item, error) {
	if n.catalog == nil {
		return nil, storage.ErrNotFound
	}
	return n.catalog.Get(ctx, key)
}

// Pending reports unresolved claims and collects.
func (n *Node) Pending() (claims, collects int) {
	if n.ready() != nil {
		return 0, 0
	}
	return n.tasks.Pending(), n.items.Pending()
}
