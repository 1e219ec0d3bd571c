package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"autonode/pkg/models"
	"autonode/pkg/storage"
)

// Compile-time interface check.
var _ storage.Catalog = (*CatalogStore)(nil)

const DefaultKeyPrefix = "autonode:items:"

// CatalogStore keeps one JSON document per item key.
type CatalogStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// CatalogStoreConfig holds Redis connection configuration
type CatalogStoreConfig struct {
	Addr         string
	KeyPrefix    string
	TTL          time.Duration // zero keeps items forever
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultCatalogStoreConfig returns defaults sized for collect lookups.
func DefaultCatalogStoreConfig(addr string) CatalogStoreConfig {
	return CatalogStoreConfig{
		Addr:         addr,
		KeyPrefix:    DefaultKeyPrefix,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// NewCatalogStore initializes a new Redis client with default config.
func NewCatalogStore(addr string) (*CatalogStore, error) {
	return NewCatalogStoreWithConfig(DefaultCatalogStoreConfig(addr))
}

// NewCatalogStoreWithConfig initializes a new Redis client with custom config.
func NewCatalogStoreWithConfig(cfg CatalogStoreConfig) (*CatalogStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
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

	return NewCatalogStoreFromClient(client, cfg), nil
}

// NewCatalogStoreFromClient shares an existing client, e.g. the bus connection pool.
func NewCatalogStoreFromClient(client *redis.Client, cfg CatalogStoreConfig) *CatalogStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &CatalogStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (r *CatalogStore) Close() error {
	return r.client.Close()
}

// Ping checks the connection for health reporting.
func (r *CatalogStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *CatalogStore) Get(ctx context.Context, key string) (*models.Item, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	var item models.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return &item, nil
}

func (r *CatalogStore) Put(ctx context.Context, item *models.Item) error {
	if item.Key == "" {
		return storage.ErrInvalidKey
	}
	now := time.Now().UTC()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+item.Key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}
	return nil
}
