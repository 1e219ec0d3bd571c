package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	config "autonode/configs"
	"autonode/pkg/api"
	"autonode/pkg/broadcast"
	"autonode/pkg/broadcast/etcd"
	"autonode/pkg/broadcast/memory"
	busredis "autonode/pkg/broadcast/redis"
	"autonode/pkg/storage"
	"autonode/pkg/storage/postgres"
	storeredis "autonode/pkg/storage/redis"
	"autonode/pkg/storage/s3store"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openBus connects the configured broadcast backend. The memory bus only
// reaches nodes inside this process.
func openBus(cfg *config.Config, log *zap.Logger) (broadcast.Channel, api.HealthCheck, error) {
	switch cfg.BusBackend {
	case "memory":
		return memory.NewBus().Connect(cfg.NodeID), nil, nil

	case "redis":
		chCfg := busredis.DefaultChannelConfig(cfg.RedisAddr())
		chCfg.Logger = log.Named("bus.redis")
		ch, err := busredis.NewChannelWithConfig(chCfg)
		if err != nil {
			return nil, nil, err
		}
		return ch, func(ctx context.Context) error { return ch.Client().Ping(ctx).Err() }, nil

	case "etcd":
		etcdCfg := etcd.DefaultConfig(cfg.EtcdEndpoints)
		etcdCfg.Prefix = cfg.EtcdPrefix
		etcdCfg.MessageTTL = int64(cfg.EtcdMessageTTL)
		etcdCfg.Logger = log.Named("bus.etcd")
		ch, err := etcd.NewChannel(etcdCfg)
		if err != nil {
			return nil, nil, err
		}
		return ch, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

// openCatalog opens the configured item catalog.
func openCatalog(cfg *config.Config) (storage.Catalog, io.Closer, api.HealthCheck, error) {
	switch cfg.CatalogBackend {
	case "memory":
		return storage.NewMemoryCatalog(), nopCloser{}, nil, nil

	case "postgres":
		store, err := postgres.NewCatalogStore(cfg.PostgresDSN())
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, store.Ping, nil

	case "redis":
		store, err := storeredis.NewCatalogStore(cfg.RedisAddr())
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, store.Ping, nil

	case "s3":
		store, err := s3store.NewCatalogStore(s3store.Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			LocalCacheDir:   cfg.S3CacheDir,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nopCloser{}, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown catalog backend %q", cfg.CatalogBackend)
	}
}
