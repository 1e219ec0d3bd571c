package main

import (
	"github.com/spf13/pflag"

	config "autonode/configs"
)

// bindFlags registers command line overrides. Defaults come from cfg, which
// already holds the environment, so a flag wins over its variable.
func bindFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "node identity (random when empty)")
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "topic namespace shared by the fleet")
	fs.StringVar(&cfg.BusBackend, "bus", cfg.BusBackend, "broadcast backend: memory, redis or etcd")
	fs.StringVar(&cfg.CatalogBackend, "catalog", cfg.CatalogBackend, "item catalog: memory, postgres, redis or s3")
	fs.StringVar(&cfg.RedisHost, "redis-host", cfg.RedisHost, "redis host")
	fs.StringVar(&cfg.RedisPort, "redis-port", cfg.RedisPort, "redis port")
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd-endpoints", cfg.EtcdEndpoints, "etcd endpoints")
	fs.DurationVar(&cfg.ClaimPollInterval, "claim-poll-interval", cfg.ClaimPollInterval, "claim poll interval")
	fs.DurationVar(&cfg.ClaimTimeout, "claim-timeout", cfg.ClaimTimeout, "claim window")
	fs.DurationVar(&cfg.CollectTimeout, "collect-timeout", cfg.CollectTimeout, "collect window")
	fs.StringVar(&cfg.DuplicatePolicy, "on-duplicate", cfg.DuplicatePolicy, "overwrite or reject a repeated in-flight key")
	fs.StringVar(&cfg.APIPort, "port", cfg.APIPort, "HTTP port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogEncoding, "log-encoding", cfg.LogEncoding, "json or console")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", cfg.TracingEnabled, "export traces over OTLP")
}
