package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	config "autonode/configs"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := config.LoadConfig()

	assert.Equal(t, "autonode", cfg.Namespace)
	assert.Equal(t, 200*time.Millisecond, cfg.ClaimPollInterval)
	assert.Equal(t, time.Second, cfg.ClaimTimeout)
	assert.Equal(t, time.Second, cfg.CollectTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CLAIM_TIMEOUT", "5s")
	t.Setenv("COLLECT_TIMEOUT", "250ms")
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := config.LoadConfig()

	assert.Equal(t, 5*time.Second, cfg.ClaimTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.CollectTimeout)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.EtcdEndpoints)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoadConfig_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("CLAIM_POLL_INTERVAL", "soon")

	cfg := config.LoadConfig()

	assert.Equal(t, 200*time.Millisecond, cfg.ClaimPollInterval)
}
