package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "autonode/configs"
)

func TestBindFlags_OverridesEnvironment(t *testing.T) {
	t.Setenv("CLAIM_TIMEOUT", "3s")
	t.Setenv("BUS_BACKEND", "etcd")

	cfg := config.LoadConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, cfg)

	require.NoError(t, fs.Parse([]string{
		"--claim-timeout=5s",
		"--node-id=n7",
		"--etcd-endpoints=a:2379,b:2379",
		"--on-duplicate=reject",
	}))

	assert.Equal(t, 5*time.Second, cfg.ClaimTimeout)
	assert.Equal(t, "n7", cfg.NodeID)
	assert.Equal(t, "etcd", cfg.BusBackend)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, "reject", cfg.DuplicatePolicy)
}

func TestOpenBus_Unknown(t *testing.T) {
	cfg := config.LoadConfig()
	cfg.BusBackend = "carrier-pigeon"
	_, _, err := openBus(cfg, nil)
	assert.Error(t, err)
}

func TestOpenCatalog_Memory(t *testing.T) {
	cfg := config.LoadConfig()
	cfg.CatalogBackend = "memory"
	catalog, closer, health, err := openCatalog(cfg)
	require.NoError(t, err)
	assert.NotNil(t, catalog)
	assert.Nil(t, health)
	assert.NoError(t, closer.Close())
}
