package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"autonode/pkg/models"
	"autonode/pkg/storage"
	itemredis "autonode/pkg/storage/redis"
)

// CatalogStoreSuite runs against a live Redis. It skips when none is reachable.
type CatalogStoreSuite struct {
	suite.Suite
	store *itemredis.CatalogStore
}

func (s *CatalogStoreSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	host, port := os.Getenv("TEST_REDIS_HOST"), os.Getenv("TEST_REDIS_PORT")
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	cfg := itemredis.DefaultCatalogStoreConfig(fmt.Sprintf("%s:%s", host, port))
	cfg.KeyPrefix = "autonode-test:" + uuid.NewString() + ":"
	cfg.TTL = time.Minute
	cfg.DialTimeout = time.Second

	store, err := itemredis.NewCatalogStoreWithConfig(cfg)
	if err != nil {
		s.T().Skipf("Skipping redis catalog tests: %v", err)
	}
	s.store = store
}

func (s *CatalogStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *CatalogStoreSuite) TestPutGet() {
	ctx := context.Background()
	item := &models.Item{Key: "widget", Name: "widget-7", Attributes: models.Attributes{"color": "red"}}
	s.Require().NoError(s.store.Put(ctx, item))

	got, err := s.store.Get(ctx, "widget")
	s.Require().NoError(err)
	s.Equal(item.ID, got.ID)
	s.Equal("widget-7", got.Name)
	s.Equal("red", got.Attributes["color"])
}

func (s *CatalogStoreSuite) TestMissingKey() {
	_, err := s.store.Get(context.Background(), "ghost")
	s.ErrorIs(err, storage.ErrNotFound)
}

func TestCatalogStoreSuite(t *testing.T) {
	suite.Run(t, new(CatalogStoreSuite))
}
