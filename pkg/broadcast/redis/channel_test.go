package redis_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"autonode/pkg/broadcast"
	busredis "autonode/pkg/broadcast/redis"
)

// ChannelSuite runs against a live Redis. It skips when none is reachable.
type ChannelSuite struct {
	suite.Suite
	a, b *busredis.Channel
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *ChannelSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	addr := fmt.Sprintf("%s:%s",
		getEnv("TEST_REDIS_HOST", "localhost"),
		getEnv("TEST_REDIS_PORT", "6379"),
	)
	cfg := busredis.DefaultChannelConfig(addr)
	cfg.DialTimeout = time.Second

	a, err := busredis.NewChannelWithConfig(cfg)
	if err != nil {
		s.T().Skipf("Skipping redis channel tests: %v", err)
	}
	b, err := busredis.NewChannelWithConfig(cfg)
	if err != nil {
		_ = a.Close()
		s.T().Skipf("Skipping redis channel tests: %v", err)
	}
	s.a, s.b = a, b
}

func (s *ChannelSuite) TearDownSuite() {
	if s.a != nil {
		_ = s.a.Close()
	}
	if s.b != nil {
		_ = s.b.Close()
	}
}

func (s *ChannelSuite) TestFanOutIncludesPublisher() {
	ctx := context.Background()
	topic := "test." + uuid.NewString()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) broadcast.Handler {
		return func(msg []byte) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], string(msg))
		}
	}

	subA, err := s.a.Subscribe(ctx, topic, record("a"))
	s.Require().NoError(err)
	defer subA.Close()
	subB, err := s.b.Subscribe(ctx, topic, record("b"))
	s.Require().NoError(err)
	defer subB.Close()

	s.Require().NoError(s.a.Publish(ctx, topic, []byte("one")))
	s.Require().NoError(s.a.Publish(ctx, topic, []byte("two")))

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 2 && len(got["b"]) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"one", "two"}, got["a"])
	s.Equal([]string{"one", "two"}, got["b"])
}

func (s *ChannelSuite) TestClosedSubscriptionStopsDelivery() {
	ctx := context.Background()
	topic := "test." + uuid.NewString()

	received := make(chan struct{}, 4)
	sub, err := s.b.Subscribe(ctx, topic, func([]byte) { received <- struct{}{} })
	s.Require().NoError(err)
	s.Equal(topic, sub.Topic())
	s.Require().NoError(sub.Close())

	s.Require().NoError(s.a.Publish(ctx, topic, []byte("late")))

	select {
	case <-received:
		s.Fail("message delivered after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelSuite(t *testing.T) {
	suite.Run(t, new(ChannelSuite))
}
