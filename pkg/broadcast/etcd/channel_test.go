package etcd_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	busetcd "autonode/pkg/broadcast/etcd"
)

// ChannelSuite runs against a live etcd. It skips when none is reachable.
type ChannelSuite struct {
	suite.Suite
	a, b *busetcd.Channel
}

func (s *ChannelSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}

	endpoints := []string{"localhost:2379"}
	if v := os.Getenv("TEST_ETCD_ENDPOINTS"); v != "" {
		endpoints = strings.Split(v, ",")
	}
	cfg := busetcd.DefaultConfig(endpoints)
	cfg.DialTimeout = time.Second
	cfg.Prefix = "/autonode-test/" + uuid.NewString()

	a, err := busetcd.NewChannel(cfg)
	if err != nil {
		s.T().Skipf("Skipping etcd channel tests: %v", err)
	}

	// clientv3.New does not fail on unreachable endpoints, so probe first.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Publish(ctx, "probe", []byte("ping")); err != nil {
		_ = a.Close()
		s.T().Skipf("Skipping etcd channel tests: %v", err)
	}

	b, err := busetcd.NewChannel(cfg)
	if err != nil {
		_ = a.Close()
		s.T().Skipf("Skipping etcd channel tests: %v", err)
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

func (s *ChannelSuite) TestWatchersSeeMessagesAfterSubscribe() {
	ctx := context.Background()

	// Published before anyone subscribed, must not be replayed.
	s.Require().NoError(s.a.Publish(ctx, "tasks.claimer", []byte("stale")))

	var mu sync.Mutex
	var got []string
	sub, err := s.b.Subscribe(ctx, "tasks.claimer", func(msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg))
	})
	s.Require().NoError(err)
	defer sub.Close()

	s.Require().NoError(s.a.Publish(ctx, "tasks.claimer", []byte("fresh")))
	s.Require().NoError(s.a.Publish(ctx, "tasks.claimer.other", []byte("elsewhere")))

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"fresh"}, got)
}

func TestChannelSuite(t *testing.T) {
	suite.Run(t, new(ChannelSuite))
}
