package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autonode/pkg/broadcast/memory"
	"autonode/pkg/coordination"
	"autonode/pkg/models"
	"autonode/pkg/node"
	"autonode/pkg/storage"
)

func fastConfig(id string) node.Config {
	cfg := node.DefaultConfig("test")
	cfg.ID = id
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ClaimTimeout = 120 * time.Millisecond
	cfg.CollectTimeout = 150 * time.Millisecond
	cfg.Logger = zap.NewNop()
	return cfg
}

func startNode(t *testing.T, bus *memory.Bus, id string, catalog storage.Catalog) *node.Node {
	t.Helper()
	ch := bus.Connect(id)
	n := node.New(fastConfig(id), ch, catalog)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		_ = n.Close()
		_ = ch.Close()
	})
	return n
}

func TestNode_Topics(t *testing.T) {
	cfg := node.DefaultConfig("fleet")
	assert.Equal(t, "fleet.tasks.claimer", cfg.TaskTopic())
	assert.Equal(t, "fleet.items.collector", cfg.ItemTopic())
}

func TestNode_CollectsItemFromPeer(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	holder := startNode(t, bus, "holder", storage.NewMemoryCatalog())
	asker := startNode(t, bus, "asker", storage.NewMemoryCatalog())

	require.NoError(t, holder.StoreItem(ctx, &models.Item{Key: "widget", Name: "widget-7"}))

	item, err := asker.CollectItem(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, "widget-7", item.Name)
	assert.Equal(t, "holder", item.Origin)

	_, err = asker.LocalItem(ctx, "widget")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNode_CollectAnswersFromOwnCatalog(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	solo := startNode(t, bus, "solo", storage.NewMemoryCatalog())

	require.NoError(t, solo.StoreItem(ctx, &models.Item{Key: "mine", Name: "local"}))
	item, err := solo.CollectItem(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, "local", item.Name)
}

func TestNode_CollectMissingItem(t *testing.T) {
	bus := memory.NewBus()
	a := startNode(t, bus, "a", storage.NewMemoryCatalog())
	startNode(t, bus, "b", nil)

	_, err := a.CollectItem(context.Background(), "ghost")
	assert.ErrorIs(t, err, coordination.ErrNoResponder)
}

func TestNode_OneOfManyClaimsTask(t *testing.T) {
	bus := memory.NewBus(memory.WithDelay(func(memory.Delivery) time.Duration { return 5 * time.Millisecond }))
	nodes := []*node.Node{
		startNode(t, bus, "n1", nil),
		startNode(t, bus, "n2", nil),
		startNode(t, bus, "n3", nil),
	}

	task := models.Task{Kind: "report", Name: "daily", Params: map[string]string{"region": "eu"}}
	errs := make(chan error, len(nodes))
	for _, n := range nodes {
		go func(n *node.Node) {
			_, err := n.ClaimTask(context.Background(), task)
			errs <- err
		}(n)
	}

	won := 0
	for range nodes {
		select {
		case err := <-errs:
			if err == nil {
				won++
			} else {
				assert.ErrorIs(t, err, coordination.ErrAlreadyClaimed)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("claims did not resolve")
		}
	}
	// Random priorities: the smallest one wins unless a node started after
	// hearing a competitor, which the 5ms delivery delay rules out here.
	assert.Equal(t, 1, won)
}

func TestNode_RejectsInvalidTask(t *testing.T) {
	n := startNode(t, memory.NewBus(), "n", nil)
	_, err := n.ClaimTask(context.Background(), models.Task{Kind: "report"})
	assert.ErrorIs(t, err, models.ErrInvalidTask)
}

func TestNode_Lifecycle(t *testing.T) {
	bus := memory.NewBus()
	ch := bus.Connect("n")
	defer ch.Close()
	n := node.New(fastConfig("n"), ch, nil)

	_, err := n.ClaimTask(context.Background(), models.Task{Kind: "k", Name: "n"})
	assert.ErrorIs(t, err, node.ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, 2, bus.Subscribers("test.tasks.claimer")+bus.Subscribers("test.items.collector"))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, 0, bus.Subscribers("test.tasks.claimer"))

	_, err = n.CollectItem(context.Background(), "x")
	assert.ErrorIs(t, err, node.ErrStopped)
	assert.ErrorIs(t, n.Start(context.Background()), node.ErrStopped)
}

func TestNode_CloseResolvesInflightClaim(t *testing.T) {
	bus := memory.NewBus()
	ch := bus.Connect("n")
	defer ch.Close()
	cfg := fastConfig("n")
	cfg.ClaimTimeout = coordination.LongClaimTimeout
	n := node.New(cfg, ch, nil)
	require.NoError(t, n.Start(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := n.ClaimTask(context.Background(), models.Task{Kind: "k", Name: "long"})
		errs <- err
	}()
	require.Eventually(t, func() bool {
		claims, _ := n.Pending()
		return claims == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, coordination.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("claim not resolved on close")
	}
}
