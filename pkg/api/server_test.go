package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autonode/pkg/api"
	"autonode/pkg/auth"
	"autonode/pkg/broadcast/memory"
	"autonode/pkg/models"
	"autonode/pkg/node"
	"autonode/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startNode(t *testing.T, bus *memory.Bus, id string) *node.Node {
	t.Helper()
	cfg := node.DefaultConfig("api-test")
	cfg.ID = id
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ClaimTimeout = 100 * time.Millisecond
	cfg.CollectTimeout = 150 * time.Millisecond
	cfg.Logger = zap.NewNop()

	ch := bus.Connect(id)
	n := node.New(cfg, ch, storage.NewMemoryCatalog())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		_ = n.Close()
		_ = ch.Close()
	})
	return n
}

func newServer(n api.NodeService, jwt *auth.JWTService, checks map[string]api.HealthCheck) *api.Server {
	cfg := api.DefaultConfig("0")
	cfg.Node = n
	cfg.JWTService = jwt
	cfg.HealthChecks = checks
	cfg.Logger = zap.NewNop()
	return api.NewServer(cfg)
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	n := startNode(t, memory.NewBus(), "n1")

	t.Run("healthy", func(t *testing.T) {
		s := newServer(n, nil, map[string]api.HealthCheck{
			"bus": func(context.Context) error { return nil },
		})
		w := do(t, s.Handler(), http.MethodGet, "/health", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "n1", body["node_id"])
	})

	t.Run("degraded", func(t *testing.T) {
		s := newServer(n, nil, map[string]api.HealthCheck{
			"catalog": func(context.Context) error { return errors.New("down") },
		})
		w := do(t, s.Handler(), http.MethodGet, "/health", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode(t, w)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, map[string]any{"catalog": false}, body["dependencies"])
	})
}

func TestServer_Metrics(t *testing.T) {
	s := newServer(startNode(t, memory.NewBus(), "n1"), nil, nil)
	w := do(t, s.Handler(), http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_ClaimTask(t *testing.T) {
	s := newServer(startNode(t, memory.NewBus(), "solo"), nil, nil)

	w := do(t, s.Handler(), http.MethodPost, "/api/v1/claims", api.ClaimRequest{Kind: "report", Name: "nightly"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ClaimResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "solo", resp.NodeID)
	assert.Equal(t, "nightly", resp.Task.Name)
	assert.NotEmpty(t, resp.Key)
}

func TestServer_ClaimTaskInvalid(t *testing.T) {
	s := newServer(startNode(t, memory.NewBus(), "solo"), nil, nil)

	w := do(t, s.Handler(), http.MethodPost, "/api/v1/claims", map[string]string{"kind": "report"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ClaimTaskConflict(t *testing.T) {
	bus := memory.NewBus(memory.WithDelay(func(memory.Delivery) time.Duration { return 10 * time.Millisecond }))
	a := newServer(startNode(t, bus, "a"), nil, nil)
	b := newServer(startNode(t, bus, "b"), nil, nil)

	req := api.ClaimRequest{Kind: "report", Name: "shared"}
	codes := make(chan int, 2)
	for _, s := range []*api.Server{a, b} {
		go func(h http.Handler) {
			codes <- do(t, h, http.MethodPost, "/api/v1/claims", req, "").Code
		}(s.Handler())
	}

	got := map[int]int{}
	for range 2 {
		got[<-codes]++
	}
	// Equal random priorities are astronomically unlikely.
	assert.Equal(t, map[int]int{http.StatusOK: 1, http.StatusConflict: 1}, got)
}

func TestServer_Collect(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	holder := startNode(t, bus, "holder")
	s := newServer(startNode(t, bus, "asker"), nil, nil)

	require.NoError(t, holder.StoreItem(ctx, &models.Item{Key: "widget", Name: "widget-7"}))

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/collect/widget", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var item models.Item
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, "widget-7", item.Name)
	assert.Equal(t, "holder", item.Origin)

	w = do(t, s.Handler(), http.MethodGet, "/api/v1/collect/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOONE_HAS_IT", decode(t, w)["error"])

	w = do(t, s.Handler(), http.MethodGet, "/api/v1/collect/bad%20key", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Items(t *testing.T) {
	s := newServer(startNode(t, memory.NewBus(), "n1"), nil, nil)

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/items/gear", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s.Handler(), http.MethodPut, "/api/v1/items/gear",
		api.PutItemRequest{Name: "gear-1", Attributes: models.Attributes{"teeth": 12.0}}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s.Handler(), http.MethodGet, "/api/v1/items/gear", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var item models.Item
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, "gear-1", item.Name)
	assert.Equal(t, "n1", item.Origin)
	assert.Equal(t, 12.0, item.Attributes["teeth"])

	w = do(t, s.Handler(), http.MethodPut, "/api/v1/items/gear", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Node(t *testing.T) {
	s := newServer(startNode(t, memory.NewBus(), "n1"), nil, nil)

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/node", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "n1", body["node_id"])
	assert.Equal(t, 0.0, body["pending_claims"])
}

func TestServer_ClosedNodeUnavailable(t *testing.T) {
	bus := memory.NewBus()
	ch := bus.Connect("gone")
	defer ch.Close()
	n := node.New(node.DefaultConfig("api-test"), ch, storage.NewMemoryCatalog())
	defer n.Close()

	s := newServer(n, nil, nil)
	w := do(t, s.Handler(), http.MethodPost, "/api/v1/claims", api.ClaimRequest{Kind: "report", Name: "x"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = do(t, s.Handler(), http.MethodGet, "/api/v1/collect/x", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Auth(t *testing.T) {
	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = "test-secret-key-for-api-tests"
	jwtService, err := auth.NewJWTService(jwtCfg)
	require.NoError(t, err)

	s := newServer(startNode(t, memory.NewBus(), "n1"), jwtService, nil)

	viewer, err := jwtService.GenerateToken("u1", "vera", auth.RoleViewer)
	require.NoError(t, err)
	operator, err := jwtService.GenerateToken("u2", "otto", auth.RoleOperator)
	require.NoError(t, err)

	put := api.PutItemRequest{Name: "gear-1"}

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/api/v1/node", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/api/v1/node", nil, "garbage").Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/api/v1/node", nil, viewer).Code)
	assert.Equal(t, http.StatusForbidden, do(t, s.Handler(), http.MethodPut, "/api/v1/items/gear", put, viewer).Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPut, "/api/v1/items/gear", put, operator).Code)
}
