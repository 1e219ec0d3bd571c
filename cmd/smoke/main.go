package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"autonode/pkg/auth"
)

// Simple E2E check against a running fleet: store on one node, collect from
// another, then race every node for the same task.
func main() {
	nodes := pflag.StringSlice("nodes", []string{"http://localhost:8080", "http://localhost:8081"}, "node API base URLs")
	secret := pflag.String("jwt-secret", os.Getenv("JWT_SECRET"), "mint an operator token with this secret")
	pflag.Parse()

	if len(*nodes) < 2 {
		fmt.Println("❌ need at least two nodes")
		os.Exit(1)
	}

	c := &client{http: &http.Client{Timeout: 10 * time.Second}}
	if *secret != "" {
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.SecretKey = *secret
		svc, err := auth.NewJWTService(jwtCfg)
		if err != nil {
			fail("failed to configure JWT: %v", err)
		}
		c.token, err = svc.GenerateToken("smoke", "smoke", auth.RoleOperator)
		if err != nil {
			fail("failed to mint token: %v", err)
		}
	}

	fmt.Println("Starting E2E Test...")

	// 1. Health
	for _, base := range *nodes {
		status, _ := c.do(http.MethodGet, base+"/health", nil)
		if status != http.StatusOK {
			fail("%s unhealthy, status: %d", base, status)
		}
	}
	fmt.Println("✅ All nodes healthy.")

	// 2. Store on the first node, collect from the second
	key := "smoke-" + uuid.NewString()[:8]
	status, _ := c.do(http.MethodPut, (*nodes)[0]+"/api/v1/items/"+key, map[string]any{
		"name":       "smoke item",
		"attributes": map[string]any{"source": "smoke"},
	})
	if status != http.StatusOK {
		fail("failed to store item, status: %d", status)
	}

	status, body := c.do(http.MethodGet, (*nodes)[1]+"/api/v1/collect/"+key, nil)
	if status != http.StatusOK {
		fail("failed to collect item, status: %d", status)
	}
	fmt.Printf("✅ Collected %s from peer %v.\n", key, body["origin"])

	status, body = c.do(http.MethodGet, (*nodes)[1]+"/api/v1/collect/"+key+"-ghost", nil)
	if status != http.StatusNotFound {
		fail("expected 404 for unknown key, got %d", status)
	}
	fmt.Printf("✅ Unknown key answered %v.\n", body["error"])

	// 3. Race every node for one task
	task := map[string]any{"kind": "smoke", "name": "race-" + uuid.NewString()[:8]}
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		codes = map[int]int{}
	)
	for _, base := range *nodes {
		wg.Add(1)
		go func(base string) {
			defer wg.Done()
			status, _ := c.do(http.MethodPost, base+"/api/v1/claims", task)
			mu.Lock()
			codes[status]++
			mu.Unlock()
		}(base)
	}
	wg.Wait()

	if codes[http.StatusOK] != 1 || codes[http.StatusConflict] != len(*nodes)-1 {
		fail("expected one winner, got %v", codes)
	}
	fmt.Println("✅ Exactly one node claimed the task.")

	fmt.Println("E2E Test Completed.")
}

type client struct {
	http  *http.Client
	token string
}

func (c *client) do(method, url string, payload any) (int, map[string]any) {
	var buf bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&buf).Encode(payload)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		fail("bad request %s %s: %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fail("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func fail(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}
