package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/scrypster/synapse/internal/brain"
	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/storage/sqlite"
)

func testConfig(mode, token string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{
			SecurityMode: mode,
			APIToken:     token,
		},
		Brain: config.BrainConfig{
			ConversationCap:  50,
			TokenBudget:      500,
			MaxLookback:      50,
			MinRelevance:     0.30,
			ScoreTimeout:     200 * time.Millisecond,
			ScoreWorkers:     4,
			ExcerptLimit:     160,
			ResolveThreshold: 0.50,
		},
		Aggregator: config.AggregatorConfig{
			EventCountThreshold:  50,
			ElapsedThreshold:     24 * time.Hour,
			MinPendingForElapsed: 10,
			SnapshotRetention:    5,
			EventBatchLimit:      500,
		},
		Tuning: config.DefaultTuning(),
	}
}

func startTestServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, hub, err := Start(ctx, cfg, brain.New(store, cfg))
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if hub == nil {
		t.Fatal("expected a websocket hub")
	}
	return addr
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestServerServesAPIInDevelopmentMode verifies the open development routes
func TestServerServesAPIInDevelopmentMode(t *testing.T) {
	addr := startTestServer(t, testConfig("development", ""))
	base := fmt.Sprintf("http://%s", addr)

	resp := get(t, base+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}

	resp = get(t, base+"/api/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stats: expected 200 without token in dev mode, got %d", resp.StatusCode)
	}

	resp = get(t, base+"/api/patterns", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("patterns: expected 200, got %d", resp.StatusCode)
	}
}

// TestServerEnforcesAuthInProductionMode verifies token gating of API routes
func TestServerEnforcesAuthInProductionMode(t *testing.T) {
	addr := startTestServer(t, testConfig("production", "prod-token"))
	base := fmt.Sprintf("http://%s", addr)

	resp := get(t, base+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay open for monitoring, got %d", resp.StatusCode)
	}

	resp = get(t, base+"/api/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("stats without token: expected 401, got %d", resp.StatusCode)
	}

	resp = get(t, base+"/api/stats", "prod-token")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stats with token: expected 200, got %d", resp.StatusCode)
	}
}

// TestServerSetsSecurityHeaders verifies the response header middleware
func TestServerSetsSecurityHeaders(t *testing.T) {
	addr := startTestServer(t, testConfig("development", ""))

	resp := get(t, fmt.Sprintf("http://%s/api/health", addr), "")
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff header, got %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected DENY frame options, got %q", got)
	}
}

// TestServerRejectsWrongMethods verifies method guards on the routes
func TestServerRejectsWrongMethods(t *testing.T) {
	addr := startTestServer(t, testConfig("development", ""))
	base := fmt.Sprintf("http://%s", addr)

	resp, err := http.Post(base+"/api/patterns", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/patterns: expected 405, got %d", resp.StatusCode)
	}

	resp2, err := http.Post(base+"/api/aggregate", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("POST /api/aggregate: expected 200, got %d", resp2.StatusCode)
	}
}
