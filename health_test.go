package opensdg

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/andersop91/opensdg/pkg/trust"
)

func findCheck(status HealthStatus, name string) (CheckResult, bool) {
	for _, c := range status.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

func TestNode_IsHealthy_NotInitialized(t *testing.T) {
	node := &Node{}
	if node.IsHealthy() {
		t.Error("expected uninitialized node to be unhealthy")
	}

	status := node.ReadinessChecks()
	if status.Healthy {
		t.Error("expected uninitialized node health status to be unhealthy")
	}
	if len(status.Checks) != 4 {
		t.Errorf("expected 4 checks, got %d", len(status.Checks))
	}
	check, ok := findCheck(status, "node_running")
	if !ok {
		t.Fatal("expected node_running check to be present")
	}
	if check.Healthy {
		t.Error("expected node_running check to be unhealthy")
	}
}

func TestNode_ReadinessChecks(t *testing.T) {
	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted.json"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	node, err := Init(NewConfig(WithTrustStore(store)))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := node.NewConnection(); err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}

	if !node.IsHealthy() {
		t.Error("expected initialized node to be healthy")
	}
	status := node.ReadinessChecks()
	if !status.Healthy {
		t.Errorf("expected healthy status, got %+v", status.Checks)
	}

	tests := map[string]string{
		"grid_servers": "4 grid servers configured",
		"trust_store":  "0 trusted peers",
		"connections":  "1 connections (0 connected, 0 failed)",
	}
	for name, want := range tests {
		check, ok := findCheck(status, name)
		if !ok {
			t.Errorf("missing check %q", name)
			continue
		}
		if check.Message != want {
			t.Errorf("%s message = %q, want %q", name, check.Message, want)
		}
	}

	node.Shutdown()
	if node.IsHealthy() {
		t.Error("expected shut down node to be unhealthy")
	}
}

func TestHealthHandler(t *testing.T) {
	node, err := Init(nil)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	rec := httptest.NewRecorder()
	HealthHandler(node).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	node.Shutdown()
	rec = httptest.NewRecorder()
	HealthHandler(node).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Healthy {
		t.Error("expected unhealthy status in response")
	}
}

func TestLivenessHandler(t *testing.T) {
	node := &Node{}
	rec := httptest.NewRecorder()
	LivenessHandler(node).ServeHTTP(rec, httptest.NewRequest("GET", "/live", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	if rec.Body.String() != `{"healthy":false}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}
