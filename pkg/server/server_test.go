package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ha1tch/xmigrate/pkg/graph"
	"github.com/ha1tch/xmigrate/pkg/metrics"
	"github.com/ha1tch/xmigrate/pkg/migrate"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/server"
	"github.com/ha1tch/xmigrate/pkg/staging"
	"github.com/rs/zerolog"
)

// TestServer holds test server instance and helpers
type TestServer struct {
	server  *server.Server
	ts      *httptest.Server
	tracker *migrate.Tracker
	dir     *staging.Dir
	metrics *metrics.Metrics
	t       *testing.T
}

// setupTestServer creates a status server over a fresh run
func setupTestServer(t *testing.T) *TestServer {
	tmpDir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	tracker := migrate.NewTracker("run-42")
	tracker.SetOrder([]models.EntitySpec{
		{Source: "res.partner.category"},
		{Source: "contract.contract", Target: "sale.order"},
	})

	dir, err := staging.New(filepath.Join(tmpDir, "data"), filepath.Join(tmpDir, "errors"), logger)
	if err != nil {
		t.Fatal(err)
	}

	g := graph.NewIndexedGraph()
	g.AddNode("res.partner.category")
	g.AddEdge("contract.contract", "res.partner", "partner_id")

	m, err := metrics.New()
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(tracker, server.Options{Errors: dir, Graph: g, Metrics: m.Handler()}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &TestServer{
		server:  srv,
		ts:      ts,
		tracker: tracker,
		dir:     dir,
		metrics: m,
		t:       t,
	}
}

// doRequest makes HTTP request and returns response
func (ts *TestServer) doRequest(method, path string) (*http.Response, []byte) {
	req, err := http.NewRequest(method, ts.ts.URL+path, nil)
	if err != nil {
		ts.t.Fatal(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatal(err)
	}
	defer resp.Body.Close()

	respBody := &bytes.Buffer{}
	respBody.ReadFrom(resp.Body)

	return resp, respBody.Bytes()
}

// TestHealthEndpoints tests health and version endpoints
func TestHealthEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("GET /health", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/health")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected 200, got %d", resp.StatusCode)
		}

		var result map[string]interface{}
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatal(err)
		}

		if result["status"] != "ok" {
			t.Errorf("Expected status ok, got %v", result["status"])
		}
		if result["run_id"] != "run-42" {
			t.Errorf("Expected run_id run-42, got %v", result["run_id"])
		}
	})

	t.Run("GET /version", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/version")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected 200, got %d", resp.StatusCode)
		}

		var result map[string]interface{}
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatal(err)
		}

		if result["version"] == nil {
			t.Error("Expected version field")
		}
	})
}

// TestProgressEndpoints tests the run and per entity type views
func TestProgressEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("GET /api/v1/progress", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/api/v1/progress")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		var progress migrate.Progress
		if err := json.Unmarshal(body, &progress); err != nil {
			t.Fatal(err)
		}
		if progress.RunID != "run-42" {
			t.Errorf("Expected run-42, got %s", progress.RunID)
		}
		if len(progress.Models) != 2 {
			t.Fatalf("Expected 2 entity types, got %d", len(progress.Models))
		}
		if progress.Order[1] != "contract.contract" {
			t.Errorf("Expected plan order, got %v", progress.Order)
		}
	})

	t.Run("GET /api/v1/progress/{model}", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/api/v1/progress/contract.contract")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		var mp migrate.ModelProgress
		if err := json.Unmarshal(body, &mp); err != nil {
			t.Fatal(err)
		}
		if mp.Target != "sale.order" {
			t.Errorf("Expected target sale.order, got %s", mp.Target)
		}
		if mp.State != migrate.StatePending {
			t.Errorf("Expected pending, got %s", mp.State)
		}
	})

	t.Run("Unknown entity type", func(t *testing.T) {
		resp, _ := ts.doRequest("GET", "/api/v1/progress/product.template")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("Invalid entity type", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/api/v1/progress/Res..Partner")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
		if !strings.Contains(string(body), "invalid entity type") {
			t.Errorf("Expected error message, got %s", body)
		}
	})
}

// TestErrorsEndpoint tests reading error files
func TestErrorsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	err := ts.dir.AppendErrors("res.partner", []models.ErrorEntry{
		{SourceID: 7, Error: "missing required field: res.partner.name (char)", BatchInfo: "res.partner_1_4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := ts.doRequest("GET", "/api/v1/errors/res.partner")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var result struct {
		Count  int                 `json:"count"`
		Errors []models.ErrorEntry `json:"errors"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Count != 1 || result.Errors[0].SourceID != 7 {
		t.Errorf("Unexpected errors: %+v", result)
	}

	resp, body = ts.doRequest("GET", "/api/v1/errors/res.users")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"errors":[]`) {
		t.Errorf("Expected an empty list, got %s", body)
	}
}

// TestGraphAndMetrics tests the graph statistics and the metrics endpoint
func TestGraphAndMetrics(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.doRequest("GET", "/api/v1/graph/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats["node_count"] != float64(3) || stats["edge_count"] != float64(1) {
		t.Errorf("Unexpected graph stats: %v", stats)
	}
	if stats["has_cycle"] != false {
		t.Errorf("Expected no cycle, got %v", stats["has_cycle"])
	}

	ts.metrics.ObserveRetry("network")
	resp, body = ts.doRequest("GET", "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `xmigrate_rpc_retries_total{kind="network"} 1`) {
		t.Errorf("Expected retry counter in metrics output")
	}
}

// TestGraphEndpoints tests per entity type dependencies and dependency paths
func TestGraphEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("GET /api/v1/graph/{model}", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/api/v1/graph/res.partner")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		var result struct {
			DependsOn  []graph.Edge `json:"depends_on"`
			Dependents []graph.Edge `json:"dependents"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatal(err)
		}
		if len(result.DependsOn) != 0 {
			t.Errorf("Expected no dependencies, got %v", result.DependsOn)
		}
		if len(result.Dependents) != 1 || result.Dependents[0].From != "contract.contract" || result.Dependents[0].Fields != "partner_id" {
			t.Errorf("Unexpected dependents: %v", result.Dependents)
		}
	})

	t.Run("Unknown entity type", func(t *testing.T) {
		resp, _ := ts.doRequest("GET", "/api/v1/graph/product.template")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("GET /api/v1/graph/path", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/api/v1/graph/path?from=contract.contract&to=res.partner")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		var result struct {
			Path []graph.Edge `json:"path"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatal(err)
		}
		if len(result.Path) != 1 || result.Path[0].To != "res.partner" {
			t.Errorf("Unexpected path: %v", result.Path)
		}
	})

	t.Run("No path", func(t *testing.T) {
		resp, body := ts.doRequest("GET", "/api/v1/graph/path?from=res.partner&to=contract.contract")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", resp.StatusCode)
		}
		if !strings.Contains(string(body), "no dependency path") {
			t.Errorf("Expected error message, got %s", body)
		}
	})

	t.Run("Missing parameter", func(t *testing.T) {
		resp, _ := ts.doRequest("GET", "/api/v1/graph/path?from=res.partner")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})
}

// TestOptionalRoutes tests a server without error log, graph or metrics
func TestOptionalRoutes(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	srv := server.New(migrate.NewTracker("bare"), server.Options{}, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/metrics", "/api/v1/graph/stats", "/api/v1/graph/res.partner", "/api/v1/errors/res.partner"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}
