package router

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/cluster"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/handlers"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/metrics"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/nodestore"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/transport"
)

const testAPIKey = "router-test-key-0123456789abcdef0123"

func newTestApp(t *testing.T, cfg config.Config, gatherer prometheus.Gatherer) *fiber.App {
	t.Helper()
	log := logging.NewWithWriter(io.Discard, zerolog.Disabled)

	st := store.NewMemoryStore(log)
	c, err := cache.New(config.CacheConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	nodes := nodestore.NewMemoryStore()
	auditLog := audit.NewLog(st, log)
	mgr := cluster.NewManager(nodes, auditLog, nil, config.ClusterConfig{}, log)
	pool := transport.NewPool(log, transport.Options{})
	t.Cleanup(pool.Close)

	h := handlers.New(handlers.Deps{
		Logger:  log,
		Store:   st,
		Cache:   c,
		Nodes:   nodes,
		Cluster: mgr,
		Audit:   auditLog,
		Pool:    pool,
	})
	return New(h, log, cfg, gatherer)
}

func TestRouter_HealthIsOpen(t *testing.T) {
	app := newTestApp(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKeys: []string{testAPIKey}},
	}, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil), 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("health should not require a key, got %d", resp.StatusCode)
	}
}

func TestRouter_APIRequiresKey(t *testing.T) {
	app := newTestApp(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKeys: []string{testAPIKey}},
	}, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/cluster/nodes", nil), 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
	var envelope models.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if envelope.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", envelope.Error.Code)
	}

	req := httptest.NewRequest("GET", "/v1/cluster/nodes", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err = app.Test(req, 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}

	// Admin routes sit behind the same keys.
	req = httptest.NewRequest("GET", "/admin/pool/stats", nil)
	resp, err = app.Test(req, 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 on admin without key, got %d", resp.StatusCode)
	}
}

func TestRouter_UnknownRouteEnvelope(t *testing.T) {
	app := newTestApp(t, config.Config{}, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/v2/nothing", nil), 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var envelope models.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if envelope.Error.Code != "NOT_FOUND" || envelope.Error.Path != "/v2/nothing" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.NewPrometheus(reg); err != nil {
		t.Fatalf("registering collectors: %v", err)
	}
	app := newTestApp(t, config.Config{}, reg)

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on metrics, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics body: %v", err)
	}
	if !strings.Contains(string(body), "replication_events_captured_total") {
		t.Fatalf("expected migration metrics in exposition output:\n%.400s", body)
	}
}

func TestRouter_MetricsAbsentWithoutGatherer(t *testing.T) {
	app := newTestApp(t, config.Config{}, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 when metrics are disabled, got %d", resp.StatusCode)
	}
}
