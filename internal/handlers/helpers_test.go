package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/cluster"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/middleware"
	"github.com/ferrydb/ferry/internal/migration"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/nodestore"
	"github.com/ferrydb/ferry/internal/queue"
	"github.com/ferrydb/ferry/internal/replication"
	"github.com/ferrydb/ferry/internal/sanitize"
	"github.com/ferrydb/ferry/internal/schema"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/throttle"
	"github.com/ferrydb/ferry/internal/topology"
	"github.com/ferrydb/ferry/internal/transport"
)

const testLocalNode = "node-a"

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, zerolog.Disabled)
}

var (
	signerOnce   sync.Once
	sharedSigner *signing.Signer
	signerErr    error
)

// testSigner returns one process-wide keypair shared across tests; RSA key
// generation per test would dominate the suite's runtime.
func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	signerOnce.Do(func() {
		sharedSigner, signerErr = signing.Generate(signing.MinKeyBits)
	})
	if signerErr != nil {
		t.Fatalf("generating signer: %v", signerErr)
	}
	return sharedSigner
}

// testEnv wires a full handler over in-memory backends.
type testEnv struct {
	handler   *Handler
	store     *store.MemoryStore
	cache     cache.Cache
	nodes     *nodestore.MemoryStore
	cluster   *cluster.Manager
	audit     *audit.Log
	signer    *signing.Signer
	transfers *migration.TransferService
	instances *services.InstanceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := testLogger()

	st := store.NewMemoryStore(log)
	c, err := cache.New(config.CacheConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	nodes := nodestore.NewMemoryStore()
	auditLog := audit.NewLog(st, log)
	mgr := cluster.NewManager(nodes, auditLog, nil, config.ClusterConfig{}, log)
	mgr.SetLocalNode(testLocalNode)

	bus, err := queue.New(config.QueueConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("creating bus: %v", err)
	}
	pool := transport.NewPool(log, transport.Options{})
	t.Cleanup(pool.Close)

	repl := replication.NewService(st, mgr, bus, pool, nil, config.ReplicationConfig{Enabled: true}, "", log)

	signer := testSigner(t)
	san := sanitize.New(config.SanitizerConfig{}, log)
	validator := schema.NewValidator(st, 50)
	throttles := throttle.NewRegistry(log)

	mcfg := config.MigrationConfig{BatchSize: 4, MaxConcurrent: 1}
	exporter := migration.NewExporter(st, c, san, signer, auditLog, nil, mcfg, testLocalNode, log)
	importer := migration.NewImporter(st, c, signer, auditLog, nil, mcfg, log)
	resume := migration.NewResume(c, 0, 0, log)
	engine := migration.NewEngine(st, resume, throttles, validator, san, signer, pool, auditLog, nil, mcfg, testLocalNode, log)

	instances, err := services.NewInstanceService(st, pool, config.SecurityConfig{APIKeySecret: "test-secret"}, log)
	if err != nil {
		t.Fatalf("creating instance service: %v", err)
	}
	topo := topology.NewHelper(mgr, log)
	transfers := migration.NewTransferService(engine, resume, st, instances, topo, mcfg, log)
	t.Cleanup(transfers.Stop)

	h := New(Deps{
		Logger:      log,
		LocalNode:   testLocalNode,
		Store:       st,
		Cache:       c,
		Nodes:       nodes,
		Cluster:     mgr,
		Replication: repl,
		Schema:      validator,
		Signer:      signer,
		Audit:       auditLog,
		Throttles:   throttles,
		Pool:        pool,
		Topology:    topo,
		Exporter:    exporter,
		Importer:    importer,
		Transfers:   transfers,
		Instances:   instances,
	})

	return &testEnv{
		handler:   h,
		store:     st,
		cache:     c,
		nodes:     nodes,
		cluster:   mgr,
		audit:     auditLog,
		signer:    signer,
		transfers: transfers,
		instances: instances,
	}
}

// newApp builds a fiber app with the same error handler the router
// installs, so service errors map to their envelopes in tests.
func newApp() *fiber.App {
	return fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(testLogger()),
	})
}

func jsonRequest(t *testing.T, method, path string, payload interface{}) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("unmarshaling response %q: %v", body, err)
	}
}

func assertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	var envelope models.ErrorResponse
	decodeJSON(t, resp, &envelope)
	if envelope.Error.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, envelope.Error.Code, envelope.Error.Message)
	}
}

func seedDocs(t *testing.T, st store.DocumentStore, collection string, docs ...models.Document) {
	t.Helper()
	for _, doc := range docs {
		if err := st.InsertOne(context.Background(), collection, doc); err != nil {
			t.Fatalf("seeding %s: %v", collection, err)
		}
	}
}

// importTarget stands in for a receiving node: a real importer and schema
// endpoint over an isolated store, so transfers exercise full signature
// verification end to end.
type importTarget struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newImportTarget(t *testing.T) *importTarget {
	t.Helper()
	log := testLogger()
	target := &importTarget{store: store.NewMemoryStore(log)}

	c, err := cache.New(config.CacheConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("creating target cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	auditLog := audit.NewLog(store.NewMemoryStore(log), log)
	imp := migration.NewImporter(target.store, c, testSigner(t), auditLog, nil, config.MigrationConfig{}, log)
	validator := schema.NewValidator(target.store, 50)

	target.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/migration/import":
			var req models.ImportRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body, err := base64.StdEncoding.DecodeString(req.Payload)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			res, err := imp.Import(r.Context(), body, req.Signature, migration.ImportOptions{
				Conflict: req.Conflict,
				UserID:   req.UserID,
			})
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(res)

		case r.Method == http.MethodGet && len(r.URL.Path) > len("/v1/migration/schema/") &&
			r.URL.Path[:len("/v1/migration/schema/")] == "/v1/migration/schema/":
			collection := r.URL.Path[len("/v1/migration/schema/"):]
			extracted, err := validator.Extract(r.Context(), collection)
			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(extracted)

		case r.Method == http.MethodGet && r.URL.Path == "/health":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(models.HealthResponse{Status: "healthy"})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(target.srv.Close)
	return target
}

func (tg *importTarget) count(t *testing.T, collection string) int {
	t.Helper()
	n, err := tg.store.Count(context.Background(), collection, nil)
	if err != nil {
		t.Fatalf("counting %s on target: %v", collection, err)
	}
	return int(n)
}

// waitForStatus polls the transfer service until the task reaches want or
// the deadline passes.
func waitForStatus(t *testing.T, svc *migration.TransferService, transferID, want string) *models.TransferStatusResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.Get(context.Background(), transferID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := svc.Get(context.Background(), transferID)
	t.Fatalf("transfer %s never reached %s (last: %+v, err: %v)", transferID, want, task, err)
	return nil
}
