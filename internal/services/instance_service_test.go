package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/transport"
)

type healthTarget struct {
	srv     *httptest.Server
	wantKey string

	mu      sync.Mutex
	healthy bool
}

func newHealthTarget(t *testing.T, wantKey string) *healthTarget {
	t.Helper()
	ht := &healthTarget{wantKey: wantKey, healthy: true}
	ht.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if ht.wantKey != "" && r.Header.Get("X-API-Key") != ht.wantKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ht.mu.Lock()
		healthy := ht.healthy
		ht.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.HealthResponse{Status: "healthy"})
	}))
	t.Cleanup(ht.srv.Close)
	return ht
}

func (h *healthTarget) setHealthy(v bool) {
	h.mu.Lock()
	h.healthy = v
	h.mu.Unlock()
}

func newInstanceService(t *testing.T, secret string) (*InstanceService, store.DocumentStore) {
	t.Helper()
	log := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	st := store.NewMemoryStore(log)
	pool := transport.NewPool(log, transport.Options{})
	t.Cleanup(pool.Close)

	svc, err := NewInstanceService(st, pool, config.SecurityConfig{APIKeySecret: secret}, log)
	if err != nil {
		t.Fatalf("NewInstanceService: %v", err)
	}
	return svc, st
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected service error with code %s, got %v", code, err)
	}
	if se.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, se.Code, se.Message)
	}
}

func TestInstanceService_RegisterEncryptsKey(t *testing.T) {
	ctx := context.Background()
	ht := newHealthTarget(t, "s3cret")
	svc, st := newInstanceService(t, "registry-secret")

	inst, err := svc.Register(ctx, &models.RegisterInstanceRequest{
		Name:    "backup-site",
		BaseURL: ht.srv.URL,
		APIKey:  "s3cret",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(inst.InstanceID, "inst-") {
		t.Errorf("unexpected instance id %q", inst.InstanceID)
	}
	if !inst.Reachable || inst.LastTestedAt == nil {
		t.Errorf("registration probe not recorded: %+v", inst)
	}

	docs, err := st.Find(ctx, InstancesCollection, nil, "", 0)
	if err != nil || len(docs) != 1 {
		t.Fatalf("persisted instances = %d (err %v), want 1", len(docs), err)
	}
	encrypted, _ := docs[0]["encrypted_api_key"].(string)
	if encrypted == "" || encrypted == "s3cret" {
		t.Fatalf("api key not encrypted at rest: %q", encrypted)
	}
	if _, err := base64.StdEncoding.DecodeString(encrypted); err != nil {
		t.Fatalf("encrypted key is not base64: %v", err)
	}
	if _, leaked := docs[0]["api_key"]; leaked {
		t.Fatal("raw api key persisted")
	}

	// The API view never carries key material.
	raw, err := json.Marshal(inst)
	if err != nil {
		t.Fatalf("marshal instance: %v", err)
	}
	if strings.Contains(string(raw), "s3cret") || strings.Contains(string(raw), encrypted) {
		t.Fatalf("serialized instance leaks key material: %s", raw)
	}

	baseURL, apiKey, err := svc.ResolveTarget(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if baseURL != ht.srv.URL || apiKey != "s3cret" {
		t.Fatalf("resolved %q/%q, want %q/s3cret", baseURL, apiKey, ht.srv.URL)
	}
}

func TestInstanceService_RegisterRejectsUnreachable(t *testing.T) {
	ctx := context.Background()
	ht := newHealthTarget(t, "")
	ht.setHealthy(false)
	svc, st := newInstanceService(t, "registry-secret")

	_, err := svc.Register(ctx, &models.RegisterInstanceRequest{
		Name:    "dead-site",
		BaseURL: ht.srv.URL,
	})
	assertCode(t, err, CodeNodeUnavailable)

	if n, _ := st.Count(ctx, InstancesCollection, nil); n != 0 {
		t.Fatalf("unreachable instance was persisted (%d records)", n)
	}
}

func TestInstanceService_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	ht := newHealthTarget(t, "")
	svc, _ := newInstanceService(t, "registry-secret")

	if _, err := svc.Register(ctx, &models.RegisterInstanceRequest{BaseURL: ht.srv.URL}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := svc.Register(ctx, &models.RegisterInstanceRequest{Name: "x", BaseURL: "ftp://nope"}); err == nil {
		t.Error("expected error for non-http base_url")
	}

	if _, err := svc.Register(ctx, &models.RegisterInstanceRequest{Name: "a", BaseURL: ht.srv.URL}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(ctx, &models.RegisterInstanceRequest{Name: "b", BaseURL: ht.srv.URL})
	assertCode(t, err, CodeConflict)
}

func TestInstanceService_ListGetDelete(t *testing.T) {
	ctx := context.Background()
	first := newHealthTarget(t, "")
	second := newHealthTarget(t, "")
	svc, _ := newInstanceService(t, "registry-secret")

	a, err := svc.Register(ctx, &models.RegisterInstanceRequest{Name: "a", BaseURL: first.srv.URL})
	if err != nil {
		t.Fatalf("Register a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	b, err := svc.Register(ctx, &models.RegisterInstanceRequest{Name: "b", BaseURL: second.srv.URL})
	if err != nil {
		t.Fatalf("Register b: %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list.Count != 2 || len(list.Instances) != 2 {
		t.Fatalf("list count = %d, want 2", list.Count)
	}
	if list.Instances[0].InstanceID != a.InstanceID || list.Instances[1].InstanceID != b.InstanceID {
		t.Fatalf("list order = [%s, %s], want registration order", list.Instances[0].InstanceID, list.Instances[1].InstanceID)
	}

	got, err := svc.Get(ctx, a.InstanceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "a" || got.BaseURL != first.srv.URL {
		t.Fatalf("Get returned %+v", got)
	}
	_, err = svc.Get(ctx, "inst-missing")
	assertCode(t, err, CodeNotFound)

	if err := svc.Delete(ctx, a.InstanceID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = svc.Get(ctx, a.InstanceID)
	assertCode(t, err, CodeNotFound)
	err = svc.Delete(ctx, a.InstanceID)
	assertCode(t, err, CodeNotFound)
}

func TestInstanceService_TestConnectionRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	ht := newHealthTarget(t, "key-1")
	svc, _ := newInstanceService(t, "registry-secret")

	inst, err := svc.Register(ctx, &models.RegisterInstanceRequest{
		Name:    "primary",
		BaseURL: ht.srv.URL,
		APIKey:  "key-1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	registeredAt := *inst.LastTestedAt

	ht.setHealthy(false)
	time.Sleep(5 * time.Millisecond)

	probe, err := svc.TestConnection(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if probe.Reachable || probe.Error == "" {
		t.Fatalf("expected unreachable probe, got %+v", probe)
	}

	got, err := svc.Get(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Reachable {
		t.Error("probe outcome not recorded")
	}
	if got.LastTestedAt == nil || !got.LastTestedAt.After(registeredAt) {
		t.Errorf("last_tested_at not advanced: %v vs %v", got.LastTestedAt, registeredAt)
	}

	ht.setHealthy(true)
	probe, err = svc.TestConnection(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if !probe.Reachable || probe.Error != "" {
		t.Fatalf("expected reachable probe, got %+v", probe)
	}

	_, err = svc.TestConnection(ctx, "inst-missing")
	assertCode(t, err, CodeNotFound)
}

func TestInstanceService_WrongSecretFailsClosed(t *testing.T) {
	ctx := context.Background()
	ht := newHealthTarget(t, "")
	log := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	st := store.NewMemoryStore(log)
	pool := transport.NewPool(log, transport.Options{})
	t.Cleanup(pool.Close)

	svc, err := NewInstanceService(st, pool, config.SecurityConfig{APIKeySecret: "secret-one"}, log)
	if err != nil {
		t.Fatalf("NewInstanceService: %v", err)
	}
	inst, err := svc.Register(ctx, &models.RegisterInstanceRequest{
		Name:    "a",
		BaseURL: ht.srv.URL,
		APIKey:  "the-key",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A service keyed with a different secret must not decrypt the record.
	other, err := NewInstanceService(st, pool, config.SecurityConfig{APIKeySecret: "secret-two"}, log)
	if err != nil {
		t.Fatalf("NewInstanceService: %v", err)
	}
	_, _, err = other.ResolveTarget(ctx, inst.InstanceID)
	assertCode(t, err, CodeInternal)
}

func TestNewInstanceService_RequiresSecret(t *testing.T) {
	log := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	st := store.NewMemoryStore(log)
	pool := transport.NewPool(log, transport.Options{})
	t.Cleanup(pool.Close)

	if _, err := NewInstanceService(st, pool, config.SecurityConfig{}, log); err == nil {
		t.Fatal("expected error for empty api key secret")
	}
}
