package migration

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, zerolog.Disabled)
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.New(config.CacheConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
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

func seedDocs(t *testing.T, st store.DocumentStore, collection string, docs ...models.Document) {
	t.Helper()
	for _, doc := range docs {
		if err := st.InsertOne(context.Background(), collection, doc); err != nil {
			t.Fatalf("seeding %s: %v", collection, err)
		}
	}
}

func assertServiceCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var svcErr *services.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.Code != code {
		t.Fatalf("expected code %s, got %s: %v", code, svcErr.Code, err)
	}
}
