package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
)

// MemoryStore is an in-memory DocumentStore for tests and single-binary
// deployments. One RWMutex guards the whole keyspace; reads copy documents
// out so callers never share map references with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]models.Document
	logger      *logging.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *logging.Logger) *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]models.Document),
		logger:      logger,
	}
}

func (ms *MemoryStore) Find(ctx context.Context, collection string, filter Filter, afterID string, limit int) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	coll, ok := ms.collections[collection]
	if !ok {
		return nil, nil
	}

	ids := make([]string, 0, len(coll))
	for id := range coll {
		if afterID != "" && id <= afterID {
			continue
		}
		if !filter.Matches(coll[id]) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]models.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, coll[id].Clone())
	}
	return out, nil
}

func (ms *MemoryStore) InsertOne(ctx context.Context, collection string, doc models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := doc.ID()
	if id == "" {
		return fmt.Errorf("store: document missing %s", models.DocumentIDField)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	coll, ok := ms.collections[collection]
	if !ok {
		coll = make(map[string]models.Document)
		ms.collections[collection] = coll
	}

	if _, exists := coll[id]; exists {
		return ErrDuplicateID
	}

	coll[id] = doc.Clone()
	return nil
}

func (ms *MemoryStore) UpdateOne(ctx context.Context, collection, id string, set models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	coll, ok := ms.collections[collection]
	if !ok {
		return ErrNotFound
	}

	doc, exists := coll[id]
	if !exists {
		return ErrNotFound
	}

	for k, v := range set.Clone() {
		if k == models.DocumentIDField {
			continue
		}
		doc[k] = v
	}
	return nil
}

func (ms *MemoryStore) DeleteOne(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	coll, ok := ms.collections[collection]
	if !ok {
		return ErrNotFound
	}

	if _, exists := coll[id]; !exists {
		return ErrNotFound
	}

	delete(coll, id)
	return nil
}

func (ms *MemoryStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	coll, ok := ms.collections[collection]
	if !ok {
		return 0, nil
	}

	if len(filter) == 0 {
		return int64(len(coll)), nil
	}

	var n int64
	for _, doc := range coll {
		if filter.Matches(doc) {
			n++
		}
	}
	return n, nil
}

func (ms *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	names := make([]string, 0, len(ms.collections))
	for name := range ms.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.collections = make(map[string]map[string]models.Document)
	return nil
}
