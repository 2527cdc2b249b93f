package nodestore

import (
	"context"
	"sort"
	"sync"

	"github.com/ferrydb/ferry/internal/models"
)

// MemoryStore keeps membership in process memory. Suitable for tests and
// single-node deployments; a restart forgets the cluster.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*models.Node
}

// NewMemoryStore creates an empty in-memory node store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*models.Node)}
}

func (s *MemoryStore) Put(ctx context.Context, node *models.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, nodeID string) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return node.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, nodeID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*models.Node)
	return nil
}
