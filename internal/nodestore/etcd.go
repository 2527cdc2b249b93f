package nodestore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	gocache "github.com/patrickmn/go-cache"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
)

const (
	defaultNamespace   = "/ferry"
	defaultDialTimeout = 5 * time.Second
	defaultCacheTTL    = 30 * time.Second
)

// EtcdStore keeps membership in etcd so every node sees the same registry.
// Reads go through a short-TTL cache: membership changes slowly compared to
// how often health checks and election read it.
type EtcdStore struct {
	client *clientv3.Client
	cache  *gocache.Cache
	prefix string
	logger *logging.Logger
}

// NewEtcdStore connects to etcd and prepares the membership keyspace under
// <namespace>/cluster/nodes/.
func NewEtcdStore(cfg config.NodeStoreConfig, logger *logging.Logger) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("nodestore etcd requires at least one endpoint")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdStore{
		client: client,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		prefix: path.Join(namespace, "cluster", "nodes"),
		logger: logger,
	}, nil
}

func (s *EtcdStore) key(nodeID string) string {
	return path.Join(s.prefix, nodeID)
}

func (s *EtcdStore) Put(ctx context.Context, node *models.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(node.ID), string(data)); err != nil {
		return fmt.Errorf("failed to store node in etcd: %w", err)
	}
	s.cache.Set(node.ID, node.Clone(), gocache.DefaultExpiration)
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, nodeID string) (*models.Node, error) {
	if cached, ok := s.cache.Get(nodeID); ok {
		if node, ok := cached.(*models.Node); ok {
			return node.Clone(), nil
		}
	}

	resp, err := s.client.Get(ctx, s.key(nodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to get node from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var node models.Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	s.cache.Set(nodeID, node.Clone(), gocache.DefaultExpiration)
	return &node, nil
}

// List always reads etcd directly. Election and health derivation depend on
// a complete membership view, so it must not be served from a partial cache.
func (s *EtcdStore) List(ctx context.Context) ([]*models.Node, error) {
	resp, err := s.client.Get(ctx, s.prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes from etcd: %w", err)
	}

	nodes := make([]*models.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node models.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			s.logger.Warn("Skipping malformed node record", "key", string(kv.Key), "error", err)
			continue
		}
		s.cache.Set(node.ID, node.Clone(), gocache.DefaultExpiration)
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (s *EtcdStore) Delete(ctx context.Context, nodeID string) error {
	resp, err := s.client.Delete(ctx, s.key(nodeID))
	if err != nil {
		return fmt.Errorf("failed to delete node from etcd: %w", err)
	}
	s.cache.Delete(nodeID)
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// CacheStats reports read-cache occupancy for the admin surface.
func (s *EtcdStore) CacheStats() map[string]interface{} {
	return map[string]interface{}{
		"entries": s.cache.ItemCount(),
		"prefix":  s.prefix,
	}
}

func (s *EtcdStore) Close() error {
	s.cache.Flush()
	return s.client.Close()
}
