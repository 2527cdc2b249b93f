// Package nodestore persists cluster membership. The cluster manager is the
// single writer; everything else reads node snapshots through it.
package nodestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
)

// ErrNotFound is returned when a node id is not registered.
var ErrNotFound = errors.New("node not found")

// Store is the membership persistence contract.
type Store interface {
	Put(ctx context.Context, node *models.Node) error
	Get(ctx context.Context, nodeID string) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	Delete(ctx context.Context, nodeID string) error
	Close() error
}

// New creates a node store based on configuration.
func New(cfg config.NodeStoreConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Type {
	case "etcd":
		return NewEtcdStore(cfg, logger)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported nodestore type: %s", cfg.Type)
	}
}
