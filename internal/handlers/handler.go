package handlers

import (
	"time"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/cluster"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/migration"
	"github.com/ferrydb/ferry/internal/nodestore"
	"github.com/ferrydb/ferry/internal/replication"
	"github.com/ferrydb/ferry/internal/schema"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/throttle"
	"github.com/ferrydb/ferry/internal/topology"
	"github.com/ferrydb/ferry/internal/transport"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// Deps carries everything the HTTP layer talks to. Instances may be nil
// when the registry is disabled; the transfer routes then only accept raw
// target URLs.
type Deps struct {
	Logger      *logging.Logger
	LocalNode   string
	Store       store.DocumentStore
	Cache       cache.Cache
	Nodes       nodestore.Store
	Cluster     *cluster.Manager
	Replication *replication.Service
	Schema      *schema.Validator
	Signer      *signing.Signer
	Audit       *audit.Log
	Throttles   *throttle.Registry
	Pool        *transport.Pool
	Topology    *topology.Helper
	Exporter    *migration.Exporter
	Importer    *migration.Importer
	Transfers   *migration.TransferService
	Instances   *services.InstanceService
}

// Handler contains all HTTP handlers
type Handler struct {
	logger    *logging.Logger
	localNode string
	startedAt time.Time

	store       store.DocumentStore
	cache       cache.Cache
	nodes       nodestore.Store
	cluster     *cluster.Manager
	replication *replication.Service
	schema      *schema.Validator
	signer      *signing.Signer
	audit       *audit.Log
	throttles   *throttle.Registry
	pool        *transport.Pool
	topo        *topology.Helper
	exporter    *migration.Exporter
	importer    *migration.Importer
	transfers   *migration.TransferService
	instances   *services.InstanceService
}

// New creates a new handler instance
func New(d Deps) *Handler {
	return &Handler{
		logger:      d.Logger,
		localNode:   d.LocalNode,
		startedAt:   time.Now().UTC(),
		store:       d.Store,
		cache:       d.Cache,
		nodes:       d.Nodes,
		cluster:     d.Cluster,
		replication: d.Replication,
		schema:      d.Schema,
		signer:      d.Signer,
		audit:       d.Audit,
		throttles:   d.Throttles,
		pool:        d.Pool,
		topo:        d.Topology,
		exporter:    d.Exporter,
		importer:    d.Importer,
		transfers:   d.Transfers,
		instances:   d.Instances,
	}
}
