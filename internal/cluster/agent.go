package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/transport"
)

// Agent keeps the local process present in the cluster: it registers at
// startup, heartbeats on the configured cadence, and deregisters on
// shutdown. When a seed endpoint is configured the agent also announces
// itself and beats against the seed, which is how a node joins a cluster
// whose registry it does not share.
type Agent struct {
	manager  *Manager
	pool     *transport.Pool
	cfg      config.NodeConfig
	apiKey   string
	interval time.Duration
	log      *logging.Logger

	nodeID  string
	stopCh  chan struct{}
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewAgent creates an Agent for the local node. The pool may be nil when
// no seed endpoint is configured. apiKey is sent to the seed on announce
// and heartbeat calls.
func NewAgent(manager *Manager, pool *transport.Pool, cfg config.NodeConfig, apiKey string, log *logging.Logger) *Agent {
	return &Agent{
		manager:  manager,
		pool:     pool,
		cfg:      cfg,
		apiKey:   apiKey,
		interval: manager.HeartbeatInterval(),
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start registers the local node and launches the heartbeat loop.
func (a *Agent) Start(ctx context.Context) error {
	req := a.registration()
	if err := req.Validate(); err != nil {
		return err
	}
	node, created, err := a.manager.RegisterNode(ctx, req)
	if err != nil {
		return err
	}
	a.nodeID = node.ID
	a.manager.SetLocalNode(node.ID)
	a.log.Info("Local node registered",
		"node_id", node.ID,
		"address", node.Address(),
		"role", string(node.Role),
		"created", created)

	if a.seedConfigured() {
		a.announce(ctx, req)
	}

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)
	return nil
}

// Stop halts the heartbeat loop and deregisters the local node. Safe to
// call more than once; only the first call deregisters.
func (a *Agent) Stop(ctx context.Context) {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return
	}
	a.closed = true
	close(a.stopCh)
	a.closeMu.Unlock()
	a.wg.Wait()

	if a.nodeID == "" {
		return
	}
	if err := a.manager.Deregister(ctx, a.nodeID, "graceful_shutdown"); err != nil {
		a.log.Warn("Deregister on shutdown failed", "node_id", a.nodeID, "error", err)
	}
}

// NodeID returns the local node's registry id, or "" before Start.
func (a *Agent) NodeID() string {
	return a.nodeID
}

func (a *Agent) registration() *models.RegisterNodeRequest {
	return &models.RegisterNodeRequest{
		Hostname: a.cfg.Hostname,
		Port:     a.cfg.Port,
		Role:     models.NodeRole(a.cfg.Role),
		Capabilities: models.Capabilities{
			Priority: a.cfg.Priority,
			Labels:   a.cfg.Labels,
		},
		OwnerID: a.cfg.OwnerID,
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

// beat refreshes the local registration. If the registry lost the node,
// for example after an operator removal or a registry wipe, the agent
// rejoins as if freshly started.
func (a *Agent) beat(ctx context.Context) {
	if _, err := a.manager.Heartbeat(ctx, a.nodeID, nil); err != nil {
		a.log.Warn("Local heartbeat failed, re-registering", "node_id", a.nodeID, "error", err)
		node, _, rerr := a.manager.RegisterNode(ctx, a.registration())
		if rerr != nil {
			a.log.Error("Re-registration failed", "node_id", a.nodeID, "error", rerr)
			return
		}
		a.nodeID = node.ID
		a.manager.SetLocalNode(node.ID)
	}
	if a.seedConfigured() {
		a.seedHeartbeat(ctx)
	}
}

func (a *Agent) seedConfigured() bool {
	return a.cfg.Seed != "" && a.pool != nil
}

// announce registers this node with the seed endpoint. Failure is not
// fatal: the local registration already succeeded and the heartbeat loop
// keeps retrying against the seed.
func (a *Agent) announce(ctx context.Context, req *models.RegisterNodeRequest) {
	if err := a.pool.PostJSON(ctx, a.cfg.Seed, "/v1/cluster/nodes", a.seedHeaders(), req, nil); err != nil {
		a.log.Warn("Seed announce failed", "seed", a.cfg.Seed, "error", err)
		return
	}
	a.log.Info("Announced to seed", "seed", a.cfg.Seed, "node_id", a.nodeID)
}

func (a *Agent) seedHeartbeat(ctx context.Context) {
	path := "/v1/cluster/nodes/" + a.nodeID + "/heartbeat"
	err := a.pool.PostJSON(ctx, a.cfg.Seed, path, a.seedHeaders(), &models.HeartbeatRequest{}, nil)
	if err == nil {
		return
	}
	a.log.Warn("Seed heartbeat failed, re-announcing", "seed", a.cfg.Seed, "error", err)
	a.announce(ctx, a.registration())
}

func (a *Agent) seedHeaders() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"X-API-Key": a.apiKey}
}
