// Package cluster maintains the authoritative membership view and decides
// which node is allowed to originate replication events.
//
// The manager is the single writer of node records. Status is stored as
// last reported, and derived from heartbeat age at read time wherever a
// decision depends on liveness, so elections and health reports never
// trust a record that stopped beating.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/nodestore"
	"github.com/ferrydb/ferry/internal/services"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultFailureThreshold  = 3

	masterPriority  = 100
	replicaPriority = 50
)

// NodeID derives the stable identifier for an endpoint. Re-registering
// the same hostname:port always yields the same id, so one physical
// endpoint never appears in the registry twice.
func NodeID(hostname string, port int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", hostname, port)))
	return "node-" + hex.EncodeToString(sum[:])[:12]
}

// Manager owns the node registry and the current leader. All membership
// mutations go through it; reads may come from anywhere.
type Manager struct {
	store   nodestore.Store
	audit   *audit.Log
	elector Elector
	cfg     config.ClusterConfig
	log     *logging.Logger

	mu            sync.RWMutex
	currentLeader string
	localNodeID   string

	stopCh  chan struct{}
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a Manager over the given node store. The background
// sweep is not started until Start is called.
func NewManager(st nodestore.Store, auditLog *audit.Log, elector Elector, cfg config.ClusterConfig, log *logging.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatInterval
	}
	if elector == nil {
		elector = PriorityElector{}
	}
	return &Manager{
		store:   st,
		audit:   auditLog,
		elector: elector,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// HeartbeatInterval returns the expected beat cadence after defaulting.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.cfg.HeartbeatInterval
}

// RegisterNode upserts a node keyed by its endpoint. The record is
// written as joining first and promoted to healthy once the registration
// write lands, so a crash mid-registration leaves a visibly incomplete
// node rather than a phantom healthy one. Returns the stored node and
// whether this call created a new membership (as opposed to refreshing
// an existing one).
func (m *Manager) RegisterNode(ctx context.Context, req *models.RegisterNodeRequest) (*models.Node, bool, error) {
	now := time.Now().UTC()
	id := NodeID(req.Hostname, req.Port)

	priority := req.Capabilities.Priority
	if priority <= 0 {
		priority = defaultPriority(req.Role)
	}

	existing, err := m.store.Get(ctx, id)
	if err != nil && !errors.Is(err, nodestore.ErrNotFound) {
		m.log.Error("Node registry read failed", "node_id", id, "error", err)
		return nil, false, services.NewServiceError(services.CodeStoreUnavailable, "node registry unavailable")
	}

	node := &models.Node{
		ID:       id,
		Hostname: req.Hostname,
		Port:     req.Port,
		Role:     req.Role,
		Status:   models.NodeStatusJoining,
		Capabilities: models.Capabilities{
			Priority: priority,
			Labels:   req.Capabilities.Labels,
		},
		OwnerID:       req.OwnerID,
		RegisteredAt:  now,
		LastHeartbeat: now,
		UpdatedAt:     now,
	}
	created := existing == nil || existing.Status == models.NodeStatusLeft
	if !created {
		node.RegisteredAt = existing.RegisteredAt
	}

	if err := m.putWithRetry(ctx, node); err != nil {
		m.log.Error("Node registration failed", "node_id", id, "error", err)
		return nil, false, services.NewServiceError(services.CodeStoreUnavailable, "failed to persist node registration")
	}

	node.Status = models.NodeStatusHealthy
	node.UpdatedAt = time.Now().UTC()
	if err := m.putWithRetry(ctx, node); err != nil {
		m.log.Error("Node activation failed", "node_id", id, "error", err)
		return nil, false, services.NewServiceError(services.CodeStoreUnavailable, "failed to persist node registration")
	}

	m.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodeRegistered,
		NodeID:    id,
		UserID:    req.OwnerID,
		Severity:  models.SeverityInfo,
		Details: map[string]interface{}{
			"role":     string(node.Role),
			"hostname": node.Hostname,
			"port":     node.Port,
		},
	})
	m.log.Info("Node registered",
		"node_id", id,
		"address", node.Address(),
		"role", string(node.Role),
		"priority", priority,
		"created", created)
	return node, created, nil
}

// putWithRetry writes a node record, retrying once. The operation is
// declared failed only after the second write also fails.
func (m *Manager) putWithRetry(ctx context.Context, node *models.Node) error {
	if err := m.store.Put(ctx, node); err != nil {
		m.log.Warn("Node write failed, retrying", "node_id", node.ID, "error", err)
		if err := m.store.Put(ctx, node); err != nil {
			return fmt.Errorf("persist node %s: %w", node.ID, err)
		}
	}
	return nil
}

// Heartbeat refreshes a node's liveness. A beat from a degraded or
// unreachable node recovers it to healthy unless the node reports itself
// degraded. Nodes that have left cannot beat again; they must re-register.
func (m *Manager) Heartbeat(ctx context.Context, nodeID string, req *models.HeartbeatRequest) (*models.Node, error) {
	node, err := m.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == models.NodeStatusLeft {
		return nil, services.NewServiceError(services.CodeConflict,
			fmt.Sprintf("node %s has left the cluster and must re-register", nodeID))
	}

	status := models.NodeStatusHealthy
	if req != nil && req.Status != "" {
		switch req.Status {
		case models.NodeStatusHealthy, models.NodeStatusDegraded:
			status = req.Status
		default:
			return nil, services.NewServiceError(services.CodeInvalidRequest,
				"heartbeat status must be one of: healthy, degraded")
		}
	}

	now := time.Now().UTC()
	node.Status = status
	node.LastHeartbeat = now
	node.UpdatedAt = now
	if err := m.store.Put(ctx, node); err != nil {
		m.log.Error("Heartbeat write failed", "node_id", nodeID, "error", err)
		return nil, services.NewServiceError(services.CodeStoreUnavailable, "failed to persist heartbeat")
	}
	return node, nil
}

// ListNodes returns registered nodes, optionally filtered by role and
// status. Statuses are as stored; liveness-sensitive callers should use
// ClusterHealth or DeriveStatus instead of trusting them directly.
func (m *Manager) ListNodes(ctx context.Context, role models.NodeRole, status models.NodeStatus) ([]*models.Node, error) {
	nodes, err := m.store.List(ctx)
	if err != nil {
		m.log.Error("Node registry list failed", "error", err)
		return nil, services.NewServiceError(services.CodeStoreUnavailable, "node registry unavailable")
	}
	if role == "" && status == "" {
		return nodes, nil
	}
	filtered := make([]*models.Node, 0, len(nodes))
	for _, n := range nodes {
		if role != "" && n.Role != role {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered, nil
}

// GetNode returns a single node by id.
func (m *Manager) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	return m.getNode(ctx, nodeID)
}

func (m *Manager) getNode(ctx context.Context, nodeID string) (*models.Node, error) {
	node, err := m.store.Get(ctx, nodeID)
	if errors.Is(err, nodestore.ErrNotFound) {
		return nil, services.NewServiceError(services.CodeNotFound,
			fmt.Sprintf("node %s not found", nodeID))
	}
	if err != nil {
		m.log.Error("Node registry read failed", "node_id", nodeID, "error", err)
		return nil, services.NewServiceError(services.CodeStoreUnavailable, "node registry unavailable")
	}
	return node, nil
}

// Deregister marks a node as left and removes it from the registry. The
// terminal status is persisted before the delete so a reader racing the
// removal never resurrects the node as healthy.
func (m *Manager) Deregister(ctx context.Context, nodeID, reason string) error {
	node, err := m.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "manual_removal"
	}

	node.Status = models.NodeStatusLeft
	node.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(ctx, node); err != nil {
		m.log.Error("Node removal write failed", "node_id", nodeID, "error", err)
		return services.NewServiceError(services.CodeStoreUnavailable, "failed to persist node removal")
	}
	if err := m.store.Delete(ctx, nodeID); err != nil && !errors.Is(err, nodestore.ErrNotFound) {
		m.log.Error("Node delete failed", "node_id", nodeID, "error", err)
		return services.NewServiceError(services.CodeStoreUnavailable, "failed to remove node")
	}

	m.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodeRemoved,
		NodeID:    nodeID,
		Severity:  models.SeverityWarning,
		Details:   map[string]interface{}{"reason": reason},
	})

	m.mu.Lock()
	if m.currentLeader == nodeID {
		m.currentLeader = ""
	}
	m.mu.Unlock()

	m.log.Info("Node removed from cluster", "node_id", nodeID, "reason", reason)
	return nil
}

// Promote raises a node to master with master election priority. An
// unhealthy node is refused unless force is set. Promoting a master is a
// no-op.
func (m *Manager) Promote(ctx context.Context, nodeID string, force bool) (*models.Node, error) {
	node, err := m.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Role == models.NodeRoleMaster {
		m.log.Warn("Node is already a master", "node_id", nodeID)
		return node, nil
	}
	if derived := m.DeriveStatus(node, time.Now().UTC()); !force && derived != models.NodeStatusHealthy {
		return nil, services.NewServiceErrorWithDetails(services.CodeNodeUnavailable,
			fmt.Sprintf("cannot promote node %s while %s; use force to override", nodeID, derived),
			map[string]interface{}{"status": string(derived)})
	}

	node.Role = models.NodeRoleMaster
	node.Capabilities.Priority = masterPriority
	node.UpdatedAt = time.Now().UTC()
	if err := m.putWithRetry(ctx, node); err != nil {
		m.log.Error("Node promotion write failed", "node_id", nodeID, "error", err)
		return nil, services.NewServiceError(services.CodeStoreUnavailable, "failed to persist promotion")
	}

	m.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodePromoted,
		NodeID:    nodeID,
		Severity:  models.SeverityWarning,
		Details: map[string]interface{}{
			"new_role": string(models.NodeRoleMaster),
			"force":    force,
		},
	})
	m.log.Info("Node promoted to master", "node_id", nodeID, "force", force)
	return node, nil
}

// Demote lowers a node to replica with replica election priority.
// Demoting a replica is a no-op. If the node was the current leader the
// leadership is vacated and the next read re-elects.
func (m *Manager) Demote(ctx context.Context, nodeID string) (*models.Node, error) {
	node, err := m.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Role == models.NodeRoleReplica {
		m.log.Warn("Node is already a replica", "node_id", nodeID)
		return node, nil
	}

	node.Role = models.NodeRoleReplica
	node.Capabilities.Priority = replicaPriority
	node.UpdatedAt = time.Now().UTC()
	if err := m.putWithRetry(ctx, node); err != nil {
		m.log.Error("Node demotion write failed", "node_id", nodeID, "error", err)
		return nil, services.NewServiceError(services.CodeStoreUnavailable, "failed to persist demotion")
	}

	m.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodeDemoted,
		NodeID:    nodeID,
		Severity:  models.SeverityWarning,
		Details:   map[string]interface{}{"new_role": string(models.NodeRoleReplica)},
	})

	m.mu.Lock()
	if m.currentLeader == nodeID {
		m.currentLeader = ""
	}
	m.mu.Unlock()

	m.log.Info("Node demoted to replica", "node_id", nodeID)
	return node, nil
}

// DeriveStatus computes a node's effective status from its heartbeat age
// at the given instant. Stored status is only trusted for the terminal
// left state and the initial joining state; everything in between is a
// function of how recently the node reported in.
func (m *Manager) DeriveStatus(n *models.Node, now time.Time) models.NodeStatus {
	if n.Status == models.NodeStatusLeft {
		return models.NodeStatusLeft
	}
	age := n.HeartbeatAge(now)
	if age > time.Duration(m.cfg.FailureThreshold)*m.cfg.HeartbeatInterval {
		return models.NodeStatusUnreachable
	}
	if age > 2*m.cfg.HeartbeatInterval {
		return models.NodeStatusDegraded
	}
	if n.Status == models.NodeStatusJoining {
		return models.NodeStatusJoining
	}
	return models.NodeStatusHealthy
}

// ClusterHealth summarizes the cluster using derived statuses. The
// cluster is critical when it has no members, no effectively healthy
// node, or no electable master; degraded when any member is impaired;
// healthy otherwise.
func (m *Manager) ClusterHealth(ctx context.Context) (*models.ClusterHealth, error) {
	nodes, err := m.store.List(ctx)
	if err != nil {
		m.log.Error("Node registry list failed", "error", err)
		return nil, services.NewServiceError(services.CodeStoreUnavailable, "node registry unavailable")
	}

	now := time.Now().UTC()
	health := &models.ClusterHealth{CheckedAt: now}
	electableMasters := 0
	for _, n := range nodes {
		status := m.DeriveStatus(n, now)
		if status == models.NodeStatusLeft {
			continue
		}
		health.TotalNodes++
		switch status {
		case models.NodeStatusHealthy:
			health.HealthyNodes++
			if n.Role == models.NodeRoleMaster {
				electableMasters++
			}
		case models.NodeStatusDegraded:
			health.DegradedNodes++
		case models.NodeStatusUnreachable:
			health.UnreachableNodes++
		}
	}

	switch {
	case health.TotalNodes == 0:
		health.Status = models.ClusterCritical
	case health.HealthyNodes == 0 || electableMasters == 0:
		health.Status = models.ClusterCritical
	case health.HealthyNodes < health.TotalNodes:
		health.Status = models.ClusterDegraded
	default:
		health.Status = models.ClusterHealthy
	}

	m.mu.RLock()
	health.LeaderID = m.currentLeader
	m.mu.RUnlock()
	return health, nil
}

// ElectLeader runs an election over the current membership and records
// the winner. Candidates are masters whose derived status is healthy, so
// a master that stopped beating cannot win on a stale stored status.
// With no candidates the leadership is vacated and "" is returned; an
// empty leader is a state, not an error.
func (m *Manager) ElectLeader(ctx context.Context) (string, error) {
	nodes, err := m.store.List(ctx)
	if err != nil {
		m.log.Error("Node registry list failed", "error", err)
		return "", services.NewServiceError(services.CodeStoreUnavailable, "node registry unavailable")
	}

	now := time.Now().UTC()
	var candidates []*models.Node
	for _, n := range nodes {
		if n.Role == models.NodeRoleMaster && m.DeriveStatus(n, now) == models.NodeStatusHealthy {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		m.log.Warn("No healthy master nodes available for leader election")
		m.mu.Lock()
		m.currentLeader = ""
		m.mu.Unlock()
		return "", nil
	}

	winner := m.elector.Elect(candidates)
	m.mu.Lock()
	previous := m.currentLeader
	m.currentLeader = winner.ID
	m.mu.Unlock()

	m.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventLeaderElected,
		NodeID:    winner.ID,
		Severity:  models.SeverityInfo,
		Details:   map[string]interface{}{"priority": winner.Capabilities.Priority},
	})
	if previous != winner.ID {
		m.log.Info("Leader elected",
			"node_id", winner.ID,
			"priority", winner.Capabilities.Priority,
			"previous_leader", previous)
	}
	return winner.ID, nil
}

// CurrentLeader returns the recorded leader, electing one first if no
// election has happened yet.
func (m *Manager) CurrentLeader(ctx context.Context) (string, error) {
	m.mu.RLock()
	leader := m.currentLeader
	m.mu.RUnlock()
	if leader != "" {
		return leader, nil
	}
	return m.ElectLeader(ctx)
}

// IsLeader reports whether the local node currently holds leadership.
func (m *Manager) IsLeader(ctx context.Context) bool {
	m.mu.RLock()
	local := m.localNodeID
	m.mu.RUnlock()
	if local == "" {
		return false
	}
	leader, err := m.CurrentLeader(ctx)
	return err == nil && leader == local
}

// SetLocalNode records which registry entry is this process.
func (m *Manager) SetLocalNode(nodeID string) {
	m.mu.Lock()
	m.localNodeID = nodeID
	m.mu.Unlock()
}

// LocalNode returns the local node id, or "" before registration.
func (m *Manager) LocalNode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localNodeID
}

// Start launches the background sweep that persists derived statuses and
// re-elects when the leader drops out of candidacy.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
	m.log.Info("Cluster manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval.String(),
		"failure_threshold", m.cfg.FailureThreshold,
		"sweep_interval", m.cfg.SweepInterval.String())
}

// Stop halts the background sweep. Safe to call more than once.
func (m *Manager) Stop() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	m.closeMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(m.jitteredSweepInterval()):
			m.sweep(ctx)
		}
	}
}

// jitteredSweepInterval spreads sweeps across nodes so concurrent
// elections on different members do not repeatedly collide on the same
// snapshot.
func (m *Manager) jitteredSweepInterval() time.Duration {
	half := m.cfg.SweepInterval / 2
	return half + rand.N(m.cfg.SweepInterval)
}

// sweep persists derived statuses back to the registry and verifies the
// recorded leader is still electable.
func (m *Manager) sweep(ctx context.Context) {
	nodes, err := m.store.List(ctx)
	if err != nil {
		m.log.Error("Cluster sweep failed to list nodes", "error", err)
		return
	}

	now := time.Now().UTC()
	byID := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		derived := m.DeriveStatus(n, now)
		if derived == n.Status {
			continue
		}
		previous := n.Status
		n.Status = derived
		n.UpdatedAt = now
		if err := m.store.Put(ctx, n); err != nil {
			m.log.Warn("Failed to persist node status change", "node_id", n.ID, "error", err)
			continue
		}
		m.log.Info("Node status changed",
			"node_id", n.ID,
			"from", string(previous),
			"to", string(derived))
	}

	if len(nodes) == 0 {
		return
	}

	m.mu.RLock()
	leader := m.currentLeader
	m.mu.RUnlock()
	if leader != "" {
		if n, ok := byID[leader]; ok && n.Role == models.NodeRoleMaster && m.DeriveStatus(n, now) == models.NodeStatusHealthy {
			return
		}
		m.log.Warn("Leader no longer electable, re-electing", "node_id", leader)
	}
	if _, err := m.ElectLeader(ctx); err != nil {
		m.log.Error("Leader election failed during sweep", "error", err)
	}
}

func defaultPriority(role models.NodeRole) int {
	if role == models.NodeRoleMaster {
		return masterPriority
	}
	return replicaPriority
}
