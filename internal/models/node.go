package models

import (
	"fmt"
	"time"
)

// NodeRole represents the role a node plays in the cluster
type NodeRole string

const (
	NodeRoleMaster  NodeRole = "master"
	NodeRoleReplica NodeRole = "replica"
)

// Valid reports whether the role is a known value.
func (r NodeRole) Valid() bool {
	return r == NodeRoleMaster || r == NodeRoleReplica
}

// NodeStatus represents the lifecycle state of a cluster node
type NodeStatus string

const (
	NodeStatusJoining     NodeStatus = "joining"
	NodeStatusHealthy     NodeStatus = "healthy"
	NodeStatusDegraded    NodeStatus = "degraded"
	NodeStatusUnreachable NodeStatus = "unreachable"
	NodeStatusLeft        NodeStatus = "left"
)

// Capabilities carries election priority plus free-form labels advertised
// by a node at registration time.
type Capabilities struct {
	Priority int               `json:"priority"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Node represents a member of the cluster
type Node struct {
	ID            string       `json:"node_id"`
	Hostname      string       `json:"hostname"`
	Port          int          `json:"port"`
	Role          NodeRole     `json:"role"`
	Status        NodeStatus   `json:"status"`
	Capabilities  Capabilities `json:"capabilities"`
	OwnerID       string       `json:"owner_id,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Address returns hostname:port.
func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Hostname, n.Port)
}

// Clone returns an independent copy, including the labels map, so stored
// nodes and returned snapshots never share mutable state.
func (n *Node) Clone() *Node {
	out := *n
	if n.Capabilities.Labels != nil {
		labels := make(map[string]string, len(n.Capabilities.Labels))
		for k, v := range n.Capabilities.Labels {
			labels[k] = v
		}
		out.Capabilities.Labels = labels
	}
	return &out
}

// HeartbeatAge returns how long ago the node last reported in, measured
// against now so status derivation stays a pure function of stored state.
func (n *Node) HeartbeatAge(now time.Time) time.Duration {
	if n.LastHeartbeat.IsZero() {
		return now.Sub(n.RegisteredAt)
	}
	return now.Sub(n.LastHeartbeat)
}

// IsElectable reports whether the node can stand in a leader election.
func (n *Node) IsElectable() bool {
	return n.Role == NodeRoleMaster && n.Status == NodeStatusHealthy
}

// ClusterHealthStatus is the overall cluster condition derived from node statuses
type ClusterHealthStatus string

const (
	ClusterHealthy  ClusterHealthStatus = "healthy"
	ClusterDegraded ClusterHealthStatus = "degraded"
	ClusterCritical ClusterHealthStatus = "critical"
)

// ClusterHealth is the point-in-time cluster health summary
type ClusterHealth struct {
	Status           ClusterHealthStatus `json:"status"`
	TotalNodes       int                 `json:"total_nodes"`
	HealthyNodes     int                 `json:"healthy_nodes"`
	DegradedNodes    int                 `json:"degraded_nodes"`
	UnreachableNodes int                 `json:"unreachable_nodes"`
	LeaderID         string              `json:"leader_id,omitempty"`
	CheckedAt        time.Time           `json:"checked_at"`
}
