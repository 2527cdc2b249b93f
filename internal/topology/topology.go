// Package topology decides how data should move between two instances:
// through the cluster's own replication when both endpoints are members of
// this cluster, or by direct transfer otherwise.
package topology

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
)

// Strategy is the transfer mechanism recommended for a pair of instances.
type Strategy string

const (
	// StrategyClusterReplication moves data with the cluster's internal
	// replication between two member nodes.
	StrategyClusterReplication Strategy = "cluster_replication"
	// StrategyDirectTransfer moves data with a full export/import over
	// HTTP, correct regardless of topology.
	StrategyDirectTransfer Strategy = "direct_transfer"
)

// Membership is the view of the cluster the helper needs.
type Membership interface {
	ListNodes(ctx context.Context, role models.NodeRole, status models.NodeStatus) ([]*models.Node, error)
	DeriveStatus(n *models.Node, now time.Time) models.NodeStatus
}

// Helper answers topology questions for the migration engine.
type Helper struct {
	cluster Membership
	log     *logging.Logger
}

// NewHelper creates a Helper over the given membership view.
func NewHelper(cluster Membership, log *logging.Logger) *Helper {
	return &Helper{cluster: cluster, log: log}
}

// SameCluster reports whether both URLs resolve to hostnames registered in
// this cluster. Any parse or membership failure yields false: when the
// topology is uncertain the caller must take the slower but always-correct
// direct path.
func (h *Helper) SameCluster(ctx context.Context, url1, url2 string) bool {
	host1, err := hostFromURL(url1)
	if err != nil {
		h.log.Warn("Failed to resolve instance URL", "url", url1, "error", err)
		return false
	}
	host2, err := hostFromURL(url2)
	if err != nil {
		h.log.Warn("Failed to resolve instance URL", "url", url2, "error", err)
		return false
	}

	nodes, err := h.cluster.ListNodes(ctx, "", "")
	if err != nil {
		h.log.Warn("Failed to check cluster membership", "error", err)
		return false
	}
	hosts := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		hosts[n.Hostname] = struct{}{}
	}
	_, ok1 := hosts[host1]
	_, ok2 := hosts[host2]
	return ok1 && ok2
}

// OptimalStrategy returns cluster_replication only when both endpoints are
// confirmed members of this cluster.
func (h *Helper) OptimalStrategy(ctx context.Context, fromURL, toURL string) Strategy {
	if h.SameCluster(ctx, fromURL, toURL) {
		h.log.Info("Instances share a cluster, using internal replication",
			"from", fromURL, "to", toURL)
		return StrategyClusterReplication
	}
	h.log.Info("Instances are in different clusters, using direct transfer",
		"from", fromURL, "to", toURL)
	return StrategyDirectTransfer
}

// ValidateClusterHealth reports whether an instance is fit to take part in
// a migration. Unknown hosts are standalone instances and assumed healthy.
// Known members are judged by derived status, so a record whose heartbeat
// went stale fails the check even before a sweep rewrites it. Unlike
// membership checks, failures here lean healthy: an unverifiable instance
// is not blocked from migrating.
func (h *Helper) ValidateClusterHealth(ctx context.Context, instanceURL string) bool {
	host, err := hostFromURL(instanceURL)
	if err != nil {
		h.log.Warn("Failed to resolve instance URL, assuming healthy",
			"url", instanceURL, "error", err)
		return true
	}

	nodes, err := h.cluster.ListNodes(ctx, "", "")
	if err != nil {
		h.log.Warn("Failed to validate cluster health, assuming healthy", "error", err)
		return true
	}

	now := time.Now().UTC()
	for _, n := range nodes {
		if n.Hostname != host {
			continue
		}
		status := h.cluster.DeriveStatus(n, now)
		if status != models.NodeStatusHealthy {
			h.log.Warn("Instance is a cluster member in poor health",
				"url", instanceURL, "node_id", n.ID, "status", string(status))
			return false
		}
		return true
	}
	return true
}

// ClusterAddresses returns the host:port of every cluster member when the
// instance is itself a member, or nil for standalone instances. Used for
// multi-target migrations that should land on every node of the cluster.
func (h *Helper) ClusterAddresses(ctx context.Context, instanceURL string) []string {
	host, err := hostFromURL(instanceURL)
	if err != nil {
		return nil
	}
	nodes, err := h.cluster.ListNodes(ctx, "", "")
	if err != nil {
		return nil
	}

	member := false
	for _, n := range nodes {
		if n.Hostname == host {
			member = true
			break
		}
	}
	if !member {
		return nil
	}

	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		addrs = append(addrs, n.Address())
	}
	return addrs
}

// hostFromURL extracts the hostname from an instance URL. Bare host and
// host:port forms are accepted for operator convenience.
func hostFromURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty instance url")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no hostname in %q", raw)
	}
	return u.Hostname(), nil
}
