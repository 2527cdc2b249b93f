package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

// RegisterNode registers a node with the cluster, or refreshes an
// existing registration for the same hostname and port.
func (h *Handler) RegisterNode(c *fiber.Ctx) error {
	var req models.RegisterNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return err
	}

	node, created, err := h.cluster.RegisterNode(c.Context(), &req)
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(models.RegisterNodeResponse{
		NodeID:  node.ID,
		Status:  node.Status,
		Created: created,
	})
}

// Heartbeat records a liveness beat for a registered node.
func (h *Handler) Heartbeat(c *fiber.Ctx) error {
	var req models.HeartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}

	node, err := h.cluster.Heartbeat(c.Context(), c.Params("node_id"), &req)
	if err != nil {
		return err
	}
	return c.JSON(node)
}

// ListNodes lists registered nodes, optionally filtered by role and status.
func (h *Handler) ListNodes(c *fiber.Ctx) error {
	role := models.NodeRole(c.Query("role"))
	status := models.NodeStatus(c.Query("status"))

	nodes, err := h.cluster.ListNodes(c.Context(), role, status)
	if err != nil {
		return err
	}
	nodeValues := make([]models.Node, 0, len(nodes))
	for _, n := range nodes {
		nodeValues = append(nodeValues, *n)
	}
	return c.JSON(models.NodeListResponse{
		Nodes: nodeValues,
		Count: len(nodes),
	})
}

// GetNode returns a single node by id.
func (h *Handler) GetNode(c *fiber.Ctx) error {
	node, err := h.cluster.GetNode(c.Context(), c.Params("node_id"))
	if err != nil {
		return err
	}
	return c.JSON(node)
}

// DeregisterNode removes a node from the cluster registry.
func (h *Handler) DeregisterNode(c *fiber.Ctx) error {
	reason := c.Query("reason", "api_request")
	if err := h.cluster.Deregister(c.Context(), c.Params("node_id"), reason); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ClusterHealth reports the aggregate health of the cluster.
func (h *Handler) ClusterHealth(c *fiber.Ctx) error {
	health, err := h.cluster.ClusterHealth(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(health)
}

// GetLeader returns the current leader, electing one if none is recorded.
func (h *Handler) GetLeader(c *fiber.Ctx) error {
	leader, err := h.cluster.CurrentLeader(c.Context())
	if err != nil {
		return err
	}
	if leader == "" {
		return c.JSON(models.LeaderResponse{Message: "no leader elected"})
	}
	return c.JSON(models.LeaderResponse{LeaderID: leader})
}

// ElectLeader forces a fresh leader election.
func (h *Handler) ElectLeader(c *fiber.Ctx) error {
	leader, err := h.cluster.ElectLeader(c.Context())
	if err != nil {
		return err
	}
	if leader == "" {
		return c.JSON(models.LeaderResponse{Message: "no healthy master nodes available"})
	}
	now := time.Now().UTC()
	return c.JSON(models.LeaderResponse{
		LeaderID: leader,
		Elected:  &now,
	})
}

// PromoteNode promotes a replica to master. With force=true the promotion
// proceeds even when the node is not currently healthy.
func (h *Handler) PromoteNode(c *fiber.Ctx) error {
	force := c.QueryBool("force", false)
	node, err := h.cluster.Promote(c.Context(), c.Params("node_id"), force)
	if err != nil {
		return err
	}
	return c.JSON(node)
}

// DemoteNode demotes a master back to replica.
func (h *Handler) DemoteNode(c *fiber.Ctx) error {
	node, err := h.cluster.Demote(c.Context(), c.Params("node_id"))
	if err != nil {
		return err
	}
	return c.JSON(node)
}
