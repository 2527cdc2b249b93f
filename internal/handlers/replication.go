package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

// ReceiveEvent applies a replication event captured on another node.
// Events that claim to originate from this node are rejected; applying
// them would loop the event back through capture.
func (h *Handler) ReceiveEvent(c *fiber.Ctx) error {
	var req models.ApplyEventRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Event.OriginNode == h.localNode {
		return services.NewServiceError(services.CodeInvalidRequest, "event originates from this node")
	}

	if err := h.replication.ApplyEvent(c.Context(), &req.Event); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"status":   "applied",
		"event_id": req.Event.EventID,
	})
}

// ReplicationStatus reports capture and apply counters for this node.
func (h *Handler) ReplicationStatus(c *fiber.Ctx) error {
	return c.JSON(h.replication.Status(c.Context()))
}
