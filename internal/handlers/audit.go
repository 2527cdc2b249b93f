package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/models"
)

// ListAuditEvents returns cluster audit events newest-first, optionally
// filtered by event type, node and severity.
func (h *Handler) ListAuditEvents(c *fiber.Ctx) error {
	events, err := h.audit.Events(c.Context(), audit.Query{
		EventType: c.Query("event_type"),
		NodeID:    c.Query("node_id"),
		Severity:  models.EventSeverity(c.Query("severity")),
		Limit:     c.QueryInt("limit", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(models.AuditListResponse{
		Events: events,
		Count:  len(events),
	})
}
