package handlers

import (
	"context"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/models"
)

func auditApp(h *Handler) *fiber.App {
	app := newApp()
	app.Get("/v1/audit/events", h.ListAuditEvents)
	return app
}

func TestAuditHandler_ListAndFilter(t *testing.T) {
	env := newTestEnv(t)
	app := auditApp(env.handler)
	ctx := context.Background()

	env.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodeRegistered,
		NodeID:    "node-b",
		Severity:  models.SeverityInfo,
	})
	env.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodeRemoved,
		NodeID:    "node-b",
		Severity:  models.SeverityWarning,
	})
	env.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventNodeRegistered,
		NodeID:    "node-c",
		Severity:  models.SeverityInfo,
	})

	resp := doRequest(t, app, jsonRequest(t, "GET", "/v1/audit/events", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 listing events, got %d", resp.StatusCode)
	}
	var list models.AuditListResponse
	decodeJSON(t, resp, &list)
	if list.Count != 3 {
		t.Fatalf("expected 3 events, got %d", list.Count)
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/audit/events?severity=warning", nil))
	decodeJSON(t, resp, &list)
	if list.Count != 1 || list.Events[0].EventType != audit.EventNodeRemoved {
		t.Fatalf("severity filter failed: %+v", list)
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/audit/events?node_id=node-c", nil))
	decodeJSON(t, resp, &list)
	if list.Count != 1 || list.Events[0].NodeID != "node-c" {
		t.Fatalf("node filter failed: %+v", list)
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/audit/events?event_type="+audit.EventNodeRegistered+"&limit=1", nil))
	decodeJSON(t, resp, &list)
	if list.Count != 1 || list.Events[0].EventType != audit.EventNodeRegistered {
		t.Fatalf("type filter with limit failed: %+v", list)
	}
}
