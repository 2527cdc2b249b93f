package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/store"
)

func replicationApp(h *Handler) *fiber.App {
	app := newApp()
	app.Post("/v1/replication/events", h.ReceiveEvent)
	app.Get("/v1/replication/status", h.ReplicationStatus)
	return app
}

func TestReplicationHandler_ReceiveEventApplies(t *testing.T) {
	env := newTestEnv(t)
	app := replicationApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/replication/events", models.ApplyEventRequest{
		Event: models.ReplicationEvent{
			EventID:    "evt-1",
			Sequence:   1,
			OriginNode: "node-b",
			Operation:  models.ReplicationInsert,
			Collection: "users",
			DocumentID: "u1",
			Data:       models.Document{"username": "jdoe"},
			CapturedAt: time.Now().UTC(),
		},
	}))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 applying event, got %d", resp.StatusCode)
	}
	var out map[string]interface{}
	decodeJSON(t, resp, &out)
	if out["status"] != "applied" || out["event_id"] != "evt-1" {
		t.Fatalf("unexpected apply response: %v", out)
	}

	docs, err := env.store.Find(context.Background(), "users", store.Filter{"_id": "u1"}, "", 1)
	if err != nil || len(docs) != 1 {
		t.Fatalf("replicated document missing: %v (%d docs)", err, len(docs))
	}
	if docs[0]["username"] != "jdoe" {
		t.Fatalf("unexpected replicated document: %v", docs[0])
	}
}

func TestReplicationHandler_RejectsOwnOrigin(t *testing.T) {
	env := newTestEnv(t)
	app := replicationApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/replication/events", models.ApplyEventRequest{
		Event: models.ReplicationEvent{
			EventID:    "evt-loop",
			OriginNode: testLocalNode,
			Operation:  models.ReplicationInsert,
			Collection: "users",
			DocumentID: "u1",
		},
	}))
	assertErrorCode(t, resp, fiber.StatusBadRequest, services.CodeInvalidRequest)
}

func TestReplicationHandler_ValidatesEvent(t *testing.T) {
	env := newTestEnv(t)
	app := replicationApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/replication/events", models.ApplyEventRequest{
		Event: models.ReplicationEvent{
			OriginNode: "node-b",
			Operation:  models.ReplicationInsert,
			Collection: "users",
		},
	}))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for missing event id, got %d", resp.StatusCode)
	}
}

func TestReplicationHandler_Status(t *testing.T) {
	env := newTestEnv(t)
	app := replicationApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/replication/events", models.ApplyEventRequest{
		Event: models.ReplicationEvent{
			EventID:    "evt-1",
			OriginNode: "node-b",
			Operation:  models.ReplicationInsert,
			Collection: "users",
			DocumentID: "u1",
		},
	}))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 applying event, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/replication/status", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on status, got %d", resp.StatusCode)
	}
	var status models.ReplicationStatus
	decodeJSON(t, resp, &status)
	if !status.Enabled {
		t.Fatal("expected replication enabled")
	}
	if status.NodeID != testLocalNode {
		t.Fatalf("expected node id %s, got %s", testLocalNode, status.NodeID)
	}
	if status.EventsApplied != 1 {
		t.Fatalf("expected 1 applied event, got %d", status.EventsApplied)
	}
}
