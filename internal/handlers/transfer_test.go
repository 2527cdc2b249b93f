package handlers

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

func transferApp(h *Handler) *fiber.App {
	app := newApp()
	app.Post("/v1/migration/transfers", h.StartTransfer)
	app.Get("/v1/migration/transfers", h.ListTransfers)
	app.Get("/v1/migration/transfers/:transfer_id", h.GetTransfer)
	app.Post("/v1/migration/transfers/:transfer_id/pause", h.PauseTransfer)
	app.Post("/v1/migration/transfers/:transfer_id/resume", h.ResumeTransfer)
	app.Delete("/v1/migration/transfers/:transfer_id", h.CancelTransfer)
	app.Get("/v1/migration/transfers/:transfer_id/checkpoint", h.GetTransferCheckpoint)
	app.Get("/v1/migration/transfers/:transfer_id/progress", h.TransferProgress)
	return app
}

func TestTransferHandler_StartAndComplete(t *testing.T) {
	env := newTestEnv(t)
	seedDocs(t, env.store, "users",
		models.Document{"_id": "u1", "username": "jdoe"},
		models.Document{"_id": "u2", "username": "asmith"},
		models.Document{"_id": "u3", "username": "bjones"},
	)
	target := newImportTarget(t)
	app := transferApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers", models.TransferRequest{
		Collections: []string{"users"},
		TargetURL:   target.srv.URL,
	}))
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d", resp.StatusCode)
	}
	var task models.TransferStatusResponse
	decodeJSON(t, resp, &task)
	if task.TransferID == "" {
		t.Fatalf("missing transfer id: %+v", task)
	}

	waitForStatus(t, env.transfers, task.TransferID, string(models.TransferStatusCompleted))

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/migration/transfers/"+task.TransferID, nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 fetching transfer, got %d", resp.StatusCode)
	}
	var done models.TransferStatusResponse
	decodeJSON(t, resp, &done)
	if done.Status != string(models.TransferStatusCompleted) || done.DocumentsDone != 3 {
		t.Fatalf("unexpected final state: %+v", done)
	}
	if target.count(t, "users") != 3 {
		t.Fatalf("target received %d users, want 3", target.count(t, "users"))
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/migration/transfers", nil))
	var list models.TransferListResponse
	decodeJSON(t, resp, &list)
	if list.Count != 1 || list.Transfers[0].TransferID != task.TransferID {
		t.Fatalf("unexpected transfer list: %+v", list)
	}
}

func TestTransferHandler_StartViaRegisteredInstance(t *testing.T) {
	env := newTestEnv(t)
	seedDocs(t, env.store, "users", models.Document{"_id": "u1", "username": "jdoe"})
	target := newImportTarget(t)
	app := transferApp(env.handler)

	inst, err := env.instances.Register(context.Background(), &models.RegisterInstanceRequest{
		Name:    "staging",
		BaseURL: target.srv.URL,
	})
	if err != nil {
		t.Fatalf("registering instance: %v", err)
	}

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers", models.TransferRequest{
		Collections: []string{"users"},
		InstanceID:  inst.InstanceID,
	}))
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d", resp.StatusCode)
	}
	var task models.TransferStatusResponse
	decodeJSON(t, resp, &task)

	done := waitForStatus(t, env.transfers, task.TransferID, string(models.TransferStatusCompleted))
	if done.TargetURL != target.srv.URL {
		t.Fatalf("resolved target %s, want %s", done.TargetURL, target.srv.URL)
	}
	if target.count(t, "users") != 1 {
		t.Fatal("document never reached the resolved instance")
	}
}

func TestTransferHandler_StartValidation(t *testing.T) {
	env := newTestEnv(t)
	app := transferApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers", models.TransferRequest{
		TargetURL: "http://localhost:1",
	}))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for missing collections, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers", models.TransferRequest{
		Collections: []string{"users"},
		TargetURL:   "http://localhost:1",
		InstanceID:  "inst-1",
	}))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for ambiguous target, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/migration/transfers/tr-missing", nil))
	assertErrorCode(t, resp, fiber.StatusNotFound, services.CodeNotFound)
}

func TestTransferHandler_LifecycleErrorsOnFinishedTransfer(t *testing.T) {
	env := newTestEnv(t)
	seedDocs(t, env.store, "users", models.Document{"_id": "u1", "username": "jdoe"})
	target := newImportTarget(t)
	app := transferApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers", models.TransferRequest{
		Collections: []string{"users"},
		TargetURL:   target.srv.URL,
	}))
	var task models.TransferStatusResponse
	decodeJSON(t, resp, &task)
	waitForStatus(t, env.transfers, task.TransferID, string(models.TransferStatusCompleted))

	resp = doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers/"+task.TransferID+"/pause", nil))
	assertErrorCode(t, resp, fiber.StatusBadRequest, services.CodeTransferState)

	resp = doRequest(t, app, jsonRequest(t, "DELETE", "/v1/migration/transfers/"+task.TransferID, nil))
	assertErrorCode(t, resp, fiber.StatusBadRequest, services.CodeTransferState)

	// A completed transfer has no checkpoint left to inspect.
	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/migration/transfers/"+task.TransferID+"/checkpoint", nil))
	assertErrorCode(t, resp, fiber.StatusNotFound, services.CodeNotFound)
}

func TestTransferHandler_ProgressStream(t *testing.T) {
	env := newTestEnv(t)
	seedDocs(t, env.store, "users",
		models.Document{"_id": "u1", "username": "jdoe"},
		models.Document{"_id": "u2", "username": "asmith"},
	)
	target := newImportTarget(t)
	app := transferApp(env.handler)

	resp := doRequest(t, app, jsonRequest(t, "POST", "/v1/migration/transfers", models.TransferRequest{
		Collections: []string{"users"},
		TargetURL:   target.srv.URL,
	}))
	var task models.TransferStatusResponse
	decodeJSON(t, resp, &task)

	// The stream stays open until the terminal event, so reading the
	// whole body observes the transfer end to end.
	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/migration/transfers/"+task.TransferID+"/progress", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on progress stream, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	frames := string(body)
	if !strings.Contains(frames, "event: done") {
		t.Fatalf("stream never emitted a terminal done event:\n%s", frames)
	}
	if !strings.Contains(frames, "id: 1\n") {
		t.Fatalf("stream frames carry no event ids:\n%s", frames)
	}

	resp = doRequest(t, app, jsonRequest(t, "GET", "/v1/migration/transfers/tr-missing/progress", nil))
	assertErrorCode(t, resp, fiber.StatusNotFound, services.CodeNotFound)
}
