package handlers

import (
	"bufio"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

// StartTransfer queues a streaming transfer to another node and returns
// the accepted task immediately.
func (h *Handler) StartTransfer(c *fiber.Ctx) error {
	var req models.TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}

	task, err := h.transfers.Start(c.Context(), &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}

// ListTransfers lists known transfer tasks, newest first.
func (h *Handler) ListTransfers(c *fiber.Ctx) error {
	tasks := h.transfers.List()
	return c.JSON(models.TransferListResponse{
		Transfers: tasks,
		Count:     len(tasks),
	})
}

// GetTransfer returns the state of a single transfer.
func (h *Handler) GetTransfer(c *fiber.Ctx) error {
	task, err := h.transfers.Get(c.Context(), c.Params("transfer_id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}

// PauseTransfer pauses a running transfer at the next batch boundary.
func (h *Handler) PauseTransfer(c *fiber.Ctx) error {
	task, err := h.transfers.Pause(c.Context(), c.Params("transfer_id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}

// ResumeTransfer resumes a paused transfer, or re-queues a failed one
// from its last checkpoint.
func (h *Handler) ResumeTransfer(c *fiber.Ctx) error {
	task, err := h.transfers.Resume(c.Context(), c.Params("transfer_id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}

// CancelTransfer aborts a queued or running transfer and discards its
// checkpoint.
func (h *Handler) CancelTransfer(c *fiber.Ctx) error {
	task, err := h.transfers.Cancel(c.Context(), c.Params("transfer_id"))
	if err != nil {
		return err
	}
	return c.JSON(task)
}

// GetTransferCheckpoint returns the persisted checkpoint of a transfer.
func (h *Handler) GetTransferCheckpoint(c *fiber.Ctx) error {
	cp, err := h.transfers.Checkpoint(c.Context(), c.Params("transfer_id"))
	if err != nil {
		return err
	}
	return c.JSON(cp)
}

// TransferProgress streams live progress updates for a transfer as
// Server-Sent Events. Each batch emits a "progress" event; the stream
// ends with a single "done" or "error" event.
func (h *Handler) TransferProgress(c *fiber.Ctx) error {
	ch, unsubscribe, err := h.transfers.Subscribe(c.Context(), c.Params("transfer_id"))
	if err != nil {
		return err
	}

	// Set SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// The fiber context is released once the handler returns, so the
	// stream goroutine must not touch c after this point.
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		writer := NewSSEWriter(w)
		for p := range ch {
			if err := writer.WriteEvent(progressEventName(p.Status), p); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

func progressEventName(status models.TransferStatus) string {
	switch status {
	case models.TransferStatusFailed:
		return "error"
	case models.TransferStatusCompleted, models.TransferStatusCancelled:
		return "done"
	default:
		return "progress"
	}
}
