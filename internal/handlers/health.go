package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
)

const probeCheckTimeout = 2 * time.Second

// Health handles health check requests
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   Version,
	})
}

// HealthLive is the liveness probe: the process answers, nothing more.
func (h *Handler) HealthLive(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// HealthReady is the readiness probe. The node is ready when its store,
// cache and node store all answer.
func (h *Handler) HealthReady(c *fiber.Ctx) error {
	checks, ready := h.runReadyChecks(c.Context())
	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}

// HealthStartup is the startup probe: the same dependency checks as
// readiness plus how long the process has been up.
func (h *Handler) HealthStartup(c *fiber.Ctx) error {
	checks, ready := h.runReadyChecks(c.Context())
	status := "started"
	code := fiber.StatusOK
	if !ready {
		status = "starting"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"checks":         checks,
	})
}

func (h *Handler) runReadyChecks(parent context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(parent, probeCheckTimeout)
	defer cancel()

	checks := map[string]string{"store": "ok", "cache": "ok", "nodestore": "ok"}
	ready := true

	if _, err := h.store.ListCollections(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if _, err := h.cache.Exists(ctx, "health:probe"); err != nil {
		checks["cache"] = err.Error()
		ready = false
	}
	if _, err := h.nodes.List(ctx); err != nil {
		checks["nodestore"] = err.Error()
		ready = false
	}
	return checks, ready
}

// NotFound handles 404 errors
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "NOT_FOUND",
			Message: "Route not found",
			Path:    c.Path(),
		},
	})
}
