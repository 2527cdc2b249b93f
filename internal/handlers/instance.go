package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

func (h *Handler) requireInstances() error {
	if h.instances == nil {
		return services.NewServiceError(services.CodeInvalidRequest, "no instance registry configured")
	}
	return nil
}

// RegisterInstance stores a named target instance after probing that it
// is reachable. The API key is encrypted before it is persisted.
func (h *Handler) RegisterInstance(c *fiber.Ctx) error {
	if err := h.requireInstances(); err != nil {
		return err
	}

	var req models.RegisterInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}

	inst, err := h.instances.Register(c.Context(), &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(inst)
}

// ListInstances lists registered instances in registration order.
func (h *Handler) ListInstances(c *fiber.Ctx) error {
	if err := h.requireInstances(); err != nil {
		return err
	}

	list, err := h.instances.List(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(list)
}

// GetInstance returns a single registered instance.
func (h *Handler) GetInstance(c *fiber.Ctx) error {
	if err := h.requireInstances(); err != nil {
		return err
	}

	inst, err := h.instances.Get(c.Context(), c.Params("instance_id"))
	if err != nil {
		return err
	}
	return c.JSON(inst)
}

// DeleteInstance removes an instance from the registry.
func (h *Handler) DeleteInstance(c *fiber.Ctx) error {
	if err := h.requireInstances(); err != nil {
		return err
	}

	if err := h.instances.Delete(c.Context(), c.Params("instance_id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TestInstance probes a registered instance and records the outcome.
func (h *Handler) TestInstance(c *fiber.Ctx) error {
	if err := h.requireInstances(); err != nil {
		return err
	}

	res, err := h.instances.TestConnection(c.Context(), c.Params("instance_id"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}
