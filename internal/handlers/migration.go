package handlers

import (
	"encoding/base64"

	"github.com/gofiber/fiber/v2"

	"github.com/ferrydb/ferry/internal/migration"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/schema"
	"github.com/ferrydb/ferry/internal/services"
)

// Export builds a signed package from local collections and returns it
// inline as base64.
func (h *Handler) Export(c *fiber.Ctx) error {
	var req models.ExportRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return err
	}

	res, err := h.exporter.Export(c.Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(models.ExportResponse{
		PackageID: res.Package.PackageID,
		Payload:   base64.StdEncoding.EncodeToString(res.Body),
		Signature: res.Signature,
		Documents: res.Package.DocumentCount(),
		Redacted:  res.Redacted,
		SizeBytes: len(res.Body),
	})
}

// Import verifies and applies a signed package to the local store.
func (h *Handler) Import(c *fiber.Ctx) error {
	var req models.ImportRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return err
	}

	body, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "payload is not valid base64: "+err.Error())
	}

	result, err := h.importer.Import(c.Context(), body, req.Signature, migration.ImportOptions{
		Conflict: req.Conflict,
		UserID:   req.UserID,
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// ValidateSchema extracts the schema of a local collection and, when a
// target schema is supplied, reports compatibility against it.
func (h *Handler) ValidateSchema(c *fiber.Ctx) error {
	var req models.ValidateRequest
	if err := c.BodyParser(&req); err != nil {
		return services.NewServiceError(services.CodeInvalidRequest, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return err
	}

	local, err := h.schema.Extract(c.Context(), req.Collection)
	if err != nil {
		return err
	}

	resp := models.ValidateResponse{
		Collection: req.Collection,
		Schema:     local,
	}
	if req.TargetSchema != nil {
		report := schema.ValidateCompatibility(local, req.TargetSchema)
		resp.Report = &report
	}
	return c.JSON(resp)
}

// GetSchema extracts and returns the schema of a local collection.
func (h *Handler) GetSchema(c *fiber.Ctx) error {
	extracted, err := h.schema.Extract(c.Context(), c.Params("collection"))
	if err != nil {
		return err
	}
	return c.JSON(extracted)
}

// GetPublicKey returns the PEM-encoded public verify key for this node.
func (h *Handler) GetPublicKey(c *fiber.Ctx) error {
	pemKey, err := h.signer.PublicKeyPEM()
	if err != nil {
		return err
	}
	return c.JSON(models.PublicKeyResponse{
		PublicKeyPEM: pemKey,
		Bits:         h.signer.KeyBits(),
	})
}
