package models

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// PackageFormatVersion identifies the migration package wire format.
const PackageFormatVersion = 1

// CollectionPayload holds one collection's documents inside a package.
// Checksum is "sha256:<hex>" over the canonical JSON of Documents.
type CollectionPayload struct {
	Documents []Document `json:"documents"`
	Count     int        `json:"count"`
	Checksum  string     `json:"checksum"`
}

// Package is the signed unit of migration transfer. Final marks the last
// package of a multi-batch transfer.
type Package struct {
	FormatVersion int                          `json:"format_version"`
	PackageID     string                       `json:"package_id"`
	TransferID    string                       `json:"transfer_id,omitempty"`
	SourceNode    string                       `json:"source_node"`
	CreatedAt     time.Time                    `json:"created_at"`
	Collections   map[string]CollectionPayload `json:"collections"`
	Final         bool                         `json:"final,omitempty"`
}

// DocumentCount returns the total documents across all collections.
func (p *Package) DocumentCount() int {
	n := 0
	for _, c := range p.Collections {
		n += c.Count
	}
	return n
}

// ExportRequest selects collections for a one-shot export
type ExportRequest struct {
	Collections []string `json:"collections"`
	UserID      string   `json:"user_id,omitempty"`
	Sanitize    *bool    `json:"sanitize,omitempty"`
}

// Validate validates the export request.
func (r *ExportRequest) Validate() error {
	if len(r.Collections) == 0 {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'collections' is required",
		}
	}
	for _, c := range r.Collections {
		if c == "" {
			return &fiber.Error{
				Code:    fiber.StatusBadRequest,
				Message: "collection names must not be empty",
			}
		}
	}
	return nil
}

// SanitizeEnabled returns the requested sanitize flag, defaulting to true.
func (r *ExportRequest) SanitizeEnabled() bool {
	if r.Sanitize == nil {
		return true
	}
	return *r.Sanitize
}

// ImportRequest carries a signed package body for import
type ImportRequest struct {
	Payload   string             `json:"payload"`   // base64 compressed package
	Signature string             `json:"signature"` // base64 RSA-PSS signature over the compressed bytes
	Conflict  ConflictResolution `json:"conflict,omitempty"`
	UserID    string             `json:"user_id,omitempty"`
}

// Validate validates the import request and applies defaults.
func (r *ImportRequest) Validate() error {
	if r.Payload == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'payload' is required",
		}
	}
	if r.Signature == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'signature' is required",
		}
	}
	if r.Conflict == "" {
		r.Conflict = ConflictSkip
	}
	if !r.Conflict.Valid() {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "conflict must be one of: skip, overwrite, fail",
		}
	}
	return nil
}

// ImportResult summarizes one import per collection and in total
type ImportResult struct {
	PackageID   string                      `json:"package_id"`
	Inserted    int64                       `json:"inserted"`
	Updated     int64                       `json:"updated"`
	Skipped     int64                       `json:"skipped"`
	Collections map[string]CollectionImport `json:"collections"`
	RollbackIDs []string                    `json:"rollback_ids,omitempty"`
}

// CollectionImport is the per-collection import breakdown
type CollectionImport struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Skipped  int64 `json:"skipped"`
}

// FieldSchema describes one inferred field
type FieldSchema struct {
	Kind     FieldKind `json:"kind"`
	Nullable bool      `json:"nullable"`
}

// CollectionSchema is the sampled shape of one collection
type CollectionSchema struct {
	Collection  string                 `json:"collection"`
	Fields      map[string]FieldSchema `json:"fields"`
	SampleCount int                    `json:"sample_count"`
}

// CompatibilityReport is the outcome of comparing source and target schemas
type CompatibilityReport struct {
	Compatible bool     `json:"compatible"`
	Warnings   []string `json:"warnings,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// ValidateRequest asks for a schema compatibility check against a local or
// provided target schema
type ValidateRequest struct {
	Collection   string            `json:"collection"`
	TargetSchema *CollectionSchema `json:"target_schema,omitempty"`
}

// Validate validates the request.
func (r *ValidateRequest) Validate() error {
	if r.Collection == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'collection' is required",
		}
	}
	return nil
}
