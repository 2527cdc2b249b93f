package models

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// TransferStatus represents the status of a migration transfer
type TransferStatus string

const (
	TransferStatusQueued     TransferStatus = "queued"
	TransferStatusInProgress TransferStatus = "in_progress"
	TransferStatusPaused     TransferStatus = "paused"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
	TransferStatusCancelled  TransferStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled:
		return true
	}
	return false
}

// ConflictResolution selects how the importer treats documents that already
// exist on the target
type ConflictResolution string

const (
	ConflictSkip      ConflictResolution = "skip"
	ConflictOverwrite ConflictResolution = "overwrite"
	ConflictFail      ConflictResolution = "fail"
)

// Valid reports whether the mode is a known value.
func (c ConflictResolution) Valid() bool {
	switch c {
	case ConflictSkip, ConflictOverwrite, ConflictFail:
		return true
	}
	return false
}

// TransferCheckpoint records resumable progress for one transfer. A transfer
// restarting from a checkpoint skips collections before CurrentCollection and
// seeks past LastDocumentID within it.
type TransferCheckpoint struct {
	CheckpointID       string    `json:"checkpoint_id"`
	TransferID         string    `json:"transfer_id"`
	CurrentCollection  string    `json:"current_collection"`
	LastDocumentID     string    `json:"last_document_id"`
	DocumentsProcessed int64     `json:"documents_processed"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TransferRequest starts a resumable transfer to a remote instance. Exactly
// one of InstanceID or TargetURL selects the destination.
type TransferRequest struct {
	Collections []string           `json:"collections"`
	InstanceID  string             `json:"instance_id,omitempty"`
	TargetURL   string             `json:"target_url,omitempty"`
	APIKey      string             `json:"api_key,omitempty"`
	MaxMbps     float64            `json:"max_mbps,omitempty"`
	Conflict    ConflictResolution `json:"conflict,omitempty"`
	Sanitize    *bool              `json:"sanitize,omitempty"`
	UserID      string             `json:"user_id,omitempty"`
}

// Validate validates the transfer request and applies defaults.
func (r *TransferRequest) Validate() error {
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

	if r.InstanceID == "" && r.TargetURL == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "one of 'instance_id' or 'target_url' is required",
		}
	}
	if r.InstanceID != "" && r.TargetURL != "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'instance_id' and 'target_url' are mutually exclusive",
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

// SanitizeEnabled returns the requested sanitize flag, defaulting to true.
func (r *TransferRequest) SanitizeEnabled() bool {
	if r.Sanitize == nil {
		return true
	}
	return *r.Sanitize
}

// TransferProgress is one progress update emitted per processed batch
type TransferProgress struct {
	TransferID     string         `json:"transfer_id"`
	Status         TransferStatus `json:"status"`
	Collection     string         `json:"collection,omitempty"`
	DocumentsDone  int64          `json:"documents_done"`
	DocumentsTotal int64          `json:"documents_total"`
	Percent        float64        `json:"percent"`
	ETASeconds     int64          `json:"eta_seconds,omitempty"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TransferTask tracks one transfer through its lifecycle
type TransferTask struct {
	TransferID     string          `json:"transfer_id"`
	Status         TransferStatus  `json:"status"`
	Request        TransferRequest `json:"request"`
	TargetURL      string          `json:"target_url"`
	DocumentsDone  int64           `json:"documents_done"`
	DocumentsTotal int64           `json:"documents_total"`
	BytesSent      int64           `json:"bytes_sent"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewTransferTask creates a queued transfer task.
func NewTransferTask(transferID string, req TransferRequest, targetURL string) *TransferTask {
	return &TransferTask{
		TransferID: transferID,
		Status:     TransferStatusQueued,
		Request:    req,
		TargetURL:  targetURL,
		CreatedAt:  time.Now().UTC(),
	}
}

// TransferStatusResponse is the API view of a transfer task
type TransferStatusResponse struct {
	TransferID     string     `json:"transfer_id"`
	Status         string     `json:"status"`
	TargetURL      string     `json:"target_url"`
	Collections    []string   `json:"collections"`
	DocumentsDone  int64      `json:"documents_done"`
	DocumentsTotal int64      `json:"documents_total"`
	Percent        float64    `json:"percent"`
	BytesSent      int64      `json:"bytes_sent"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ToStatusResponse converts the task to its API representation.
func (t *TransferTask) ToStatusResponse() *TransferStatusResponse {
	percent := 0.0
	if t.DocumentsTotal > 0 {
		percent = float64(t.DocumentsDone) / float64(t.DocumentsTotal) * 100
	}
	return &TransferStatusResponse{
		TransferID:     t.TransferID,
		Status:         string(t.Status),
		TargetURL:      t.TargetURL,
		Collections:    t.Request.Collections,
		DocumentsDone:  t.DocumentsDone,
		DocumentsTotal: t.DocumentsTotal,
		Percent:        percent,
		BytesSent:      t.BytesSent,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}
