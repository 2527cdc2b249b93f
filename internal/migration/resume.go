package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
)

// Cache key layout for transfer state. Checkpoints survive restarts for a
// day; a pause flag left behind by a dead controller expires after an hour so
// the transfer cannot stay wedged forever.
const (
	checkpointKeyPrefix = "migration:checkpoint:"
	pauseKeyPrefix      = "migration:paused:"

	pauseFlagValue = "1"

	// DefaultCheckpointTTL is the checkpoint retention window.
	DefaultCheckpointTTL = 24 * time.Hour

	// DefaultPauseTTL is how long a pause flag holds without renewal.
	DefaultPauseTTL = time.Hour
)

// Resume tracks per-transfer checkpoints and pause flags in the KV cache so
// an interrupted transfer can pick up where it left off.
type Resume struct {
	cache         cache.Cache
	checkpointTTL time.Duration
	pauseTTL      time.Duration
	log           *logging.Logger
}

// NewResume creates a resume tracker. Non-positive TTLs fall back to the
// defaults.
func NewResume(c cache.Cache, checkpointTTL, pauseTTL time.Duration, log *logging.Logger) *Resume {
	if checkpointTTL <= 0 {
		checkpointTTL = DefaultCheckpointTTL
	}
	if pauseTTL <= 0 {
		pauseTTL = DefaultPauseTTL
	}
	return &Resume{
		cache:         c,
		checkpointTTL: checkpointTTL,
		pauseTTL:      pauseTTL,
		log:           log.With("component", "migration-resume"),
	}
}

// SaveCheckpoint stores cp under its transfer ID, refreshing the TTL. A
// checkpoint that would move documents_processed backwards is dropped, so a
// late writer cannot clobber progress recorded by a newer one.
func (r *Resume) SaveCheckpoint(ctx context.Context, cp *models.TransferCheckpoint) error {
	if cp == nil || cp.TransferID == "" {
		return services.NewServiceError(services.CodeInvalidRequest, "checkpoint requires a transfer id")
	}

	prev, err := r.GetCheckpoint(ctx, cp.TransferID)
	if err != nil {
		return err
	}
	if prev != nil && prev.DocumentsProcessed > cp.DocumentsProcessed {
		r.log.Debug("Stale checkpoint dropped",
			"transfer_id", cp.TransferID,
			"have", prev.DocumentsProcessed,
			"got", cp.DocumentsProcessed)
		return nil
	}

	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.NewString()
	}
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return services.NewServiceError(services.CodeInternal,
			fmt.Sprintf("encode checkpoint: %v", err))
	}
	if err := r.cache.SetEx(ctx, checkpointKey(cp.TransferID), r.checkpointTTL, string(data)); err != nil {
		return services.NewServiceError(services.CodeCacheUnavailable,
			fmt.Sprintf("save checkpoint: %v", err))
	}

	r.log.Debug("Checkpoint saved",
		"transfer_id", cp.TransferID,
		"collection", cp.CurrentCollection,
		"documents_processed", cp.DocumentsProcessed)
	return nil
}

// GetCheckpoint returns the checkpoint for transferID, or nil when none is
// recorded. An entry that no longer decodes is treated as absent; restarting
// a transfer from scratch is always safe.
func (r *Resume) GetCheckpoint(ctx context.Context, transferID string) (*models.TransferCheckpoint, error) {
	raw, err := r.cache.Get(ctx, checkpointKey(transferID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, services.NewServiceError(services.CodeCacheUnavailable,
			fmt.Sprintf("load checkpoint: %v", err))
	}

	var cp models.TransferCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		r.log.Warn("Discarding undecodable checkpoint", "transfer_id", transferID, "error", err)
		return nil, nil
	}
	return &cp, nil
}

// DeleteCheckpoint removes the checkpoint for transferID. Deleting a missing
// checkpoint is not an error.
func (r *Resume) DeleteCheckpoint(ctx context.Context, transferID string) error {
	if err := r.cache.Delete(ctx, checkpointKey(transferID)); err != nil {
		return services.NewServiceError(services.CodeCacheUnavailable,
			fmt.Sprintf("delete checkpoint: %v", err))
	}
	return nil
}

// Pause raises the pause flag for transferID. The running transfer observes
// it at the next batch boundary.
func (r *Resume) Pause(ctx context.Context, transferID string) error {
	if err := r.cache.SetEx(ctx, pauseKey(transferID), r.pauseTTL, pauseFlagValue); err != nil {
		return services.NewServiceError(services.CodeCacheUnavailable,
			fmt.Sprintf("set pause flag: %v", err))
	}
	r.log.Info("Transfer paused", "transfer_id", transferID)
	return nil
}

// Resume clears the pause flag for transferID.
func (r *Resume) Resume(ctx context.Context, transferID string) error {
	if err := r.cache.Delete(ctx, pauseKey(transferID)); err != nil {
		return services.NewServiceError(services.CodeCacheUnavailable,
			fmt.Sprintf("clear pause flag: %v", err))
	}
	r.log.Info("Transfer resumed", "transfer_id", transferID)
	return nil
}

// IsPaused reports whether the pause flag is raised for transferID.
func (r *Resume) IsPaused(ctx context.Context, transferID string) (bool, error) {
	paused, err := r.cache.Exists(ctx, pauseKey(transferID))
	if err != nil {
		return false, services.NewServiceError(services.CodeCacheUnavailable,
			fmt.Sprintf("check pause flag: %v", err))
	}
	return paused, nil
}

func checkpointKey(transferID string) string { return checkpointKeyPrefix + transferID }

func pauseKey(transferID string) string { return pauseKeyPrefix + transferID }
