// Package migration implements signed, resumable, bandwidth-limited data
// transfers between instances: one-shot export and import of signed packages,
// and a checkpointed engine that streams collections to a remote instance
// batch by batch. Transfer state lives in the KV cache so an interrupted
// transfer resumes where it stopped instead of starting over.
package migration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/metrics"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/sanitize"
	"github.com/ferrydb/ferry/internal/schema"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/throttle"
	"github.com/ferrydb/ferry/internal/transport"
)

// Remote paths the engine drives on the target instance.
const (
	importPath       = "/v1/migration/import"
	schemaPathPrefix = "/v1/migration/schema/"
)

// ErrShuttingDown, passed as a cancel cause, tells a running transfer the
// process is going down. Unlike a plain cancel it is not an abort: the
// checkpoint survives so the transfer resumes on restart.
var ErrShuttingDown = errors.New("migration: shutting down")

// Target is the remote instance one transfer ships to.
type Target struct {
	BaseURL string
	APIKey  string
}

// ProgressFunc receives one update per processed batch plus status
// transitions. Callbacks run on the transfer goroutine and must not block.
type ProgressFunc func(models.TransferProgress)

// RunResult summarizes a finished transfer run.
type RunResult struct {
	DocumentsSent int64
	BytesSent     int64
	Collections   int
	Warnings      []string
}

// Engine drives one resumable transfer at a time per call. It owns no task
// state; the caller supplies the transfer ID and interprets the returned
// error for its own lifecycle.
type Engine struct {
	store      store.DocumentStore
	resume     *Resume
	throttles  *throttle.Registry
	schema     *schema.Validator
	sanitizer  *sanitize.Sanitizer
	signer     *signing.Signer
	codec      *Codec
	pool       *transport.Pool
	audit      *audit.Log
	metrics    metrics.Recorder
	cfg        config.MigrationConfig
	sourceNode string
	log        *logging.Logger
}

// NewEngine creates a transfer engine.
func NewEngine(st store.DocumentStore, resume *Resume, throttles *throttle.Registry, validator *schema.Validator, san *sanitize.Sanitizer, signer *signing.Signer, pool *transport.Pool, auditLog *audit.Log, rec metrics.Recorder, cfg config.MigrationConfig, sourceNode string, log *logging.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = 2 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Engine{
		store:      st,
		resume:     resume,
		throttles:  throttles,
		schema:     validator,
		sanitizer:  san,
		signer:     signer,
		codec:      NewCodec(),
		pool:       pool,
		audit:      auditLog,
		metrics:    rec,
		cfg:        cfg,
		sourceNode: sourceNode,
		log:        log.With("component", "migration-engine"),
	}
}

// Run executes one transfer to target, resuming from any checkpoint stored
// under transferID. It blocks until the transfer completes, fails, or ctx is
// cancelled. Cancellation is treated as a hard abort: the checkpoint is
// deleted and ctx.Err() is returned. Any other failure preserves the
// checkpoint so a rerun with the same transferID picks up from it.
func (e *Engine) Run(ctx context.Context, transferID string, req models.TransferRequest, target Target, progress ProgressFunc) (*RunResult, error) {
	if transferID == "" {
		return nil, services.NewServiceError(services.CodeInvalidRequest, "transfer id is required")
	}
	if len(req.Collections) == 0 {
		return nil, services.NewServiceError(services.CodeInvalidRequest, "at least one collection is required")
	}
	if target.BaseURL == "" {
		return nil, services.NewServiceError(services.CodeInvalidRequest, "target URL is required")
	}
	if progress == nil {
		progress = func(models.TransferProgress) {}
	}
	log := e.log.With("transfer_id", transferID)

	user := req.UserID
	if user == "" {
		user = anonymousUser
	}

	maxMbps := req.MaxMbps
	if maxMbps <= 0 {
		maxMbps = e.cfg.DefaultMaxMbps
	}
	th := e.throttles.Create(transferID, maxMbps)
	defer e.throttles.Remove(transferID)

	start := time.Now()
	status := metrics.StatusFailed
	var bytesSent int64
	e.metrics.RecordOperationStart("transfer")
	defer func() {
		e.metrics.RecordOperationComplete("transfer", status, user, time.Since(start), bytesSent)
	}()

	e.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventTransferStarted,
		UserID:    user,
		Details: map[string]interface{}{
			"transfer_id": transferID,
			"target":      target.BaseURL,
			"collections": req.Collections,
		},
	})

	result := &RunResult{}
	var done, grandTotal int64

	emit := func(st models.TransferStatus, collection string) {
		percent := 0.0
		if grandTotal > 0 {
			percent = float64(done) / float64(grandTotal) * 100
		}
		progress(models.TransferProgress{
			TransferID:     transferID,
			Status:         st,
			Collection:     collection,
			DocumentsDone:  done,
			DocumentsTotal: grandTotal,
			Percent:        percent,
			ETASeconds:     etaSeconds(start, result.DocumentsSent, grandTotal-done),
			Timestamp:      time.Now().UTC(),
		})
	}

	// A cancelled context turns any in-flight error into a hard abort,
	// unless the cancel cause is a process shutdown: then the transfer is
	// recorded as failed with its checkpoint intact for the next start.
	failOrAbort := func(err error) error {
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrShuttingDown) {
				err = services.NewServiceError(services.CodeShuttingDown, "transfer interrupted by shutdown")
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				e.recordTransferFailure(cleanupCtx, transferID, user, err)
				return err
			}
			return e.abort(ctx, transferID, user, emit)
		}
		e.recordTransferFailure(ctx, transferID, user, err)
		return err
	}

	// Compatibility gate before any data moves.
	for _, coll := range req.Collections {
		warnings, err := e.checkSchema(ctx, coll, target)
		if err != nil {
			return nil, failOrAbort(err)
		}
		result.Warnings = append(result.Warnings, warnings...)
	}

	for _, coll := range req.Collections {
		n, err := e.store.Count(ctx, coll, nil)
		if err != nil {
			return nil, failOrAbort(services.NewServiceError(services.CodeStoreUnavailable,
				fmt.Sprintf("count %s: %v", coll, err)))
		}
		grandTotal += n
	}

	cp, err := e.resume.GetCheckpoint(ctx, transferID)
	if err != nil {
		log.Warn("Checkpoint unavailable, starting from the beginning", "error", err)
		cp = nil
	}
	if cp != nil && !containsString(req.Collections, cp.CurrentCollection) {
		log.Warn("Checkpoint references a collection outside this transfer, restarting",
			"collection", cp.CurrentCollection)
		cp = nil
	}

	if cp != nil {
		done = cp.DocumentsProcessed
		log.Info("Resuming from checkpoint",
			"collection", cp.CurrentCollection,
			"documents_processed", cp.DocumentsProcessed)
	}

	emit(models.TransferStatusInProgress, "")

	resumed := cp == nil
	for idx, coll := range req.Collections {
		afterID := ""
		if !resumed {
			if coll != cp.CurrentCollection {
				log.Debug("Skipping collection finished before checkpoint", "collection", coll)
				continue
			}
			resumed = true
			afterID = cp.LastDocumentID
		}
		lastColl := idx == len(req.Collections)-1

		for {
			if err := ctx.Err(); err != nil {
				return nil, failOrAbort(err)
			}
			if err := e.waitWhilePaused(ctx, transferID, coll, th, emit); err != nil {
				return nil, failOrAbort(err)
			}

			batch, err := e.store.Find(ctx, coll, nil, afterID, e.cfg.BatchSize)
			if err != nil {
				return nil, failOrAbort(services.NewServiceError(services.CodeStoreUnavailable,
					fmt.Sprintf("read %s: %v", coll, err)))
			}
			if len(batch) == 0 {
				break
			}
			lastID := batch[len(batch)-1].ID()

			if req.SanitizeEnabled() && e.sanitizer != nil {
				batch, _ = e.sanitizer.SanitizeCollection(coll, batch)
			}

			pkg := NewPackage(e.sourceNode, transferID)
			payload, err := BuildPayload(batch)
			if err != nil {
				return nil, failOrAbort(err)
			}
			pkg.Collections[coll] = payload
			pkg.Final = lastColl && len(batch) < e.cfg.BatchSize

			body, signature, err := e.codec.Encode(pkg, e.signer)
			if err != nil {
				return nil, failOrAbort(err)
			}

			if err := th.Throttle(ctx, len(body)); err != nil {
				return nil, failOrAbort(err)
			}
			if err := e.sendPackage(ctx, target, body, signature, req); err != nil {
				return nil, failOrAbort(err)
			}

			done += int64(len(batch))
			result.DocumentsSent += int64(len(batch))
			result.BytesSent += int64(len(body))
			bytesSent = result.BytesSent
			afterID = lastID

			if err := e.resume.SaveCheckpoint(ctx, &models.TransferCheckpoint{
				TransferID:         transferID,
				CurrentCollection:  coll,
				LastDocumentID:     lastID,
				DocumentsProcessed: done,
			}); err != nil {
				log.Warn("Checkpoint save failed", "error", err)
			}

			e.metrics.RecordDocuments(coll, "transfer", len(batch))
			emit(models.TransferStatusInProgress, coll)

			if len(batch) < e.cfg.BatchSize {
				break
			}
		}
		result.Collections++
	}

	if err := e.resume.DeleteCheckpoint(ctx, transferID); err != nil {
		log.Warn("Checkpoint cleanup failed", "error", err)
	}

	status = metrics.StatusSuccess
	e.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventTransferCompleted,
		UserID:    user,
		Details: map[string]interface{}{
			"transfer_id": transferID,
			"documents":   result.DocumentsSent,
			"bytes":       result.BytesSent,
			"collections": result.Collections,
		},
	})
	log.Info("Transfer completed",
		"documents", result.DocumentsSent,
		"bytes", result.BytesSent,
		"collections", result.Collections,
		"elapsed", time.Since(start))
	emit(models.TransferStatusCompleted, "")

	return result, nil
}

// waitWhilePaused blocks while the pause flag is raised, polling at the
// configured interval. It returns ctx.Err() when the transfer is cancelled
// mid-pause. A cache failure counts as not paused. The throttle window is
// reset on resume so idle pause time does not bank transfer budget.
func (e *Engine) waitWhilePaused(ctx context.Context, transferID, collection string, th *throttle.Throttler, emit func(models.TransferStatus, string)) error {
	paused, err := e.resume.IsPaused(ctx, transferID)
	if err != nil {
		e.log.Warn("Pause flag unavailable", "transfer_id", transferID, "error", err)
		return nil
	}
	if !paused {
		return nil
	}

	emit(models.TransferStatusPaused, collection)
	ticker := time.NewTicker(e.cfg.PausePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			paused, err := e.resume.IsPaused(ctx, transferID)
			if err != nil {
				e.log.Warn("Pause flag unavailable", "transfer_id", transferID, "error", err)
				paused = false
			}
			if !paused {
				th.Reset()
				emit(models.TransferStatusInProgress, collection)
				return nil
			}
		}
	}
}

// checkSchema compares the local collection schema against the target's and
// blocks the transfer on type conflicts. Field-level warnings are returned
// for the caller to surface. A target that does not expose its schema skips
// the gate with a warning.
func (e *Engine) checkSchema(ctx context.Context, collection string, target Target) ([]string, error) {
	source, err := e.schema.Extract(ctx, collection)
	if err != nil {
		return nil, services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("extract schema for %s: %v", collection, err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.HTTPTimeout)
	defer cancel()
	var targetSchema models.CollectionSchema
	headers := targetHeaders(target)
	err = e.pool.GetJSON(reqCtx, target.BaseURL, schemaPathPrefix+url.PathEscape(collection), headers, &targetSchema)
	if err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			e.log.Warn("Target does not expose schemas, skipping compatibility gate",
				"collection", collection)
			return []string{fmt.Sprintf("%s: target schema unavailable, compatibility not checked", collection)}, nil
		}
		return nil, services.NewServiceError(services.CodeNodeUnavailable,
			fmt.Sprintf("fetch target schema for %s: %v", collection, err))
	}

	if targetSchema.SampleCount == 0 {
		// Nothing on the target side to conflict with.
		return nil, nil
	}

	report := schema.ValidateCompatibility(source, &targetSchema)
	if !report.Compatible {
		e.metrics.RecordValidationFailure("schema")
		e.audit.Record(ctx, models.ClusterEvent{
			EventType: audit.EventValidationFailed,
			Severity:  models.SeverityError,
			Details: map[string]interface{}{
				"collection": collection,
				"errors":     report.Errors,
			},
		})
		return nil, services.NewServiceErrorWithDetails(services.CodeSchemaIncompatible,
			fmt.Sprintf("schema for %s is incompatible with the target", collection),
			map[string]interface{}{"collection": collection, "errors": report.Errors})
	}
	if len(report.Warnings) > 0 {
		e.log.Warn("Schema warnings for transfer",
			"collection", collection,
			"warnings", report.Warnings)
	}

	warnings := make([]string, 0, len(report.Warnings))
	for _, w := range report.Warnings {
		warnings = append(warnings, collection+": "+w)
	}
	return warnings, nil
}

// sendPackage ships one signed batch to the target's import endpoint.
func (e *Engine) sendPackage(ctx context.Context, target Target, body []byte, signature string, req models.TransferRequest) error {
	payload := models.ImportRequest{
		Payload:   base64.StdEncoding.EncodeToString(body),
		Signature: signature,
		Conflict:  req.Conflict,
		UserID:    req.UserID,
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.HTTPTimeout)
	defer cancel()
	var result models.ImportResult
	if err := e.pool.PostJSON(reqCtx, target.BaseURL, importPath, targetHeaders(target), payload, &result); err != nil {
		return services.NewServiceError(services.CodeNodeUnavailable,
			fmt.Sprintf("send package: %v", err))
	}
	e.log.Debug("Package accepted by target",
		"inserted", result.Inserted,
		"updated", result.Updated,
		"skipped", result.Skipped)
	return nil
}

// abort handles cooperative cancellation: the checkpoint is dropped so the
// transfer cannot half-resume later, and ctx's error is surfaced.
func (e *Engine) abort(ctx context.Context, transferID, user string, emit func(models.TransferStatus, string)) error {
	// The caller's context is done; detach cleanup from it.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.resume.DeleteCheckpoint(cleanupCtx, transferID); err != nil {
		e.log.Warn("Checkpoint cleanup failed on abort", "transfer_id", transferID, "error", err)
	}
	e.audit.Record(cleanupCtx, models.ClusterEvent{
		EventType: audit.EventTransferCancelled,
		UserID:    user,
		Severity:  models.SeverityWarning,
		Details:   map[string]interface{}{"transfer_id": transferID},
	})
	e.log.Info("Transfer cancelled", "transfer_id", transferID)
	emit(models.TransferStatusCancelled, "")

	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func (e *Engine) recordTransferFailure(ctx context.Context, transferID, user string, err error) {
	code := services.CodeInternal
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		code = svcErr.Code
	}
	e.metrics.RecordError("transfer", code)
	e.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventTransferFailed,
		UserID:    user,
		Severity:  models.SeverityError,
		Details: map[string]interface{}{
			"transfer_id": transferID,
			"error":       err.Error(),
		},
	})
	e.log.Error("Transfer failed", "transfer_id", transferID, "error", err)
}

func targetHeaders(target Target) map[string]string {
	if target.APIKey == "" {
		return nil
	}
	return map[string]string{"X-API-Key": target.APIKey}
}

// etaSeconds projects time to completion from this run's throughput.
func etaSeconds(start time.Time, sentThisRun, remaining int64) int64 {
	if sentThisRun <= 0 || remaining <= 0 {
		return 0
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(sentThisRun) / elapsed
	return int64(float64(remaining) / rate)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
