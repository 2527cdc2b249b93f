package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/metrics"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/sanitize"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
)

// anonymousUser is the rate limit bucket for requests without a user.
const anonymousUser = "anonymous"

// ExportResult is a signed package ready for download.
type ExportResult struct {
	Package   *models.Package
	Body      []byte
	Signature string
	Redacted  int
}

// Exporter builds signed one-shot export packages from local collections.
type Exporter struct {
	store      store.DocumentStore
	cache      cache.Cache
	sanitizer  *sanitize.Sanitizer
	signer     *signing.Signer
	codec      *Codec
	audit      *audit.Log
	metrics    metrics.Recorder
	batchSize  int
	rateLimit  int
	sourceNode string
	log        *logging.Logger
}

// NewExporter creates an exporter. sourceNode is stamped into every package
// it produces.
func NewExporter(st store.DocumentStore, c cache.Cache, san *sanitize.Sanitizer, signer *signing.Signer, auditLog *audit.Log, rec metrics.Recorder, cfg config.MigrationConfig, sourceNode string, log *logging.Logger) *Exporter {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Exporter{
		store:      st,
		cache:      c,
		sanitizer:  san,
		signer:     signer,
		codec:      NewCodec(),
		audit:      auditLog,
		metrics:    rec,
		batchSize:  batch,
		rateLimit:  cfg.RateLimitPerHour,
		sourceNode: sourceNode,
		log:        log.With("component", "migration-export"),
	}
}

// Export reads the requested collections, sanitizes them, and returns the
// signed package. Every attempt counts against the caller's hourly cap,
// whether or not it succeeds.
func (e *Exporter) Export(ctx context.Context, req *models.ExportRequest) (*ExportResult, error) {
	if req == nil || len(req.Collections) == 0 {
		return nil, services.NewServiceError(services.CodeInvalidRequest, "at least one collection is required")
	}
	user := req.UserID
	if user == "" {
		user = anonymousUser
	}

	start := time.Now()
	status := metrics.StatusFailed
	var bodySize int64
	e.metrics.RecordOperationStart("export")
	defer func() {
		e.metrics.RecordOperationComplete("export", status, user, time.Since(start), bodySize)
	}()

	if err := allowRate(ctx, e.cache, e.log, "export", user, e.rateLimit); err != nil {
		e.metrics.RecordRateLimitViolation("export")
		e.audit.Record(ctx, models.ClusterEvent{
			EventType: audit.EventRateLimitExceeded,
			UserID:    user,
			Severity:  models.SeverityWarning,
			Details:   map[string]interface{}{"operation": "export"},
		})
		return nil, err
	}

	e.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventExportStarted,
		UserID:    user,
		Details:   map[string]interface{}{"collections": req.Collections},
	})

	pkg := NewPackage(e.sourceNode, "")
	pkg.Final = true

	totalDocs := 0
	totalRedacted := 0
	for _, name := range req.Collections {
		docs, err := e.readCollection(ctx, name)
		if err != nil {
			e.recordFailure(ctx, user, name, err)
			return nil, err
		}
		if req.SanitizeEnabled() && e.sanitizer != nil {
			var redacted int
			docs, redacted = e.sanitizer.SanitizeCollection(name, docs)
			totalRedacted += redacted
		}
		payload, err := BuildPayload(docs)
		if err != nil {
			e.recordFailure(ctx, user, name, err)
			return nil, err
		}
		pkg.Collections[name] = payload
		totalDocs += len(docs)
		e.metrics.RecordDocuments(name, "export", len(docs))
	}

	body, signature, err := e.codec.Encode(pkg, e.signer)
	if err != nil {
		e.recordFailure(ctx, user, "", err)
		return nil, err
	}

	status = metrics.StatusSuccess
	bodySize = int64(len(body))

	e.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventExportCompleted,
		UserID:    user,
		Details: map[string]interface{}{
			"package_id":      pkg.PackageID,
			"collections":     len(pkg.Collections),
			"documents":       totalDocs,
			"bytes":           len(body),
			"redacted_fields": totalRedacted,
		},
	})
	e.log.Info("Export completed",
		"package_id", pkg.PackageID,
		"collections", len(pkg.Collections),
		"documents", totalDocs,
		"bytes", len(body))

	return &ExportResult{
		Package:   pkg,
		Body:      body,
		Signature: signature,
		Redacted:  totalRedacted,
	}, nil
}

// readCollection pages through one collection in ID order.
func (e *Exporter) readCollection(ctx context.Context, name string) ([]models.Document, error) {
	var docs []models.Document
	afterID := ""
	for {
		batch, err := e.store.Find(ctx, name, nil, afterID, e.batchSize)
		if err != nil {
			return nil, services.NewServiceError(services.CodeStoreUnavailable,
				fmt.Sprintf("read collection %s: %v", name, err))
		}
		docs = append(docs, batch...)
		if len(batch) < e.batchSize {
			return docs, nil
		}
		afterID = batch[len(batch)-1].ID()
	}
}

func (e *Exporter) recordFailure(ctx context.Context, user, collection string, err error) {
	code := services.CodeInternal
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		code = svcErr.Code
	}
	e.metrics.RecordError("export", code)

	details := map[string]interface{}{"error": err.Error()}
	if collection != "" {
		details["collection"] = collection
	}
	e.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventExportFailed,
		UserID:    user,
		Severity:  models.SeverityError,
		Details:   details,
	})
	e.log.Error("Export failed", "collection", collection, "error", err)
}
