package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/audit"
	"github.com/ferrydb/ferry/internal/cache"
	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/metrics"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/signing"
	"github.com/ferrydb/ferry/internal/store"
)

// RollbacksCollection holds pre-overwrite snapshots taken during imports.
const RollbacksCollection = "migration_rollbacks"

// ImportOptions selects conflict handling and attributes the import.
type ImportOptions struct {
	Conflict models.ConflictResolution
	UserID   string
}

// Importer verifies and applies signed packages to the local store.
type Importer struct {
	store     store.DocumentStore
	cache     cache.Cache
	verifier  signing.Verifier
	codec     *Codec
	audit     *audit.Log
	metrics   metrics.Recorder
	rateLimit int
	log       *logging.Logger
}

// NewImporter creates an importer verifying against verifier.
func NewImporter(st store.DocumentStore, c cache.Cache, verifier signing.Verifier, auditLog *audit.Log, rec metrics.Recorder, cfg config.MigrationConfig, log *logging.Logger) *Importer {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Importer{
		store:     st,
		cache:     c,
		verifier:  verifier,
		codec:     NewCodec(),
		audit:     auditLog,
		metrics:   rec,
		rateLimit: cfg.RateLimitPerHour,
		log:       log.With("component", "migration-import"),
	}
}

// Import verifies the signature over body, validates collection checksums
// and writes the documents, resolving per-document conflicts according to
// opts.Conflict. Verification is fail-closed: nothing from an unverified
// body reaches the store.
func (i *Importer) Import(ctx context.Context, body []byte, signature string, opts ImportOptions) (*models.ImportResult, error) {
	user := opts.UserID
	if user == "" {
		user = anonymousUser
	}
	conflict := opts.Conflict
	if conflict == "" {
		conflict = models.ConflictSkip
	}
	if !conflict.Valid() {
		return nil, services.NewServiceError(services.CodeInvalidRequest,
			"conflict must be one of: skip, overwrite, fail")
	}

	start := time.Now()
	status := metrics.StatusFailed
	var bodySize int64
	i.metrics.RecordOperationStart("import")
	defer func() {
		i.metrics.RecordOperationComplete("import", status, user, time.Since(start), bodySize)
	}()

	i.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventImportStarted,
		UserID:    user,
		Details: map[string]interface{}{
			"bytes":    len(body),
			"conflict": string(conflict),
		},
	})

	pkg, err := i.codec.Decode(body, signature, i.verifier)
	if err != nil {
		i.recordRejection(ctx, user, err)
		return nil, err
	}

	// Packages belonging to a transfer arrive once per batch; the hourly cap
	// applies to standalone imports only.
	if pkg.TransferID == "" {
		if err := allowRate(ctx, i.cache, i.log, "import", user, i.rateLimit); err != nil {
			i.metrics.RecordRateLimitViolation("import")
			i.audit.Record(ctx, models.ClusterEvent{
				EventType: audit.EventRateLimitExceeded,
				UserID:    user,
				Severity:  models.SeverityWarning,
				Details:   map[string]interface{}{"operation": "import"},
			})
			return nil, err
		}
	}

	result := &models.ImportResult{
		PackageID:   pkg.PackageID,
		Collections: make(map[string]models.CollectionImport),
	}

	names := make([]string, 0, len(pkg.Collections))
	for name := range pkg.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats, err := i.importCollection(ctx, pkg, name, conflict, result)
		if err != nil {
			i.recordFailure(ctx, user, name, err)
			return nil, err
		}
		result.Collections[name] = stats
		result.Inserted += stats.Inserted
		result.Updated += stats.Updated
		result.Skipped += stats.Skipped
		i.metrics.RecordDocuments(name, "import", int(stats.Inserted+stats.Updated))
	}

	status = metrics.StatusSuccess
	bodySize = int64(len(body))

	i.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventImportCompleted,
		UserID:    user,
		Details: map[string]interface{}{
			"package_id": pkg.PackageID,
			"inserted":   result.Inserted,
			"updated":    result.Updated,
			"skipped":    result.Skipped,
			"rollbacks":  len(result.RollbackIDs),
		},
	})
	i.log.Info("Import completed",
		"package_id", pkg.PackageID,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"skipped", result.Skipped)

	return result, nil
}

func (i *Importer) importCollection(ctx context.Context, pkg *models.Package, name string, conflict models.ConflictResolution, result *models.ImportResult) (models.CollectionImport, error) {
	var stats models.CollectionImport
	payload := pkg.Collections[name]

	for _, doc := range payload.Documents {
		id := doc.ID()
		if id == "" {
			return stats, services.NewServiceErrorWithDetails(services.CodeInvalidRequest,
				"imported document is missing its id",
				map[string]interface{}{"collection": name})
		}

		err := i.store.InsertOne(ctx, name, doc)
		switch {
		case err == nil:
			stats.Inserted++

		case errors.Is(err, store.ErrDuplicateID):
			switch conflict {
			case models.ConflictSkip:
				stats.Skipped++

			case models.ConflictOverwrite:
				rollbackID, err := i.snapshotExisting(ctx, pkg, name, id)
				if err != nil {
					return stats, err
				}
				if err := i.overwrite(ctx, name, id, doc); err != nil {
					return stats, err
				}
				stats.Updated++
				if rollbackID != "" {
					result.RollbackIDs = append(result.RollbackIDs, rollbackID)
				}

			case models.ConflictFail:
				return stats, services.NewServiceErrorWithDetails(services.CodeConflict,
					fmt.Sprintf("document %s already exists in %s", id, name),
					map[string]interface{}{"collection": name, "document_id": id})
			}

		default:
			return stats, services.NewServiceError(services.CodeStoreUnavailable,
				fmt.Sprintf("import into %s: %v", name, err))
		}
	}

	return stats, nil
}

// snapshotExisting copies the current document into the rollbacks collection
// before it is overwritten. Returns "" when the document vanished between
// the conflicting insert and the read.
func (i *Importer) snapshotExisting(ctx context.Context, pkg *models.Package, collection, id string) (string, error) {
	existing, err := i.store.Find(ctx, collection, store.Filter{models.DocumentIDField: id}, "", 1)
	if err != nil {
		return "", services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("read %s/%s for rollback: %v", collection, id, err))
	}
	if len(existing) == 0 {
		return "", nil
	}

	rollbackID := "rb-" + uuid.NewString()
	snapshot := models.Document{
		models.DocumentIDField: rollbackID,
		"rollback_id":          rollbackID,
		"package_id":           pkg.PackageID,
		"collection":           collection,
		"document_id":          id,
		"original":             map[string]interface{}(existing[0].Clone()),
		"created_at":           time.Now().UTC().Format(time.RFC3339Nano),
	}
	if pkg.TransferID != "" {
		snapshot["transfer_id"] = pkg.TransferID
	}
	if err := i.store.InsertOne(ctx, RollbacksCollection, snapshot); err != nil {
		return "", services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("save rollback snapshot for %s/%s: %v", collection, id, err))
	}
	return rollbackID, nil
}

// overwrite merges doc over the existing document, falling back to insert
// when it was deleted concurrently.
func (i *Importer) overwrite(ctx context.Context, collection, id string, doc models.Document) error {
	err := i.store.UpdateOne(ctx, collection, id, doc)
	if errors.Is(err, store.ErrNotFound) {
		err = i.store.InsertOne(ctx, collection, doc)
	}
	if err != nil {
		return services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("overwrite %s/%s: %v", collection, id, err))
	}
	return nil
}

// recordRejection audits a package that failed verification before any write.
func (i *Importer) recordRejection(ctx context.Context, user string, err error) {
	code := services.CodeInternal
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		code = svcErr.Code
	}
	i.metrics.RecordError("import", code)

	switch code {
	case services.CodeSignatureInvalid:
		i.metrics.RecordValidationFailure("signature")
		i.audit.Record(ctx, models.ClusterEvent{
			EventType: audit.EventSignatureInvalid,
			UserID:    user,
			Severity:  models.SeverityCritical,
			Details:   map[string]interface{}{"error": err.Error()},
		})
	case services.CodeChecksumMismatch:
		i.metrics.RecordValidationFailure("checksum")
		i.audit.Record(ctx, models.ClusterEvent{
			EventType: audit.EventChecksumMismatch,
			UserID:    user,
			Severity:  models.SeverityCritical,
			Details:   map[string]interface{}{"error": err.Error()},
		})
	default:
		i.metrics.RecordValidationFailure("package")
		i.audit.Record(ctx, models.ClusterEvent{
			EventType: audit.EventValidationFailed,
			UserID:    user,
			Severity:  models.SeverityError,
			Details:   map[string]interface{}{"error": err.Error()},
		})
	}
	i.log.Warn("Import rejected", "error", err)
}

func (i *Importer) recordFailure(ctx context.Context, user, collection string, err error) {
	code := services.CodeInternal
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		code = svcErr.Code
	}
	i.metrics.RecordError("import", code)
	i.audit.Record(ctx, models.ClusterEvent{
		EventType: audit.EventImportFailed,
		UserID:    user,
		Severity:  models.SeverityError,
		Details: map[string]interface{}{
			"collection": collection,
			"error":      err.Error(),
		},
	})
	i.log.Error("Import failed", "collection", collection, "error", err)
}
