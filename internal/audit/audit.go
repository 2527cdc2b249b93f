// Package audit keeps a durable, queryable trail of cluster-significant
// events. The trail is append-only: corrections are new events, existing
// records are never rewritten.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/store"
)

// Collection holds the audit trail.
const Collection = "cluster_events"

// Event types recorded across the cluster and migration paths.
const (
	EventNodeRegistered    = "node_registered"
	EventNodeRemoved       = "node_removed"
	EventNodePromoted      = "node_promoted"
	EventNodeDemoted       = "node_demoted"
	EventLeaderElected     = "leader_elected"
	EventExportStarted     = "export_started"
	EventExportCompleted   = "export_completed"
	EventExportFailed      = "export_failed"
	EventImportStarted     = "import_started"
	EventImportCompleted   = "import_completed"
	EventImportFailed      = "import_failed"
	EventTransferStarted   = "transfer_started"
	EventTransferCompleted = "transfer_completed"
	EventTransferFailed    = "transfer_failed"
	EventTransferCancelled = "transfer_cancelled"
	EventValidationFailed  = "validation_failed"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventSignatureInvalid  = "signature_invalid"
	EventChecksumMismatch  = "checksum_mismatch"
	EventRollbackCompleted = "rollback_completed"
)

// queryBatch is the page size used when scanning the trail.
const queryBatch = 500

// Log records and retrieves audit events.
type Log struct {
	store store.DocumentStore
	log   *logging.Logger
}

// NewLog creates an audit log writing to st.
func NewLog(st store.DocumentStore, log *logging.Logger) *Log {
	return &Log{store: st, log: log}
}

// Record persists one event. Empty EventID, Timestamp and Severity are
// filled in. Persistence failures are logged and swallowed: losing an audit
// record must not fail the operation being audited.
func (l *Log) Record(ctx context.Context, e models.ClusterEvent) {
	if e.EventID == "" {
		e.EventID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if !e.Severity.Valid() {
		e.Severity = models.SeverityInfo
	}

	if err := l.store.InsertOne(ctx, Collection, docFromEvent(e)); err != nil {
		l.log.Error("Failed to record audit event",
			"event_type", e.EventType,
			"node_id", e.NodeID,
			"error", err)
		return
	}
	l.log.Info("Cluster event logged",
		"event_type", e.EventType,
		"node_id", e.NodeID,
		"severity", string(e.Severity))
}

// Query filters the event trail. Zero fields match everything.
type Query struct {
	EventType string
	NodeID    string
	Severity  models.EventSeverity
	Limit     int
}

// Events returns matching events, newest first. Limit defaults to 100.
func (l *Log) Events(ctx context.Context, q Query) ([]models.ClusterEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	filter := store.Filter{}
	if q.EventType != "" {
		filter["event_type"] = q.EventType
	}
	if q.NodeID != "" {
		filter["node_id"] = q.NodeID
	}
	if q.Severity != "" {
		filter["severity"] = string(q.Severity)
	}

	// Event IDs are timestamp-prefixed, so store order is chronological.
	// Scan forward in pages, keeping only the newest window.
	var window []models.ClusterEvent
	afterID := ""
	for {
		docs, err := l.store.Find(ctx, Collection, filter, afterID, queryBatch)
		if err != nil {
			return nil, fmt.Errorf("querying audit events: %w", err)
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			event, ok := eventFromDoc(doc)
			if !ok {
				l.log.Warn("Skipping malformed audit record", "id", doc.ID())
				continue
			}
			window = append(window, event)
		}
		if len(window) > limit {
			window = window[len(window)-limit:]
		}
		afterID = docs[len(docs)-1].ID()
		if len(docs) < queryBatch {
			break
		}
	}

	// Reverse into newest-first order.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// newEventID builds an identifier whose lexicographic order matches event
// time, which is what makes the paged newest-first scan work.
func newEventID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

func docFromEvent(e models.ClusterEvent) models.Document {
	doc := models.Document{
		"_id":        e.EventID,
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"severity":   string(e.Severity),
		"timestamp":  e.Timestamp,
	}
	if e.NodeID != "" {
		doc["node_id"] = e.NodeID
	}
	if e.UserID != "" {
		doc["user_id"] = e.UserID
	}
	if len(e.Details) > 0 {
		doc["details"] = e.Details
	}
	return doc
}

func eventFromDoc(doc models.Document) (models.ClusterEvent, bool) {
	eventType, ok := doc["event_type"].(string)
	if !ok {
		return models.ClusterEvent{}, false
	}
	e := models.ClusterEvent{
		EventID:   doc.ID(),
		EventType: eventType,
	}
	if s, ok := doc["severity"].(string); ok {
		e.Severity = models.EventSeverity(s)
	}
	if s, ok := doc["node_id"].(string); ok {
		e.NodeID = s
	}
	if s, ok := doc["user_id"].(string); ok {
		e.UserID = s
	}
	if d, ok := doc["details"].(map[string]interface{}); ok {
		e.Details = d
	}
	switch ts := doc["timestamp"].(type) {
	case time.Time:
		e.Timestamp = ts
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	return e, true
}
