// Package replication captures local write events on the leader and fans
// them out to healthy replicas. Delivery is best effort: per-target failures
// are logged and counted, never retried into the capture path.
package replication

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/metrics"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/queue"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/transport"
)

// Subject is the bus subject replication events travel on.
const Subject = "ferry.replication.events"

// EventsCollection is the append-only event log collection.
const EventsCollection = "replication_events"

// eventsPath is the receive endpoint on target nodes.
const eventsPath = "/v1/replication/events"

// Cluster is the membership view the service needs. *cluster.Manager
// satisfies it.
type Cluster interface {
	IsLeader(ctx context.Context) bool
	LocalNode() string
	ListNodes(ctx context.Context, role models.NodeRole, status models.NodeStatus) ([]*models.Node, error)
	DeriveStatus(n *models.Node, now time.Time) models.NodeStatus
}

// Service captures, persists, dispatches, and applies replication events.
type Service struct {
	store   store.DocumentStore
	cluster Cluster
	bus     queue.Bus
	pool    *transport.Pool
	metrics metrics.Recorder
	cfg     config.ReplicationConfig
	apiKey  string
	log     *logging.Logger

	// sequence and the diagnostics ring share one mutex; both are touched
	// only at capture time.
	mu       sync.Mutex
	sequence uint64
	ring     []models.ReplicationEvent

	captured      atomic.Uint64
	applied       atomic.Uint64
	publishOK     atomic.Uint64
	publishFailed atomic.Uint64

	closeMu sync.Mutex
	started bool
	closed  bool
}

// NewService wires the replication service. metrics may be nil.
func NewService(docs store.DocumentStore, cl Cluster, bus queue.Bus, pool *transport.Pool, rec metrics.Recorder, cfg config.ReplicationConfig, apiKey string, log *logging.Logger) *Service {
	if rec == nil {
		rec = metrics.Nop()
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 4
	}
	if cfg.TargetTimeout <= 0 {
		cfg.TargetTimeout = 10 * time.Second
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1024
	}
	return &Service{
		store:   docs,
		cluster: cl,
		bus:     bus,
		pool:    pool,
		metrics: rec,
		cfg:     cfg,
		apiKey:  apiKey,
		log:     log.With("component", "replication"),
	}
}

// Start attaches the dispatcher to the bus. A disabled service starts
// nothing and reports nil so the daemon wiring stays unconditional.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("Replication is disabled")
		return nil
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.started {
		return nil
	}

	if err := s.bus.Subscribe(Subject, func(data []byte) error {
		s.dispatch(ctx, data)
		return nil
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", Subject, err)
	}
	s.started = true

	s.log.Info("Replication dispatcher started",
		"subject", Subject,
		"fanout_workers", s.cfg.FanoutWorkers)
	return nil
}

// Stop detaches the dispatcher. Safe to call more than once.
func (s *Service) Stop() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed || !s.started {
		s.closed = true
		return
	}
	s.closed = true

	if err := s.bus.Unsubscribe(Subject); err != nil {
		s.log.Warn("Failed to unsubscribe dispatcher", "error", err)
	}
	s.log.Info("Replication dispatcher stopped")
}

// CaptureEvent records one local mutation for replication. Returns the
// event id, or "" when capture does not apply on this node: replication
// disabled, or the local node is not the current leader. Only the leader
// originates events, which is what keeps replication loop-free.
func (s *Service) CaptureEvent(ctx context.Context, op models.ReplicationOp, collection, documentID string, data models.Document) (string, error) {
	if !s.cfg.Enabled {
		return "", nil
	}
	if !s.cluster.IsLeader(ctx) {
		s.log.Debug("Skipping capture on non-leader",
			"operation", string(op),
			"collection", collection)
		return "", nil
	}
	if !op.Valid() {
		return "", services.NewServiceError(services.CodeInvalidRequest,
			fmt.Sprintf("unknown replication operation: %s", op))
	}
	if collection == "" {
		return "", services.NewServiceError(services.CodeInvalidRequest, "collection is required")
	}

	event := models.ReplicationEvent{
		EventID:    newEventID(),
		OriginNode: s.cluster.LocalNode(),
		Operation:  op,
		Collection: collection,
		DocumentID: documentID,
		Data:       data.Clone(),
		CapturedAt: time.Now().UTC(),
	}

	// A failed persist burns the sequence number; gap detection downstream
	// tolerates that, a ring entry for an event that was never stored would
	// not be tolerable.
	s.mu.Lock()
	s.sequence++
	event.Sequence = s.sequence
	s.mu.Unlock()

	if err := s.store.InsertOne(ctx, EventsCollection, eventDocument(event)); err != nil {
		return "", services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("persist replication event: %v", err))
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode replication event: %w", err)
	}
	if err := s.bus.Publish(ctx, Subject, payload); err != nil {
		// The event is already in the log; a full or unreachable bus
		// costs propagation latency, not the capture.
		s.log.Warn("Failed to enqueue replication event",
			"event_id", event.EventID,
			"error", err)
	}

	s.mu.Lock()
	s.appendRecentLocked(event)
	s.mu.Unlock()

	s.captured.Add(1)
	s.metrics.RecordEventCaptured()

	s.log.Debug("Captured replication event",
		"event_id", event.EventID,
		"operation", string(op),
		"collection", collection,
		"sequence", event.Sequence)
	return event.EventID, nil
}

// ReplicationTargets returns the replicas that should receive events:
// role replica, derived status healthy, never the local node.
func (s *Service) ReplicationTargets(ctx context.Context) ([]*models.Node, error) {
	nodes, err := s.cluster.ListNodes(ctx, models.NodeRoleReplica, "")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	local := s.cluster.LocalNode()

	targets := make([]*models.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == local {
			continue
		}
		if s.cluster.DeriveStatus(n, now) != models.NodeStatusHealthy {
			continue
		}
		targets = append(targets, n)
	}
	return targets, nil
}

// dispatch handles one event off the bus: decode, resolve targets, fan out.
// It never returns an error to the bus; redelivering an event whose targets
// were merely unreachable would reorder it behind newer captures.
func (s *Service) dispatch(ctx context.Context, data []byte) {
	var event models.ReplicationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.log.Error("Dropping undecodable replication event", "error", err)
		return
	}

	targets, err := s.ReplicationTargets(ctx)
	if err != nil {
		s.log.Warn("Failed to resolve replication targets",
			"event_id", event.EventID,
			"error", err)
		return
	}
	if len(targets) == 0 {
		s.log.Debug("No replication targets", "event_id", event.EventID)
		return
	}

	results := s.fanOut(ctx, &event, targets)
	for _, r := range results {
		if r.OK {
			s.publishOK.Add(1)
			s.metrics.RecordPublish(true)
			continue
		}
		s.publishFailed.Add(1)
		s.metrics.RecordPublish(false)
		s.log.Warn("Failed to publish event to replica",
			"event_id", event.EventID,
			"node_id", r.NodeID,
			"error", r.Error)
	}
}

// fanOut posts the event to every target concurrently, bounded by the
// fanout worker budget. One slow or dead replica holds a single worker
// slot, never the whole batch.
func (s *Service) fanOut(ctx context.Context, event *models.ReplicationEvent, targets []*models.Node) []models.TargetResult {
	semaphore := make(chan struct{}, s.cfg.FanoutWorkers)
	var wg sync.WaitGroup
	resultsChan := make(chan models.TargetResult, len(targets))

	for _, target := range targets {
		wg.Add(1)
		go func(n *models.Node) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				resultsChan <- models.TargetResult{NodeID: n.ID, Error: ctx.Err().Error()}
				return
			}

			resultsChan <- s.publishTo(ctx, event, n)
		}(target)
	}

	wg.Wait()
	close(resultsChan)

	results := make([]models.TargetResult, 0, len(targets))
	for r := range resultsChan {
		results = append(results, r)
	}
	return results
}

// publishTo posts one event to one replica with the per-target timeout.
func (s *Service) publishTo(ctx context.Context, event *models.ReplicationEvent, target *models.Node) models.TargetResult {
	targetCtx, cancel := context.WithTimeout(ctx, s.cfg.TargetTimeout)
	defer cancel()

	start := time.Now()
	err := s.pool.PostJSON(targetCtx, s.targetURL(target), eventsPath, s.authHeaders(), event, nil)
	elapsed := time.Since(start)

	if err != nil {
		return models.TargetResult{NodeID: target.ID, Error: err.Error(), Elapsed: elapsed}
	}
	return models.TargetResult{NodeID: target.ID, OK: true, Elapsed: elapsed}
}

// ApplyEvent applies a received event to the local store. Application is
// convergent: insert of an existing document merges instead, update of a
// missing document inserts, delete of a missing document is a no-op.
func (s *Service) ApplyEvent(ctx context.Context, event *models.ReplicationEvent) error {
	if event == nil {
		return services.NewServiceError(services.CodeInvalidRequest, "event is required")
	}
	if !event.Operation.Valid() {
		return services.NewServiceError(services.CodeInvalidRequest,
			fmt.Sprintf("unknown replication operation: %s", event.Operation))
	}
	if event.Collection == "" {
		return services.NewServiceError(services.CodeInvalidRequest, "collection is required")
	}
	if event.DocumentID == "" && event.Data.ID() == "" {
		return services.NewServiceError(services.CodeInvalidRequest, "document id is required")
	}

	var err error
	switch event.Operation {
	case models.ReplicationInsert:
		err = s.applyInsert(ctx, event)
	case models.ReplicationUpdate:
		err = s.applyUpdate(ctx, event)
	case models.ReplicationDelete:
		err = s.applyDelete(ctx, event)
	}
	if err != nil {
		return services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("apply %s on %s: %v", event.Operation, event.Collection, err))
	}

	s.applied.Add(1)
	s.log.Debug("Applied replication event",
		"event_id", event.EventID,
		"operation", string(event.Operation),
		"collection", event.Collection)
	return nil
}

func (s *Service) applyInsert(ctx context.Context, event *models.ReplicationEvent) error {
	doc := s.applyDoc(event)
	err := s.store.InsertOne(ctx, event.Collection, doc)
	if errors.Is(err, store.ErrDuplicateID) {
		return s.store.UpdateOne(ctx, event.Collection, doc.ID(), doc)
	}
	return err
}

func (s *Service) applyUpdate(ctx context.Context, event *models.ReplicationEvent) error {
	doc := s.applyDoc(event)
	err := s.store.UpdateOne(ctx, event.Collection, doc.ID(), doc)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.InsertOne(ctx, event.Collection, doc)
	}
	return err
}

func (s *Service) applyDelete(ctx context.Context, event *models.ReplicationEvent) error {
	id := event.DocumentID
	if id == "" {
		id = event.Data.ID()
	}
	err := s.store.DeleteOne(ctx, event.Collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// applyDoc builds the document to write, stamping the event's document id
// so the replica keys it identically to the origin.
func (s *Service) applyDoc(event *models.ReplicationEvent) models.Document {
	doc := event.Data.Clone()
	if doc == nil {
		doc = models.Document{}
	}
	if event.DocumentID != "" {
		doc[models.DocumentIDField] = event.DocumentID
	}
	return doc
}

// Status returns the diagnostic snapshot for the status endpoint.
func (s *Service) Status(ctx context.Context) *models.ReplicationStatus {
	status := &models.ReplicationStatus{
		Enabled:        s.cfg.Enabled,
		IsLeader:       s.cluster.IsLeader(ctx),
		NodeID:         s.cluster.LocalNode(),
		EventsCaptured: s.captured.Load(),
		EventsApplied:  s.applied.Load(),
		PublishOK:      s.publishOK.Load(),
		PublishFailed:  s.publishFailed.Load(),
	}

	if targets, err := s.ReplicationTargets(ctx); err == nil {
		ids := make([]string, 0, len(targets))
		for _, n := range targets {
			ids = append(ids, n.ID)
		}
		status.Targets = ids
	}

	s.mu.Lock()
	status.RecentEvents = make([]models.ReplicationEvent, len(s.ring))
	copy(status.RecentEvents, s.ring)
	s.mu.Unlock()

	return status
}

// appendRecentLocked keeps the newest RingSize events, oldest first.
func (s *Service) appendRecentLocked(event models.ReplicationEvent) {
	s.ring = append(s.ring, event)
	if len(s.ring) > s.cfg.RingSize {
		s.ring = s.ring[len(s.ring)-s.cfg.RingSize:]
	}
}

func (s *Service) targetURL(n *models.Node) string {
	scheme := "http"
	if s.pool.Secure() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, n.Address())
}

func (s *Service) authHeaders() map[string]string {
	if s.apiKey == "" {
		return nil
	}
	return map[string]string{"X-API-Key": s.apiKey}
}

func newEventID() string {
	id := uuid.New()
	return "evt-" + hex.EncodeToString(id[:8])
}

// eventDocument flattens an event into the event log's document shape.
func eventDocument(event models.ReplicationEvent) models.Document {
	doc := models.Document{
		models.DocumentIDField: event.EventID,
		"sequence":             event.Sequence,
		"origin_node":          event.OriginNode,
		"operation":            string(event.Operation),
		"collection":           event.Collection,
		"document_id":          event.DocumentID,
		"captured_at":          event.CapturedAt.Format(time.RFC3339Nano),
	}
	if event.Data != nil {
		doc["data"] = map[string]interface{}(event.Data.Clone())
	}
	return doc
}
