package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydb/ferry/internal/config"
	"github.com/ferrydb/ferry/internal/logging"
	"github.com/ferrydb/ferry/internal/models"
	"github.com/ferrydb/ferry/internal/services"
	"github.com/ferrydb/ferry/internal/store"
	"github.com/ferrydb/ferry/internal/topology"
)

const (
	// TransfersCollection persists transfer task records across restarts.
	TransfersCollection = "migration_transfers"

	defaultMaxConcurrent = 2
	defaultTaskRetention = time.Hour

	taskQueueCapacity  = 100
	cleanupInterval    = 5 * time.Minute
	progressBufferSize = 64
)

// TargetResolver maps a registered instance ID to its base URL and
// decrypted API key. Implemented by the instance registry.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, instanceID string) (baseURL, apiKey string, err error)
}

// transferState is the in-memory record for one transfer: the task itself,
// the resolved target, the cancel hook for the running engine, and the
// progress subscribers.
type transferState struct {
	task   *models.TransferTask
	target Target
	cancel context.CancelCauseFunc

	subs      map[int]chan models.TransferProgress
	nextSubID int
}

// TransferService owns the transfer task lifecycle: it queues requests,
// runs them on a bounded worker pool, persists every status transition,
// and fans progress out to subscribers. Completed tasks stay queryable
// until the retention window evicts them from memory; the persisted
// record remains either way.
type TransferService struct {
	engine   *Engine
	resume   *Resume
	store    store.DocumentStore
	resolver TargetResolver
	topo     *topology.Helper
	cfg      config.MigrationConfig
	logger   *logging.Logger

	mu      sync.RWMutex
	tasks   map[string]*transferState
	stopped bool

	queue  chan *transferState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTransferService builds the service, reloads persisted tasks, and
// starts the worker pool. Resolver may be nil when no instance registry
// is configured; transfers by instance ID are then rejected. Topo may be
// nil; target membership health checks are then skipped.
func NewTransferService(engine *Engine, resume *Resume, st store.DocumentStore, resolver TargetResolver, topo *topology.Helper, cfg config.MigrationConfig, logger *logging.Logger) *TransferService {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = defaultTaskRetention
	}

	s := &TransferService{
		engine:   engine,
		resume:   resume,
		store:    st,
		resolver: resolver,
		topo:     topo,
		cfg:      cfg,
		logger:   logger,
		tasks:    make(map[string]*transferState),
		queue:    make(chan *transferState, taskQueueCapacity),
		stopCh:   make(chan struct{}),
	}

	s.loadPersistedTasks()
	s.startWorkers()
	go s.cleanupLoop()

	return s
}

// Start queues a new transfer and returns its initial status. When the
// queue is full the task is recorded as failed instead of blocking the
// caller.
func (s *TransferService) Start(ctx context.Context, req *models.TransferRequest) (*models.TransferStatusResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target, err := s.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	// A target that is a member of this cluster must be healthy before we
	// push data at it. Standalone targets pass; the engine finds out the
	// hard way if they are down.
	if s.topo != nil && !s.topo.ValidateClusterHealth(ctx, target.BaseURL) {
		return nil, services.NewServiceError(services.CodeNodeUnavailable,
			"target instance is a cluster member in poor health: "+target.BaseURL)
	}

	transferID := "tr-" + uuid.NewString()
	task := models.NewTransferTask(transferID, *req, target.BaseURL)
	state := &transferState{
		task:   task,
		target: target,
		subs:   make(map[int]chan models.TransferProgress),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, services.NewServiceError(services.CodeShuttingDown, "service is shutting down")
	}
	s.tasks[transferID] = state
	s.mu.Unlock()

	s.persistTask(ctx, task)

	select {
	case s.queue <- state:
		s.logger.Info("transfer queued",
			"transfer_id", transferID,
			"target_url", target.BaseURL,
			"collections", req.Collections)
	default:
		s.mu.Lock()
		task.Status = models.TransferStatusFailed
		task.Error = fmt.Sprintf("transfer queue is full (limit %d), retry later", taskQueueCapacity)
		now := time.Now().UTC()
		task.CompletedAt = &now
		s.closeSubscribers(state)
		s.mu.Unlock()
		s.persistTask(ctx, task)
		s.logger.Warn("transfer queue full, task rejected", "transfer_id", transferID)
	}

	return s.snapshot(state), nil
}

// Get returns the current status of a transfer, falling back to the
// persisted record for tasks evicted from memory.
func (s *TransferService) Get(ctx context.Context, transferID string) (*models.TransferStatusResponse, error) {
	s.mu.RLock()
	state, ok := s.tasks[transferID]
	s.mu.RUnlock()
	if ok {
		return s.snapshot(state), nil
	}

	task, err := s.loadTask(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return task.ToStatusResponse(), nil
}

// List returns all in-memory transfers, newest first.
func (s *TransferService) List() []*models.TransferStatusResponse {
	s.mu.RLock()
	out := make([]*models.TransferStatusResponse, 0, len(s.tasks))
	for _, state := range s.tasks {
		cp := *state.task
		out = append(out, cp.ToStatusResponse())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pause raises the pause flag for a running transfer. The engine parks at
// the next batch boundary and emits a paused progress update.
func (s *TransferService) Pause(ctx context.Context, transferID string) (*models.TransferStatusResponse, error) {
	s.mu.RLock()
	state, ok := s.tasks[transferID]
	var status models.TransferStatus
	if ok {
		status = state.task.Status
	}
	s.mu.RUnlock()

	if !ok {
		return nil, services.NewServiceError(services.CodeNotFound, "transfer not found: "+transferID)
	}
	if status != models.TransferStatusInProgress {
		return nil, services.NewServiceError(services.CodeTransferState,
			fmt.Sprintf("cannot pause transfer in status %q", status))
	}

	if err := s.resume.Pause(ctx, transferID); err != nil {
		return nil, err
	}
	s.logger.Info("transfer pause requested", "transfer_id", transferID)
	return s.snapshot(state), nil
}

// Resume clears the pause flag of a paused transfer. Called on a failed
// transfer it re-queues the task under its original ID so the engine picks
// up the surviving checkpoint instead of starting over.
func (s *TransferService) Resume(ctx context.Context, transferID string) (*models.TransferStatusResponse, error) {
	s.mu.Lock()
	state, ok := s.tasks[transferID]
	if !ok {
		s.mu.Unlock()
		if _, err := s.loadTask(ctx, transferID); err != nil {
			return nil, err
		}
		return nil, services.NewServiceError(services.CodeTransferState,
			"transfer is no longer resumable: "+transferID)
	}

	switch state.task.Status {
	case models.TransferStatusPaused, models.TransferStatusInProgress:
		s.mu.Unlock()
		if err := s.resume.Resume(ctx, transferID); err != nil {
			return nil, err
		}
		s.logger.Info("transfer resume requested", "transfer_id", transferID)
		return s.snapshot(state), nil

	case models.TransferStatusFailed:
		req := state.task.Request
		s.mu.Unlock()

		// Re-resolve rather than reuse the cached target: after a restart
		// the in-memory target of a reloaded task is empty, and registry
		// instances may have moved.
		target, err := s.resolveTarget(ctx, &req)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if state.task.Status != models.TransferStatusFailed {
			status := state.task.Status
			s.mu.Unlock()
			return nil, services.NewServiceError(services.CodeTransferState,
				fmt.Sprintf("cannot resume transfer in status %q", status))
		}
		state.target = target
		state.task.Status = models.TransferStatusQueued
		state.task.Error = ""
		state.task.StartedAt = nil
		state.task.CompletedAt = nil
		task := state.task
		s.mu.Unlock()

		s.persistTask(ctx, task)

		select {
		case s.queue <- state:
			s.logger.Info("failed transfer re-queued", "transfer_id", transferID)
		default:
			s.mu.Lock()
			task.Status = models.TransferStatusFailed
			task.Error = fmt.Sprintf("transfer queue is full (limit %d), retry later", taskQueueCapacity)
			now := time.Now().UTC()
			task.CompletedAt = &now
			s.closeSubscribers(state)
			s.mu.Unlock()
			s.persistTask(ctx, task)
			return nil, services.NewServiceError(services.CodeTransferState,
				"transfer queue is full, retry later")
		}
		return s.snapshot(state), nil

	default:
		status := state.task.Status
		s.mu.Unlock()
		return nil, services.NewServiceError(services.CodeTransferState,
			fmt.Sprintf("cannot resume transfer in status %q", status))
	}
}

// Cancel aborts a transfer. A queued task is marked cancelled directly; a
// running or paused one has its engine context cancelled, which deletes
// the checkpoint and records the cancellation.
func (s *TransferService) Cancel(ctx context.Context, transferID string) (*models.TransferStatusResponse, error) {
	s.mu.Lock()
	state, ok := s.tasks[transferID]
	if !ok {
		s.mu.Unlock()
		return nil, services.NewServiceError(services.CodeNotFound, "transfer not found: "+transferID)
	}

	switch state.task.Status {
	case models.TransferStatusQueued:
		state.task.Status = models.TransferStatusCancelled
		now := time.Now().UTC()
		state.task.CompletedAt = &now
		task := state.task
		s.closeSubscribers(state)
		s.mu.Unlock()

		s.persistTask(ctx, task)
		s.logger.Info("queued transfer cancelled", "transfer_id", transferID)
		return s.snapshot(state), nil

	case models.TransferStatusInProgress, models.TransferStatusPaused:
		cancel := state.cancel
		s.mu.Unlock()

		// Clear the pause flag first so a paused engine wakes up and
		// observes the cancelled context.
		_ = s.resume.Resume(ctx, transferID)
		if cancel != nil {
			cancel(nil)
		}
		s.logger.Info("transfer cancel requested", "transfer_id", transferID)
		return s.snapshot(state), nil

	default:
		status := state.task.Status
		s.mu.Unlock()
		return nil, services.NewServiceError(services.CodeTransferState,
			fmt.Sprintf("cannot cancel transfer in status %q", status))
	}
}

// Checkpoint returns the saved checkpoint for a transfer, if any.
func (s *TransferService) Checkpoint(ctx context.Context, transferID string) (*models.TransferCheckpoint, error) {
	cp, err := s.resume.GetCheckpoint(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, services.NewServiceError(services.CodeNotFound, "no checkpoint for transfer: "+transferID)
	}
	return cp, nil
}

// Subscribe registers a progress listener for a transfer. The channel is
// closed when the transfer reaches a terminal status. For a transfer that
// is already terminal the channel delivers one synthetic final update and
// closes immediately. The returned function unsubscribes; it is safe to
// call after the channel closed.
func (s *TransferService) Subscribe(ctx context.Context, transferID string) (<-chan models.TransferProgress, func(), error) {
	s.mu.Lock()
	state, ok := s.tasks[transferID]
	if ok && !state.task.Status.Terminal() {
		ch := make(chan models.TransferProgress, progressBufferSize)
		id := state.nextSubID
		state.nextSubID++
		state.subs[id] = ch
		s.mu.Unlock()

		unsub := func() {
			s.mu.Lock()
			if _, live := state.subs[id]; live {
				delete(state.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		}
		return ch, unsub, nil
	}

	var task *models.TransferTask
	if ok {
		cp := *state.task
		task = &cp
	}
	s.mu.Unlock()

	if task == nil {
		loaded, err := s.loadTask(ctx, transferID)
		if err != nil {
			return nil, nil, err
		}
		task = loaded
	}

	ch := make(chan models.TransferProgress, 1)
	ch <- s.finalProgress(task)
	close(ch)
	return ch, func() {}, nil
}

// Stop cancels running transfers with a shutdown cause, drains the
// workers, and leaves checkpoints intact for the next start.
func (s *TransferService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, state := range s.tasks {
		if state.cancel != nil && !state.task.Status.Terminal() {
			state.cancel(ErrShuttingDown)
		}
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("transfer service stopped")
}

func (s *TransferService) resolveTarget(ctx context.Context, req *models.TransferRequest) (Target, error) {
	if req.InstanceID != "" {
		if s.resolver == nil {
			return Target{}, services.NewServiceError(services.CodeInvalidRequest,
				"no instance registry configured, use 'target_url'")
		}
		baseURL, apiKey, err := s.resolver.ResolveTarget(ctx, req.InstanceID)
		if err != nil {
			return Target{}, err
		}
		return Target{BaseURL: baseURL, APIKey: apiKey}, nil
	}
	return Target{BaseURL: req.TargetURL, APIKey: req.APIKey}, nil
}

func (s *TransferService) startWorkers() {
	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

func (s *TransferService) worker() {
	defer s.wg.Done()
	for {
		select {
		case state := <-s.queue:
			s.runTask(state)
		case <-s.stopCh:
			return
		}
	}
}

// runTask drives one queued transfer through the engine and finalizes the
// task from the engine's outcome.
func (s *TransferService) runTask(state *transferState) {
	s.mu.Lock()
	if s.stopped || state.task.Status != models.TransferStatusQueued {
		// A stopped service leaves the task queued so the persisted
		// record re-queues it on the next start. Anything else in the
		// queue with a non-queued status was cancelled while waiting.
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	state.cancel = cancel
	state.task.Status = models.TransferStatusInProgress
	now := time.Now().UTC()
	state.task.StartedAt = &now
	transferID := state.task.TransferID
	req := state.task.Request
	target := state.target
	s.mu.Unlock()

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	s.persistTask(persistCtx, state.task)
	cancelPersist()

	progress := func(p models.TransferProgress) {
		s.onProgress(state, p)
	}

	res, err := s.engine.Run(ctx, transferID, req, target, progress)
	cancel(nil)

	s.finalize(state, res, err)
}

// onProgress mirrors an engine progress update into the task and fans it
// out to subscribers. Slow subscribers drop updates rather than stalling
// the engine.
func (s *TransferService) onProgress(state *transferState, p models.TransferProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !state.task.Status.Terminal() {
		state.task.Status = p.Status
	}
	state.task.DocumentsDone = p.DocumentsDone
	state.task.DocumentsTotal = p.DocumentsTotal

	for _, ch := range state.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// finalize records the engine outcome, persists the terminal task, and
// closes all subscriber channels.
func (s *TransferService) finalize(state *transferState, res *RunResult, err error) {
	s.mu.Lock()

	now := time.Now().UTC()
	state.task.CompletedAt = &now
	state.cancel = nil

	switch {
	case err == nil:
		state.task.Status = models.TransferStatusCompleted
		state.task.Error = ""
	case errors.Is(err, context.Canceled):
		state.task.Status = models.TransferStatusCancelled
		state.task.Error = ""
	default:
		state.task.Status = models.TransferStatusFailed
		state.task.Error = err.Error()
	}
	// DocumentsDone is already maintained by progress updates and, unlike
	// res.DocumentsSent, includes documents from earlier resumed runs.
	if res != nil {
		state.task.BytesSent = res.BytesSent
	}

	// The engine emits no failed update, so subscribers get a synthetic
	// one before their channels close.
	if state.task.Status == models.TransferStatusFailed {
		final := s.finalProgress(state.task)
		for _, ch := range state.subs {
			select {
			case ch <- final:
			default:
			}
		}
	}

	task := state.task
	s.closeSubscribers(state)
	s.mu.Unlock()

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.persistTask(persistCtx, task)
	cancel()

	s.logger.Info("transfer finished",
		"transfer_id", task.TransferID,
		"status", string(task.Status),
		"documents_done", task.DocumentsDone,
		"bytes_sent", task.BytesSent)
}

// closeSubscribers must be called with s.mu held.
func (s *TransferService) closeSubscribers(state *transferState) {
	for id, ch := range state.subs {
		delete(state.subs, id)
		close(ch)
	}
}

func (s *TransferService) finalProgress(task *models.TransferTask) models.TransferProgress {
	percent := 0.0
	if task.DocumentsTotal > 0 {
		percent = float64(task.DocumentsDone) / float64(task.DocumentsTotal) * 100
	}
	return models.TransferProgress{
		TransferID:     task.TransferID,
		Status:         task.Status,
		DocumentsDone:  task.DocumentsDone,
		DocumentsTotal: task.DocumentsTotal,
		Percent:        percent,
		Error:          task.Error,
		Timestamp:      time.Now().UTC(),
	}
}

func (s *TransferService) snapshot(state *transferState) *models.TransferStatusResponse {
	s.mu.RLock()
	cp := *state.task
	s.mu.RUnlock()
	return cp.ToStatusResponse()
}

// persistTask writes the task record, replacing any previous version. A
// merge would resurrect cleared fields like error and completed_at on a
// re-queued task, so the old document is deleted first. The raw API key
// never reaches the store.
func (s *TransferService) persistTask(ctx context.Context, task *models.TransferTask) {
	s.mu.RLock()
	cp := *task
	s.mu.RUnlock()
	cp.Request.APIKey = ""

	doc, err := taskToDocument(&cp)
	if err != nil {
		s.logger.Error("failed to encode transfer task", "transfer_id", cp.TransferID, "error", err)
		return
	}

	if err := s.store.DeleteOne(ctx, TransfersCollection, cp.TransferID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to replace transfer task record", "transfer_id", cp.TransferID, "error", err)
	}
	if err := s.store.InsertOne(ctx, TransfersCollection, doc); err != nil {
		s.logger.Error("failed to persist transfer task", "transfer_id", cp.TransferID, "error", err)
	}
}

// loadTask reads a persisted task record.
func (s *TransferService) loadTask(ctx context.Context, transferID string) (*models.TransferTask, error) {
	docs, err := s.store.Find(ctx, TransfersCollection, store.Filter{"transfer_id": transferID}, "", 1)
	if err != nil {
		return nil, services.NewServiceError(services.CodeStoreUnavailable,
			fmt.Sprintf("load transfer task: %v", err))
	}
	if len(docs) == 0 {
		return nil, services.NewServiceError(services.CodeNotFound, "transfer not found: "+transferID)
	}
	return taskFromDocument(docs[0])
}

// loadPersistedTasks restores the task map from the store on startup.
// Tasks that died mid-flight are re-queued so their checkpoints get picked
// up; terminal tasks are kept for status queries until retention evicts
// them.
func (s *TransferService) loadPersistedTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	afterID := ""
	restored, requeued := 0, 0
	for {
		docs, err := s.store.Find(ctx, TransfersCollection, nil, afterID, 200)
		if err != nil {
			s.logger.Warn("failed to load persisted transfers", "error", err)
			return
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if id, ok := doc["_id"].(string); ok {
				afterID = id
			}
			task, err := taskFromDocument(doc)
			if err != nil {
				s.logger.Warn("skipping malformed transfer record", "error", err)
				continue
			}

			state := &transferState{
				task: task,
				subs: make(map[int]chan models.TransferProgress),
			}
			if !task.Status.Terminal() {
				task.Status = models.TransferStatusQueued
				task.Error = ""
				task.StartedAt = nil

				target, err := s.resolveTarget(ctx, &task.Request)
				if err != nil {
					now := time.Now().UTC()
					task.Status = models.TransferStatusFailed
					task.Error = "target no longer resolvable after restart: " + err.Error()
					task.CompletedAt = &now
					s.tasks[task.TransferID] = state
					s.persistTask(ctx, task)
					continue
				}
				state.target = target

				select {
				case s.queue <- state:
					requeued++
				default:
					now := time.Now().UTC()
					task.Status = models.TransferStatusFailed
					task.Error = fmt.Sprintf("transfer queue is full (limit %d), retry later", taskQueueCapacity)
					task.CompletedAt = &now
				}
				s.persistTask(ctx, task)
			}
			s.tasks[task.TransferID] = state
			restored++
		}
		if len(docs) < 200 {
			break
		}
	}

	if restored > 0 {
		s.logger.Info("restored persisted transfers", "count", restored, "requeued", requeued)
	}
}

// cleanupLoop evicts terminal tasks from memory once they age past the
// retention window. Persisted records are left alone.
func (s *TransferService) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupFinishedTasks()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TransferService) cleanupFinishedTasks() {
	cutoff := time.Now().UTC().Add(-s.cfg.TaskRetention)

	s.mu.Lock()
	removed := 0
	for id, state := range s.tasks {
		if !state.task.Status.Terminal() {
			continue
		}
		done := state.task.CompletedAt
		if done != nil && done.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("evicted finished transfers", "count", removed)
	}
}

func taskToDocument(task *models.TransferTask) (models.Document, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc["_id"] = task.TransferID
	return doc, nil
}

func taskFromDocument(doc models.Document) (*models.TransferTask, error) {
	delete(doc, "_id")
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var task models.TransferTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, err
	}
	if task.TransferID == "" {
		return nil, errors.New("transfer record missing transfer_id")
	}
	return &task, nil
}
