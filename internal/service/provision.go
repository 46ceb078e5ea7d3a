// Package service holds the provisioning orchestration between the API
// surface, the resource store and the task queue. Handlers stay thin; the
// idempotency and replay rules live here.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/store"
)

// TaskView is the caller-facing snapshot of a record's provisioning state.
type TaskView struct {
	TaskID          uuid.UUID
	Status          domain.ResourceStatus
	Title           string
	DestinationPath string
	ErrorMessage    string
	RetryCount      int
	Progress        float64
}

// QueueStats is the observability snapshot exposed by the API.
type QueueStats struct {
	ByStatus      map[domain.ResourceStatus]int
	QueueSize     int
	DeadQueueSize int
}

// ProvisionRequest identifies what to provision: an existing record by ID,
// or a share reference (registering a record on the fly if none exists).
type ProvisionRequest struct {
	RecordID  uuid.UUID
	SourceRef string
	Title     string
}

// ProvisionService orchestrates resource records and the task queue.
type ProvisionService struct {
	resources store.ResourceStore
	queue     store.TaskQueue
	logger    *slog.Logger
}

// NewProvisionService wires the service. If logger is nil, a default logger
// will be used.
func NewProvisionService(resources store.ResourceStore, queue store.TaskQueue, logger *slog.Logger) *ProvisionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisionService{
		resources: resources,
		queue:     queue,
		logger:    logger.With(slog.String("component", "provision_service")),
	}
}

// RegisterShare records a share as a virtual resource without provisioning
// it. Registering the same share twice returns the existing record.
func (s *ProvisionService) RegisterShare(ctx context.Context, sourceRef, title string) (*domain.ResourceRecord, error) {
	if sourceRef == "" {
		return nil, ErrEmptySourceRef
	}

	record, err := domain.NewResource(sourceRef, title)
	if err != nil {
		return nil, NewProvisionServiceError("register", "invalid share", err)
	}

	if err := s.resources.Create(ctx, record); err != nil {
		if errors.Is(err, store.ErrSourceRefExists) {
			return s.resources.GetBySourceRef(ctx, sourceRef)
		}
		return nil, NewProvisionServiceError("register", "failed to create record", err)
	}

	s.logger.InfoContext(ctx, "share registered",
		slog.String("record_id", record.ID.String()))
	return record, nil
}

// Provision requests materialization of a resource. Idempotent: a record
// already in flight or finished is returned as-is, with no duplicate task.
// Only a VIRTUAL record gets a task enqueued.
func (s *ProvisionService) Provision(ctx context.Context, req ProvisionRequest) (*TaskView, error) {
	record, err := s.resolveRecord(ctx, req)
	if err != nil {
		return nil, err
	}

	if record.Status != domain.ResourceStatusVirtual {
		s.logger.DebugContext(ctx, "provision request for non-virtual record, returning current state",
			slog.String("record_id", record.ID.String()),
			slog.String("status", string(record.Status)))
		return viewOf(record), nil
	}

	payload := store.TaskPayload{
		RecordID:  record.ID,
		SourceRef: record.SourceRef,
	}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		return nil, NewProvisionServiceError("provision", "failed to enqueue task", err)
	}

	s.logger.InfoContext(ctx, "provisioning task enqueued",
		slog.String("record_id", record.ID.String()))
	return viewOf(record), nil
}

// GetTask returns the provisioning state for a record. The task ID is the
// record ID; tasks have no identity of their own.
func (s *ProvisionService) GetTask(ctx context.Context, taskID uuid.UUID) (*TaskView, error) {
	record, err := s.resources.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return viewOf(record), nil
}

// Stats returns record counts by status plus queue depths.
func (s *ProvisionService) Stats(ctx context.Context) (*QueueStats, error) {
	byStatus, err := s.resources.CountByStatus(ctx)
	if err != nil {
		return nil, NewProvisionServiceError("stats", "failed to count records", err)
	}
	queueSize, err := s.queue.Len(ctx)
	if err != nil {
		return nil, NewProvisionServiceError("stats", "failed to read queue depth", err)
	}
	deadSize, err := s.queue.DeadLen(ctx)
	if err != nil {
		return nil, NewProvisionServiceError("stats", "failed to read dead queue depth", err)
	}
	return &QueueStats{
		ByStatus:      byStatus,
		QueueSize:     queueSize,
		DeadQueueSize: deadSize,
	}, nil
}

// RetryDead replays a dead-lettered task: the record returns to a claimed
// state with its retry budget reset, then the queue entry moves back to the
// main queue. The record must be reset before the task becomes visible,
// otherwise a worker could dequeue the replayed task while the record is
// still FAILED, drop it on the failed claim, and leave the record stuck in
// PROVISIONING with both queues empty.
func (s *ProvisionService) RetryDead(ctx context.Context, recordID uuid.UUID) (*TaskView, error) {
	record, err := s.resources.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	dead, err := s.queue.ListDead(ctx)
	if err != nil {
		return nil, NewProvisionServiceError("retry", "failed to list dead queue", err)
	}
	replayable := false
	for _, payload := range dead {
		if payload.RecordID == recordID {
			replayable = true
			break
		}
	}
	if !replayable {
		return nil, store.ErrDeadTaskNotFound
	}

	reset, err := s.resources.ResetForRetry(ctx, recordID)
	if err != nil {
		return nil, NewProvisionServiceError("retry", "failed to reset record", err)
	}
	if !reset {
		// The record is not FAILED; surface the state conflict to the
		// operator without touching the dead entry.
		return nil, ErrNotReplayable
	}

	if err := s.queue.ReplayDead(ctx, recordID); err != nil {
		// Undo the reset so the dead entry (if still present) stays
		// replayable instead of stranding the record in PROVISIONING.
		message := record.ErrorMessage
		if message == "" {
			message = "dead-letter replay failed"
		}
		if _, failErr := s.resources.MarkFailed(ctx, recordID, message); failErr != nil {
			s.logger.ErrorContext(ctx, "failed to restore record after replay error",
				slog.String("record_id", recordID.String()),
				slog.String("error", failErr.Error()))
		}
		if errors.Is(err, store.ErrDeadTaskNotFound) {
			return nil, err
		}
		return nil, NewProvisionServiceError("retry", "failed to replay dead task", err)
	}

	s.logger.InfoContext(ctx, "dead-letter task replayed",
		slog.String("record_id", recordID.String()))

	record, err = s.resources.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return viewOf(record), nil
}

// ListDead returns the dead-letter queue contents.
func (s *ProvisionService) ListDead(ctx context.Context) ([]store.TaskPayload, error) {
	return s.queue.ListDead(ctx)
}

// ClearDead drops all dead-letter entries, returning how many were removed.
// Records stay FAILED; clearing the queue only abandons the replay option.
func (s *ProvisionService) ClearDead(ctx context.Context) (int, error) {
	dropped, err := s.queue.ClearDead(ctx)
	if err != nil {
		return 0, NewProvisionServiceError("clear_dead", "failed to clear dead queue", err)
	}
	if dropped > 0 {
		s.logger.InfoContext(ctx, "dead-letter queue cleared", slog.Int("dropped", dropped))
	}
	return dropped, nil
}

// resolveRecord finds the record a provision request refers to, creating a
// virtual one when only an unknown share reference is given.
func (s *ProvisionService) resolveRecord(ctx context.Context, req ProvisionRequest) (*domain.ResourceRecord, error) {
	if req.RecordID != uuid.Nil {
		return s.resources.GetByID(ctx, req.RecordID)
	}
	if req.SourceRef == "" {
		return nil, ErrEmptySourceRef
	}

	record, err := s.resources.GetBySourceRef(ctx, req.SourceRef)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrResourceNotFound) {
		return nil, err
	}
	return s.RegisterShare(ctx, req.SourceRef, req.Title)
}

// viewOf maps a record to its caller-facing snapshot. Progress is coarse:
// the pipeline does not byte-count transfers, so the fraction reflects the
// lifecycle stage only.
func viewOf(record *domain.ResourceRecord) *TaskView {
	progress := 0.0
	switch record.Status {
	case domain.ResourceStatusVirtual:
		progress = 0.1
	case domain.ResourceStatusProvisioning:
		progress = 0.5
	case domain.ResourceStatusMaterialized:
		progress = 1.0
	}

	return &TaskView{
		TaskID:          record.ID,
		Status:          record.Status,
		Title:           record.Title,
		DestinationPath: record.DestinationPath,
		ErrorMessage:    record.ErrorMessage,
		RetryCount:      record.RetryCount,
		Progress:        progress,
	}
}
