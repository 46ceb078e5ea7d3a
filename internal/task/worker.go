// Package task runs the provisioning worker pool: N workers drain the task
// queue and drive each resource record through claim, session check, share
// resolution, classification and materialization.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarkmedia/provisiond/internal/classifier"
	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/store"
	"github.com/quarkmedia/provisiond/internal/upstream"
)

// SessionChecker is the slice of the session guard the worker needs.
type SessionChecker interface {
	IsValid(ctx context.Context) error
	Invalidate()
}

// Worker executes one provisioning task at a time. Workers share no state
// beyond the queue and the conditional updates on resource records.
type Worker struct {
	resources  store.ResourceStore
	queue      store.TaskQueue
	sessions   SessionChecker
	client     upstream.Client
	classifier classifier.Classifier
	dest       *classifier.DestinationBuilder
	maxRetries int
	logger     *slog.Logger
}

// NewWorker wires a worker. maxRetries bounds queue-level retries; a task
// that exhausts them is dead-lettered.
func NewWorker(
	resources store.ResourceStore,
	queue store.TaskQueue,
	sessions SessionChecker,
	client upstream.Client,
	cls classifier.Classifier,
	dest *classifier.DestinationBuilder,
	maxRetries int,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Worker{
		resources:  resources,
		queue:      queue,
		sessions:   sessions,
		client:     client,
		classifier: cls,
		dest:       dest,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Process executes a single task to completion: the record ends up
// MATERIALIZED, FAILED, or back in the queue for another attempt. The
// returned error reports unexpected infrastructure failures only; ordinary
// task failure is absorbed into the record and the queue.
func (w *Worker) Process(ctx context.Context, payload store.TaskPayload) error {
	log := w.logger.With(
		slog.String("record_id", payload.RecordID.String()),
		slog.Int("attempt", payload.Attempt))

	claimed, err := w.claim(ctx, payload)
	if err != nil {
		return fmt.Errorf("claim record: %w", err)
	}
	if !claimed {
		// Duplicate delivery or operator intervention; someone else owns
		// this record now.
		log.Info("record not claimable, dropping task")
		return nil
	}

	if err := w.sessions.IsValid(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return w.requeueOnShutdown(payload, log)
		}
		// Fail fast without spending an upstream call. Not counted as a
		// retry: the task is dead on arrival until the credential changes.
		log.Warn("session invalid, failing task", slog.String("error", err.Error()))
		return w.failTerminal(ctx, payload, fmt.Sprintf("session invalid: %v", err), log)
	}

	record, err := w.resources.GetByID(ctx, payload.RecordID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	destination, upstreamErr := w.provision(ctx, record, payload)
	if upstreamErr == nil {
		return w.succeed(ctx, payload, destination, log)
	}
	if errors.Is(upstreamErr, context.Canceled) {
		return w.requeueOnShutdown(payload, log)
	}
	return w.fail(ctx, payload, upstreamErr, log)
}

// provision runs the upstream leg: resolve, classify, materialize. Returns
// the destination path written on success.
func (w *Worker) provision(ctx context.Context, record *domain.ResourceRecord, payload store.TaskPayload) (string, error) {
	listing, err := w.client.ResolveShare(ctx, payload.SourceRef)
	if err != nil {
		return "", err
	}

	destination := record.DestinationPath
	if destination == "" {
		title := record.Title
		if title == "" && len(listing.Files) > 0 {
			title = listing.Files[0].Name
		}
		classification, err := w.classifier.Classify(ctx, title)
		if err != nil {
			// The rule classifier is total over non-empty titles; an empty
			// title still needs somewhere to land.
			classification = classifier.Classification{
				Category: classifier.CategoryMovies,
				Title:    payload.RecordID.String(),
				Year:     classifier.UnknownYear,
			}
		}
		destination = w.dest.Build(classification)
	}

	if _, err := w.client.Materialize(ctx, listing, destination); err != nil {
		return "", err
	}
	return destination, nil
}

// claim takes or verifies ownership of the task's record. Fresh tasks claim
// VIRTUAL records; retries and replays verify the record is still held in
// PROVISIONING.
func (w *Worker) claim(ctx context.Context, payload store.TaskPayload) (bool, error) {
	if payload.Attempt == 0 && !payload.Replay {
		return w.resources.Claim(ctx, payload.RecordID, domain.ResourceStatusVirtual)
	}
	return w.resources.Claim(ctx, payload.RecordID, domain.ResourceStatusProvisioning)
}

func (w *Worker) succeed(ctx context.Context, payload store.TaskPayload, destination string, log *slog.Logger) error {
	updated, err := w.resources.MarkMaterialized(ctx, payload.RecordID, destination)
	if err != nil {
		return fmt.Errorf("mark materialized: %w", err)
	}
	if !updated {
		log.Warn("record left claimed state during provisioning, success write skipped")
		return nil
	}
	log.Info("resource materialized", slog.String("destination", destination))
	return nil
}

// fail branches on the upstream error class: transient failures requeue or
// dead-letter, auth and rejection failures are terminal.
func (w *Worker) fail(ctx context.Context, payload store.TaskPayload, cause error, log *slog.Logger) error {
	message := cause.Error()

	switch {
	case errors.Is(cause, upstream.ErrAuth):
		w.sessions.Invalidate()
		log.Warn("authentication failure, failing task", slog.String("error", message))
		return w.failTerminal(ctx, payload, message, log)

	case errors.Is(cause, upstream.ErrRejected):
		log.Warn("upstream rejected task", slog.String("error", message))
		return w.failTerminal(ctx, payload, message, log)

	case payload.Attempt < w.maxRetries:
		updated, err := w.resources.MarkRetrying(ctx, payload.RecordID, message)
		if err != nil {
			return fmt.Errorf("mark retrying: %w", err)
		}
		if !updated {
			log.Warn("record left claimed state during provisioning, retry skipped")
			return nil
		}
		next := payload
		next.Attempt++
		next.Replay = false
		if err := w.queue.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		log.Info("transient failure, task requeued",
			slog.Int("next_attempt", next.Attempt),
			slog.String("error", message))
		return nil

	default:
		log.Error("retry budget exhausted, dead-lettering task",
			slog.Int("max_retries", w.maxRetries),
			slog.String("error", message))
		if err := w.queue.MoveToDead(ctx, payload); err != nil {
			return fmt.Errorf("dead-letter task: %w", err)
		}
		return w.failTerminal(ctx, payload, message, log)
	}
}

func (w *Worker) failTerminal(ctx context.Context, payload store.TaskPayload, message string, log *slog.Logger) error {
	if message == "" {
		message = "provisioning failed"
	}
	updated, err := w.resources.MarkFailed(ctx, payload.RecordID, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !updated {
		log.Warn("record left claimed state during provisioning, failure write skipped")
	}
	return nil
}

// requeueOnShutdown puts a task back for the next process run when shutdown
// interrupted it mid-flight. The record stays PROVISIONING; the requeued
// task claims it as a retry without touching the retry count.
func (w *Worker) requeueOnShutdown(payload store.TaskPayload, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next := payload
	if next.Attempt == 0 && !next.Replay {
		next.Replay = true
	}
	if err := w.queue.Enqueue(ctx, next); err != nil {
		log.Error("failed to requeue task during shutdown", slog.String("error", err.Error()))
		return err
	}
	log.Info("shutdown interrupted task, requeued")
	return nil
}
