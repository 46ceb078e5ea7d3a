package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quarkmedia/provisiond/internal/store"
)

// WorkerPoolConfig holds configuration options for the worker pool.
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start.
	// If zero or negative, defaults to 1.
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 5,
	}
}

// WorkerPool runs a fixed number of workers draining the task queue. It
// owns worker lifecycle: Start spawns the goroutines, Stop cancels their
// context and waits for in-flight tasks to finish.
type WorkerPool struct {
	queue       store.TaskQueue
	worker      *Worker
	workerCount int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

// NewWorkerPool creates a worker pool draining queue with the given worker.
func NewWorkerPool(queue store.TaskQueue, worker *Worker, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:       queue,
		worker:      worker,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches the worker goroutines. Recovery of records stranded in a
// claimed state by a previous run belongs to the caller, before Start.
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop signals all workers to finish their current task and waits for them.
func (p *WorkerPool) Stop() {
	p.logger.Info("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// run is one worker's dequeue loop.
func (p *WorkerPool) run(id int) {
	defer p.wg.Done()

	log := p.logger.With(slog.Int("worker_id", id))
	log.Debug("worker started")

	for {
		payload, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, store.ErrQueueClosed) {
				log.Debug("worker shutting down")
				return
			}
			log.Error("dequeue failed", slog.String("error", err.Error()))
			continue
		}

		if err := p.worker.Process(p.ctx, payload); err != nil {
			log.Error("task processing failed",
				slog.String("record_id", payload.RecordID.String()),
				slog.String("error", err.Error()))
		}
	}
}

// RecoverStranded resets records left claimed by a crashed run and
// re-enqueues a task for each. Called once at startup, before Start.
//
// Records that still have a task on the durable queue (a shutdown requeue
// or a not-yet-dequeued retry) are skipped: they stay claimed and their
// surviving task drives them. Resetting them too would put a second task
// on the queue for the same record, and with the claim being a conditional
// status update rather than an exclusive take, two workers could then
// materialize the record concurrently.
func RecoverStranded(ctx context.Context, resources store.ResourceStore, queue store.TaskQueue, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	pending, err := queue.PendingRecordIDs(ctx)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	stranded, err := resources.ResetStranded(ctx, pending)
	if err != nil {
		return fmt.Errorf("reset stranded records: %w", err)
	}
	for _, record := range stranded {
		payload := store.TaskPayload{
			RecordID:  record.ID,
			SourceRef: record.SourceRef,
		}
		if err := queue.Enqueue(ctx, payload); err != nil {
			return fmt.Errorf("requeue stranded record %s: %w", record.ID, err)
		}
	}
	if len(stranded) > 0 {
		logger.Info("recovered stranded records", "count", len(stranded))
	}
	return nil
}
