package store

import (
	"context"

	"github.com/google/uuid"
)

// TaskPayload is the unit of work carried by the task queue. It is
// reconstructible entirely from the queue entry plus the resource record it
// references; nothing else is persisted for a task.
type TaskPayload struct {
	RecordID  uuid.UUID `json:"record_id"`
	SourceRef string    `json:"source_ref"`
	Attempt   int       `json:"attempt"`

	// Replay marks a task re-enqueued from the dead-letter list. A replayed
	// task's record is already claimed, so the worker verifies the claim
	// instead of taking it.
	Replay bool `json:"replay,omitempty"`
}

// TaskQueue is a durable FIFO channel of provisioning tasks with a parallel
// dead-letter list. Delivery is at least once: a crash between dequeue and
// the final record write may redeliver, which workers tolerate through the
// atomic claim on the resource record.
type TaskQueue interface {
	// Enqueue appends a task to the tail of the main queue.
	Enqueue(ctx context.Context, payload TaskPayload) error

	// Dequeue removes and returns the task at the head of the main queue,
	// blocking until a task is available or ctx is done. Returns ctx.Err()
	// on cancellation and ErrQueueClosed after Close.
	Dequeue(ctx context.Context) (TaskPayload, error)

	// MoveToDead appends a task to the dead-letter list verbatim.
	MoveToDead(ctx context.Context, payload TaskPayload) error

	// ListDead returns all dead-letter entries in FIFO order.
	ListDead(ctx context.Context) ([]TaskPayload, error)

	// ReplayDead removes the dead-letter entry for the given record and
	// re-enqueues it on the main queue with Attempt reset to 0 and Replay
	// set. Returns ErrDeadTaskNotFound if no entry exists for the record.
	ReplayDead(ctx context.Context, recordID uuid.UUID) error

	// ClearDead removes all dead-letter entries, returning how many were
	// dropped.
	ClearDead(ctx context.Context) (int, error)

	// PendingRecordIDs returns the distinct record IDs with entries on the
	// main queue. Crash recovery uses it to tell records whose task
	// survived the restart apart from truly stranded ones.
	PendingRecordIDs(ctx context.Context) ([]uuid.UUID, error)

	// Len and DeadLen report current queue depths (observability only).
	Len(ctx context.Context) (int, error)
	DeadLen(ctx context.Context) (int, error)

	// Close releases queue resources. Pending Dequeue calls return
	// ErrQueueClosed.
	Close() error
}
