// Package memory provides in-process implementations of the store
// interfaces. The queue backs development and tests; durability across
// restarts comes from the postgres backend.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quarkmedia/provisiond/internal/store"
)

// TaskQueue is an in-memory FIFO task queue with a dead-letter list.
// Safe for concurrent use. Ordering and at-least-once semantics match the
// durable backend; only persistence is missing.
type TaskQueue struct {
	mu     sync.Mutex
	tasks  []store.TaskPayload
	dead   []store.TaskPayload
	wakeup chan struct{}
	closed bool
}

// NewTaskQueue creates an empty in-memory queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{wakeup: make(chan struct{})}
}

var _ store.TaskQueue = (*TaskQueue)(nil)

// Enqueue implements store.TaskQueue.
func (q *TaskQueue) Enqueue(_ context.Context, payload store.TaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return store.ErrQueueClosed
	}
	q.tasks = append(q.tasks, payload)
	q.broadcastLocked()
	return nil
}

// Dequeue implements store.TaskQueue, blocking until a task arrives, the
// context ends, or the queue closes.
func (q *TaskQueue) Dequeue(ctx context.Context) (store.TaskPayload, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			payload := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return payload, nil
		}
		if q.closed {
			q.mu.Unlock()
			return store.TaskPayload{}, store.ErrQueueClosed
		}
		wait := q.wakeup
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return store.TaskPayload{}, ctx.Err()
		case <-wait:
		}
	}
}

// MoveToDead implements store.TaskQueue.
func (q *TaskQueue) MoveToDead(_ context.Context, payload store.TaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return store.ErrQueueClosed
	}
	q.dead = append(q.dead, payload)
	return nil
}

// ListDead implements store.TaskQueue.
func (q *TaskQueue) ListDead(_ context.Context) ([]store.TaskPayload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.TaskPayload, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// ReplayDead implements store.TaskQueue.
func (q *TaskQueue) ReplayDead(_ context.Context, recordID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return store.ErrQueueClosed
	}

	for i, payload := range q.dead {
		if payload.RecordID == recordID {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			payload.Attempt = 0
			payload.Replay = true
			q.tasks = append(q.tasks, payload)
			q.broadcastLocked()
			return nil
		}
	}
	return store.ErrDeadTaskNotFound
}

// PendingRecordIDs implements store.TaskQueue.
func (q *TaskQueue) PendingRecordIDs(_ context.Context) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(q.tasks))
	var ids []uuid.UUID
	for _, payload := range q.tasks {
		if _, ok := seen[payload.RecordID]; ok {
			continue
		}
		seen[payload.RecordID] = struct{}{}
		ids = append(ids, payload.RecordID)
	}
	return ids, nil
}

// ClearDead implements store.TaskQueue.
func (q *TaskQueue) ClearDead(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.dead)
	q.dead = nil
	return dropped, nil
}

// Len implements store.TaskQueue.
func (q *TaskQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), nil
}

// DeadLen implements store.TaskQueue.
func (q *TaskQueue) DeadLen(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead), nil
}

// Close implements store.TaskQueue. Pending Dequeue calls return
// ErrQueueClosed once the remaining tasks are drained.
func (q *TaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.broadcastLocked()
	return nil
}

func (q *TaskQueue) broadcastLocked() {
	close(q.wakeup)
	q.wakeup = make(chan struct{})
}
