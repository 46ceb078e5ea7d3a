package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quarkmedia/provisiond/internal/store"
)

const defaultPollInterval = 100 * time.Millisecond

// TaskQueue implements store.TaskQueue on two plain tables: a main FIFO
// queue and a dead-letter list. Dequeue polls with FOR UPDATE SKIP LOCKED
// inside a transaction that also deletes the row, so concurrent workers
// never receive the same task and a crash before commit leaves the task in
// place for redelivery.
type TaskQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTaskQueue creates a queue over db. The tables are created by the
// schema migrations, not here. If pollInterval is zero a default is used.
func NewTaskQueue(db *sql.DB, pollInterval time.Duration, logger *slog.Logger) *TaskQueue {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &TaskQueue{
		db:           db,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("component", "task_queue")),
		closed:       make(chan struct{}),
	}
}

// Ensure TaskQueue implements store.TaskQueue interface
var _ store.TaskQueue = (*TaskQueue)(nil)

// Enqueue implements store.TaskQueue.Enqueue
func (q *TaskQueue) Enqueue(ctx context.Context, payload store.TaskPayload) error {
	if q.isClosed() {
		return store.ErrQueueClosed
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO provisioning_queue (record_id, payload) VALUES ($1, $2)`,
		payload.RecordID, encoded)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// Dequeue implements store.TaskQueue.Dequeue, polling until a task is
// available, ctx ends, or the queue closes.
func (q *TaskQueue) Dequeue(ctx context.Context) (store.TaskPayload, error) {
	for {
		if q.isClosed() {
			return store.TaskPayload{}, store.ErrQueueClosed
		}

		payload, ok, err := q.tryDequeue(ctx)
		if err != nil {
			return store.TaskPayload{}, err
		}
		if ok {
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return store.TaskPayload{}, ctx.Err()
		case <-q.closed:
			return store.TaskPayload{}, store.ErrQueueClosed
		case <-time.After(q.pollInterval):
		}
	}
}

// tryDequeue pops the head of the main queue, returning ok=false when the
// queue is empty.
func (q *TaskQueue) tryDequeue(ctx context.Context) (store.TaskPayload, bool, error) {
	var (
		id      int64
		encoded []byte
		found   bool
	)
	err := store.RunInTransaction(ctx, q.db, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, payload
			FROM provisioning_queue
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&id, &encoded)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return MapError(err)
		}
		found = true

		if _, err := tx.ExecContext(ctx, `DELETE FROM provisioning_queue WHERE id = $1`, id); err != nil {
			return MapError(err)
		}
		return nil
	})
	if err != nil {
		return store.TaskPayload{}, false, err
	}
	if !found {
		return store.TaskPayload{}, false, nil
	}

	var payload store.TaskPayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		// The row is already consumed; a corrupt payload cannot be retried.
		q.logger.Error("dropping undecodable task payload",
			slog.Int64("queue_id", id),
			slog.String("error", err.Error()))
		return store.TaskPayload{}, false, nil
	}
	return payload, true, nil
}

// MoveToDead implements store.TaskQueue.MoveToDead
func (q *TaskQueue) MoveToDead(ctx context.Context, payload store.TaskPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO provisioning_dead_queue (record_id, payload) VALUES ($1, $2)`,
		payload.RecordID, encoded)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// ListDead implements store.TaskQueue.ListDead
func (q *TaskQueue) ListDead(ctx context.Context) ([]store.TaskPayload, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT payload FROM provisioning_dead_queue ORDER BY id ASC`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var dead []store.TaskPayload
	for rows.Next() {
		var encoded []byte
		if err := rows.Scan(&encoded); err != nil {
			return nil, MapError(err)
		}
		var payload store.TaskPayload
		if err := json.Unmarshal(encoded, &payload); err != nil {
			return nil, fmt.Errorf("decode dead task payload: %w", err)
		}
		dead = append(dead, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return dead, nil
}

// ReplayDead implements store.TaskQueue.ReplayDead. The move is
// transactional: the dead entry disappears and the main-queue entry appears
// together or not at all.
func (q *TaskQueue) ReplayDead(ctx context.Context, recordID uuid.UUID) error {
	err := store.RunInTransaction(ctx, q.db, func(ctx context.Context, tx *sql.Tx) error {
		var id int64
		var encoded []byte
		err := tx.QueryRowContext(ctx, `
			SELECT id, payload
			FROM provisioning_dead_queue
			WHERE record_id = $1
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, recordID).Scan(&id, &encoded)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrDeadTaskNotFound
		}
		if err != nil {
			return MapError(err)
		}

		var payload store.TaskPayload
		if err := json.Unmarshal(encoded, &payload); err != nil {
			return fmt.Errorf("decode dead task payload: %w", err)
		}
		payload.Attempt = 0
		payload.Replay = true
		replayEncoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode task payload: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM provisioning_dead_queue WHERE id = $1`, id); err != nil {
			return MapError(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provisioning_queue (record_id, payload) VALUES ($1, $2)`,
			payload.RecordID, replayEncoded); err != nil {
			return MapError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "dead-letter task replayed",
		slog.String("record_id", recordID.String()))
	return nil
}

// PendingRecordIDs implements store.TaskQueue.PendingRecordIDs
func (q *TaskQueue) PendingRecordIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT record_id FROM provisioning_queue`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return ids, nil
}

// ClearDead implements store.TaskQueue.ClearDead
func (q *TaskQueue) ClearDead(ctx context.Context) (int, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM provisioning_dead_queue`)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}
	return int(affected), nil
}

// Len implements store.TaskQueue.Len
func (q *TaskQueue) Len(ctx context.Context) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM provisioning_queue`)
}

// DeadLen implements store.TaskQueue.DeadLen
func (q *TaskQueue) DeadLen(ctx context.Context) (int, error) {
	return q.count(ctx, `SELECT COUNT(*) FROM provisioning_dead_queue`)
}

// Close implements store.TaskQueue.Close. The database connection belongs
// to the caller and is left open.
func (q *TaskQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}

func (q *TaskQueue) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

func (q *TaskQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
