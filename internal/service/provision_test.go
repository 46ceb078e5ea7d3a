package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/platform/memory"
	"github.com/quarkmedia/provisiond/internal/store"
)

type serviceFixture struct {
	resources *memory.ResourceStore
	queue     *memory.TaskQueue
	svc       *ProvisionService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	resources := memory.NewResourceStore()
	queue := memory.NewTaskQueue()
	return &serviceFixture{
		resources: resources,
		queue:     queue,
		svc: NewProvisionService(resources, queue,
			slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func TestProvisionService_RegisterShare(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	record, err := f.svc.RegisterShare(ctx, "https://pan.quark.cn/s/abc123", "Inception (2010)")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusVirtual, record.Status)

	// Registration alone enqueues nothing.
	depth, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Registering the same share again returns the existing record.
	again, err := f.svc.RegisterShare(ctx, "https://pan.quark.cn/s/abc123", "different title")
	require.NoError(t, err)
	assert.Equal(t, record.ID, again.ID)
	assert.Equal(t, "Inception (2010)", again.Title)

	_, err = f.svc.RegisterShare(ctx, "", "no ref")
	assert.ErrorIs(t, err, ErrEmptySourceRef)
}

func TestProvisionService_Provision(t *testing.T) {
	t.Parallel()

	t.Run("new share creates a record and a task", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		view, err := f.svc.Provision(ctx, ProvisionRequest{
			SourceRef: "https://pan.quark.cn/s/abc123",
			Title:     "Inception (2010)",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.ResourceStatusVirtual, view.Status)
		assert.Equal(t, 0.1, view.Progress)

		depth, err := f.queue.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)

		payload, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, view.TaskID, payload.RecordID)
		assert.Equal(t, "https://pan.quark.cn/s/abc123", payload.SourceRef)
		assert.Equal(t, 0, payload.Attempt)
	})

	t.Run("idempotent on an in-flight record", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		view, err := f.svc.Provision(ctx, ProvisionRequest{SourceRef: "https://pan.quark.cn/s/abc123"})
		require.NoError(t, err)

		// Simulate a worker claiming the record.
		claimed, err := f.resources.Claim(ctx, view.TaskID, domain.ResourceStatusVirtual)
		require.NoError(t, err)
		require.True(t, claimed)

		again, err := f.svc.Provision(ctx, ProvisionRequest{SourceRef: "https://pan.quark.cn/s/abc123"})
		require.NoError(t, err)
		assert.Equal(t, view.TaskID, again.TaskID)
		assert.Equal(t, domain.ResourceStatusProvisioning, again.Status)
		assert.Equal(t, 0.5, again.Progress)

		// No duplicate task was enqueued.
		depth, err := f.queue.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("provision by record ID", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		ctx := context.Background()

		record, err := f.svc.RegisterShare(ctx, "https://pan.quark.cn/s/xyz789", "Some Show S01")
		require.NoError(t, err)

		view, err := f.svc.Provision(ctx, ProvisionRequest{RecordID: record.ID})
		require.NoError(t, err)
		assert.Equal(t, record.ID, view.TaskID)

		depth, err := f.queue.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("unknown record ID", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		_, err := f.svc.Provision(context.Background(), ProvisionRequest{RecordID: uuid.New()})
		assert.ErrorIs(t, err, store.ErrResourceNotFound)
	})

	t.Run("empty request", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		_, err := f.svc.Provision(context.Background(), ProvisionRequest{})
		assert.ErrorIs(t, err, ErrEmptySourceRef)
	})
}

func TestProvisionService_GetTask(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	view, err := f.svc.Provision(ctx, ProvisionRequest{SourceRef: "https://pan.quark.cn/s/abc123"})
	require.NoError(t, err)

	got, err := f.svc.GetTask(ctx, view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, view.TaskID, got.TaskID)
	assert.Equal(t, domain.ResourceStatusVirtual, got.Status)

	_, err = f.svc.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrResourceNotFound)
}

func TestProvisionService_Stats(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Provision(ctx, ProvisionRequest{SourceRef: "https://pan.quark.cn/s/one"})
	require.NoError(t, err)
	_, err = f.svc.Provision(ctx, ProvisionRequest{SourceRef: "https://pan.quark.cn/s/two"})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[domain.ResourceStatusVirtual])
	assert.Equal(t, 2, stats.QueueSize)
	assert.Zero(t, stats.DeadQueueSize)
}

func TestProvisionService_DeadLetterLifecycle(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	// Build a failed, dead-lettered record by hand.
	view, err := f.svc.Provision(ctx, ProvisionRequest{SourceRef: "https://pan.quark.cn/s/abc123"})
	require.NoError(t, err)
	payload, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	claimed, err := f.resources.Claim(ctx, view.TaskID, domain.ResourceStatusVirtual)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.queue.MoveToDead(ctx, payload))
	failed, err := f.resources.MarkFailed(ctx, view.TaskID, fmt.Sprintf("transient: gave up after %d attempts", 4))
	require.NoError(t, err)
	require.True(t, failed)

	dead, err := f.svc.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, view.TaskID, dead[0].RecordID)

	// Replay: record back in flight, task back on the main queue.
	replayed, err := f.svc.RetryDead(ctx, view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusProvisioning, replayed.Status)
	assert.Equal(t, 0, replayed.RetryCount)

	depth, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Replaying again fails: the dead entry is gone.
	_, err = f.svc.RetryDead(ctx, view.TaskID)
	assert.ErrorIs(t, err, store.ErrDeadTaskNotFound)
}

// replayFailQueue makes ReplayDead fail so the compensation path is
// reachable from a test.
type replayFailQueue struct {
	*memory.TaskQueue
	replayErr error
}

func (q *replayFailQueue) ReplayDead(context.Context, uuid.UUID) error { return q.replayErr }

func deadLetterRecord(t *testing.T, resources *memory.ResourceStore, queue *memory.TaskQueue, errorMessage string) *domain.ResourceRecord {
	t.Helper()
	ctx := context.Background()

	record, err := domain.NewResource("https://pan.quark.cn/s/abc123", "Inception (2010)")
	require.NoError(t, err)
	require.NoError(t, resources.Create(ctx, record))

	claimed, err := resources.Claim(ctx, record.ID, domain.ResourceStatusVirtual)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, queue.MoveToDead(ctx, store.TaskPayload{RecordID: record.ID, SourceRef: record.SourceRef, Attempt: 1}))
	failed, err := resources.MarkFailed(ctx, record.ID, errorMessage)
	require.NoError(t, err)
	require.True(t, failed)
	return record
}

func TestProvisionService_RetryDead_RecordResetBeforeTaskVisible(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()
	record := deadLetterRecord(t, f.resources, f.queue, "transient: gave up")

	_, err := f.svc.RetryDead(ctx, record.ID)
	require.NoError(t, err)

	// A worker dequeuing the replayed task immediately must find the record
	// already reset, so its claim against PROVISIONING succeeds instead of
	// dropping the task against a still-FAILED record.
	payload, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, payload.Replay)
	assert.Equal(t, 0, payload.Attempt)

	claimed, err := f.resources.Claim(ctx, record.ID, domain.ResourceStatusProvisioning)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestProvisionService_RetryDead_ReplayFailureRestoresRecord(t *testing.T) {
	t.Parallel()

	inner := memory.NewTaskQueue()
	resources := memory.NewResourceStore()
	queue := &replayFailQueue{TaskQueue: inner, replayErr: fmt.Errorf("queue unavailable")}
	svc := NewProvisionService(resources, queue,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	record := deadLetterRecord(t, resources, inner, "transient: gave up")

	_, err := svc.RetryDead(ctx, record.ID)
	require.Error(t, err)

	// The record is back in FAILED with its message intact and the dead
	// entry is untouched, so the operator can replay again later.
	got, err := resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusFailed, got.Status)
	assert.Equal(t, "transient: gave up", got.ErrorMessage)

	dead, err := svc.ListDead(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestProvisionService_ClearDead(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.queue.MoveToDead(ctx, store.TaskPayload{RecordID: uuid.New()}))
	require.NoError(t, f.queue.MoveToDead(ctx, store.TaskPayload{RecordID: uuid.New()}))

	dropped, err := f.svc.ClearDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	dead, err := f.svc.ListDead(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}
