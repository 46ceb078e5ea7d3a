package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarkmedia/provisiond/internal/classifier"
	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/platform/memory"
	"github.com/quarkmedia/provisiond/internal/store"
	"github.com/quarkmedia/provisiond/internal/upstream"
)

type fakeSession struct {
	err         error
	invalidated atomic.Int32
}

func (s *fakeSession) IsValid(context.Context) error { return s.err }
func (s *fakeSession) Invalidate()                   { s.invalidated.Add(1) }

type fakeUpstream struct {
	mu           sync.Mutex
	resolveErr   error
	resolveCalls int
	matErr       error
	matCalls     int
	destinations []string
}

func (u *fakeUpstream) ResolveShare(_ context.Context, sourceRef string) (*upstream.FileListing, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolveCalls++
	if u.resolveErr != nil {
		return nil, u.resolveErr
	}
	return &upstream.FileListing{
		SourceRef: sourceRef,
		ShareCode: "abc123",
		Stoken:    "tok",
		Files:     []upstream.FileEntry{{FID: "f1", ShareFidToken: "t1", Name: "Inception.2010.1080p.mkv"}},
	}, nil
}

func (u *fakeUpstream) Materialize(_ context.Context, _ *upstream.FileListing, destination string) (*upstream.Outcome, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.matCalls++
	if u.matErr != nil {
		return nil, u.matErr
	}
	u.destinations = append(u.destinations, destination)
	return &upstream.Outcome{FolderID: "fid", SavedFiles: 1}, nil
}

func (u *fakeUpstream) Probe(context.Context) error { return nil }

func (u *fakeUpstream) setResolveErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolveErr = err
}

func (u *fakeUpstream) calls() (resolve, materialize int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resolveCalls, u.matCalls
}

type workerFixture struct {
	resources *memory.ResourceStore
	queue     *memory.TaskQueue
	session   *fakeSession
	client    *fakeUpstream
	worker    *Worker
}

func newWorkerFixture(t *testing.T, maxRetries int) *workerFixture {
	t.Helper()

	f := &workerFixture{
		resources: memory.NewResourceStore(),
		queue:     memory.NewTaskQueue(),
		session:   &fakeSession{},
		client:    &fakeUpstream{},
	}
	f.worker = NewWorker(
		f.resources,
		f.queue,
		f.session,
		f.client,
		classifier.NewRuleClassifier(),
		classifier.NewDestinationBuilder(""),
		maxRetries,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return f
}

func (f *workerFixture) createRecord(t *testing.T, title string) *domain.ResourceRecord {
	t.Helper()
	record, err := domain.NewResource("https://pan.quark.cn/s/abc123", title)
	require.NoError(t, err)
	require.NoError(t, f.resources.Create(context.Background(), record))
	return record
}

func (f *workerFixture) freshTask(record *domain.ResourceRecord) store.TaskPayload {
	return store.TaskPayload{RecordID: record.ID, SourceRef: record.SourceRef}
}

func TestWorker_Process_Success(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 3)
	record := f.createRecord(t, "Inception (2010) 1080p BluRay")
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusMaterialized, got.Status)
	assert.Equal(t, "/Media/Movies/2010/Inception (2010)", got.DestinationPath)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
}

func TestWorker_Process_IdempotentClaim(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 3)
	record := f.createRecord(t, "Inception (2010)")
	ctx := context.Background()

	// Concurrent duplicate tasks for the same record: exactly one worker
	// wins the claim and talks upstream.
	const dupes = 8
	var wg sync.WaitGroup
	for i := 0; i < dupes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.worker.Process(ctx, f.freshTask(record)))
		}()
	}
	wg.Wait()

	resolve, materialize := f.client.calls()
	assert.Equal(t, 1, resolve)
	assert.Equal(t, 1, materialize)

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusMaterialized, got.Status)
}

func TestWorker_Process_BoundedRetries(t *testing.T) {
	t.Parallel()

	const maxRetries = 3
	f := newWorkerFixture(t, maxRetries)
	f.client.resolveErr = fmt.Errorf("%w: connection reset", upstream.ErrTransient)
	record := f.createRecord(t, "Inception (2010)")
	ctx := context.Background()

	// Drive the task through the queue by hand: process, then process
	// whatever the worker requeued, until nothing is left.
	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))
	for {
		depth, err := f.queue.Len(ctx)
		require.NoError(t, err)
		if depth == 0 {
			break
		}
		payload, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, f.worker.Process(ctx, payload))
	}

	// Exactly maxRetries+1 attempts, then dead-letter.
	resolve, _ := f.client.calls()
	assert.Equal(t, maxRetries+1, resolve)

	deadLen, err := f.queue.DeadLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deadLen)

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusFailed, got.Status)
	assert.Equal(t, maxRetries, got.RetryCount)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestWorker_Process_AuthErrorShortCircuits(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 3)
	f.client.resolveErr = fmt.Errorf("%w: require login [guest]", upstream.ErrAuth)
	record := f.createRecord(t, "Inception (2010)")
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.NotEmpty(t, got.ErrorMessage)

	// The session verdict is invalidated and the task never re-enters the
	// main queue.
	assert.Equal(t, int32(1), f.session.invalidated.Load())
	depth, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestWorker_Process_RejectionIsTerminal(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 3)
	f.client.resolveErr = fmt.Errorf("%w: share link has expired", upstream.ErrRejected)
	record := f.createRecord(t, "Inception (2010)")
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "expired")

	depth, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	deadLen, err := f.queue.DeadLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, deadLen)
	assert.Zero(t, f.session.invalidated.Load())
}

func TestWorker_Process_InvalidSessionFailsFast(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 3)
	f.session.err = errors.New("upstream session is invalid")
	record := f.createRecord(t, "Inception (2010)")
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))

	// No upstream call was spent.
	resolve, materialize := f.client.calls()
	assert.Zero(t, resolve)
	assert.Zero(t, materialize)

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "session invalid")
}

func TestWorker_Process_DeadLetterReplay(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 0)
	f.client.resolveErr = fmt.Errorf("%w: down", upstream.ErrTransient)
	record := f.createRecord(t, "Inception (2010) 1080p")
	ctx := context.Background()

	// First attempt dead-letters immediately (zero retry budget).
	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))

	got, err := f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ResourceStatusFailed, got.Status)

	// Operator replay: record back to PROVISIONING, retry count reset, task
	// back on the main queue.
	reset, err := f.resources.ResetForRetry(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, reset)
	require.NoError(t, f.queue.ReplayDead(ctx, record.ID))

	// Upstream recovered; the replayed task succeeds.
	f.client.resolveErr = nil
	payload, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, payload.Replay)
	require.Equal(t, 0, payload.Attempt)
	require.NoError(t, f.worker.Process(ctx, payload))

	got, err = f.resources.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusMaterialized, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.NotEmpty(t, got.DestinationPath)
}

func TestWorker_Process_TerminalRecordDropsTask(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 3)
	record := f.createRecord(t, "Inception (2010)")
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))
	resolveAfterFirst, _ := f.client.calls()
	require.Equal(t, 1, resolveAfterFirst)

	// Redelivery of a task for an already-materialized record is a no-op.
	require.NoError(t, f.worker.Process(ctx, f.freshTask(record)))
	resolve, _ := f.client.calls()
	assert.Equal(t, 1, resolve)
}
