package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/store"
)

func newRecord(t *testing.T) *domain.ResourceRecord {
	t.Helper()
	record, err := domain.NewResource("https://pan.quark.cn/s/"+uuid.NewString()[:8], "Some Title")
	require.NoError(t, err)
	return record
}

func TestResourceStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewResourceStore()
	ctx := context.Background()
	record := newRecord(t)

	require.NoError(t, s.Create(ctx, record))

	byID, err := s.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.SourceRef, byID.SourceRef)
	assert.Equal(t, domain.ResourceStatusVirtual, byID.Status)

	bySource, err := s.GetBySourceRef(ctx, record.SourceRef)
	require.NoError(t, err)
	assert.Equal(t, record.ID, bySource.ID)

	// Same source ref again is a conflict.
	dupe, err := domain.NewResource(record.SourceRef, "Another Title")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Create(ctx, dupe), store.ErrSourceRefExists)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrResourceNotFound)
}

func TestResourceStore_ClaimIsAtomic(t *testing.T) {
	t.Parallel()

	s := NewResourceStore()
	ctx := context.Background()
	record := newRecord(t)
	require.NoError(t, s.Create(ctx, record))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.Claim(ctx, record.ID, domain.ResourceStatusVirtual)
			assert.NoError(t, err)
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusProvisioning, got.Status)
}

func TestResourceStore_StatusWrites(t *testing.T) {
	t.Parallel()

	s := NewResourceStore()
	ctx := context.Background()

	t.Run("materialize clears the error and sets the destination", func(t *testing.T) {
		record := newRecord(t)
		require.NoError(t, s.Create(ctx, record))

		// Not claimable for success while still VIRTUAL.
		updated, err := s.MarkMaterialized(ctx, record.ID, "/Media/Movies/2010/Inception (2010)")
		require.NoError(t, err)
		assert.False(t, updated)

		claimed, err := s.Claim(ctx, record.ID, domain.ResourceStatusVirtual)
		require.NoError(t, err)
		require.True(t, claimed)

		updated, err = s.MarkMaterialized(ctx, record.ID, "/Media/Movies/2010/Inception (2010)")
		require.NoError(t, err)
		require.True(t, updated)

		got, err := s.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ResourceStatusMaterialized, got.Status)
		assert.Equal(t, "/Media/Movies/2010/Inception (2010)", got.DestinationPath)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("retry self-loop increments the count", func(t *testing.T) {
		record := newRecord(t)
		require.NoError(t, s.Create(ctx, record))
		claimed, err := s.Claim(ctx, record.ID, domain.ResourceStatusVirtual)
		require.NoError(t, err)
		require.True(t, claimed)

		for i := 1; i <= 2; i++ {
			updated, err := s.MarkRetrying(ctx, record.ID, "transient: reset")
			require.NoError(t, err)
			require.True(t, updated)
		}

		got, err := s.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ResourceStatusProvisioning, got.Status)
		assert.Equal(t, 2, got.RetryCount)
		assert.NotNil(t, got.LastRetryAt)
		assert.Equal(t, "transient: reset", got.ErrorMessage)
	})

	t.Run("failure and administrative reset", func(t *testing.T) {
		record := newRecord(t)
		require.NoError(t, s.Create(ctx, record))
		claimed, err := s.Claim(ctx, record.ID, domain.ResourceStatusVirtual)
		require.NoError(t, err)
		require.True(t, claimed)

		updated, err := s.MarkFailed(ctx, record.ID, "share expired")
		require.NoError(t, err)
		require.True(t, updated)

		got, err := s.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ResourceStatusFailed, got.Status)
		assert.Equal(t, "share expired", got.ErrorMessage)

		reset, err := s.ResetForRetry(ctx, record.ID)
		require.NoError(t, err)
		require.True(t, reset)

		got, err = s.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ResourceStatusProvisioning, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Empty(t, got.ErrorMessage)

		// ResetForRetry only applies to FAILED records.
		reset, err = s.ResetForRetry(ctx, record.ID)
		require.NoError(t, err)
		assert.False(t, reset)
	})
}

func TestResourceStore_ResetStranded(t *testing.T) {
	t.Parallel()

	s := NewResourceStore()
	ctx := context.Background()

	stuck := newRecord(t)
	require.NoError(t, s.Create(ctx, stuck))
	claimed, err := s.Claim(ctx, stuck.ID, domain.ResourceStatusVirtual)
	require.NoError(t, err)
	require.True(t, claimed)

	untouched := newRecord(t)
	require.NoError(t, s.Create(ctx, untouched))

	stranded, err := s.ResetStranded(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, stuck.ID, stranded[0].ID)
	assert.Equal(t, domain.ResourceStatusVirtual, stranded[0].Status)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.ResourceStatusVirtual])
}

func TestResourceStore_ResetStrandedExcludes(t *testing.T) {
	t.Parallel()

	s := NewResourceStore()
	ctx := context.Background()

	spared := newRecord(t)
	require.NoError(t, s.Create(ctx, spared))
	claimed, err := s.Claim(ctx, spared.ID, domain.ResourceStatusVirtual)
	require.NoError(t, err)
	require.True(t, claimed)

	stuck := newRecord(t)
	require.NoError(t, s.Create(ctx, stuck))
	claimed, err = s.Claim(ctx, stuck.ID, domain.ResourceStatusVirtual)
	require.NoError(t, err)
	require.True(t, claimed)

	stranded, err := s.ResetStranded(ctx, []uuid.UUID{spared.ID})
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, stuck.ID, stranded[0].ID)

	got, err := s.GetByID(ctx, spared.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStatusProvisioning, got.Status)
}
