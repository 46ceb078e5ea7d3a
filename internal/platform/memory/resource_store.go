package memory

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/store"
)

// ResourceStore is an in-memory store.ResourceStore. Conditional updates
// run under one mutex, which gives the same serialization the postgres
// backend gets from conditional UPDATEs.
type ResourceStore struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*domain.ResourceRecord
	bySource  map[string]uuid.UUID
}

// NewResourceStore creates an empty in-memory resource store.
func NewResourceStore() *ResourceStore {
	return &ResourceStore{
		byID:     make(map[uuid.UUID]*domain.ResourceRecord),
		bySource: make(map[string]uuid.UUID),
	}
}

var _ store.ResourceStore = (*ResourceStore)(nil)

// Create implements store.ResourceStore.
func (s *ResourceStore) Create(_ context.Context, record *domain.ResourceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySource[record.SourceRef]; exists {
		return store.ErrSourceRefExists
	}
	if _, exists := s.byID[record.ID]; exists {
		return store.ErrDuplicate
	}

	clone := *record
	s.byID[record.ID] = &clone
	s.bySource[record.SourceRef] = record.ID
	return nil
}

// GetByID implements store.ResourceStore.
func (s *ResourceStore) GetByID(_ context.Context, id uuid.UUID) (*domain.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[id]
	if !ok {
		return nil, store.ErrResourceNotFound
	}
	clone := *record
	return &clone, nil
}

// GetBySourceRef implements store.ResourceStore.
func (s *ResourceStore) GetBySourceRef(_ context.Context, sourceRef string) (*domain.ResourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySource[sourceRef]
	if !ok {
		return nil, store.ErrResourceNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

// Claim implements store.ResourceStore.
func (s *ResourceStore) Claim(_ context.Context, id uuid.UUID, expected ...domain.ResourceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[id]
	if !ok {
		return false, store.ErrResourceNotFound
	}
	for _, status := range expected {
		if record.Status == status {
			record.Status = domain.ResourceStatusProvisioning
			record.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

// MarkMaterialized implements store.ResourceStore.
func (s *ResourceStore) MarkMaterialized(_ context.Context, id uuid.UUID, destinationPath string) (bool, error) {
	return s.update(id, domain.ResourceStatusProvisioning, func(record *domain.ResourceRecord) {
		record.Status = domain.ResourceStatusMaterialized
		record.DestinationPath = destinationPath
		record.ErrorMessage = ""
	})
}

// MarkRetrying implements store.ResourceStore.
func (s *ResourceStore) MarkRetrying(_ context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	return s.update(id, domain.ResourceStatusProvisioning, func(record *domain.ResourceRecord) {
		record.RetryCount++
		record.ErrorMessage = errorMessage
		record.LastRetryAt = &now
	})
}

// MarkFailed implements store.ResourceStore.
func (s *ResourceStore) MarkFailed(_ context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	return s.update(id, domain.ResourceStatusProvisioning, func(record *domain.ResourceRecord) {
		record.Status = domain.ResourceStatusFailed
		record.ErrorMessage = errorMessage
	})
}

// ResetForRetry implements store.ResourceStore.
func (s *ResourceStore) ResetForRetry(_ context.Context, id uuid.UUID) (bool, error) {
	return s.update(id, domain.ResourceStatusFailed, func(record *domain.ResourceRecord) {
		record.Status = domain.ResourceStatusProvisioning
		record.RetryCount = 0
		record.ErrorMessage = ""
	})
}

// ResetStranded implements store.ResourceStore.
func (s *ResourceStore) ResetStranded(_ context.Context, exclude []uuid.UUID) ([]*domain.ResourceRecord, error) {
	excluded := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stranded []*domain.ResourceRecord
	for _, record := range s.byID {
		if record.Status != domain.ResourceStatusProvisioning {
			continue
		}
		if _, ok := excluded[record.ID]; ok {
			continue
		}
		record.Status = domain.ResourceStatusVirtual
		record.UpdatedAt = time.Now().UTC()
		clone := *record
		stranded = append(stranded, &clone)
	}
	return stranded, nil
}

// CountByStatus implements store.ResourceStore.
func (s *ResourceStore) CountByStatus(_ context.Context) (map[domain.ResourceStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.ResourceStatus]int)
	for _, record := range s.byID {
		counts[record.Status]++
	}
	return counts, nil
}

// WithTx implements store.ResourceStore. The in-memory store has no
// transactions; it returns itself.
func (s *ResourceStore) WithTx(_ *sql.Tx) store.ResourceStore {
	return s
}

func (s *ResourceStore) update(id uuid.UUID, expected domain.ResourceStatus, apply func(*domain.ResourceRecord)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[id]
	if !ok {
		return false, store.ErrResourceNotFound
	}
	if record.Status != expected {
		return false, nil
	}
	apply(record)
	record.UpdatedAt = time.Now().UTC()
	return true, nil
}
