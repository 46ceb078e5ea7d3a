package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/store"
)

// ResourceStore implements the store.ResourceStore interface using a
// PostgreSQL database as the storage backend.
type ResourceStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewResourceStore creates a new PostgreSQL implementation of the
// ResourceStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller. If logger is nil, a
// default logger will be used.
func NewResourceStore(db store.DBTX, logger *slog.Logger) *ResourceStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ResourceStore{
		db:     db,
		logger: logger.With(slog.String("component", "resource_store")),
	}
}

// Ensure ResourceStore implements store.ResourceStore interface
var _ store.ResourceStore = (*ResourceStore)(nil)

const resourceColumns = `id, source_ref, title, destination_path, status,
	retry_count, error_message, last_retry_at, created_at, updated_at`

// Create implements store.ResourceStore.Create
func (s *ResourceStore) Create(ctx context.Context, record *domain.ResourceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO resources
			(id, source_ref, title, destination_path, status,
			 retry_count, error_message, last_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.SourceRef,
		record.Title,
		record.DestinationPath,
		string(record.Status),
		record.RetryCount,
		record.ErrorMessage,
		record.LastRetryAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrSourceRefExists, err)
		}
		return MapError(err)
	}

	s.logger.DebugContext(ctx, "resource record created",
		slog.String("record_id", record.ID.String()))
	return nil
}

// GetByID implements store.ResourceStore.GetByID
func (s *ResourceStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ResourceRecord, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetBySourceRef implements store.ResourceStore.GetBySourceRef
func (s *ResourceStore) GetBySourceRef(ctx context.Context, sourceRef string) (*domain.ResourceRecord, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE source_ref = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, sourceRef))
}

// Claim implements store.ResourceStore.Claim. The claim is a single
// conditional UPDATE: it succeeds for exactly one caller no matter how many
// race on it.
func (s *ResourceStore) Claim(ctx context.Context, id uuid.UUID, expected ...domain.ResourceStatus) (bool, error) {
	if len(expected) == 0 {
		expected = []domain.ResourceStatus{domain.ResourceStatusVirtual}
	}

	placeholders := make([]string, len(expected))
	args := make([]any, 0, len(expected)+1)
	args = append(args, id)
	for i, status := range expected {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(status))
	}

	query := fmt.Sprintf(`
		UPDATE resources
		SET status = '%s', updated_at = NOW()
		WHERE id = $1 AND status IN (%s)`,
		domain.ResourceStatusProvisioning, strings.Join(placeholders, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, MapError(err)
	}
	if affected == 0 {
		// Distinguish "already claimed" from "no such record".
		if _, err := s.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// MarkMaterialized implements store.ResourceStore.MarkMaterialized
func (s *ResourceStore) MarkMaterialized(ctx context.Context, id uuid.UUID, destinationPath string) (bool, error) {
	query := `
		UPDATE resources
		SET status = $2, destination_path = $3, error_message = '', updated_at = NOW()
		WHERE id = $1 AND status = $4`
	return s.conditionalUpdate(ctx, query,
		id, string(domain.ResourceStatusMaterialized), destinationPath,
		string(domain.ResourceStatusProvisioning))
}

// MarkRetrying implements store.ResourceStore.MarkRetrying
func (s *ResourceStore) MarkRetrying(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	query := `
		UPDATE resources
		SET retry_count = retry_count + 1, error_message = $2,
		    last_retry_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`
	return s.conditionalUpdate(ctx, query,
		id, errorMessage, string(domain.ResourceStatusProvisioning))
}

// MarkFailed implements store.ResourceStore.MarkFailed
func (s *ResourceStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	query := `
		UPDATE resources
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	return s.conditionalUpdate(ctx, query,
		id, string(domain.ResourceStatusFailed), errorMessage,
		string(domain.ResourceStatusProvisioning))
}

// ResetForRetry implements store.ResourceStore.ResetForRetry
func (s *ResourceStore) ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE resources
		SET status = $2, retry_count = 0, error_message = '', updated_at = NOW()
		WHERE id = $1 AND status = $3`
	return s.conditionalUpdate(ctx, query,
		id, string(domain.ResourceStatusProvisioning),
		string(domain.ResourceStatusFailed))
}

// ResetStranded implements store.ResourceStore.ResetStranded
func (s *ResourceStore) ResetStranded(ctx context.Context, exclude []uuid.UUID) ([]*domain.ResourceRecord, error) {
	args := []any{
		string(domain.ResourceStatusVirtual),
		string(domain.ResourceStatusProvisioning),
	}
	query := `
		UPDATE resources
		SET status = $1, updated_at = NOW()
		WHERE status = $2`
	if len(exclude) > 0 {
		placeholders := make([]string, len(exclude))
		for i, id := range exclude {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND id NOT IN (%s)", strings.Join(placeholders, ", "))
	}
	query += "\n\t\tRETURNING " + resourceColumns

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var stranded []*domain.ResourceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		stranded = append(stranded, record)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	if len(stranded) > 0 {
		s.logger.InfoContext(ctx, "reset stranded resource records",
			slog.Int("count", len(stranded)))
	}
	return stranded, nil
}

// CountByStatus implements store.ResourceStore.CountByStatus
func (s *ResourceStore) CountByStatus(ctx context.Context) (map[domain.ResourceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM resources GROUP BY status`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.ResourceStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, MapError(err)
		}
		counts[domain.ResourceStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return counts, nil
}

// WithTx implements store.ResourceStore.WithTx
func (s *ResourceStore) WithTx(tx *sql.Tx) store.ResourceStore {
	return &ResourceStore{
		db:     tx,
		logger: s.logger,
	}
}

func (s *ResourceStore) conditionalUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, MapError(err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *ResourceStore) scanOne(row rowScanner) (*domain.ResourceRecord, error) {
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrResourceNotFound
		}
		return nil, err
	}
	return record, nil
}

func scanRecord(row rowScanner) (*domain.ResourceRecord, error) {
	var record domain.ResourceRecord
	var status string
	var lastRetryAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.SourceRef,
		&record.Title,
		&record.DestinationPath,
		&status,
		&record.RetryCount,
		&record.ErrorMessage,
		&lastRetryAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, MapError(err)
	}

	record.Status = domain.ResourceStatus(status)
	if lastRetryAt.Valid {
		record.LastRetryAt = &lastRetryAt.Time
	}
	return &record, nil
}
