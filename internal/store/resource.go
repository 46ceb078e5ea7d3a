package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/quarkmedia/provisiond/internal/domain"
)

// ResourceStore defines the interface for resource record persistence.
//
// Every status-changing method is an atomic conditional update: the write
// succeeds only when the record is currently in the status the caller
// expects. This is what serializes worker access to a record — a
// read-then-write status check would race when duplicate tasks for the same
// record are dequeued concurrently.
type ResourceStore interface {
	// Create saves a new resource record to the store.
	// Returns ErrSourceRefExists if a record with the same source ref exists.
	Create(ctx context.Context, record *domain.ResourceRecord) error

	// GetByID retrieves a record by its unique ID.
	// Returns ErrResourceNotFound if the record does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ResourceRecord, error)

	// GetBySourceRef retrieves the record registered for the given external
	// share reference. Returns ErrResourceNotFound if none exists.
	GetBySourceRef(ctx context.Context, sourceRef string) (*domain.ResourceRecord, error)

	// Claim atomically moves a record into PROVISIONING, but only when its
	// current status is one of the expected ones. Returns true when this
	// caller won the claim; false (and no error) when the record was already
	// claimed or is in an incompatible state. A false return is not a
	// failure — the duplicate task is simply dropped.
	Claim(ctx context.Context, id uuid.UUID, expected ...domain.ResourceStatus) (bool, error)

	// MarkMaterialized records terminal success: sets the destination path,
	// clears the error message, and moves PROVISIONING -> MATERIALIZED.
	// A record no longer in PROVISIONING is left untouched and false is
	// returned (defensive check on every status write).
	MarkMaterialized(ctx context.Context, id uuid.UUID, destinationPath string) (bool, error)

	// MarkRetrying records a retryable failure with attempts remaining:
	// increments retryCount, stamps lastRetryAt, stores the error message,
	// and keeps the record in PROVISIONING (the state-machine self-loop).
	MarkRetrying(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)

	// MarkFailed records terminal failure with a non-empty error message,
	// moving PROVISIONING -> FAILED.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)

	// ResetForRetry is the administrative replay path: FAILED -> PROVISIONING
	// with retryCount reset to 0 and the error message cleared.
	ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error)

	// ResetStranded moves records stuck in PROVISIONING back to VIRTUAL and
	// returns them so the caller can re-enqueue their tasks. Used at startup
	// so a crash between dequeue and final write never strands a record.
	// Records in the exclude list are left claimed: they still have a
	// queued task, and resetting them would produce a second task for the
	// same record.
	ResetStranded(ctx context.Context, exclude []uuid.UUID) ([]*domain.ResourceRecord, error)

	// CountByStatus returns the number of records in each status.
	CountByStatus(ctx context.Context) (map[domain.ResourceStatus]int, error)

	// WithTx returns a new ResourceStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) ResourceStore
}
