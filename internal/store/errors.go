package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store. This is the generic version of the entity-specific not found
	// errors (e.g., ErrResourceNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., a resource with the same source ref).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrResourceNotFound indicates that the requested resource record does
	// not exist in the store.
	ErrResourceNotFound = fmt.Errorf("%w: resource", ErrNotFound)

	// ErrSourceRefExists indicates that a resource with the given source ref
	// already exists.
	ErrSourceRefExists = fmt.Errorf("%w: source ref", ErrDuplicate)

	// ErrDeadTaskNotFound indicates that no dead-letter entry exists for the
	// requested record.
	ErrDeadTaskNotFound = fmt.Errorf("%w: dead-letter task", ErrNotFound)

	// ErrQueueClosed is returned when enqueueing to or dequeueing from a
	// closed task queue.
	ErrQueueClosed = errors.New("task queue is closed")
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
