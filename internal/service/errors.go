package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for provisioning operations.
var (
	// ErrEmptySourceRef indicates a provision request without a share
	// reference or record ID.
	ErrEmptySourceRef = errors.New("source reference is required")

	// ErrNotReplayable indicates an administrative retry on a record that is
	// not in a failed state.
	ErrNotReplayable = errors.New("record is not in a replayable state")
)

// ProvisionServiceError is a custom error type for provisioning service
// errors, carrying the failed operation for logging and error mapping.
type ProvisionServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for ProvisionServiceError.
func (e *ProvisionServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("provision service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ProvisionServiceError) Unwrap() error {
	return e.Err
}

// NewProvisionServiceError creates a new ProvisionServiceError.
func NewProvisionServiceError(operation, message string, err error) *ProvisionServiceError {
	return &ProvisionServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
