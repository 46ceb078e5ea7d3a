package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceStatus represents the provisioning lifecycle state of a resource.
type ResourceStatus string

// Possible resource status values
const (
	// ResourceStatusVirtual means the share link is known but nothing has
	// been materialized into managed storage yet.
	ResourceStatusVirtual ResourceStatus = "VIRTUAL"

	// ResourceStatusProvisioning means a worker has claimed the record and
	// a transfer is in flight (or pending a retry).
	ResourceStatusProvisioning ResourceStatus = "PROVISIONING"

	// ResourceStatusMaterialized is the terminal success state: the file is
	// locally consumable at DestinationPath.
	ResourceStatusMaterialized ResourceStatus = "MATERIALIZED"

	// ResourceStatusFailed is reached on a non-retryable failure or after
	// the retry budget is exhausted. An administrative retry can move the
	// record back to PROVISIONING.
	ResourceStatusFailed ResourceStatus = "FAILED"
)

// Common validation errors for ResourceRecord. All wrap ErrValidation so
// callers can classify them without matching each sentinel.
var (
	ErrEmptyResourceID       = fmt.Errorf("%w: resource ID cannot be empty", ErrValidation)
	ErrEmptySourceRef        = fmt.Errorf("%w: resource source ref cannot be empty", ErrValidation)
	ErrInvalidResourceStatus = fmt.Errorf("%w: invalid resource status", ErrValidation)
	ErrNegativeRetryCount    = fmt.Errorf("%w: retry count cannot be negative", ErrValidation)
)

// ResourceRecord is the durable record for one piece of media's provisioning
// lifecycle. It is the single source of truth for status: only the provision
// service and the workers mutate it, and every status write is conditioned on
// the status the writer expects to find.
type ResourceRecord struct {
	ID              uuid.UUID      `json:"id"`
	SourceRef       string         `json:"source_ref"`
	Title           string         `json:"title"`
	DestinationPath string         `json:"destination_path,omitempty"`
	Status          ResourceStatus `json:"status"`
	RetryCount      int            `json:"retry_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	LastRetryAt     *time.Time     `json:"last_retry_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewResource creates a new ResourceRecord in the VIRTUAL state for the given
// external share reference. Returns an error if validation fails.
func NewResource(sourceRef, title string) (*ResourceRecord, error) {
	now := time.Now().UTC()
	record := &ResourceRecord{
		ID:        uuid.New(),
		SourceRef: sourceRef,
		Title:     title,
		Status:    ResourceStatusVirtual,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := record.Validate(); err != nil {
		return nil, err
	}

	return record, nil
}

// Validate checks if the ResourceRecord has valid data.
func (r *ResourceRecord) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyResourceID
	}

	if r.SourceRef == "" {
		return ErrEmptySourceRef
	}

	if !IsValidResourceStatus(r.Status) {
		return ErrInvalidResourceStatus
	}

	if r.RetryCount < 0 {
		return ErrNegativeRetryCount
	}

	return nil
}

// IsTerminal reports whether the record has reached a state from which no
// worker-driven transition is possible. FAILED is terminal for workers but
// can still be replayed by an operator.
func (r *ResourceRecord) IsTerminal() bool {
	return r.Status == ResourceStatusMaterialized || r.Status == ResourceStatusFailed
}

// CanTransition reports whether moving from one status to another is legal
// under the resource state machine. The PROVISIONING self-loop (a retryable
// failure with attempts remaining) is legal; everything not listed is not.
func CanTransition(from, to ResourceStatus) bool {
	switch from {
	case ResourceStatusVirtual:
		return to == ResourceStatusProvisioning
	case ResourceStatusProvisioning:
		return to == ResourceStatusProvisioning ||
			to == ResourceStatusMaterialized ||
			to == ResourceStatusFailed
	case ResourceStatusFailed:
		// Administrative replay only.
		return to == ResourceStatusProvisioning
	default:
		return false
	}
}

// IsValidResourceStatus checks if the given status is a valid ResourceStatus.
func IsValidResourceStatus(status ResourceStatus) bool {
	switch status {
	case ResourceStatusVirtual, ResourceStatusProvisioning,
		ResourceStatusMaterialized, ResourceStatusFailed:
		return true
	default:
		return false
	}
}
