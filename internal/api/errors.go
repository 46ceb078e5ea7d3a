package api

import (
	"errors"
	"net/http"

	"github.com/quarkmedia/provisiond/internal/domain"
	"github.com/quarkmedia/provisiond/internal/service"
	"github.com/quarkmedia/provisiond/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error types
// or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors (ErrResourceNotFound, ErrDeadTaskNotFound)
	case store.IsNotFoundError(err):
		return http.StatusNotFound

	// Conflict errors (ErrSourceRefExists and friends)
	case store.IsDuplicateError(err),
		errors.Is(err, service.ErrNotReplayable):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, service.ErrEmptySourceRef),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrResourceNotFound):
		return "Resource not found"

	case errors.Is(err, store.ErrDeadTaskNotFound):
		return "No dead-letter task for this record"

	case errors.Is(err, store.ErrSourceRefExists):
		return "Share is already registered"

	case errors.Is(err, service.ErrNotReplayable):
		return "Record is not in a replayable state"

	case errors.Is(err, service.ErrEmptySourceRef):
		return "A share reference or record ID is required"

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"

	default:
		return "An unexpected error occurred"
	}
}
