// Package upstream talks to the external file-sharing service: resolving
// share links to file listings and saving listings into the account's
// storage. All failures are classified into a small taxonomy that drives the
// worker's retry decisions.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Every error returned by the client wraps exactly one of
// these sentinels.
var (
	// ErrAuth means the session credential was refused. Not retryable; the
	// session guard must be invalidated and an operator has to refresh the
	// credential.
	ErrAuth = errors.New("upstream authentication failed")

	// ErrRejected means the upstream refused the request for a reason that
	// will not change on retry (share expired, forbidden, malformed).
	// Terminal for the task; the rejection reason is preserved verbatim.
	ErrRejected = errors.New("upstream rejected request")

	// ErrTransient covers network errors, timeouts and 5xx responses.
	// Retryable at both the inner (client) and outer (queue) tiers.
	ErrTransient = errors.New("transient upstream error")
)

// IsRetryable reports whether the worker may retry the operation that
// produced err. Only transient errors qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classifyTransportError wraps low-level transport failures as ErrTransient.
// Context cancellation is passed through untouched so shutdown is not
// mistaken for an upstream outage.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// authErrorMessage reports whether an upstream API message indicates a
// rejected credential. The service phrases these as guest/login errors.
func authErrorMessage(message string) bool {
	text := strings.ToLower(message)
	return strings.Contains(text, "require login") || strings.Contains(text, "guest")
}
