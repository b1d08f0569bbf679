package document

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrLockTimeout is returned when a lock on a document could not be
	// acquired within the configured wait.
	ErrLockTimeout = errors.New("lock wait timed out")
	// ErrMalformedInput is returned when a document body is not valid JSON.
	ErrMalformedInput = errors.New("malformed document body")
	// ErrBackendUnavailable is returned when the backend cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrContention marks a ConflictError inferred from a serialization
	// failure, a deadlock or a uniqueness race rather than from a version
	// mismatch. The whole transaction should be retried.
	ErrContention = errors.New("concurrent transaction conflict")
	// ErrCounterExhausted is returned when a counter version cannot be
	// incremented any further.
	ErrCounterExhausted = errors.New("version counter exhausted")
)

// ConflictError is returned when a document was modified since the caller
// read it.
type ConflictError struct {
	// ID is the conflicting document.
	ID uuid.UUID
	// Version is the version the caller supplied, not the stored one.
	Version Version
	// Err is the backend error the conflict was inferred from, if any.
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("document %s has been modified (expected version %q): %v", e.ID, e.Version, e.Err)
	}
	return fmt.Sprintf("document %s has been modified (expected version %q)", e.ID, e.Version)
}

// Unwrap returns the contention cause, so errors.Is(err, ErrContention)
// holds for inferred conflicts.
func (e *ConflictError) Unwrap() []error {
	if e.Err == nil {
		return nil
	}
	return []error{ErrContention, e.Err}
}

// IsConflict reports whether err is, or wraps, a ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
