package store

import (
	"fmt"

	"github.com/stevemurr/docstore/document"
)

// classify turns a failed batch into the error returned to the caller.
//
// A conflict the backend attributes to a document of the batch names that
// document. Contention the backend cannot attribute (serialization failure,
// deadlock, uniqueness race) names the first document of the batch and
// matches document.ErrContention. Lock timeouts, invalid bodies and
// connectivity failures wrap their sentinel. Everything else is returned
// unchanged.
func classify(batch []Mutation, err error, cond Condition) error {
	if err == nil {
		return nil
	}
	switch cond.Kind {
	case CondConflict:
		for _, m := range batch {
			if m.ID == cond.ID {
				return &document.ConflictError{ID: m.ID, Version: m.Expected}
			}
		}
		return contention(batch, err)
	case CondUniqueViolation, CondSerialization, CondDeadlock:
		return contention(batch, err)
	case CondLockTimeout:
		return fmt.Errorf("%w: %w", document.ErrLockTimeout, err)
	case CondInvalidBody:
		return fmt.Errorf("%w: %w", document.ErrMalformedInput, err)
	case CondUnavailable:
		return fmt.Errorf("%w: %w", document.ErrBackendUnavailable, err)
	default:
		return err
	}
}

func contention(batch []Mutation, err error) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: %w", document.ErrContention, err)
	}
	return &document.ConflictError{ID: batch[0].ID, Version: batch[0].Expected, Err: err}
}
