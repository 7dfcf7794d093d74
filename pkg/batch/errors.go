package batch

import "errors"

var (
	// ErrNotFound indicates the batch id has no record.
	ErrNotFound = errors.New("batch operation not found")

	// ErrInvalidState indicates a lifecycle operation was attempted from a
	// state that does not permit it (e.g. resuming a batch that is not
	// paused). Precondition violation, not retryable.
	ErrInvalidState = errors.New("operation not valid in current batch state")

	// ErrNoFailedTargets indicates retry-failed was requested on a batch
	// with nothing to retry.
	ErrNoFailedTargets = errors.New("batch has no failed targets")
)
