package batch

import "context"

// Store persists batch operation records.
//
// The orchestrator is the only writer while a batch runs; stores just need to
// make reads reflect the latest completed write. Implementations live in
// pkg/store/batch and must return records the caller is free to mutate
// (i.e. clones, never shared pointers).
type Store interface {
	// Create persists a new operation. Fails if the id already exists.
	Create(ctx context.Context, op *Operation) error

	// Get returns the operation by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Operation, error)

	// Update overwrites an existing operation, or ErrNotFound.
	Update(ctx context.Context, op *Operation) error

	// List returns all operations, newest first.
	List(ctx context.Context) ([]*Operation, error)

	// Delete removes an operation record, or ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}
