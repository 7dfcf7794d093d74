// Package lease provides exclusive ownership tracking for servicing resources.
//
// Mounted images and loaded registry hives can only be held by one owner at a
// time process-wide: the native servicing stack rejects a second mount of the
// same image index and a second load of the same hive file. The lease registry
// is the single authority deciding who currently holds such a resource.
//
// Callers acquire a lease before touching the resource and release it after,
// on every exit path. Acquisition waits up to a caller-supplied timeout and
// then fails with ErrBusy rather than blocking indefinitely, because native
// mount and hive operations can wedge for minutes.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when a resource is already leased and the acquisition
// timeout expired before the current holder released it.
var ErrBusy = errors.New("resource is busy")

// pollInterval is how often Acquire re-checks a contended key.
const pollInterval = 50 * time.Millisecond

// Lease represents exclusive ownership of one resource.
//
// A lease is valid from the Acquire call that created it until it is released
// or force-reclaimed. Holding a Lease value after release is harmless: Release
// is idempotent and a stale lease no longer matches the registry entry.
type Lease struct {
	// ID uniquely identifies this grant. A key can be leased, released, and
	// leased again; the ID distinguishes the two grants so that a stale
	// release cannot revoke the new holder.
	ID string

	// Key identifies the leased resource (e.g. "C:\images\install.wim:1").
	Key string

	// HolderID identifies the owner, for diagnostics and orphan attribution.
	HolderID string

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time
}

// Registry tracks at most one live lease per resource key.
//
// Thread safety: all methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// NewRegistry creates an empty lease registry.
func NewRegistry() *Registry {
	return &Registry{
		leases: make(map[string]*Lease),
	}
}

// Acquire grants an exclusive lease on key to holderID.
//
// If the key is free the lease is granted immediately. If it is held, Acquire
// polls until the holder releases it or the timeout expires, whichever comes
// first, then fails with ErrBusy. A zero timeout means a single attempt with
// no waiting.
//
// The context bounds the wait as well; cancellation returns the context error.
func (r *Registry) Acquire(ctx context.Context, key, holderID string, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)

	for {
		if l, ok := r.tryAcquire(key, holderID); ok {
			return l, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrBusy
		}

		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire attempts a single non-blocking acquisition.
func (r *Registry) tryAcquire(key, holderID string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.leases[key]; held {
		return nil, false
	}

	l := &Lease{
		ID:         uuid.NewString(),
		Key:        key,
		HolderID:   holderID,
		AcquiredAt: time.Now(),
	}
	r.leases[key] = l
	return l, true
}

// Release revokes a lease.
//
// Release is idempotent: releasing a lease that was already released, or one
// that was force-reclaimed and re-granted to another holder, is a no-op. This
// matters because cleanup paths race with normal release and must never fail
// on the second call.
func (r *Registry) Release(l *Lease) {
	if l == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.leases[l.Key]
	if !ok || current.ID != l.ID {
		return
	}
	delete(r.leases, l.Key)
}

// ForceReclaim revokes whatever lease currently holds key, regardless of
// holder. Administrative; used only by orphan cleanup. Returns true if a
// lease was actually revoked.
func (r *Registry) ForceReclaim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.leases[key]; !ok {
		return false
	}
	delete(r.leases, key)
	return true
}

// Holder returns the holder ID of the live lease on key, if any.
func (r *Registry) Holder(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[key]
	if !ok {
		return "", false
	}
	return l.HolderID, true
}

// Len returns the number of live leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}
