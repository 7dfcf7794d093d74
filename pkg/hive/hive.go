// Package hive implements the load → mutate → unload cycle around offline
// registry hives.
//
// A hive file inside a mounted image (SOFTWARE, SYSTEM, NTUSER.DAT) is loaded
// under a process-unique temporary key, edited through an Editor, and
// unloaded. The defining hazard is the unload: the native unload call fails
// with an "in use" condition while any handle opened during mutation is still
// held. The protocol therefore forces deterministic release of every tracked
// resource before the first unload attempt, and keeps a bounded retry with a
// short delay as a defense against native-side latency — not as a substitute
// for explicit release.
//
// Every registry-editing feature in the repo goes through Protocol.Apply;
// none implements its own load/unload logic.
package hive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/offsvc/wimforge/internal/logger"
)

// Loader is the native hive primitive.
//
// Load must fail fast on an inaccessible or corrupt hive file — that is not a
// transient condition. Unload is the only operation with known
// transient-failure behavior.
type Loader interface {
	// Load mounts the hive file under HKLM\<mountKey>.
	Load(ctx context.Context, mountKey, hiveFile string) error

	// Unload removes HKLM\<mountKey>. May fail transiently while handles
	// below the key are still open.
	Unload(ctx context.Context, mountKey string) error
}

// StuckError is the fatal outcome of an exhausted unload retry: the hive is
// still loaded under its temporary key. The key name is part of the error so
// an operator or a later cleanup pass can attempt a forced unload — without
// it the leaked hive is unfindable.
type StuckError struct {
	// MountKey is the temporary key the hive is stuck under (relative to HKLM).
	MountKey string

	// HiveFile is the hive that cannot be unloaded.
	HiveFile string

	// Attempts is how many unload attempts were made.
	Attempts int

	// Err is the last unload failure.
	Err error
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("hive %s is stuck loaded under HKLM\\%s after %d unload attempts: %v",
		e.HiveFile, e.MountKey, e.Attempts, e.Err)
}

func (e *StuckError) Unwrap() error {
	return e.Err
}

// Config tunes the unload retry policy. The defaults mirror observed native
// behavior, but they are policy, not a contract from the native API: when the
// bound is exhausted the protocol reports StuckError rather than assuming the
// unload eventually lands.
type Config struct {
	// UnloadAttempts is the total number of unload attempts (default 3).
	UnloadAttempts int

	// UnloadRetryDelay is the pause between attempts (default 300ms).
	UnloadRetryDelay time.Duration
}

// Loaded represents a hive currently mounted under its temporary key.
//
// The mutation function receives a Loaded and must register every resource it
// opens below the key via Track. Apply closes all tracked resources, in
// reverse registration order, before attempting the unload.
type Loaded struct {
	mountKey string

	mu      sync.Mutex
	closers []io.Closer
}

// MountKey returns the temporary key name, relative to HKLM.
func (l *Loaded) MountKey() string {
	return l.mountKey
}

// Root returns the absolute root of the loaded hive ("HKLM\<mountKey>").
// Subkey paths inside the hive are joined below this root.
func (l *Loaded) Root() string {
	return `HKLM\` + l.mountKey
}

// Track registers a resource to be released before unload. Nil closers are
// ignored.
func (l *Loaded) Track(c io.Closer) {
	if c == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, c)
}

// releaseAll closes tracked resources in reverse order. Close failures are
// logged and do not stop the release of the remaining resources.
func (l *Loaded) releaseAll() {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warn("Failed to release hive resource under %s: %v", l.mountKey, err)
		}
	}
}

// MutationFunc edits a loaded hive. It must confine itself to keys below
// l.Root() and register any opened handles with l.Track.
type MutationFunc func(ctx context.Context, l *Loaded) error

// Protocol runs load/mutate/unload cycles with the configured retry policy.
//
// Thread safety: safe for concurrent use; each Apply call uses its own
// temporary key, so concurrent cycles on different hive files do not collide.
type Protocol struct {
	loader   Loader
	attempts int
	delay    time.Duration
}

// NewProtocol creates a Protocol over the given native loader.
func NewProtocol(loader Loader, cfg Config) *Protocol {
	if cfg.UnloadAttempts <= 0 {
		cfg.UnloadAttempts = 3
	}
	if cfg.UnloadRetryDelay <= 0 {
		cfg.UnloadRetryDelay = 300 * time.Millisecond
	}
	return &Protocol{
		loader:   loader,
		attempts: cfg.UnloadAttempts,
		delay:    cfg.UnloadRetryDelay,
	}
}

// Apply runs one full cycle: load hiveFile under a fresh temporary key, run
// mutate against it, release everything mutate tracked, and unload.
//
// A load failure is returned immediately without retry. The unload is always
// attempted, even when mutate failed, because an un-unloaded hive is a leaked
// native resource regardless of mutation outcome. If the unload retry bound
// is exhausted the returned error contains a *StuckError carrying the
// temporary key name; when mutate also failed, both errors are joined.
func (p *Protocol) Apply(ctx context.Context, hiveFile string, mutate MutationFunc) error {
	mountKey := "wimforge-" + uuid.NewString()

	logger.Debug("Loading hive %s under HKLM\\%s", hiveFile, mountKey)
	if err := p.loader.Load(ctx, mountKey, hiveFile); err != nil {
		return fmt.Errorf("failed to load hive %s: %w", hiveFile, err)
	}

	loaded := &Loaded{mountKey: mountKey}
	mutateErr := mutate(ctx, loaded)
	if mutateErr != nil {
		mutateErr = fmt.Errorf("hive mutation failed for %s: %w", hiveFile, mutateErr)
	}

	// Deterministic release before the first unload attempt. The retry below
	// covers native-side latency, not resources we are still holding.
	loaded.releaseAll()

	if stuck := p.unload(ctx, mountKey, hiveFile); stuck != nil {
		logger.Error("%v", stuck)
		if mutateErr != nil {
			return errors.Join(stuck, mutateErr)
		}
		return stuck
	}

	return mutateErr
}

// unload attempts the native unload up to the configured bound, pausing
// between attempts. Returns a *StuckError when the bound is exhausted.
func (p *Protocol) unload(ctx context.Context, mountKey, hiveFile string) error {
	var lastErr error

	for attempt := 1; attempt <= p.attempts; attempt++ {
		lastErr = p.loader.Unload(ctx, mountKey)
		if lastErr == nil {
			if attempt > 1 {
				logger.Debug("Unloaded hive %s on attempt %d", hiveFile, attempt)
			}
			return nil
		}

		if attempt < p.attempts {
			logger.Warn("Unload of HKLM\\%s busy (attempt %d/%d), retrying in %s: %v",
				mountKey, attempt, p.attempts, p.delay, lastErr)
			select {
			case <-ctx.Done():
				// Treat cancellation during backoff like exhaustion: the hive
				// really is still loaded and the caller must know the key.
				return &StuckError{MountKey: mountKey, HiveFile: hiveFile, Attempts: attempt, Err: lastErr}
			case <-time.After(p.delay):
			}
		}
	}

	return &StuckError{MountKey: mountKey, HiveFile: hiveFile, Attempts: p.attempts, Err: lastErr}
}
