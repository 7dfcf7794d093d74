// Package mount owns every image mount on the host.
//
// The mount manager is the single authority mapping mount directories to the
// image they expose. It enforces single-writer-per-image through the lease
// registry, guarantees no phantom session records (a session is recorded only
// after the native mount succeeds), and reconciles its in-memory table against
// the native stack's own mount list to find orphans left behind by crashed
// processes or failed unmounts.
//
// Retry policy deliberately does not live here: a failed native mount or
// unmount is reported to the caller once. Whether the target should be retried
// is the batch orchestrator's decision.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/offsvc/wimforge/internal/logger"
	"github.com/offsvc/wimforge/internal/ratelimiter"
	"github.com/offsvc/wimforge/pkg/imaging"
	"github.com/offsvc/wimforge/pkg/lease"
)

var (
	// ErrAlreadyMounted is returned when a live session already exists for the
	// requested image index or mount directory.
	ErrAlreadyMounted = errors.New("image or mount directory is already mounted")

	// ErrNotMounted is returned when an unmount targets a directory with no
	// live session. Unmount is callable exactly once per session; a second
	// call sees this error.
	ErrNotMounted = errors.New("no mounted session for directory")
)

// State tracks a session through its lifecycle.
type State int

const (
	StateMounting State = iota
	StateMounted
	StateUnmounting
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateMounting:
		return "Mounting"
	case StateMounted:
		return "Mounted"
	case StateUnmounting:
		return "Unmounting"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// Session is one live image mount owned by the manager.
type Session struct {
	MountPath  string
	ImagePath  string
	ImageIndex int
	ReadOnly   bool
	State      State
	MountedAt  time.Time

	lease *lease.Lease
}

// Config tunes the mount manager.
type Config struct {
	// AcquireTimeout bounds the wait for a contended image lease before
	// surfacing lease.ErrBusy (default 30s).
	AcquireTimeout time.Duration

	// MountsPerSecond throttles native mount attempts so a large batch does
	// not storm the native stack (0 = unlimited).
	MountsPerSecond uint

	// MountBurst is the throttle burst capacity.
	MountBurst uint
}

// Manager tracks mount sessions and their exclusive image leases.
//
// Thread safety: all methods are safe for concurrent use.
type Manager struct {
	servicer       imaging.Servicer
	leases         *lease.Registry
	limiter        *ratelimiter.RateLimiter
	acquireTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // key: mountKey
	byImage  map[string]string   // key: imageKey, value: mount path
}

// NewManager creates a mount manager over the given native servicer and
// lease registry.
func NewManager(servicer imaging.Servicer, leases *lease.Registry, cfg Config) *Manager {
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	burst := cfg.MountBurst
	if burst == 0 {
		burst = cfg.MountsPerSecond
	}
	return &Manager{
		servicer:       servicer,
		leases:         leases,
		limiter:        ratelimiter.New(cfg.MountsPerSecond, burst),
		acquireTimeout: cfg.AcquireTimeout,
		sessions:       make(map[string]*Session),
		byImage:        make(map[string]string),
	}
}

// imageKey identifies one image index for lease purposes. Paths are
// case-folded because the native stack treats them case-insensitively.
func imageKey(imagePath string, index int) string {
	return strings.ToLower(imagePath) + ":" + strconv.Itoa(index)
}

// mountKey folds a mount directory the same way, so C:\Mnt\a and c:\mnt\a
// cannot both pass the duplicate-directory check.
func mountKey(mountPath string) string {
	return strings.ToLower(mountPath)
}

// Mount mounts image index `index` of imagePath under mountPath.
//
// Fails with ErrAlreadyMounted if a live session exists for the image index
// or for the mount directory, and with lease.ErrBusy if another holder keeps
// the image lease beyond the acquire timeout. The session is recorded only
// after the native mount call succeeds; a native failure leaves no session
// behind and releases the lease.
func (m *Manager) Mount(ctx context.Context, imagePath string, index int, mountPath string, readOnly bool) (*Session, error) {
	if index < 1 {
		return nil, fmt.Errorf("image index must be >= 1, got %d", index)
	}

	key := imageKey(imagePath, index)
	mk := mountKey(mountPath)

	// Reserve both identities before the slow native call so a concurrent
	// request for the same image or directory fails fast instead of racing.
	s := &Session{
		MountPath:  mountPath,
		ImagePath:  imagePath,
		ImageIndex: index,
		ReadOnly:   readOnly,
		State:      StateMounting,
	}

	m.mu.Lock()
	if _, exists := m.sessions[mk]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: mount directory %s", ErrAlreadyMounted, mountPath)
	}
	if other, exists := m.byImage[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s index %d (mounted at %s)", ErrAlreadyMounted, imagePath, index, other)
	}
	m.sessions[mk] = s
	m.byImage[key] = mountPath
	m.mu.Unlock()

	unreserve := func() {
		m.mu.Lock()
		delete(m.sessions, mk)
		delete(m.byImage, key)
		m.mu.Unlock()
	}

	l, err := m.leases.Acquire(ctx, key, mountPath, m.acquireTimeout)
	if err != nil {
		unreserve()
		return nil, fmt.Errorf("failed to lease image %s index %d: %w", imagePath, index, err)
	}
	s.lease = l

	if err := os.MkdirAll(mountPath, 0755); err != nil {
		m.leases.Release(l)
		unreserve()
		return nil, fmt.Errorf("failed to create mount directory: %w", err)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		m.leases.Release(l)
		unreserve()
		return nil, err
	}

	logger.Info("Mounting %s index %d at %s (readOnly=%v)", imagePath, index, mountPath, readOnly)
	if err := m.servicer.Mount(ctx, imagePath, index, mountPath, readOnly); err != nil {
		m.leases.Release(l)
		unreserve()
		return nil, err
	}

	m.mu.Lock()
	s.State = StateMounted
	s.MountedAt = time.Now()
	snap := m.snapshotLocked(s)
	m.mu.Unlock()

	logger.Info("Mounted %s index %d at %s", imagePath, index, mountPath)
	return snap, nil
}

// Unmount releases the session at mountPath, committing or discarding
// changes.
//
// The session record is removed and its lease released regardless of the
// native call's outcome. On native failure the mount is left for the native
// stack's own table to report — it shows up in ListOrphaned — and the error
// is returned to the caller.
func (m *Manager) Unmount(ctx context.Context, mountPath string, commit bool) error {
	mk := mountKey(mountPath)

	m.mu.Lock()
	s, ok := m.sessions[mk]
	if !ok || s.State != StateMounted {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMounted, mountPath)
	}
	s.State = StateUnmounting
	m.mu.Unlock()

	logger.Info("Unmounting %s (commit=%v)", mountPath, commit)
	nativeErr := m.servicer.Unmount(ctx, mountPath, commit)

	m.mu.Lock()
	delete(m.sessions, mk)
	delete(m.byImage, imageKey(s.ImagePath, s.ImageIndex))
	s.State = StateReleased
	m.mu.Unlock()
	m.leases.Release(s.lease)

	if nativeErr != nil {
		logger.Error("Native unmount of %s failed, mount is orphaned: %v", mountPath, nativeErr)
		return nativeErr
	}

	logger.Info("Unmounted %s", mountPath)
	return nil
}

// Sessions returns a snapshot of all live mounted sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State == StateMounted {
			out = append(out, m.snapshotLocked(s))
		}
	}
	return out
}

// snapshotLocked copies a session without its lease so callers cannot
// release it out from under the manager.
func (m *Manager) snapshotLocked(s *Session) *Session {
	c := *s
	c.lease = nil
	return &c
}

// ListOrphaned reconciles the in-memory session table against the native
// stack's authoritative mount list. Every native-reported mount with no live
// session here is orphaned: it belongs to a crashed process or a failed
// unmount and is eligible for forced discard via Cleanup.
func (m *Manager) ListOrphaned(ctx context.Context) ([]imaging.MountedImage, error) {
	mounted, err := m.servicer.ListMounted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list native mounts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var orphans []imaging.MountedImage
	for _, mi := range mounted {
		s, ok := m.sessions[mountKey(mi.MountPath)]
		if ok && (s.State == StateMounted || s.State == StateMounting || s.State == StateUnmounting) {
			continue
		}
		orphans = append(orphans, mi)
	}
	return orphans, nil
}

// Cleanup force-discards every orphaned mount and returns the count actually
// reclaimed. Orphans are always discarded, never committed: an unowned mount
// has no one to vouch for its contents. A failure to reclaim one orphan does
// not abort reclamation of the others.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	orphans, err := m.ListOrphaned(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, o := range orphans {
		logger.Warn("Reclaiming orphaned mount %s (image %s index %d, status %q)",
			o.MountPath, o.ImagePath, o.ImageIndex, o.Status)

		if err := m.servicer.Unmount(ctx, o.MountPath, false); err != nil {
			logger.Error("Failed to reclaim orphaned mount %s: %v", o.MountPath, err)
			continue
		}

		m.leases.ForceReclaim(imageKey(o.ImagePath, o.ImageIndex))
		reclaimed++
	}

	if reclaimed > 0 {
		logger.Info("Reclaimed %d orphaned mount(s)", reclaimed)
	}
	return reclaimed, nil
}
