// Package imaging defines the boundary to the native Windows imaging stack.
//
// Everything that actually touches a WIM/ESD container — mounting an image
// index to a directory, committing or discarding changes, adding packages and
// features to a mounted tree — goes through the Servicer interface. The rest
// of the system treats those calls as fallible, synchronous, and possibly
// slow, and never assumes they can be interrupted mid-flight.
//
// The production implementation shells out to dism.exe (see dism.go). Tests
// substitute in-memory fakes.
package imaging

import (
	"context"
	"fmt"
)

// MountedImage describes one entry from the native stack's own mount table.
// That table is the ground truth for reconciliation: a mount it reports that
// no live session owns is an orphan.
type MountedImage struct {
	ImagePath  string
	ImageIndex int
	MountPath  string
	ReadOnly   bool

	// Status is the native stack's own health word for the mount
	// (e.g. "Ok", "Needs Remount", "Invalid").
	Status string
}

// Servicer is the native imaging primitive.
//
// All methods are synchronous; a mount of a large ESD can take minutes.
// Implementations must be safe for concurrent use, but callers are expected
// to hold the appropriate lease before invoking Mount/Unmount, since the
// native stack rejects concurrent access to the same image anyway.
type Servicer interface {
	// Mount makes image index `index` of the container at imagePath available
	// under mountPath for editing (or inspection, if readOnly).
	Mount(ctx context.Context, imagePath string, index int, mountPath string, readOnly bool) error

	// Unmount releases the mount at mountPath. If commit is true, changes are
	// written back into the container; otherwise they are discarded.
	Unmount(ctx context.Context, mountPath string, commit bool) error

	// ListMounted returns the native stack's authoritative list of currently
	// mounted images on this host.
	ListMounted(ctx context.Context) ([]MountedImage, error)

	// OpenSession opens a servicing session against a mounted image for
	// package/feature/capability operations.
	OpenSession(ctx context.Context, mountPath string) (Session, error)
}

// Session is an open servicing session against one mounted image.
//
// Sessions are not safe for concurrent use; one worker owns a session for
// its lifetime. Close must be called on every exit path.
type Session interface {
	AddPackage(ctx context.Context, packagePath string) error
	RemovePackage(ctx context.Context, packageName string) error
	EnableFeature(ctx context.Context, featureName string) error
	DisableFeature(ctx context.Context, featureName string) error
	AddCapability(ctx context.Context, capabilityName string) error
	RemoveCapability(ctx context.Context, capabilityName string) error
	Close() error
}

// NativeCallError wraps a failure from the native imaging stack.
//
// Retryability of a native failure is a policy decision: the mount manager
// and workers surface the error as-is and leave retry to the batch
// orchestrator's retry-failed operation.
type NativeCallError struct {
	// Op is the native operation that failed (e.g. "mount", "add-package").
	Op string

	// Target is the path the operation was applied to.
	Target string

	// ExitCode is the native tool's exit code, if the process ran at all.
	ExitCode int

	// Output is trailing tool output, kept for operator diagnostics.
	Output string

	// Err is the underlying execution error.
	Err error
}

func (e *NativeCallError) Error() string {
	msg := fmt.Sprintf("native %s failed for %q", e.Op, e.Target)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *NativeCallError) Unwrap() error {
	return e.Err
}
