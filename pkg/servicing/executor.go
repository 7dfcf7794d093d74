// Package servicing executes one batch target end to end: stage the image,
// mount it, apply registry tweaks and package operations, and unmount with
// commit or discard.
//
// The executor is the worker body the batch orchestrator drives. It owns the
// per-target resource discipline: the mount session acquired at the start is
// released on every exit path, the unmount commits only when all work
// succeeded, and cooperative cancellation is honored at the checkpoints
// between native calls, never by interrupting one.
package servicing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/offsvc/wimforge/internal/logger"
	"github.com/offsvc/wimforge/pkg/batch"
	"github.com/offsvc/wimforge/pkg/hive"
	"github.com/offsvc/wimforge/pkg/hive/tweaks"
	"github.com/offsvc/wimforge/pkg/images"
	"github.com/offsvc/wimforge/pkg/imaging"
	"github.com/offsvc/wimforge/pkg/metrics"
	"github.com/offsvc/wimforge/pkg/mount"
)

// Executor implements batch.Executor over the servicing stack.
type Executor struct {
	mounts   *mount.Manager
	servicer imaging.Servicer
	applier  *tweaks.Applier
	source   images.Source
	sm       metrics.ServicingMetrics

	// mountRoot is the directory mount points are created under.
	mountRoot string
}

// NewExecutor wires an executor. sm may be nil (no-op metrics).
func NewExecutor(mounts *mount.Manager, servicer imaging.Servicer, applier *tweaks.Applier, source images.Source, sm metrics.ServicingMetrics, mountRoot string) *Executor {
	if sm == nil {
		sm = metrics.NewNopServicingMetrics()
	}
	return &Executor{
		mounts:    mounts,
		servicer:  servicer,
		applier:   applier,
		source:    source,
		sm:        sm,
		mountRoot: mountRoot,
	}
}

// mountDir derives a collision-free mount point for one target.
func (e *Executor) mountDir(target batch.Target) string {
	base := strings.TrimSuffix(filepath.Base(target.ImagePath), filepath.Ext(target.ImagePath))
	return filepath.Join(e.mountRoot,
		fmt.Sprintf("%s-%d-%s", base, target.ImageIndex, uuid.NewString()[:8]))
}

// Execute services one target. The returned error is recorded verbatim as
// the target's failure message; a context cancellation error marks the
// target Cancelled.
func (e *Executor) Execute(ctx context.Context, spec batch.Spec, target batch.Target, report batch.ProgressFunc) error {
	// Checkpoint before any resource is acquired.
	if err := ctx.Err(); err != nil {
		return err
	}

	report(0, fmt.Sprintf("staging %s", target.ImagePath))
	localPath, err := e.source.Stage(ctx, target.ImagePath)
	if err != nil {
		return fmt.Errorf("failed to stage image: %w", err)
	}
	report(5, "image staged")

	mountPath := e.mountDir(target)
	session, err := e.timedMount(ctx, localPath, target.ImageIndex, mountPath)
	if err != nil {
		return err
	}
	e.sm.SetActiveMounts(len(e.mounts.Sessions()))
	report(20, fmt.Sprintf("mounted at %s", mountPath))

	// From here on the mount must be released on every path. workErr
	// accumulates the first failure; the unmount commits only on success.
	workErr := e.applyWork(ctx, spec, session.MountPath, report)

	commit := spec.Commit && workErr == nil && ctx.Err() == nil
	report(90, fmt.Sprintf("unmounting (commit=%v)", commit))

	// The unmount runs outside the worker's cancellation scope: once work is
	// done the session must be released even if the batch was cancelled
	// mid-target.
	unmountStart := time.Now()
	unmountErr := e.mounts.Unmount(context.Background(), session.MountPath, commit)
	e.sm.RecordNativeCall("unmount", time.Since(unmountStart), unmountErr)
	e.sm.SetActiveMounts(len(e.mounts.Sessions()))

	switch {
	case workErr != nil:
		return workErr
	case unmountErr != nil:
		return fmt.Errorf("failed to unmount: %w", unmountErr)
	case ctx.Err() != nil:
		// Cancelled after the real work finished but before commit: the
		// changes were discarded above, report the cancellation.
		return ctx.Err()
	}

	report(100, "target complete")
	return nil
}

func (e *Executor) timedMount(ctx context.Context, imagePath string, index int, mountPath string) (*mount.Session, error) {
	start := time.Now()
	session, err := e.mounts.Mount(ctx, imagePath, index, mountPath, false)
	e.sm.RecordNativeCall("mount", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to mount image: %w", err)
	}
	return session, nil
}

// applyWork runs tweaks and package operations against the mounted tree.
func (e *Executor) applyWork(ctx context.Context, spec batch.Spec, mountPath string, report batch.ProgressFunc) error {
	if len(spec.Tweaks) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		report(25, fmt.Sprintf("applying %d registry tweak(s)", len(spec.Tweaks)))

		if err := e.applier.Apply(ctx, mountPath, spec.Tweaks); err != nil {
			var stuck *hive.StuckError
			if errors.As(err, &stuck) {
				// A leaked hive is an operator problem, not just a target
				// failure: surface the temporary key through the progress
				// stream so it reaches the audit trail.
				e.sm.RecordHiveStuck()
				report(25, fmt.Sprintf(
					"hive leaked: %s still loaded under HKLM\\%s, manual unload required",
					stuck.HiveFile, stuck.MountKey))
			}
			return err
		}
		report(55, "registry tweaks applied")
	}

	if spec.HasPackageWork() {
		if err := e.applyPackages(ctx, spec, mountPath, report); err != nil {
			return err
		}
	}

	return nil
}

// applyPackages runs package/feature/capability operations through one
// imaging session.
func (e *Executor) applyPackages(ctx context.Context, spec batch.Spec, mountPath string, report batch.ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session, err := e.servicer.OpenSession(ctx, mountPath)
	if err != nil {
		return fmt.Errorf("failed to open servicing session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close servicing session for %s: %v", mountPath, err)
		}
	}()

	type step struct {
		op   string
		item string
		call func(context.Context) error
	}

	var steps []step
	for _, p := range spec.AddPackages {
		p := p
		steps = append(steps, step{"add-package", p, func(ctx context.Context) error { return session.AddPackage(ctx, p) }})
	}
	for _, p := range spec.RemovePackages {
		p := p
		steps = append(steps, step{"remove-package", p, func(ctx context.Context) error { return session.RemovePackage(ctx, p) }})
	}
	for _, f := range spec.EnableFeatures {
		f := f
		steps = append(steps, step{"enable-feature", f, func(ctx context.Context) error { return session.EnableFeature(ctx, f) }})
	}
	for _, f := range spec.DisableFeatures {
		f := f
		steps = append(steps, step{"disable-feature", f, func(ctx context.Context) error { return session.DisableFeature(ctx, f) }})
	}
	for _, c := range spec.AddCapabilities {
		c := c
		steps = append(steps, step{"add-capability", c, func(ctx context.Context) error { return session.AddCapability(ctx, c) }})
	}
	for _, c := range spec.RemoveCapabilities {
		c := c
		steps = append(steps, step{"remove-capability", c, func(ctx context.Context) error { return session.RemoveCapability(ctx, c) }})
	}

	for i, s := range steps {
		// Cancellation checkpoint between native calls, never during one.
		if err := ctx.Err(); err != nil {
			return err
		}

		pct := 55 + (35*(i+1))/len(steps)
		report(pct, fmt.Sprintf("%s %s", s.op, s.item))

		start := time.Now()
		err := s.call(ctx)
		e.sm.RecordNativeCall(s.op, time.Since(start), err)
		if err != nil {
			return fmt.Errorf("%s %s: %w", s.op, s.item, err)
		}
	}
	return nil
}
