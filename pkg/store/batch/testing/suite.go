// Package testing provides a conformance suite run against every batch
// store implementation, so memory and badger behave identically at the
// interface boundary.
package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/offsvc/wimforge/pkg/batch"
)

// StoreFactory creates a fresh, empty store for one test.
type StoreFactory func(t *testing.T) batch.Store

// RunStoreSuite runs the full conformance suite.
func RunStoreSuite(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("NoSharedPointers", func(t *testing.T) { testNoSharedPointers(t, factory) })
}

func sampleOp(id string, createdAt time.Time) *batch.Operation {
	return &batch.Operation{
		ID:              id,
		Name:            "customize " + id,
		Status:          batch.StatusPending,
		MaxParallel:     2,
		ContinueOnError: true,
		Spec: batch.Spec{
			Tweaks: []string{"disable-telemetry"},
			Commit: true,
		},
		Targets: []*batch.Target{
			{ImagePath: `C:\images\install.wim`, ImageIndex: 1, Status: batch.TargetPending},
			{ImagePath: `C:\images\install.wim`, ImageIndex: 2, Status: batch.TargetPending},
		},
		CreatedAt: createdAt,
	}
}

func testCreateAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	op := sampleOp("op-1", time.Now())
	if err := s.Create(ctx, op); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != op.Name || got.Status != batch.StatusPending {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.Targets) != 2 || got.Targets[1].ImageIndex != 2 {
		t.Errorf("targets did not round-trip: %+v", got.Targets)
	}
	if len(got.Spec.Tweaks) != 1 || got.Spec.Tweaks[0] != "disable-telemetry" {
		t.Errorf("spec did not round-trip: %+v", got.Spec)
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleOp("dup", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, sampleOp("dup", time.Now())); err == nil {
		t.Fatal("duplicate Create should fail")
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, batch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpdate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	op := sampleOp("op-1", time.Now())
	if err := s.Create(ctx, op); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	op.Status = batch.StatusCompletedWithErrors
	op.Targets[0].Status = batch.TargetSucceeded
	op.Targets[1].Status = batch.TargetFailed
	op.Targets[1].ErrorMessage = "native mount failed"
	if err := s.Update(ctx, op); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := s.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != batch.StatusCompletedWithErrors {
		t.Errorf("status not updated: %s", got.Status)
	}
	if got.Targets[1].ErrorMessage != "native mount failed" {
		t.Errorf("per-target error message lost: %+v", got.Targets[1])
	}
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	err := s.Update(context.Background(), sampleOp("missing", time.Now()))
	if !errors.Is(err, batch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListNewestFirst(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Create(ctx, sampleOp(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	ops, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	if ops[0].ID != "new" || ops[2].ID != "old" {
		t.Errorf("expected newest-first order, got %s, %s, %s", ops[0].ID, ops[1].ID, ops[2].ID)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleOp("op-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Delete(ctx, "op-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "op-1"); !errors.Is(err, batch.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "op-1"); !errors.Is(err, batch.ErrNotFound) {
		t.Errorf("expected ErrNotFound for double delete, got %v", err)
	}
}

func testNoSharedPointers(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	op := sampleOp("op-1", time.Now())
	if err := s.Create(ctx, op); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Mutating the caller's copy after Create must not leak into the store.
	op.Targets[0].Status = batch.TargetFailed

	got, err := s.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Targets[0].Status != batch.TargetPending {
		t.Error("store shares target pointers with the caller")
	}

	// Mutating a returned record must not leak into the store either.
	got.Name = "mutated"
	again, err := s.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.Name == "mutated" {
		t.Error("store shares records between Get calls")
	}
}
