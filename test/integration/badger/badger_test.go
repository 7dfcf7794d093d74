//go:build integration

package badger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/offsvc/wimforge/pkg/batch"
	badgerstore "github.com/offsvc/wimforge/pkg/store/batch/badger"
	"github.com/offsvc/wimforge/pkg/store/batch/memory"
)

// instantExecutor completes targets without touching any native stack.
type instantExecutor struct{}

func (instantExecutor) Execute(ctx context.Context, spec batch.Spec, t batch.Target, report batch.ProgressFunc) error {
	report(100, "done")
	return nil
}

// TestBadgerBatchStore_Integration verifies that batch records survive a
// store restart and that a restarted orchestrator can resume pending work
// from disk.
//
// Prerequisites:
//   - None (BadgerDB is embedded, no external services needed)
//   - Run with: go test -tags=integration ./test/integration/badger/...
func TestBadgerBatchStore_Integration(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "batches")

	var batchID string

	// First process lifetime: submit a batch but never start it.
	{
		store, err := badgerstore.NewBadgerStore(badgerstore.Options{Path: dbPath})
		if err != nil {
			t.Fatalf("Failed to open badger store: %v", err)
		}

		orch := batch.NewOrchestrator(store, instantExecutor{}, nil, nil)
		op, err := orch.Submit(ctx, batch.Request{
			Name:        "resume-me",
			MaxParallel: 2,
			Spec:        batch.Spec{Tweaks: []string{"disable-telemetry"}, Commit: true},
			Targets: []batch.TargetRef{
				{ImagePath: `C:\images\install.wim`, ImageIndex: 1},
				{ImagePath: `C:\images\install.wim`, ImageIndex: 2},
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		batchID = op.ID

		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	// Second process lifetime: the pending batch is still there and runs to
	// completion.
	{
		store, err := badgerstore.NewBadgerStore(badgerstore.Options{Path: dbPath})
		if err != nil {
			t.Fatalf("Failed to reopen badger store: %v", err)
		}
		defer store.Close()

		orch := batch.NewOrchestrator(store, instantExecutor{}, nil, nil)

		started, err := orch.StartPending(ctx)
		if err != nil {
			t.Fatalf("StartPending failed: %v", err)
		}
		if started != 1 {
			t.Fatalf("expected 1 resumed batch, got %d", started)
		}

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := orch.Wait(waitCtx, batchID); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}

		final, err := orch.Get(ctx, batchID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if final.Status != batch.StatusCompleted {
			t.Errorf("expected Completed after resume, got %s", final.Status)
		}
		for i, tgt := range final.Targets {
			if tgt.Status != batch.TargetSucceeded {
				t.Errorf("target %d: expected Succeeded, got %s", i, tgt.Status)
			}
		}
	}
}

// TestBadgerMatchesMemorySemantics runs the same workload against both store
// backends and expects identical terminal state.
func TestBadgerMatchesMemorySemantics(t *testing.T) {
	ctx := context.Background()

	run := func(store batch.Store) *batch.Operation {
		orch := batch.NewOrchestrator(store, instantExecutor{}, nil, nil)
		op, err := orch.Submit(ctx, batch.Request{
			Name:        "parity",
			MaxParallel: 1,
			Targets:     []batch.TargetRef{{ImagePath: `C:\images\install.wim`, ImageIndex: 1}},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if err := orch.Start(ctx, op.ID); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := orch.Wait(waitCtx, op.ID); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		final, err := orch.Get(ctx, op.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		return final
	}

	badgerDB, err := badgerstore.NewBadgerStore(badgerstore.Options{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open badger store: %v", err)
	}
	defer badgerDB.Close()

	fromBadger := run(badgerDB)
	fromMemory := run(memory.NewMemoryStore())

	if fromBadger.Status != fromMemory.Status {
		t.Errorf("status diverged: badger=%s memory=%s", fromBadger.Status, fromMemory.Status)
	}
	if fromBadger.Targets[0].Status != fromMemory.Targets[0].Status {
		t.Errorf("target status diverged: badger=%s memory=%s",
			fromBadger.Targets[0].Status, fromMemory.Targets[0].Status)
	}
}
