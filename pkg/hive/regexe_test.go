package hive

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// TestLoadRunsToCompletionAfterCancel verifies that cancelling the context
// never kills an in-flight reg invocation. Interrupting reg.exe mid-write
// risks a corrupt hive; cancellation takes effect between invocations, at the
// callers' checkpoints.
func TestLoadRunsToCompletionAfterCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake native binary requires /bin/sh")
	}

	dir := t.TempDir()
	marker := filepath.Join(dir, "finished")
	script := filepath.Join(dir, "fake-reg")
	body := "#!/bin/sh\nsleep 0.5\necho done > \"" + marker + "\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("Failed to write fake native binary: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if err := NewRegExe(script).Load(ctx, "wimforge-test", filepath.Join(dir, "hive.dat")); err != nil {
		t.Fatalf("Load must outlive the cancelled context, got: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("native call was interrupted before completion: %v", err)
	}
}
