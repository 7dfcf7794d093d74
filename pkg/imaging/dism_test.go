package imaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseMountedImageInfo(t *testing.T) {
	out := strings.Join([]string{
		"Deployment Image Servicing and Management tool",
		"Version: 10.0.22621.1",
		"",
		"Mounted images:",
		"",
		"Mount Dir : C:\\mount\\img1",
		"Image File : C:\\images\\install.wim",
		"Image Index : 1",
		"Mounted Read/Write : Yes",
		"Status : Ok",
		"",
		"Mount Dir : C:\\mount\\img2",
		"Image File : C:\\images\\install.esd",
		"Image Index : 3",
		"Mounted Read/Write : No",
		"Status : Needs Remount",
		"",
		"The operation completed successfully.",
	}, "\r\n")

	mounts := parseMountedImageInfo(out)
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d: %+v", len(mounts), mounts)
	}

	first := mounts[0]
	if first.MountPath != "C:\\mount\\img1" {
		t.Errorf("unexpected mount path: %q", first.MountPath)
	}
	if first.ImagePath != "C:\\images\\install.wim" || first.ImageIndex != 1 {
		t.Errorf("unexpected image: %q index %d", first.ImagePath, first.ImageIndex)
	}
	if first.ReadOnly {
		t.Error("first mount should be read/write")
	}
	if first.Status != "Ok" {
		t.Errorf("unexpected status: %q", first.Status)
	}

	second := mounts[1]
	if second.ImageIndex != 3 || !second.ReadOnly {
		t.Errorf("unexpected second mount: %+v", second)
	}
	if second.Status != "Needs Remount" {
		t.Errorf("unexpected second status: %q", second.Status)
	}
}

func TestParseMountedImageInfoEmpty(t *testing.T) {
	out := "Deployment Image Servicing and Management tool\n\nNo mounted images found.\n"
	if mounts := parseMountedImageInfo(out); len(mounts) != 0 {
		t.Errorf("expected no mounts, got %+v", mounts)
	}
}

func TestNativeCallError(t *testing.T) {
	underlying := errors.New("exit status 87")
	err := &NativeCallError{
		Op:       "mount",
		Target:   "C:\\images\\install.wim",
		ExitCode: 87,
		Output:   "The parameter is incorrect.",
		Err:      underlying,
	}

	msg := err.Error()
	for _, want := range []string{"mount", "install.wim", "87", "parameter is incorrect"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
	if !errors.Is(err, underlying) {
		t.Error("NativeCallError should unwrap to the underlying error")
	}
}

// TestUnmountRunsToCompletionAfterCancel verifies that cancelling the context
// never kills an in-flight DISM invocation. A dism.exe killed mid-commit can
// corrupt the image; cancellation takes effect between invocations, at the
// callers' checkpoints.
func TestUnmountRunsToCompletionAfterCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake native binary requires /bin/sh")
	}

	dir := t.TempDir()
	marker := filepath.Join(dir, "finished")
	script := filepath.Join(dir, "fake-dism")
	body := "#!/bin/sh\nsleep 0.5\necho done > \"" + marker + "\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("Failed to write fake native binary: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if err := NewDISMServicer(script).Unmount(ctx, filepath.Join(dir, "mnt"), true); err != nil {
		t.Fatalf("Unmount must outlive the cancelled context, got: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("native call was interrupted before completion: %v", err)
	}
}

func TestTailShortOutputPassesThrough(t *testing.T) {
	if got := tail("  The operation completed.  ", 512); got != "The operation completed." {
		t.Errorf("unexpected tail: %q", got)
	}
}

func TestTailTruncatesAtRuneBoundary(t *testing.T) {
	// Localized output: each rune is 2 bytes, so an odd byte budget lands
	// mid-rune and must be advanced to the next boundary.
	long := strings.Repeat("ü", 300)
	got := tail(long, 5)

	if !strings.HasPrefix(got, "...") {
		t.Fatalf("truncated tail should be marked: %q", got)
	}
	kept := strings.TrimPrefix(got, "...")
	if !utf8.ValidString(kept) {
		t.Errorf("tail split a rune: %q", kept)
	}
	if kept != strings.Repeat("ü", 2) {
		t.Errorf("expected 2 trailing runes, got %q", kept)
	}
}
