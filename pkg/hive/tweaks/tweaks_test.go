package tweaks

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/offsvc/wimforge/pkg/hive"
)

// recordingLoader tracks hive load/unload cycles.
type recordingLoader struct {
	mu     sync.Mutex
	loads  []string // hive files in load order
	loaded map[string]string
}

func newRecordingLoader() *recordingLoader {
	return &recordingLoader{loaded: make(map[string]string)}
}

func (r *recordingLoader) Load(ctx context.Context, mountKey, hiveFile string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, hiveFile)
	r.loaded[mountKey] = hiveFile
	return nil
}

func (r *recordingLoader) Unload(ctx context.Context, mountKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, mountKey)
	return nil
}

// recordingEditor captures every edit keyed by "keyPath|valueName".
type recordingEditor struct {
	mu     sync.Mutex
	dwords map[string]uint32
	strs   map[string]string
	keys   []string
}

func newRecordingEditor() *recordingEditor {
	return &recordingEditor{dwords: make(map[string]uint32), strs: make(map[string]string)}
}

func (e *recordingEditor) SetString(ctx context.Context, keyPath, valueName, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strs[keyPath+"|"+valueName] = value
	return nil
}

func (e *recordingEditor) SetDWord(ctx context.Context, keyPath, valueName string, value uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dwords[keyPath+"|"+valueName] = value
	return nil
}

func (e *recordingEditor) DeleteValue(ctx context.Context, keyPath, valueName string) error { return nil }
func (e *recordingEditor) DeleteKey(ctx context.Context, keyPath string) error              { return nil }

func (e *recordingEditor) CreateKey(ctx context.Context, keyPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, keyPath)
	return nil
}

func newTestApplier(loader hive.Loader, editor hive.Editor) *Applier {
	p := hive.NewProtocol(loader, hive.Config{UnloadAttempts: 3, UnloadRetryDelay: time.Millisecond})
	return NewApplier(p, editor)
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("no-such-tweak"); err == nil {
		t.Fatal("Lookup should fail for unknown names")
	}
}

func TestNamesCoversCatalog(t *testing.T) {
	names := Names()
	if len(names) == 0 {
		t.Fatal("catalog should not be empty")
	}
	for _, name := range names {
		tw, err := Lookup(name)
		if err != nil {
			t.Errorf("Lookup(%q) failed: %v", name, err)
		}
		if tw.Name != name || tw.Mutate == nil {
			t.Errorf("malformed tweak %q: %+v", name, tw)
		}
	}
}

func TestApplyGroupsByHive(t *testing.T) {
	loader := newRecordingLoader()
	editor := newRecordingEditor()
	a := newTestApplier(loader, editor)
	mountPath := filepath.Join("C:", "mount", "img1")

	// Two SOFTWARE tweaks and one default-user tweak: two cycles total.
	err := a.Apply(context.Background(), mountPath,
		[]string{"disable-telemetry", "gaming-tweaks", "privacy-defaults"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(loader.loads) != 2 {
		t.Fatalf("expected 2 hive cycles (SOFTWARE grouped, NTUSER separate), got %d: %v",
			len(loader.loads), loader.loads)
	}
	if !strings.HasSuffix(loader.loads[0], "SOFTWARE") {
		t.Errorf("first cycle should load SOFTWARE, got %q", loader.loads[0])
	}
	if !strings.HasSuffix(loader.loads[1], "NTUSER.DAT") {
		t.Errorf("second cycle should load NTUSER.DAT, got %q", loader.loads[1])
	}
	if len(loader.loaded) != 0 {
		t.Error("all hives should be unloaded after Apply")
	}
}

func TestApplyWritesExpectedValues(t *testing.T) {
	loader := newRecordingLoader()
	editor := newRecordingEditor()
	a := newTestApplier(loader, editor)

	if err := a.Apply(context.Background(), `C:\mount\img1`, []string{"disable-telemetry"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	found := false
	for key, value := range editor.dwords {
		if strings.Contains(key, `DataCollection|AllowTelemetry`) {
			found = true
			if value != 0 {
				t.Errorf("AllowTelemetry should be 0, got %d", value)
			}
			if !strings.Contains(key, `HKLM\wimforge-`) {
				t.Errorf("edit should target the loaded hive root, got %q", key)
			}
		}
	}
	if !found {
		t.Errorf("AllowTelemetry was never written; edits: %v", editor.dwords)
	}
}

func TestApplyUnknownNameFailsBeforeLoading(t *testing.T) {
	loader := newRecordingLoader()
	a := newTestApplier(loader, newRecordingEditor())

	err := a.Apply(context.Background(), `C:\mount\img1`, []string{"disable-telemetry", "bogus"})
	if err == nil {
		t.Fatal("Apply should reject unknown tweak names")
	}
	if len(loader.loads) != 0 {
		t.Error("no hive should be loaded when validation fails")
	}
}
