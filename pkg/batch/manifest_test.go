package batch

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifest = `
name: debloat summer refresh
priority: 5
max_parallel: 2
continue_on_error: true
spec:
  tweaks:
    - disable-telemetry
    - privacy-defaults
  enable_features:
    - NetFx3
  remove_packages:
    - Microsoft-Windows-InternetExplorer-Optional-Package
  commit: true
targets:
  - image_path: C:\images\install.wim
    image_index: 1
  - image_path: s3://images/win11/install.wim
    image_index: 3
`

func TestParseManifest(t *testing.T) {
	req, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}

	if req.Name != "debloat summer refresh" {
		t.Errorf("unexpected name %q", req.Name)
	}
	if req.Priority != 5 || req.MaxParallel != 2 || !req.ContinueOnError {
		t.Errorf("scheduling fields did not parse: %+v", req)
	}
	if len(req.Spec.Tweaks) != 2 || req.Spec.Tweaks[1] != "privacy-defaults" {
		t.Errorf("tweaks did not parse: %v", req.Spec.Tweaks)
	}
	if len(req.Spec.EnableFeatures) != 1 || len(req.Spec.RemovePackages) != 1 {
		t.Errorf("package work did not parse: %+v", req.Spec)
	}
	if !req.Spec.Commit {
		t.Error("commit flag did not parse")
	}
	if len(req.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(req.Targets))
	}
	if req.Targets[1].ImagePath != "s3://images/win11/install.wim" || req.Targets[1].ImageIndex != 3 {
		t.Errorf("target did not parse: %+v", req.Targets[1])
	}
}

func TestParseManifestRequiresName(t *testing.T) {
	if _, err := ParseManifest([]byte("priority: 1\n")); err == nil {
		t.Error("manifest without a name should fail")
	}
}

func TestParseManifestRejectsGarbage(t *testing.T) {
	if _, err := ParseManifest([]byte("{not yaml")); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(sampleManifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	req, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if req.Name == "" || len(req.Targets) != 2 {
		t.Errorf("manifest did not load: %+v", req)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing manifest file should fail")
	}
}
