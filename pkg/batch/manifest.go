package batch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk YAML form of a batch submission, used for one-shot
// runs and scripted pipelines.
//
// Example:
//
//	name: debloat summer refresh
//	priority: 5
//	max_parallel: 2
//	continue_on_error: true
//	spec:
//	  tweaks: [disable-telemetry, privacy-defaults]
//	  enable_features: [NetFx3]
//	  commit: true
//	targets:
//	  - image_path: C:\images\install.wim
//	    image_index: 1
//	  - image_path: s3://images/win11/install.wim
//	    image_index: 3
type Manifest struct {
	Name            string      `yaml:"name"`
	Priority        int         `yaml:"priority"`
	MaxParallel     int         `yaml:"max_parallel"`
	ContinueOnError bool        `yaml:"continue_on_error"`
	Spec            Spec        `yaml:"spec"`
	Targets         []TargetRef `yaml:"targets"`
}

// LoadManifest parses a job manifest file into a submission request.
func LoadManifest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest bytes into a submission request. Structural
// validation (targets present, indexes sane) happens at Submit time.
func ParseManifest(data []byte) (Request, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Request{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Name == "" {
		return Request{}, fmt.Errorf("manifest: name is required")
	}

	return Request{
		Name:            m.Name,
		Priority:        m.Priority,
		MaxParallel:     m.MaxParallel,
		ContinueOnError: m.ContinueOnError,
		Spec:            m.Spec,
		Targets:         m.Targets,
	}, nil
}
