package batch

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a batch operation.
//
// Transitions are owned exclusively by the Orchestrator:
//
//	Pending --start--> Running --pause--> (drain) --> Paused --resume--> Running
//	Running/Paused --cancel--> Cancelled
//	Running --all targets terminal--> Completed | CompletedWithErrors | Failed
//	terminal --retry-failed--> Running
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusCompletedWithErrors
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:             "Pending",
	StatusRunning:             "Running",
	StatusPaused:              "Paused",
	StatusCompleted:           "Completed",
	StatusCompletedWithErrors: "CompletedWithErrors",
	StatusFailed:              "Failed",
	StatusCancelled:           "Cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether the batch can no longer change state (other than
// through retry-failed) and is eligible for deletion.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// MarshalText stores statuses as their names, keeping persisted records and
// API payloads readable.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for v, name := range statusNames {
		if name == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown batch status %q", text)
}

// TargetStatus is the lifecycle state of one target within a batch.
type TargetStatus int

const (
	TargetPending TargetStatus = iota
	TargetRunning
	TargetSucceeded
	TargetFailed
	TargetSkipped
	TargetCancelled
)

var targetStatusNames = map[TargetStatus]string{
	TargetPending:   "Pending",
	TargetRunning:   "Running",
	TargetSucceeded: "Succeeded",
	TargetFailed:    "Failed",
	TargetSkipped:   "Skipped",
	TargetCancelled: "Cancelled",
}

func (s TargetStatus) String() string {
	if name, ok := targetStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether the target has finished, one way or another.
func (s TargetStatus) Terminal() bool {
	switch s {
	case TargetSucceeded, TargetFailed, TargetSkipped, TargetCancelled:
		return true
	default:
		return false
	}
}

func (s TargetStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TargetStatus) UnmarshalText(text []byte) error {
	for v, name := range targetStatusNames {
		if name == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown target status %q", text)
}

// Spec describes the work applied to every target of a batch.
type Spec struct {
	// Tweaks are named registry customizations from the tweak catalog.
	Tweaks []string `json:"tweaks,omitempty" yaml:"tweaks"`

	// AddPackages are package file paths to add to each image.
	AddPackages []string `json:"add_packages,omitempty" yaml:"add_packages"`

	// RemovePackages are package identities to remove from each image.
	RemovePackages []string `json:"remove_packages,omitempty" yaml:"remove_packages"`

	// EnableFeatures / DisableFeatures toggle optional Windows features.
	EnableFeatures  []string `json:"enable_features,omitempty" yaml:"enable_features"`
	DisableFeatures []string `json:"disable_features,omitempty" yaml:"disable_features"`

	// AddCapabilities / RemoveCapabilities manage on-demand capabilities.
	AddCapabilities    []string `json:"add_capabilities,omitempty" yaml:"add_capabilities"`
	RemoveCapabilities []string `json:"remove_capabilities,omitempty" yaml:"remove_capabilities"`

	// Commit controls whether changes are written back on unmount.
	// Discarded when false, which turns the batch into a dry run.
	Commit bool `json:"commit" yaml:"commit"`
}

// HasPackageWork reports whether the spec contains any package, feature or
// capability operation (anything requiring a servicing session).
func (s Spec) HasPackageWork() bool {
	return len(s.AddPackages) > 0 || len(s.RemovePackages) > 0 ||
		len(s.EnableFeatures) > 0 || len(s.DisableFeatures) > 0 ||
		len(s.AddCapabilities) > 0 || len(s.RemoveCapabilities) > 0
}

// Target is one image's unit of work within a batch.
type Target struct {
	// ImagePath locates the WIM/ESD container. May be a staging reference
	// (e.g. s3://bucket/key) resolved by the image source before mounting.
	ImagePath string `json:"image_path"`

	// ImageIndex selects the image inside the container (>= 1).
	ImageIndex int `json:"image_index"`

	Status       TargetStatus `json:"status"`
	Progress     int          `json:"progress"`
	ErrorMessage string       `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Operation is one user-submitted batch job spanning multiple target images.
type Operation struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Status Status `json:"status"`

	// Priority orders this batch against other pending batches when several
	// start together. It never reorders targets within a batch.
	Priority int `json:"priority"`

	// MaxParallel bounds the worker pool for this batch (>= 1).
	MaxParallel int `json:"max_parallel"`

	// ContinueOnError keeps dispatching after a target failure. When false,
	// the first failure stops dispatch and the batch resolves to Failed.
	ContinueOnError bool `json:"continue_on_error"`

	Spec    Spec      `json:"spec"`
	Targets []*Target `json:"targets"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress aggregates target progress into a batch percentage: terminal
// targets contribute 100, running targets their own percentage, pending
// targets 0.
func (o *Operation) Progress() float64 {
	if len(o.Targets) == 0 {
		return 0
	}

	total := 0
	for _, t := range o.Targets {
		switch {
		case t.Status.Terminal():
			total += 100
		case t.Status == TargetRunning:
			total += t.Progress
		}
	}
	return float64(total) / float64(len(o.Targets))
}

// Clone deep-copies the operation so snapshots cannot race with the worker
// pool mutating the original.
func (o *Operation) Clone() *Operation {
	c := *o
	c.StartedAt = copyTime(o.StartedAt)
	c.CompletedAt = copyTime(o.CompletedAt)
	c.Spec = o.Spec.clone()
	c.Targets = make([]*Target, len(o.Targets))
	for i, t := range o.Targets {
		tc := *t
		tc.StartedAt = copyTime(t.StartedAt)
		tc.CompletedAt = copyTime(t.CompletedAt)
		c.Targets[i] = &tc
	}
	return &c
}

func (s Spec) clone() Spec {
	c := s
	c.Tweaks = append([]string(nil), s.Tweaks...)
	c.AddPackages = append([]string(nil), s.AddPackages...)
	c.RemovePackages = append([]string(nil), s.RemovePackages...)
	c.EnableFeatures = append([]string(nil), s.EnableFeatures...)
	c.DisableFeatures = append([]string(nil), s.DisableFeatures...)
	c.AddCapabilities = append([]string(nil), s.AddCapabilities...)
	c.RemoveCapabilities = append([]string(nil), s.RemoveCapabilities...)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
