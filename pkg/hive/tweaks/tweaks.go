// Package tweaks is the catalog of named registry customizations that can be
// applied to an offline image.
//
// Each tweak targets one hive inside the mounted image tree and expresses its
// edits against a hive.Editor. Tweaks never load or unload hives themselves:
// the applier groups them per hive file and runs each group inside a single
// protocol cycle, so one load/unload pair covers every tweak touching the
// same hive.
package tweaks

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/offsvc/wimforge/internal/logger"
	"github.com/offsvc/wimforge/pkg/hive"
)

// Target identifies which hive file of the image a tweak edits.
type Target int

const (
	// TargetSoftware is Windows\System32\config\SOFTWARE (machine policy).
	TargetSoftware Target = iota

	// TargetSystem is Windows\System32\config\SYSTEM (services, control sets).
	TargetSystem

	// TargetDefaultUser is Users\Default\NTUSER.DAT, inherited by every new
	// user profile created from the image.
	TargetDefaultUser
)

// hiveFile resolves the target's hive file path under an image mount.
func (t Target) hiveFile(mountPath string) string {
	switch t {
	case TargetSystem:
		return filepath.Join(mountPath, "Windows", "System32", "config", "SYSTEM")
	case TargetDefaultUser:
		return filepath.Join(mountPath, "Users", "Default", "NTUSER.DAT")
	default:
		return filepath.Join(mountPath, "Windows", "System32", "config", "SOFTWARE")
	}
}

// Tweak is one named customization.
type Tweak struct {
	Name        string
	Description string
	Target      Target

	// Mutate applies the edits below root (the loaded hive's HKLM key).
	Mutate func(ctx context.Context, ed hive.Editor, root string) error
}

// catalog holds every known tweak by name.
var catalog = map[string]Tweak{
	"disable-telemetry": {
		Name:        "disable-telemetry",
		Description: "Turn off diagnostic data collection via machine policy",
		Target:      TargetSoftware,
		Mutate: func(ctx context.Context, ed hive.Editor, root string) error {
			for _, key := range []string{
				root + `\Policies\Microsoft\Windows\DataCollection`,
				root + `\Microsoft\Windows\CurrentVersion\Policies\DataCollection`,
			} {
				if err := ed.SetDWord(ctx, key, "AllowTelemetry", 0); err != nil {
					return err
				}
			}
			return ed.SetDWord(ctx, root+`\Policies\Microsoft\Windows\DataCollection`, "DoNotShowFeedbackNotifications", 1)
		},
	},

	"disable-tracking-services": {
		Name:        "disable-tracking-services",
		Description: "Disable the connected user experiences and dmwappush services",
		Target:      TargetSystem,
		Mutate: func(ctx context.Context, ed hive.Editor, root string) error {
			// Start=4 is SERVICE_DISABLED.
			for _, svc := range []string{"DiagTrack", "dmwappushservice"} {
				key := fmt.Sprintf(`%s\ControlSet001\Services\%s`, root, svc)
				if err := ed.SetDWord(ctx, key, "Start", 4); err != nil {
					return err
				}
			}
			return nil
		},
	},

	"privacy-defaults": {
		Name:        "privacy-defaults",
		Description: "Opt new user profiles out of advertising ID and input personalization",
		Target:      TargetDefaultUser,
		Mutate: func(ctx context.Context, ed hive.Editor, root string) error {
			if err := ed.SetDWord(ctx, root+`\Software\Microsoft\Windows\CurrentVersion\AdvertisingInfo`, "Enabled", 0); err != nil {
				return err
			}
			inputKey := root + `\Software\Microsoft\InputPersonalization`
			if err := ed.SetDWord(ctx, inputKey, "RestrictImplicitTextCollection", 1); err != nil {
				return err
			}
			if err := ed.SetDWord(ctx, inputKey, "RestrictImplicitInkCollection", 1); err != nil {
				return err
			}
			return ed.SetDWord(ctx, root+`\Software\Microsoft\Windows\CurrentVersion\Privacy`,
				"TailoredExperiencesWithDiagnosticDataEnabled", 0)
		},
	},

	"classic-context-menu": {
		Name:        "classic-context-menu",
		Description: "Restore the full right-click context menu for new user profiles",
		Target:      TargetDefaultUser,
		Mutate: func(ctx context.Context, ed hive.Editor, root string) error {
			key := root + `\Software\Classes\CLSID\{86ca1aa0-34aa-4e8b-a509-50c905bae2a2}\InprocServer32`
			if err := ed.CreateKey(ctx, key); err != nil {
				return err
			}
			// The empty default value is what flips the menu back.
			return ed.SetString(ctx, key, "", "")
		},
	},

	"gaming-tweaks": {
		Name:        "gaming-tweaks",
		Description: "Disable Game DVR capture overhead",
		Target:      TargetSoftware,
		Mutate: func(ctx context.Context, ed hive.Editor, root string) error {
			return ed.SetDWord(ctx, root+`\Policies\Microsoft\Windows\GameDVR`, "AllowGameDVR", 0)
		},
	},

	"browser-policies": {
		Name:        "browser-policies",
		Description: "Quiet Edge first-run and background behavior via policy",
		Target:      TargetSoftware,
		Mutate: func(ctx context.Context, ed hive.Editor, root string) error {
			key := root + `\Policies\Microsoft\Edge`
			if err := ed.SetDWord(ctx, key, "HideFirstRunExperience", 1); err != nil {
				return err
			}
			if err := ed.SetDWord(ctx, key, "StartupBoostEnabled", 0); err != nil {
				return err
			}
			return ed.SetDWord(ctx, key, "BackgroundModeEnabled", 0)
		},
	},
}

// Lookup returns the named tweak.
func Lookup(name string) (Tweak, error) {
	t, ok := catalog[name]
	if !ok {
		return Tweak{}, fmt.Errorf("unknown tweak %q", name)
	}
	return t, nil
}

// Names returns all known tweak names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Applier runs tweaks against a mounted image through the hive protocol.
type Applier struct {
	protocol *hive.Protocol
	editor   hive.Editor
}

// NewApplier creates an Applier. The editor is the mutation primitive used
// inside each protocol cycle.
func NewApplier(protocol *hive.Protocol, editor hive.Editor) *Applier {
	return &Applier{protocol: protocol, editor: editor}
}

// Apply runs the named tweaks against the image mounted at mountPath.
//
// Tweaks are grouped by target hive so each hive file is loaded and unloaded
// exactly once. Unknown names fail before any hive is touched. The first
// failing cycle stops the run; a hive left stuck is reported via the
// protocol's StuckError.
func (a *Applier) Apply(ctx context.Context, mountPath string, names []string) error {
	byTarget := make(map[Target][]Tweak)
	var order []Target
	for _, name := range names {
		t, err := Lookup(name)
		if err != nil {
			return err
		}
		if _, seen := byTarget[t.Target]; !seen {
			order = append(order, t.Target)
		}
		byTarget[t.Target] = append(byTarget[t.Target], t)
	}

	for _, target := range order {
		group := byTarget[target]
		hiveFile := target.hiveFile(mountPath)

		err := a.protocol.Apply(ctx, hiveFile, func(ctx context.Context, l *hive.Loaded) error {
			for _, t := range group {
				logger.Info("Applying tweak %s to %s", t.Name, hiveFile)
				if err := t.Mutate(ctx, a.editor, l.Root()); err != nil {
					return fmt.Errorf("tweak %s: %w", t.Name, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
