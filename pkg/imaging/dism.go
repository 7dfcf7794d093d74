package imaging

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/offsvc/wimforge/internal/logger"
)

// DISMServicer implements Servicer by shelling out to dism.exe.
//
// DISM is invoked with explicit /English so the mount-table parser sees
// stable field names regardless of system locale. A started invocation always
// runs to completion: killing dism.exe mid-operation can corrupt the image or
// leave the mount in "Needs Remount" state, so cancellation is honored by the
// callers between invocations, never by interrupting one.
type DISMServicer struct {
	// dismPath is the dism.exe binary to invoke (default "dism").
	dismPath string
}

// NewDISMServicer creates a Servicer backed by the DISM command-line tool.
// An empty dismPath falls back to "dism" resolved via PATH.
func NewDISMServicer(dismPath string) *DISMServicer {
	if dismPath == "" {
		dismPath = "dism"
	}
	return &DISMServicer{dismPath: dismPath}
}

// run executes one DISM invocation and normalizes failures to NativeCallError.
func (d *DISMServicer) run(ctx context.Context, op, target string, args ...string) (string, error) {
	full := append([]string{"/English"}, args...)
	logger.Debug("dism %s", strings.Join(full, " "))

	cmd := exec.Command(d.dismPath, full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := 0
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return "", &NativeCallError{
			Op:       op,
			Target:   target,
			ExitCode: exitCode,
			Output:   tail(string(out), 512),
			Err:      err,
		}
	}
	return string(out), nil
}

func (d *DISMServicer) Mount(ctx context.Context, imagePath string, index int, mountPath string, readOnly bool) error {
	args := []string{
		"/Mount-Image",
		"/ImageFile:" + imagePath,
		"/Index:" + strconv.Itoa(index),
		"/MountDir:" + mountPath,
	}
	if readOnly {
		args = append(args, "/ReadOnly")
	}
	_, err := d.run(ctx, "mount", imagePath, args...)
	return err
}

func (d *DISMServicer) Unmount(ctx context.Context, mountPath string, commit bool) error {
	args := []string{
		"/Unmount-Image",
		"/MountDir:" + mountPath,
	}
	if commit {
		args = append(args, "/Commit")
	} else {
		args = append(args, "/Discard")
	}
	_, err := d.run(ctx, "unmount", mountPath, args...)
	return err
}

func (d *DISMServicer) ListMounted(ctx context.Context) ([]MountedImage, error) {
	out, err := d.run(ctx, "list-mounted", "", "/Get-MountedImageInfo")
	if err != nil {
		return nil, err
	}
	return parseMountedImageInfo(out), nil
}

func (d *DISMServicer) OpenSession(ctx context.Context, mountPath string) (Session, error) {
	return &dismSession{servicer: d, mountPath: mountPath}, nil
}

// dismSession issues per-operation DISM invocations scoped to one mount.
// DISM has no persistent session handle, so Close is a no-op; the type
// exists to keep callers honest about session lifetime.
type dismSession struct {
	servicer  *DISMServicer
	mountPath string
}

func (s *dismSession) AddPackage(ctx context.Context, packagePath string) error {
	_, err := s.servicer.run(ctx, "add-package", s.mountPath,
		"/Image:"+s.mountPath, "/Add-Package", "/PackagePath:"+packagePath)
	return err
}

func (s *dismSession) RemovePackage(ctx context.Context, packageName string) error {
	_, err := s.servicer.run(ctx, "remove-package", s.mountPath,
		"/Image:"+s.mountPath, "/Remove-Package", "/PackageName:"+packageName)
	return err
}

func (s *dismSession) EnableFeature(ctx context.Context, featureName string) error {
	_, err := s.servicer.run(ctx, "enable-feature", s.mountPath,
		"/Image:"+s.mountPath, "/Enable-Feature", "/FeatureName:"+featureName, "/All")
	return err
}

func (s *dismSession) DisableFeature(ctx context.Context, featureName string) error {
	_, err := s.servicer.run(ctx, "disable-feature", s.mountPath,
		"/Image:"+s.mountPath, "/Disable-Feature", "/FeatureName:"+featureName)
	return err
}

func (s *dismSession) AddCapability(ctx context.Context, capabilityName string) error {
	_, err := s.servicer.run(ctx, "add-capability", s.mountPath,
		"/Image:"+s.mountPath, "/Add-Capability", "/CapabilityName:"+capabilityName)
	return err
}

func (s *dismSession) RemoveCapability(ctx context.Context, capabilityName string) error {
	_, err := s.servicer.run(ctx, "remove-capability", s.mountPath,
		"/Image:"+s.mountPath, "/Remove-Capability", "/CapabilityName:"+capabilityName)
	return err
}

func (s *dismSession) Close() error {
	return nil
}

// parseMountedImageInfo extracts mount entries from /Get-MountedImageInfo
// output. The output is a sequence of "Field : Value" blocks separated by
// blank lines, one block per mount:
//
//	Mount Dir : C:\mount\img1
//	Image File : C:\images\install.wim
//	Image Index : 1
//	Mounted Read/Write : Yes
//	Status : Ok
func parseMountedImageInfo(out string) []MountedImage {
	var (
		mounts  []MountedImage
		current MountedImage
		seen    bool
	)

	flush := func() {
		if seen && current.MountPath != "" {
			mounts = append(mounts, current)
		}
		current = MountedImage{}
		seen = false
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)

		switch field {
		case "Mount Dir":
			current.MountPath = value
			seen = true
		case "Image File":
			current.ImagePath = value
			seen = true
		case "Image Index":
			if idx, err := strconv.Atoi(value); err == nil {
				current.ImageIndex = idx
			}
			seen = true
		case "Mounted Read/Write":
			current.ReadOnly = !strings.EqualFold(value, "Yes")
			seen = true
		case "Status":
			current.Status = value
			seen = true
		}
	}
	flush()

	return mounts
}

// tail returns at most n trailing bytes of s, trimmed, for error reporting.
// The cut is advanced to a rune boundary so localized tool output is never
// split mid-character.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
		cut = cut[1:]
	}
	return "..." + cut
}
