package hive

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/offsvc/wimforge/internal/logger"
)

// RegExe drives the Windows reg.exe tool as both Loader and Editor.
//
// reg.exe exits non-zero with "Access is denied" or "The process cannot
// access the file" while another process still references the hive; callers
// see that as an ordinary error and the protocol's bounded retry handles it.
type RegExe struct {
	// regPath is the reg.exe binary to invoke (default "reg").
	regPath string
}

// NewRegExe creates a reg.exe-backed loader/editor. An empty regPath falls
// back to "reg" resolved via PATH.
func NewRegExe(regPath string) *RegExe {
	if regPath == "" {
		regPath = "reg"
	}
	return &RegExe{regPath: regPath}
}

// run invokes reg.exe and always lets it finish. Killing reg.exe mid-write
// can corrupt the hive, so cancellation is honored between invocations by the
// callers, never by interrupting one.
func (r *RegExe) run(args ...string) error {
	logger.Debug("reg %s", strings.Join(args, " "))
	out, err := exec.Command(r.regPath, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reg %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Load implements Loader.
func (r *RegExe) Load(ctx context.Context, mountKey, hiveFile string) error {
	return r.run("load", `HKLM\`+mountKey, hiveFile)
}

// Unload implements Loader.
func (r *RegExe) Unload(ctx context.Context, mountKey string) error {
	return r.run("unload", `HKLM\`+mountKey)
}

// valueArgs selects /ve for the key's default value, /v otherwise.
func valueArgs(valueName string) []string {
	if valueName == "" {
		return []string{"/ve"}
	}
	return []string{"/v", valueName}
}

// SetString implements Editor. An empty valueName targets the key's default
// value.
func (r *RegExe) SetString(ctx context.Context, keyPath, valueName, value string) error {
	args := append([]string{"add", keyPath}, valueArgs(valueName)...)
	args = append(args, "/t", "REG_SZ", "/d", value, "/f")
	return r.run(args...)
}

// SetDWord implements Editor.
func (r *RegExe) SetDWord(ctx context.Context, keyPath, valueName string, value uint32) error {
	args := append([]string{"add", keyPath}, valueArgs(valueName)...)
	args = append(args, "/t", "REG_DWORD", "/d", "0x"+strconv.FormatUint(uint64(value), 16), "/f")
	return r.run(args...)
}

// DeleteValue implements Editor. A missing value is not an error.
func (r *RegExe) DeleteValue(ctx context.Context, keyPath, valueName string) error {
	err := r.run("delete", keyPath, "/v", valueName, "/f")
	if err != nil && strings.Contains(err.Error(), "unable to find") {
		return nil
	}
	return err
}

// DeleteKey implements Editor. A missing key is not an error.
func (r *RegExe) DeleteKey(ctx context.Context, keyPath string) error {
	err := r.run("delete", keyPath, "/f")
	if err != nil && strings.Contains(err.Error(), "unable to find") {
		return nil
	}
	return err
}

// CreateKey implements Editor.
func (r *RegExe) CreateKey(ctx context.Context, keyPath string) error {
	return r.run("add", keyPath, "/f")
}
