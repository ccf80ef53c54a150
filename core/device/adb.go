package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

const defaultShellTimeout = 15 * time.Second

var (
	focusRe       = regexp.MustCompile(`mCurrentFocus=Window\{[^ ]+ [^ ]+ ([^/ ]+)/([^} ]+)\}`)
	resumedRe     = regexp.MustCompile(`mResumedActivity: ActivityRecord\{[^ ]+ [^ ]+ ([^/ ]+)/([^} ]+)`)
	physicalSizeRe = regexp.MustCompile(`Physical size: (\d+)x(\d+)`)
	overrideSizeRe = regexp.MustCompile(`Override size: (\d+)x(\d+)`)
)

// ADBDevice drives a device through the host adb binary. The ADB server is a
// shared external resource; the engine holds one ADBDevice per episode and
// never interleaves oracle queries with step execution on the same serial.
type ADBDevice struct {
	serial    string
	adbServer string
	adbPath   string
}

type ADBOptions struct {
	Serial    string
	ADBServer string
	ADBPath   string
}

func NewADBDevice(options ADBOptions) (*ADBDevice, error) {
	serial := strings.TrimSpace(options.Serial)
	if serial == "" {
		serial = strings.TrimSpace(os.Getenv("ANDROID_SERIAL"))
	}
	if serial == "" {
		return nil, fmt.Errorf("android serial is required (flag or ANDROID_SERIAL)")
	}
	adbServer := strings.TrimSpace(options.ADBServer)
	if adbServer == "" {
		adbServer = strings.TrimSpace(os.Getenv("ADB_SERVER_SOCKET"))
	}
	adbPath := options.ADBPath
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ADBDevice{serial: serial, adbServer: adbServer, adbPath: adbPath}, nil
}

func (d *ADBDevice) Serial() string {
	return d.serial
}

func (d *ADBDevice) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-s", d.serial}, args...)
	// #nosec G204 -- adb path and serial are operator configuration, not remote input.
	cmd := exec.CommandContext(ctx, d.adbPath, full...)
	if d.adbServer != "" {
		cmd.Env = append(os.Environ(), "ADB_SERVER_SOCKET="+d.adbServer)
	}
	return cmd
}

func (d *ADBDevice) RunShell(ctx context.Context, shellCmd string, timeout time.Duration) (ShellResult, error) {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := d.command(runCtx, "shell", shellCmd)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	result := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("adb shell %q: %w", shellCmd, err)
	}
	return result, nil
}

func (d *ADBDevice) Pull(ctx context.Context, devicePath string) ([]byte, error) {
	pullCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := d.command(pullCtx, "exec-out", "cat "+shellQuote(devicePath))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("adb pull %s: %w (%s)", devicePath, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (d *ADBDevice) Observe(ctx context.Context) (Observation, error) {
	obs := Observation{}

	screenshot, err := d.execOut(ctx, "screencap -p")
	if err != nil {
		return Observation{}, fmt.Errorf("screencap: %w", err)
	}
	obs.ScreenshotBytes = screenshot

	uiDump, err := d.uiDump(ctx)
	if err == nil {
		obs.UIDumpBytes = uiDump
	}

	windowDump, err := d.RunShell(ctx, "dumpsys window windows", defaultShellTimeout)
	if err != nil {
		return Observation{}, err
	}
	obs.Foreground = parseForeground(windowDump.Stdout)

	sizeDump, err := d.RunShell(ctx, "wm size", defaultShellTimeout)
	if err != nil {
		return Observation{}, err
	}
	obs.Geometry = parseGeometry(sizeDump.Stdout)

	epoch, err := d.EpochTimeMS(ctx)
	if err != nil {
		return Observation{}, err
	}
	obs.DeviceEpochTimeMS = epoch
	return obs, nil
}

func (d *ADBDevice) Execute(ctx context.Context, action schemaevidence.NormalizedAction) (InputReceipt, error) {
	if action.CoordSpace != "" && action.CoordSpace != schemaevidence.CoordSpacePhysicalPX {
		return InputReceipt{}, fmt.Errorf("execute requires physical_px coordinates, got %s", action.CoordSpace)
	}

	var shellCmd string
	switch action.Type {
	case "tap":
		if action.X == nil || action.Y == nil {
			return InputReceipt{}, fmt.Errorf("tap requires x and y")
		}
		shellCmd = fmt.Sprintf("input tap %d %d", *action.X, *action.Y)
	case "text":
		shellCmd = "input text " + shellQuote(action.Text)
	case "key":
		shellCmd = "input keyevent " + shellQuote(action.Text)
	case "swipe":
		if action.X == nil || action.Y == nil {
			return InputReceipt{}, fmt.Errorf("swipe requires origin x and y")
		}
		dx, dy := swipeDelta(action.Direction)
		shellCmd = fmt.Sprintf("input swipe %d %d %d %d 300", *action.X, *action.Y, *action.X+dx, *action.Y+dy)
	case "back":
		shellCmd = "input keyevent KEYCODE_BACK"
	case "home":
		shellCmd = "input keyevent KEYCODE_HOME"
	case "wait", "finished":
		return InputReceipt{Success: true, TimestampMS: time.Now().UnixMilli()}, nil
	default:
		return InputReceipt{}, fmt.Errorf("unsupported action type: %s", action.Type)
	}

	result, err := d.RunShell(ctx, shellCmd, defaultShellTimeout)
	if err != nil {
		return InputReceipt{}, err
	}
	return InputReceipt{Success: result.ExitCode == 0, TimestampMS: time.Now().UnixMilli()}, nil
}

// EpochTimeMS reads the device clock. This is the authoritative time source
// for every oracle and detector window; the host clock never substitutes.
func (d *ADBDevice) EpochTimeMS(ctx context.Context) (int64, error) {
	result, err := d.RunShell(ctx, "date +%s%3N", defaultShellTimeout)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(result.Stdout)
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return ms, nil
	}
	// Older toolboxes lack %3N; fall back to second precision.
	result, err = d.RunShell(ctx, "date +%s", defaultShellTimeout)
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(result.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse device epoch time: %w", err)
	}
	return seconds * 1000, nil
}

func (d *ADBDevice) Reset(ctx context.Context, snapshot string) error {
	if snapshot == "" {
		return nil
	}
	resetCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := d.command(resetCtx, "emu", "avd", "snapshot", "load", snapshot)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("snapshot load %s: %w (%s)", snapshot, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (d *ADBDevice) execOut(ctx context.Context, shellCmd string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var stdout bytes.Buffer
	cmd := d.command(runCtx, "exec-out", shellCmd)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (d *ADBDevice) uiDump(ctx context.Context) ([]byte, error) {
	const dumpPath = "/sdcard/masbench_ui_dump.xml"
	if _, err := d.RunShell(ctx, "uiautomator dump "+dumpPath, 30*time.Second); err != nil {
		return nil, err
	}
	data, err := d.Pull(ctx, dumpPath)
	if err != nil {
		return nil, err
	}
	_, _ = d.RunShell(ctx, "rm -f "+dumpPath, defaultShellTimeout)
	return data, nil
}

func parseForeground(windowDump string) Foreground {
	if match := focusRe.FindStringSubmatch(windowDump); match != nil {
		return Foreground{Package: match[1], Activity: match[2]}
	}
	if match := resumedRe.FindStringSubmatch(windowDump); match != nil {
		return Foreground{Package: match[1], Activity: match[2]}
	}
	return Foreground{}
}

func parseGeometry(sizeDump string) Geometry {
	geometry := Geometry{}
	if match := physicalSizeRe.FindStringSubmatch(sizeDump); match != nil {
		geometry.PhysicalWidthPX, _ = strconv.Atoi(match[1])
		geometry.PhysicalHeightPX, _ = strconv.Atoi(match[2])
		geometry.ScreenshotWidthPX = geometry.PhysicalWidthPX
		geometry.ScreenshotHeightPX = geometry.PhysicalHeightPX
		geometry.LogicalWidthPX = geometry.PhysicalWidthPX
		geometry.LogicalHeightPX = geometry.PhysicalHeightPX
	}
	if match := overrideSizeRe.FindStringSubmatch(sizeDump); match != nil {
		geometry.LogicalWidthPX, _ = strconv.Atoi(match[1])
		geometry.LogicalHeightPX, _ = strconv.Atoi(match[2])
	}
	return geometry
}

func swipeDelta(direction string) (int, int) {
	switch strings.ToLower(direction) {
	case "up":
		return 0, -400
	case "down":
		return 0, 400
	case "left":
		return -400, 0
	case "right":
		return 400, 0
	}
	return 0, -400
}

func shellQuote(text string) string {
	return "'" + strings.ReplaceAll(text, "'", `'\''`) + "'"
}
