package device

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// HealthReport is the outcome of the pre-step infrastructure probe. An
// unhealthy device fails the episode fast with infra_failed before any agent
// traffic happens.
type HealthReport struct {
	BootCompleted   bool  `json:"boot_completed"`
	StorageWritable bool  `json:"storage_writable"`
	EpochTimeMS     int64 `json:"epoch_time_ms"`
	Healthy         bool  `json:"healthy"`
	Reason          string `json:"reason,omitempty"`
}

// EpochProber is implemented by devices that expose the device clock directly.
type EpochProber interface {
	EpochTimeMS(ctx context.Context) (int64, error)
}

// Probe checks boot state, sdcard writability, and the device clock.
func Probe(ctx context.Context, d Device) HealthReport {
	report := HealthReport{}

	boot, err := d.RunShell(ctx, "getprop sys.boot_completed", 10*time.Second)
	if err != nil {
		report.Reason = fmt.Sprintf("boot probe: %v", err)
		return report
	}
	report.BootCompleted = strings.TrimSpace(boot.Stdout) == "1"
	if !report.BootCompleted {
		report.Reason = "device boot not completed"
		return report
	}

	probePath := "/sdcard/.masbench_probe"
	write, err := d.RunShell(ctx, "touch "+probePath+" && rm "+probePath, 10*time.Second)
	if err != nil {
		report.Reason = fmt.Sprintf("storage probe: %v", err)
		return report
	}
	report.StorageWritable = write.ExitCode == 0
	if !report.StorageWritable {
		report.Reason = "sdcard not writable"
		return report
	}

	epoch, err := probeEpochTime(ctx, d)
	if err != nil {
		report.Reason = fmt.Sprintf("epoch probe: %v", err)
		return report
	}
	report.EpochTimeMS = epoch

	report.Healthy = true
	return report
}

func probeEpochTime(ctx context.Context, d Device) (int64, error) {
	if prober, ok := d.(EpochProber); ok {
		return prober.EpochTimeMS(ctx)
	}
	result, err := d.RunShell(ctx, "date +%s", 10*time.Second)
	if err != nil {
		return 0, err
	}
	var seconds int64
	if _, err := fmt.Sscanf(strings.TrimSpace(result.Stdout), "%d", &seconds); err != nil {
		return 0, fmt.Errorf("parse epoch: %w", err)
	}
	return seconds * 1000, nil
}

// ProbeCapabilities discovers which capability tokens the device supports.
// Oracles declare what they need; anything missing turns their decisions
// inconclusive instead of wrong.
func ProbeCapabilities(ctx context.Context, d Device, artifactsRoot string) map[string]bool {
	capabilities := map[string]bool{}

	shell, err := d.RunShell(ctx, "echo ok", 10*time.Second)
	capabilities["adb_shell"] = err == nil && strings.TrimSpace(shell.Stdout) == "ok"

	if capabilities["adb_shell"] {
		root, err := d.RunShell(ctx, "su 0 id -u", 10*time.Second)
		capabilities["root_shell"] = err == nil && strings.TrimSpace(root.Stdout) == "0"

		sdcard, err := d.RunShell(ctx, "touch /sdcard/.masbench_cap && rm /sdcard/.masbench_cap", 10*time.Second)
		capabilities["sdcard_writable"] = err == nil && sdcard.ExitCode == 0

		runAs, err := d.RunShell(ctx, "run-as com.android.shell true", 10*time.Second)
		capabilities["run_as_available"] = err == nil && runAs.ExitCode == 0

		_, pullErr := d.Pull(ctx, "/system/build.prop")
		capabilities["pull_file"] = pullErr == nil
	}

	capabilities["host_artifacts_required"] = artifactsRoot != ""
	capabilities["host_sqlite"] = true
	return capabilities
}
