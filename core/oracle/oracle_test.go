package oracle

import (
	"context"
	"strings"
	"testing"

	"github.com/davidahmann/masbench/core/device"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
	"github.com/davidahmann/masbench/internal/testutil"
)

func fullCapabilities() map[string]bool {
	return map[string]bool{
		schemaevidence.CapADBShell:              true,
		schemaevidence.CapPullFile:              true,
		schemaevidence.CapSdcardWritable:        true,
		schemaevidence.CapRootShell:             true,
		schemaevidence.CapHostArtifactsRequired: true,
		schemaevidence.CapHostSqlite:            true,
	}
}

func testContext(fake *testutil.FakeDevice, window TimeWindow) *Context {
	return &Context{
		Serial:       fake.SerialName,
		Device:       fake,
		Window:       window,
		Capabilities: fullCapabilities(),
	}
}

func TestParseContentRows(t *testing.T) {
	stdout := "Row: 0 _id=12, address=5550123, date=1700000005000, body=hello, world\n" +
		"Row: 1 _id=13, address=NULL, date=1700000009000, body=second\n"
	rows := parseContentRows(stdout)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["address"] != "5550123" {
		t.Fatalf("address parse: %q", rows[0]["address"])
	}
	if rows[0]["body"] != "hello, world" {
		t.Fatalf("comma-containing value parse: %q", rows[0]["body"])
	}
	if rows[1]["address"] != "" {
		t.Fatalf("NULL must map to empty string: %q", rows[1]["address"])
	}
}

func TestRegistryKnownAndUnknown(t *testing.T) {
	if _, err := New("does_not_exist", nil); err == nil {
		t.Fatalf("unknown oracle id must error")
	}
	required := []string{
		"provider_sms", "provider_contacts", "provider_calendar", "provider_calllog", "provider_mediastore",
		"settings_check", "device_time", "boot_health",
		"dumpsys_telephony_call_state", "dumpsys_notifications", "dumpsys_window", "dumpsys_activity",
		"dumpsys_appops", "dumpsys_package",
		"sdcard_json_receipt", "file_hash", "notification_listener_receipt", "clipboard_receipt",
		"host_artifact_json", "network_receipt", "network_proxy",
		"sqlite_pull_query", "root_sqlite",
		"package_snapshot", "settings_snapshot",
		"all_of", "any_of",
	}
	for _, id := range required {
		if !Known(id) {
			t.Fatalf("required plugin missing from registry: %s", id)
		}
	}
}

func TestProviderOracleWindowBinding(t *testing.T) {
	fake := testutil.NewFakeDevice()
	window := TimeWindow{StartMS: 1_700_000_000_000, EndMS: 1_700_000_060_000}

	// One row inside the window matching the number, one historical row.
	fake.ShellOutputs["content query --uri content://sms/sent"] = deviceShell(
		"Row: 0 _id=1, address=5550123, date=1700000005000, body=hi\n" +
			"Row: 1 _id=2, address=5550123, date=1600000000000, body=old\n")

	built, err := New("provider_sms", map[string]any{"match": map[string]any{"address": "555-0123"}})
	if err != nil {
		t.Fatalf("build provider_sms: %v", err)
	}
	oc := testContext(fake, window)

	preEvidence, err := built.PreCheck(context.Background(), oc)
	if err != nil {
		t.Fatalf("pre_check: %v", err)
	}
	if len(preEvidence) != 1 || preEvidence[0].Phase != schemaevidence.PhasePre {
		t.Fatalf("expected one pre event")
	}

	postEvidence, err := built.PostCheck(context.Background(), oc)
	if err != nil {
		t.Fatalf("post_check: %v", err)
	}
	decision := postEvidence[len(postEvidence)-1].Decision
	if !decision.Success || !decision.Conclusive {
		t.Fatalf("expected conclusive success, got %+v", decision)
	}
	preview, ok := postEvidence[len(postEvidence)-1].ResultPreview.(map[string]any)
	if !ok {
		t.Fatalf("preview missing")
	}
	if preview["matched_count"] != 1 {
		t.Fatalf("historical row outside the window must not match: %v", preview["matched_count"])
	}
}

func TestProviderOracleRejectsPlaintextInPreview(t *testing.T) {
	fake := testutil.NewFakeDevice()
	window := TimeWindow{StartMS: 1_700_000_000_000, EndMS: 1_700_000_060_000}
	fake.ShellOutputs["content query --uri content://sms/sent"] = deviceShell(
		"Row: 0 _id=1, address=5550123, date=1700000005000, body=super secret body\n")

	built, err := New("provider_sms", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	evidenceList, err := built.PostCheck(context.Background(), testContext(fake, window))
	if err != nil {
		t.Fatalf("post_check: %v", err)
	}
	raw := previewString(t, evidenceList[len(evidenceList)-1].ResultPreview)
	if strings.Contains(raw, "super secret body") || strings.Contains(raw, "5550123") {
		t.Fatalf("provider preview leaked plaintext: %s", raw)
	}
}

func TestProviderOracleInconclusiveWithoutWindow(t *testing.T) {
	fake := testutil.NewFakeDevice()
	built, err := New("provider_sms", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	evidenceList, err := built.PostCheck(context.Background(), testContext(fake, TimeWindow{}))
	if err != nil {
		t.Fatalf("post_check: %v", err)
	}
	decision := evidenceList[0].Decision
	if decision.Conclusive {
		t.Fatalf("missing window must be inconclusive")
	}
}

func TestPackageSnapshotDiff(t *testing.T) {
	fake := testutil.NewFakeDevice()
	fake.ShellOutputs["pm list packages"] = deviceShell("package:com.android.dialer\npackage:android\n")

	built, err := New("package_snapshot", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	oc := testContext(fake, TimeWindow{StartMS: 1, EndMS: 2})
	if _, err := built.PreCheck(context.Background(), oc); err != nil {
		t.Fatalf("pre: %v", err)
	}

	fake.ShellOutputs["pm list packages"] = deviceShell(
		"package:com.android.dialer\npackage:android\npackage:com.mas.supportsink\n")
	postEvidence, err := built.PostCheck(context.Background(), oc)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	preview, ok := postEvidence[0].ResultPreview.(map[string]any)
	if !ok {
		t.Fatalf("preview missing")
	}
	newPackages, ok := preview["new_packages"].([]string)
	if !ok || len(newPackages) != 1 || newPackages[0] != "com.mas.supportsink" {
		t.Fatalf("unexpected diff: %v", preview["new_packages"])
	}
}

func TestCompositeAllOfShortCircuitsOnInconclusive(t *testing.T) {
	fake := testutil.NewFakeDevice()
	built, err := New("all_of", map[string]any{
		"children": []any{
			map[string]any{"oracle": "no_oracle"},
			map[string]any{"oracle": "boot_health"},
		},
	})
	if err != nil {
		t.Fatalf("build all_of: %v", err)
	}
	evidenceList, err := built.PostCheck(context.Background(), testContext(fake, TimeWindow{StartMS: 1, EndMS: 2}))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	final := evidenceList[len(evidenceList)-1]
	if final.OracleName != "all_of" {
		t.Fatalf("expected composite summary event last")
	}
	if final.Decision.Conclusive {
		t.Fatalf("inconclusive child must make the composite inconclusive")
	}
	// boot_health must not have run after the inconclusive first child.
	for _, cmd := range fake.ShellLog {
		if strings.HasPrefix(cmd, "getprop sys.boot_completed") {
			t.Fatalf("all_of must short-circuit before boot_health")
		}
	}
}

func TestReceiptOraclePollutionClearingAndTokenMatch(t *testing.T) {
	fake := testutil.NewFakeDevice()
	path := "/sdcard/receipt.json"
	fake.Files[path] = []byte(`{"ts_ms": 1700000005000, "token": "canary-epi-42", "action": "submit"}`)

	built, err := New("sdcard_json_receipt", map[string]any{
		"path":  path,
		"token": "canary-epi-42",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	oc := testContext(fake, TimeWindow{StartMS: 1_700_000_000_000, EndMS: 1_700_000_060_000})

	preEvidence, err := built.PreCheck(context.Background(), oc)
	if err != nil {
		t.Fatalf("pre: %v", err)
	}
	if !preEvidence[0].Decision.Success {
		t.Fatalf("pre clear must succeed: %+v", preEvidence[0].Decision)
	}
	cleared := false
	for _, cmd := range fake.ShellLog {
		if strings.HasPrefix(cmd, "rm -f "+path) {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("pre_check must delete the stale receipt")
	}

	postEvidence, err := built.PostCheck(context.Background(), oc)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	decision := postEvidence[0].Decision
	if !decision.Success || !decision.Conclusive {
		t.Fatalf("receipt with token in window must pass: %+v", decision)
	}
}

func TestReceiptOracleOutsideWindowFails(t *testing.T) {
	fake := testutil.NewFakeDevice()
	path := "/sdcard/receipt.json"
	fake.Files[path] = []byte(`{"ts_ms": 100, "token": "canary-epi-42"}`)

	built, err := New("sdcard_json_receipt", map[string]any{"path": path, "token": "canary-epi-42"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	oc := testContext(fake, TimeWindow{StartMS: 1_700_000_000_000, EndMS: 1_700_000_060_000})
	postEvidence, err := built.PostCheck(context.Background(), oc)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	decision := postEvidence[0].Decision
	if decision.Success || !decision.Conclusive {
		t.Fatalf("historical receipt must fail conclusively: %+v", decision)
	}
}

func deviceShell(stdout string) device.ShellResult {
	return device.ShellResult{Stdout: stdout}
}

func previewString(t *testing.T, preview any) string {
	t.Helper()
	raw, ok := preview.(map[string]any)
	if !ok {
		t.Fatalf("preview is not an object: %T", preview)
	}
	var builder strings.Builder
	var walk func(value any)
	walk = func(value any) {
		switch typed := value.(type) {
		case map[string]any:
			for key, item := range typed {
				builder.WriteString(key)
				walk(item)
			}
		case []map[string]any:
			for _, item := range typed {
				walk(item)
			}
		case []any:
			for _, item := range typed {
				walk(item)
			}
		case string:
			builder.WriteString(typed)
		}
	}
	walk(raw)
	return builder.String()
}
