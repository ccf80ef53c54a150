package episode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/device"
	"github.com/davidahmann/masbench/core/evidence"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
	"github.com/davidahmann/masbench/internal/testutil"
)

func telephonyFake() *testutil.FakeDevice {
	fake := testutil.NewFakeDevice()
	fake.ShellOutputs["dumpsys telephony.registry"] = device.ShellResult{
		Stdout: "mCallState=2\nmLastOutgoingNumber=5550123\n",
	}
	fake.ShellOutputs["pm list packages"] = device.ShellResult{
		Stdout: "package:com.android.dialer\npackage:android\n",
	}
	return fake
}

func readTrace(t *testing.T, episodeDir, name string) []string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(episodeDir, "evidence", name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read %s: %v", name, err)
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestRunBenignDialEpisode(t *testing.T) {
	fake := telephonyFake()
	stepper := &testutil.ScriptedStepper{Actions: []agent.RawAction{
		{"type": "tap", "x": 100, "y": 200},
		{"type": "tap", "x": 300, "y": 400},
	}}

	result, err := Run(context.Background(), Options{
		Bundle:  testutil.BenignBundle(),
		Device:  fake,
		Planner: stepper,
		OutDir:  t.TempDir(),
		Seed:    7,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Summary.OracleDecision != schemaevidence.OracleDecisionPass {
		t.Fatalf("oracle decision: %+v", result.Summary)
	}
	if result.Summary.TaskSuccess != schemaevidence.TaskSuccessTrue {
		t.Fatalf("task success: %s", result.Summary.TaskSuccess)
	}
	if result.Summary.FailureClass != "" {
		t.Fatalf("failure class: %s", result.Summary.FailureClass)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code: %d", result.ExitCode)
	}
	if result.Summary.Steps != 2 {
		t.Fatalf("steps: %d", result.Summary.Steps)
	}
	if len(result.Facts) == 0 || len(result.Assertions) == 0 {
		t.Fatalf("facts/assertions must be non-empty")
	}

	failCount := 0
	for _, assertion := range result.Assertions {
		if assertion.Result == schemaevidence.ResultFail {
			failCount++
		}
		if assertion.AssertionID == "SA_ScopeForegroundApps" && assertion.Result != schemaevidence.ResultPass {
			t.Fatalf("scope assertion: %+v", assertion)
		}
		if assertion.AssertionID == "SA_NoNewPackages" && assertion.Result != schemaevidence.ResultPass {
			t.Fatalf("no-new-packages assertion: %+v", assertion)
		}
	}
	if failCount != 0 {
		t.Fatalf("benign episode must have zero FAILs")
	}

	// L0 binding: every device input line pairs with an agent action line.
	inputLines := readTrace(t, result.EpisodeDir, schemaevidence.DeviceInputTraceFile)
	actionLines := readTrace(t, result.EpisodeDir, schemaevidence.AgentActionTraceFile)
	if len(inputLines) != 2 || len(actionLines) != 2 {
		t.Fatalf("trace lengths: inputs=%d actions=%d", len(inputLines), len(actionLines))
	}
	for _, line := range inputLines {
		if !strings.Contains(line, `"source_level":"L0"`) {
			t.Fatalf("input line missing L0 marker: %s", line)
		}
	}

	if result.Summary.TStartMS == 0 || result.Summary.TEndMS <= result.Summary.TStartMS {
		t.Fatalf("device epoch window not established: %+v", result.Summary)
	}
	if result.Summary.Audit == nil || len(result.Summary.Audit.EnabledAssertions) == 0 {
		t.Fatalf("summary audit block missing")
	}
}

func TestRunRefMismatchIsAgentFailed(t *testing.T) {
	fake := telephonyFake()
	stepper := &testutil.RefBindingStepper{
		MakeRef: func(obs device.Observation) string {
			_ = obs
			return "0000000000000000000000000000000000000000000000000000000000000000"
		},
		Action: agent.RawAction{"type": "tap", "x": 10, "y": 20},
		Steps:  3,
	}

	result, err := Run(context.Background(), Options{
		Bundle:  testutil.BenignBundle(),
		Device:  fake,
		Planner: stepper,
		OutDir:  t.TempDir(),
		Seed:    7,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.FailureClass != schemaevidence.FailureAgentFailed {
		t.Fatalf("ref mismatch must classify agent_failed: %+v", result.Summary)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code: %d", result.ExitCode)
	}

	// The refused action never reaches the device.
	if len(readTrace(t, result.EpisodeDir, schemaevidence.DeviceInputTraceFile)) != 0 {
		t.Fatalf("refused action must not produce a device input line")
	}
	actionLines := readTrace(t, result.EpisodeDir, schemaevidence.AgentActionTraceFile)
	if len(actionLines) != 1 || !strings.Contains(actionLines[0], "ref_mismatch") {
		t.Fatalf("agent action line must record ref_mismatch: %v", actionLines)
	}
	if len(fake.Executed) != 0 {
		t.Fatalf("device must not execute a refused action")
	}
}

func TestRunMatchingRefExecutes(t *testing.T) {
	fake := telephonyFake()
	stepper := &testutil.RefBindingStepper{
		MakeRef: func(obs device.Observation) string {
			components, err := evidence.ObservationComponents(obs, false)
			if err != nil {
				return ""
			}
			return evidence.ObsDigest(components)
		},
		Action: agent.RawAction{"type": "tap", "x": 10, "y": 20},
		Steps:  1,
	}

	result, err := Run(context.Background(), Options{
		Bundle:  testutil.BenignBundle(),
		Device:  fake,
		Planner: stepper,
		OutDir:  t.TempDir(),
		Seed:    7,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.FailureClass == schemaevidence.FailureAgentFailed {
		t.Fatalf("matching ref must execute: %+v", result.Summary)
	}
	if len(fake.Executed) != 1 {
		t.Fatalf("expected one executed action, got %d", len(fake.Executed))
	}
}

type errStepper struct{}

func (errStepper) NextAction(ctx context.Context, obs device.Observation) (agent.RawAction, bool, error) {
	_ = ctx
	_ = obs
	return nil, false, errors.New("agent process crashed")
}

func TestRunAgentErrorIsAgentFailed(t *testing.T) {
	result, err := Run(context.Background(), Options{
		Bundle:  testutil.BenignBundle(),
		Device:  telephonyFake(),
		Planner: errStepper{},
		OutDir:  t.TempDir(),
		Seed:    1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.FailureClass != schemaevidence.FailureAgentFailed {
		t.Fatalf("agent rpc failure must classify agent_failed: %+v", result.Summary)
	}
	// Post-checks still ran: assertions exist on whatever evidence there is.
	if len(result.Assertions) == 0 {
		t.Fatalf("assertions must still be produced")
	}
}

func TestRunUnnormalizableActionIsAgentFailed(t *testing.T) {
	stepper := &testutil.ScriptedStepper{Actions: []agent.RawAction{
		{"type": "levitate"},
	}}
	result, err := Run(context.Background(), Options{
		Bundle:  testutil.BenignBundle(),
		Device:  telephonyFake(),
		Planner: stepper,
		OutDir:  t.TempDir(),
		Seed:    1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.FailureClass != schemaevidence.FailureAgentFailed {
		t.Fatalf("unnormalizable action must classify agent_failed: %+v", result.Summary)
	}
}

func TestRunRemoteAgentTimeout(t *testing.T) {
	runner := &testutil.FakeRunner{Response: agent.RunResponse{Status: agent.StatusTimeout}}
	result, err := Run(context.Background(), Options{
		Bundle: testutil.BenignBundle(),
		Device: telephonyFake(),
		Remote: runner,
		OutDir: t.TempDir(),
		Seed:   1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.FailureClass != schemaevidence.FailureAgentFailed {
		t.Fatalf("remote timeout must classify agent_failed: %+v", result.Summary)
	}
	if !result.Summary.TimedOut {
		t.Fatalf("summary must record the timeout")
	}
	if len(runner.Requests) != 1 {
		t.Fatalf("remote agent must be invoked exactly once")
	}
}

func TestRunUnhealthyDeviceIsInfraFailed(t *testing.T) {
	fake := telephonyFake()
	fake.ShellOutputs["getprop sys.boot_completed"] = device.ShellResult{Stdout: "0\n"}

	result, err := Run(context.Background(), Options{
		Bundle:  testutil.BenignBundle(),
		Device:  fake,
		Planner: &testutil.ScriptedStepper{},
		OutDir:  t.TempDir(),
		Seed:    1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.FailureClass != schemaevidence.FailureInfraFailed {
		t.Fatalf("unhealthy device must classify infra_failed: %+v", result.Summary)
	}
	if result.ExitCode != 5 {
		t.Fatalf("exit code: %d", result.ExitCode)
	}
}

func TestRunRequiresExactlyOneAgentMode(t *testing.T) {
	if _, err := Run(context.Background(), Options{
		Bundle: testutil.BenignBundle(),
		Device: telephonyFake(),
		OutDir: t.TempDir(),
	}); err == nil {
		t.Fatalf("neither planner nor remote must error")
	}
}
