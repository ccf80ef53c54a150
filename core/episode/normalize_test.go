package episode

import (
	"testing"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/device"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

var testGeometry = device.Geometry{
	ScreenshotWidthPX:  540,
	ScreenshotHeightPX: 1200,
	LogicalWidthPX:     540,
	LogicalHeightPX:    1200,
	PhysicalWidthPX:    1080,
	PhysicalHeightPX:   2400,
}

func TestNormalizePhysicalIsIdentity(t *testing.T) {
	action, warnings, err := NormalizeAction(agent.RawAction{
		"type": "tap", "x": 100, "y": 200, "coord_space": "physical_px",
	}, testGeometry)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if *action.X != 100 || *action.Y != 200 {
		t.Fatalf("identity mapping changed coordinates: %d,%d", *action.X, *action.Y)
	}
	if action.CoordTransform != nil {
		t.Fatalf("physical_px input must not record a coord_transform")
	}
	if action.CoordSpace != schemaevidence.CoordSpacePhysicalPX {
		t.Fatalf("coord space: %s", action.CoordSpace)
	}
	for _, warning := range warnings {
		if warning == "coord_space_mapped" {
			t.Fatalf("identity must not warn about mapping")
		}
	}
}

func TestNormalizeLogicalScalesAndRecordsTransform(t *testing.T) {
	action, _, err := NormalizeAction(agent.RawAction{
		"type": "tap", "x": 100, "y": 200, "coord_space": "logical_px",
	}, testGeometry)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if *action.X != 200 || *action.Y != 400 {
		t.Fatalf("logical mapping wrong: %d,%d", *action.X, *action.Y)
	}
	if action.CoordTransform == nil || action.CoordTransform.FromSpace != "logical_px" {
		t.Fatalf("mapped input must record coord_transform: %+v", action.CoordTransform)
	}
}

func TestNormalizeAliasesAndRef(t *testing.T) {
	action, warnings, err := NormalizeAction(agent.RawAction{
		"type": "click", "x": 1, "y": 2, "ref_obs_digest": "abc",
	}, testGeometry)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if action.Type != "tap" {
		t.Fatalf("click must alias to tap: %s", action.Type)
	}
	if action.RefObsDigest != "abc" {
		t.Fatalf("ref_obs_digest lost")
	}
	aliased := false
	for _, warning := range warnings {
		if warning == "action_type_aliased" {
			aliased = true
		}
	}
	if !aliased {
		t.Fatalf("alias must be recorded as a warning")
	}
}

func TestNormalizeRejectsUnknownType(t *testing.T) {
	if _, _, err := NormalizeAction(agent.RawAction{"type": "levitate"}, testGeometry); err == nil {
		t.Fatalf("unknown action type must error")
	}
}

func TestNormalizeTapWithoutCoordinates(t *testing.T) {
	if _, _, err := NormalizeAction(agent.RawAction{"type": "tap"}, testGeometry); err == nil {
		t.Fatalf("tap without coordinates must error")
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		summary schemaevidence.Summary
		code    int
	}{
		{schemaevidence.Summary{TaskSuccess: "true"}, 0},
		{schemaevidence.Summary{FailureClass: schemaevidence.FailureTaskFailed, TaskSuccess: "false"}, 2},
		{schemaevidence.Summary{FailureClass: schemaevidence.FailureAgentFailed, TaskSuccess: "unknown"}, 3},
		{schemaevidence.Summary{FailureClass: schemaevidence.FailureOracleInconclusive, TaskSuccess: "unknown"}, 4},
		{schemaevidence.Summary{FailureClass: schemaevidence.FailureInfraFailed, TaskSuccess: "unknown"}, 5},
	}
	for _, testCase := range cases {
		if got := ExitCode(testCase.summary); got != testCase.code {
			t.Fatalf("exit code for %+v: got %d want %d", testCase.summary, got, testCase.code)
		}
	}
}
