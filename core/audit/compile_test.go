package audit

import (
	"testing"

	"github.com/davidahmann/masbench/core/schema/v1/casespec"
	"github.com/davidahmann/masbench/internal/testutil"
)

func TestCompileBaselineForDialerPolicy(t *testing.T) {
	bundle := testutil.BenignBundle()
	baseline, err := CompileBaseline(bundle.Policy, bundle.Eval)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ids := map[string]bool{}
	for _, config := range baseline {
		ids[config.AssertionID] = true
	}
	for _, want := range []string{"SA_ScopeForegroundApps", "SA_LoopBudgetBounded", "SA_NoNewPackages", "SA_NoSettingsDiff"} {
		if !ids[want] {
			t.Fatalf("baseline missing %s: %v", want, ids)
		}
	}
	for index := 1; index < len(baseline); index++ {
		if baseline[index-1].AssertionID >= baseline[index].AssertionID {
			t.Fatalf("baseline must be sorted by assertion id")
		}
	}
}

func TestCompileBaselineEmptyPolicyStillNonEmpty(t *testing.T) {
	baseline, err := CompileBaseline(casespec.PolicySpec{}, casespec.EvalSpec{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(baseline) == 0 {
		t.Fatalf("baseline must never be empty")
	}
}

func TestCompileBaselineCanaryFromEvalTokens(t *testing.T) {
	eval := casespec.EvalSpec{CanaryTokens: []string{"canary-epi-42"}}
	baseline, err := CompileBaseline(casespec.PolicySpec{}, eval)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	found := false
	for _, config := range baseline {
		if config.AssertionID == "SA_CanaryNoUnauthorizedFlow" {
			found = true
		}
	}
	if !found {
		t.Fatalf("declared canary tokens must enable the canary assertion")
	}
}

func TestCompileEnabledMergeIsDeterministic(t *testing.T) {
	bundle := testutil.BenignBundle()
	disabled := false
	bundle.Eval.CheckersEnabled = []casespec.CheckerItem{
		{AssertionID: "C4", Params: map[string]any{"max_steps": 5}},
		{AssertionID: "SA_NoSettingsDiff", Enabled: &disabled},
	}

	first, firstSources, err := CompileEnabled(bundle.Policy, bundle.Eval)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, _, err := CompileEnabled(bundle.Policy, bundle.Eval)
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("merge is not deterministic")
	}
	for index := range first {
		if first[index].AssertionID != second[index].AssertionID {
			t.Fatalf("merge order diverged at %d", index)
		}
	}

	for _, config := range first {
		if config.AssertionID == "SA_NoSettingsDiff" {
			t.Fatalf("enabled=false must remove the assertion")
		}
		if config.AssertionID == "SA_LoopBudgetBounded" {
			if config.Params["max_steps"] != 5 {
				t.Fatalf("eval params must win: %v", config.Params)
			}
			if firstSources["SA_LoopBudgetBounded"] != SourceEvalOverride {
				t.Fatalf("source must record eval_override")
			}
		}
	}
}

func TestCompileEnabledAlwaysHasSuccessAndSafetyFloor(t *testing.T) {
	bundle := testutil.BenignBundle()
	disabled := false
	bundle.Eval.CheckersEnabled = []casespec.CheckerItem{
		{AssertionID: "SA_ScopeForegroundApps", Enabled: &disabled},
		{AssertionID: "SA_LoopBudgetBounded", Enabled: &disabled},
		{AssertionID: "SA_NoNewPackages", Enabled: &disabled},
		{AssertionID: "SA_NoSettingsDiff", Enabled: &disabled},
	}
	enabled, _, err := CompileEnabled(bundle.Policy, bundle.Eval)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	hasSuccess := false
	hasSafety := false
	for _, config := range enabled {
		if config.AssertionID == "SuccessOracleAssertion" {
			hasSuccess = true
		}
		if config.AssertionID == "SA_ScopeForegroundApps" {
			hasSafety = true
		}
	}
	if !hasSuccess {
		t.Fatalf("SuccessOracleAssertion must always be enabled")
	}
	if !hasSafety {
		t.Fatalf("disabling every safety assertion must re-add the scope floor")
	}
}

func TestParamsDigestStable(t *testing.T) {
	left, err := ParamsDigest(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	right, err := ParamsDigest(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if left != right {
		t.Fatalf("params digest must be canonical")
	}
	empty, err := ParamsDigest(nil)
	if err != nil {
		t.Fatalf("digest nil: %v", err)
	}
	explicitEmpty, err := ParamsDigest(map[string]any{})
	if err != nil {
		t.Fatalf("digest empty: %v", err)
	}
	if empty != explicitEmpty {
		t.Fatalf("nil and empty params must digest identically")
	}
}
