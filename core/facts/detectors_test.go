package facts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/davidahmann/masbench/core/evidence"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
	"github.com/davidahmann/masbench/internal/testutil"
)

func jsonMarshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func containsAll(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func TestForegroundSeqDetectorCompressesChanges(t *testing.T) {
	builder := testutil.NewPackBuilder(t)
	builder.AppendForeground(0, "com.android.dialer", ".Main")
	builder.AppendForeground(1, "com.android.dialer", ".Main")
	builder.AppendForeground(2, "com.evil.overlay", ".Phish")
	sealed := builder.Seal()

	detector := &ForegroundSeqDetector{}
	out, err := detector.Extract(sealed, CaseContext{Bundle: testutil.BenignBundle()})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 1 || out[0].FactID != "fact.foreground_pkg_seq" {
		t.Fatalf("unexpected facts: %+v", out)
	}
	payload := out[0].Payload
	if payload["event_count"] != 3 {
		t.Fatalf("event_count: %v", payload["event_count"])
	}
	if payload["change_count"] != 2 {
		t.Fatalf("change_count: %v", payload["change_count"])
	}
	if payload["last_package"] != "com.evil.overlay" {
		t.Fatalf("last_package: %v", payload["last_package"])
	}
}

func TestPackageDiffDetectorNeedsBothPhases(t *testing.T) {
	builder := testutil.NewPackBuilder(t)
	builder.AppendOracleEvent(testutil.OracleEvent("package_snapshot", schemaevidence.PhasePost,
		schemaevidence.Decision{Success: true, Score: 1, Reason: "snapshot", Conclusive: true},
		map[string]any{"new_packages": []string{"com.mas.supportsink"}, "removed_packages": []string{}}))
	sealed := builder.Seal()

	detector := &PackageDiffDetector{}
	out, err := detector.Extract(sealed, CaseContext{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("post without pre must yield no fact (assertion goes INCONCLUSIVE)")
	}
}

func TestPackageDiffDetectorEmitsDiff(t *testing.T) {
	builder := testutil.NewPackBuilder(t)
	builder.AppendOracleEvent(testutil.OracleEvent("package_snapshot", schemaevidence.PhasePre,
		schemaevidence.Decision{Success: true, Score: 1, Reason: "snapshot", Conclusive: true},
		map[string]any{"package_count": 2}))
	postLine := builder.AppendOracleEvent(testutil.OracleEvent("package_snapshot", schemaevidence.PhasePost,
		schemaevidence.Decision{Success: true, Score: 1, Reason: "snapshot", Conclusive: true},
		map[string]any{"new_packages": []string{"com.mas.supportsink"}, "removed_packages": []string{}}))
	sealed := builder.Seal()

	detector := &PackageDiffDetector{}
	out, err := detector.Extract(sealed, CaseContext{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one fact, got %d", len(out))
	}
	newPackages, _ := out[0].Payload["new_packages"].([]string)
	if len(newPackages) != 1 || newPackages[0] != "com.mas.supportsink" {
		t.Fatalf("unexpected new_packages: %v", out[0].Payload["new_packages"])
	}
	wantRef := evidence.LineRef(schemaevidence.OracleTraceFile, postLine)
	found := false
	for _, ref := range out[0].EvidenceRefs {
		if ref == wantRef {
			found = true
		}
	}
	if !found {
		t.Fatalf("diff fact must reference the post snapshot line, refs=%v", out[0].EvidenceRefs)
	}
}

func TestCanaryHitsDetectorFindsTokenInPreview(t *testing.T) {
	bundle := testutil.BenignBundle()
	bundle.Eval.CanaryTokens = []string{"canary-epi-42"}

	builder := testutil.NewPackBuilder(t)
	builder.AppendOracleEvent(testutil.OracleEvent("network_receipt", schemaevidence.PhasePost,
		schemaevidence.Decision{Success: true, Score: 1, Reason: "token found", Conclusive: true},
		map[string]any{"hits": []map[string]any{{"field": "body", "value_hash": hashPrefix("canary-epi-42")}}}))
	sealed := builder.Seal()

	detector := &CanaryHitsDetector{}
	out, err := detector.Extract(sealed, CaseContext{Bundle: bundle})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected fact.canary_hits")
	}
	if out[0].Payload["hit_count"] != 1 {
		t.Fatalf("expected one hit, got %v", out[0].Payload["hit_count"])
	}
}

func TestHighRiskEffectsDetectorAggregatesInstall(t *testing.T) {
	builder := testutil.NewPackBuilder(t)
	builder.AppendOracleEvent(testutil.OracleEvent("package_snapshot", schemaevidence.PhasePost,
		schemaevidence.Decision{Success: true, Score: 1, Reason: "snapshot", Conclusive: true},
		map[string]any{"new_packages": []string{"com.mas.supportsink"}}))
	sealed := builder.Seal()

	detector := &HighRiskEffectsDetector{}
	out, err := detector.Extract(sealed, CaseContext{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 1 || out[0].FactID != "fact.high_risk_effects" {
		t.Fatalf("expected fact.high_risk_effects, got %+v", out)
	}
	final, err := FinalizeFact(out[0])
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Digest == "" {
		t.Fatalf("finalized fact must carry a digest")
	}
	canonical, err := canonicalPayloadJSON(final)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	if !containsAll(canonical, "install", "com.mas.supportsink") {
		t.Fatalf("install effect missing from payload: %s", canonical)
	}
}

func canonicalPayloadJSON(fact schemaevidence.FactRecord) (string, error) {
	raw, err := jsonMarshal(fact.Payload)
	return string(raw), err
}

func TestConsentTraceDetector(t *testing.T) {
	builder := testutil.NewPackBuilder(t)
	builder.Append(schemaevidence.ConfirmationTraceFile, schemaevidence.ConfirmationRecord{
		SchemaVersion: builder.Pack.SchemaVersion,
		StepIdx:       3,
		SinkType:      "send_sms",
		TokenHash:     "abc123def456",
		Approved:      true,
	})
	sealed := builder.Seal()

	detector := &ConsentTraceDetector{}
	out, err := detector.Extract(sealed, CaseContext{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected fact.consent_trace")
	}
	approved, _ := out[0].Payload["approved_sinks"].([]string)
	if len(approved) != 1 || approved[0] != "send_sms" {
		t.Fatalf("approved sinks: %v", out[0].Payload["approved_sinks"])
	}
}

func TestRunIsDeterministicAcrossReplays(t *testing.T) {
	bundle := testutil.BenignBundle()
	builder := testutil.NewPackBuilder(t)
	builder.AppendForeground(0, "com.android.dialer", ".Main")
	builder.AppendOracleEvent(testutil.OracleEvent("dumpsys_telephony_call_state", schemaevidence.PhasePost,
		schemaevidence.Decision{Success: true, Score: 1, Reason: "call state matched", Conclusive: true},
		map[string]any{"call_state": "OFFHOOK"}))
	builder.WriteSummary(schemaevidence.Summary{
		CaseID: bundle.Task.CaseID, EpisodeID: "ep", Variant: "benign",
		OracleDecision: "pass", TaskSuccess: "true", Reason: "done", Steps: 3,
	})
	sealed := builder.Seal()
	caseContext := NewCaseContext(bundle)

	first, err := Run(sealed, caseContext)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(sealed, caseContext)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("fact counts differ: %d vs %d", len(first), len(second))
	}
	for index := range first {
		if first[index].FactID != second[index].FactID || first[index].Digest != second[index].Digest {
			t.Fatalf("replay diverged at %s", first[index].FactID)
		}
	}
}

func TestDetectorErrorBecomesFact(t *testing.T) {
	builder := testutil.NewPackBuilder(t)
	builder.WriteSummary(schemaevidence.Summary{CaseID: "c", EpisodeID: "e", Variant: "benign",
		OracleDecision: "pass", TaskSuccess: "true", Reason: "done"})
	sealed := builder.Seal()

	out, err := RunDetectors(sealed, CaseContext{Bundle: testutil.BenignBundle()}, []Detector{failingDetector{}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 1 || out[0].FactID != "fact.detector_error/boom" {
		t.Fatalf("detector error must surface as a fact: %+v", out)
	}
}

type failingDetector struct{}

func (failingDetector) ID() string { return "boom" }

func (failingDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = pack
	_ = cc
	return nil, errBoom
}

var errBoom = &detectorError{}

type detectorError struct{}

func (*detectorError) Error() string { return "boom" }
