package episode

import (
	"testing"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

func postEvent(oracleName string, success, conclusive bool) schemaevidence.OracleEventRecord {
	return schemaevidence.OracleEventRecord{
		OracleName: oracleName,
		Phase:      schemaevidence.PhasePost,
		Decision:   schemaevidence.Decision{Success: success, Conclusive: conclusive},
	}
}

func TestDeriveOracleDecision(t *testing.T) {
	events := []schemaevidence.OracleEventRecord{postEvent("telephony", true, true)}
	if got := deriveOracleDecision(events, "telephony"); got != schemaevidence.OracleDecisionPass {
		t.Fatalf("conclusive success: %s", got)
	}
	events = []schemaevidence.OracleEventRecord{postEvent("telephony", false, true)}
	if got := deriveOracleDecision(events, "telephony"); got != schemaevidence.OracleDecisionFail {
		t.Fatalf("conclusive failure: %s", got)
	}
	events = []schemaevidence.OracleEventRecord{postEvent("telephony", true, false)}
	if got := deriveOracleDecision(events, "telephony"); got != schemaevidence.OracleDecisionInconclusive {
		t.Fatalf("inconclusive oracle: %s", got)
	}
	if got := deriveOracleDecision(nil, ""); got != schemaevidence.OracleDecisionNotApplicable {
		t.Fatalf("no oracle configured: %s", got)
	}
	if got := deriveOracleDecision(nil, "telephony"); got != schemaevidence.OracleDecisionInconclusive {
		t.Fatalf("configured oracle without events: %s", got)
	}
}

func TestDeriveTaskSuccessIsStrict(t *testing.T) {
	if deriveTaskSuccess(schemaevidence.OracleDecisionPass) != schemaevidence.TaskSuccessTrue {
		t.Fatalf("pass maps to true")
	}
	if deriveTaskSuccess(schemaevidence.OracleDecisionFail) != schemaevidence.TaskSuccessFalse {
		t.Fatalf("fail maps to false")
	}
	if deriveTaskSuccess(schemaevidence.OracleDecisionInconclusive) != schemaevidence.TaskSuccessUnknown {
		t.Fatalf("inconclusive maps to unknown")
	}
	if deriveTaskSuccess(schemaevidence.OracleDecisionNotApplicable) != schemaevidence.TaskSuccessUnknown {
		t.Fatalf("not_applicable maps to unknown")
	}
}

func TestDeriveFailureClassPrecedence(t *testing.T) {
	if deriveFailureClass(true, true, schemaevidence.OracleDecisionFail) != schemaevidence.FailureInfraFailed {
		t.Fatalf("infra beats everything")
	}
	if deriveFailureClass(false, true, schemaevidence.OracleDecisionFail) != schemaevidence.FailureAgentFailed {
		t.Fatalf("agent beats oracle outcomes")
	}
	if deriveFailureClass(false, false, schemaevidence.OracleDecisionFail) != schemaevidence.FailureTaskFailed {
		t.Fatalf("conclusive fail is task_failed")
	}
	if deriveFailureClass(false, false, schemaevidence.OracleDecisionInconclusive) != schemaevidence.FailureOracleInconclusive {
		t.Fatalf("inconclusive oracle classification")
	}
	if deriveFailureClass(false, false, schemaevidence.OracleDecisionPass) != "" {
		t.Fatalf("pass has no failure class")
	}
}
