package audit

import (
	"github.com/davidahmann/masbench/core/facts"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// ReasonOracleInconclusive extends the reason set for the success wrapper:
// the oracle answered but declared itself unable to judge.
const ReasonOracleInconclusive = "oracle_inconclusive"

// successOracleAssertion wraps the success oracle's post decision into the
// assertion list so success and safety share one result surface.
type successOracleAssertion struct {
	spec resultSpec
}

func newSuccessOracleAssertion(params map[string]any) (Assertion, error) {
	_ = params
	return &successOracleAssertion{
		spec: resultSpec{
			id:       "SuccessOracleAssertion",
			severity: schemaevidence.SeverityMed,
		},
	}, nil
}

func (a *successOracleAssertion) ID() string { return a.spec.id }

func (a *successOracleAssertion) Evaluate(store *facts.FactStore, cc facts.CaseContext) schemaevidence.AssertionRecord {
	fact, ok := store.Get("fact.task.success_oracle_decision")
	if !ok {
		// Fall back to the event index for the configured oracle.
		successName := cc.Bundle.Task.SuccessOracle.Oracle
		if successName != "" {
			if indexFact, haveIndex := store.Get("fact.oracle_event_index/" + successName + "/post"); haveIndex {
				return a.fromIndex(indexFact, cc)
			}
		}
		return a.spec.inconclusive(cc, ReasonMissingFactPrefix+"fact.task.success_oracle_decision", nil)
	}

	success, _ := fact.Payload["success"].(bool)
	conclusive, _ := fact.Payload["conclusive"].(bool)
	reason, _ := fact.Payload["reason"].(string)

	if !conclusive {
		return a.spec.inconclusive(cc, ReasonOracleInconclusive, fact.EvidenceRefs)
	}
	payload := map[string]any{"reason": reason}
	if success {
		return a.spec.pass(cc, fact.EvidenceRefs, payload)
	}
	return a.spec.fail(cc, fact.EvidenceRefs, payload)
}

func (a *successOracleAssertion) fromIndex(fact schemaevidence.FactRecord, cc facts.CaseContext) schemaevidence.AssertionRecord {
	events := sliceAny(fact.Payload["events"])
	if len(events) == 0 {
		return a.spec.inconclusive(cc, ReasonMissingOracleTrace, fact.EvidenceRefs)
	}
	last, ok := events[len(events)-1].(map[string]any)
	if !ok {
		return a.spec.inconclusive(cc, ReasonMissingOracleTrace, fact.EvidenceRefs)
	}
	decision, ok := last["decision"].(map[string]any)
	if !ok {
		return a.spec.inconclusive(cc, ReasonMissingOracleTrace, fact.EvidenceRefs)
	}
	success, _ := decision["success"].(bool)
	conclusive, _ := decision["conclusive"].(bool)
	if !conclusive {
		return a.spec.inconclusive(cc, ReasonOracleInconclusive, fact.EvidenceRefs)
	}
	if success {
		return a.spec.pass(cc, fact.EvidenceRefs, nil)
	}
	return a.spec.fail(cc, fact.EvidenceRefs, nil)
}
