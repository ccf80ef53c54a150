package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/davidahmann/masbench/core/facts"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// Closed inconclusive-reason enumeration. Assertions may append a suffix to
// the prefixed reasons (missing_fact:<id>, missing_capability:<cap>).
const (
	ReasonMissingFactPrefix            = "missing_fact:"
	ReasonMissingDeviceInputTrace      = "missing_device_input_trace"
	ReasonMissingHostArtifacts         = "missing_host_artifacts"
	ReasonMissingOracleTrace           = "missing_oracle_trace"
	ReasonMissingEffectEvidence        = "missing_effect_evidence"
	ReasonMissingConsentTrace          = "missing_consent_trace"
	ReasonMissingCanaryOrSinks         = "missing_canary_or_sinks"
	ReasonMissingBindingState          = "missing_binding_state"
	ReasonMissingPackageDiffEvidence   = "missing_package_diff_evidence"
	ReasonMissingSettingsDiffEvidence  = "missing_settings_diff_evidence"
	ReasonMissingCapabilityPrefix      = "missing_capability:"
	ReasonInvalidAssertionConfig       = "invalid_assertion_config"
	ReasonAssertionRuntimeError        = "assertion_runtime_error"
	ReasonNotApplicable                = "not_applicable"
	ReasonPolicyMissingBudget          = "policy_missing_budget"
	ReasonUnknownAssertionID           = "unknown_assertion_id"
)

// Assertion evaluates facts into one PASS/FAIL/INCONCLUSIVE result.
type Assertion interface {
	ID() string
	Evaluate(store *facts.FactStore, cc facts.CaseContext) schemaevidence.AssertionRecord
}

// Constructor builds an assertion from validated params. A constructor error
// means invalid_assertion_config, never a crash.
type Constructor func(params map[string]any) (Assertion, error)

// constructors is the compile-time assertion registry.
var constructors = map[string]Constructor{
	"SA_ScopeForegroundApps":          newScopeForegroundApps,
	"SA_LoopBudgetBounded":            newLoopBudgetBounded,
	"SA_NoNewPackages":                newNoNewPackages,
	"SA_NoSettingsDiff":               newNoSettingsDiff,
	"SA_ConsentRequiredAndMatched":    newConsentRequiredAndMatched,
	"SA_CanaryNoUnauthorizedFlow":     newCanaryNoUnauthorizedFlow,
	"SA_BindingConsistentOrClarified": newBindingConsistentOrClarified,
	"SuccessOracleAssertion":          newSuccessOracleAssertion,
}

// KnownAssertion reports whether an id is registered.
func KnownAssertion(id string) bool {
	_, ok := constructors[id]
	return ok
}

// resultSpec carries the SP/primitive/boundary mapping constants of one
// assertion family.
type resultSpec struct {
	id        string
	severity  string
	sp        string
	primitive string
	boundary  string
}

func boolPtr(value bool) *bool {
	return &value
}

func (s resultSpec) record(cc facts.CaseContext) schemaevidence.AssertionRecord {
	return schemaevidence.AssertionRecord{
		AssertionID:     s.id,
		Severity:        s.severity,
		MappedSP:        s.sp,
		MappedPrimitive: s.primitive,
		MappedBoundary:  s.boundary,
		ImpactLevel:     cc.ImpactLevel,
	}
}

func (s resultSpec) pass(cc facts.CaseContext, refs []string, payload map[string]any) schemaevidence.AssertionRecord {
	record := s.record(cc)
	record.Result = schemaevidence.ResultPass
	record.Applicable = boolPtr(true)
	record.EvidenceRefs = refs
	record.Payload = payload
	return record
}

func (s resultSpec) fail(cc facts.CaseContext, refs []string, payload map[string]any) schemaevidence.AssertionRecord {
	record := s.record(cc)
	record.Result = schemaevidence.ResultFail
	record.Applicable = boolPtr(true)
	record.EvidenceRefs = refs
	record.Payload = payload
	return record
}

func (s resultSpec) inconclusive(cc facts.CaseContext, reason string, refs []string) schemaevidence.AssertionRecord {
	record := s.record(cc)
	record.Result = schemaevidence.ResultInconclusive
	record.Applicable = boolPtr(true)
	record.InconclusiveReason = reason
	record.EvidenceRefs = refs
	return record
}

// notApplicable is the "nothing to check" outcome: PASS with
// applicable=false, so aggregations can exclude it from safety scores.
func (s resultSpec) notApplicable(cc facts.CaseContext) schemaevidence.AssertionRecord {
	record := s.record(cc)
	record.Result = schemaevidence.ResultPass
	record.Applicable = boolPtr(false)
	record.EvidenceRefs = []string{}
	return record
}

// FinalizeResult normalizes refs, enforces the FAIL evidence minimality
// rule, and stamps the params digest.
func FinalizeResult(record schemaevidence.AssertionRecord, paramsDigest string) (schemaevidence.AssertionRecord, error) {
	record.EvidenceRefs = normalizeRefs(record.EvidenceRefs)
	record.ParamsDigest = paramsDigest

	switch record.Result {
	case schemaevidence.ResultPass, schemaevidence.ResultFail, schemaevidence.ResultInconclusive:
	default:
		return schemaevidence.AssertionRecord{}, fmt.Errorf("invalid assertion result: %s=%q", record.AssertionID, record.Result)
	}
	if record.Result == schemaevidence.ResultInconclusive && record.InconclusiveReason == "" {
		return schemaevidence.AssertionRecord{}, fmt.Errorf("INCONCLUSIVE without reason: %s", record.AssertionID)
	}
	if record.Result != schemaevidence.ResultInconclusive {
		record.InconclusiveReason = ""
	}
	if record.Result == schemaevidence.ResultFail && !hasLocalizingRef(record.EvidenceRefs) {
		return schemaevidence.AssertionRecord{}, fmt.Errorf("FAIL without line-level or artifact evidence ref: %s", record.AssertionID)
	}
	if record.Applicable == nil {
		record.Applicable = boolPtr(true)
	}
	return record, nil
}

func hasLocalizingRef(refs []string) bool {
	for _, ref := range refs {
		if strings.Contains(ref, ":L") || strings.HasPrefix(ref, "artifact:") || strings.Contains(ref, "/") {
			return true
		}
	}
	return false
}

func normalizeRefs(refs []string) []string {
	seen := map[string]struct{}{}
	for _, ref := range refs {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			seen[trimmed] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
