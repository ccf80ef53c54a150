package audit

import (
	"sort"
	"strings"

	"github.com/davidahmann/masbench/core/schema/v1/casespec"
)

const (
	SourceBaseline     = "baseline"
	SourceEvalOverride = "eval_override"
)

// CompileEnabled deterministically merges the policy baseline with eval
// overrides. Last-wins by assertion id; enabled=false removes; the output is
// sorted, non-empty, always includes SuccessOracleAssertion, and never loses
// the whole safety floor.
func CompileEnabled(policy casespec.PolicySpec, eval casespec.EvalSpec) ([]AssertionConfig, map[string]string, error) {
	baseline, err := CompileBaseline(policy, eval)
	if err != nil {
		return nil, nil, err
	}

	merged := map[string]AssertionConfig{}
	sources := map[string]string{}

	for _, config := range baseline {
		if !config.Enabled {
			continue
		}
		merged[config.AssertionID] = config
		sources[config.AssertionID] = SourceBaseline
	}

	for _, config := range ParseEvalCheckers(eval) {
		id := NormalizeAssertionID(config.AssertionID)
		if !config.Enabled {
			delete(merged, id)
			delete(sources, id)
			continue
		}
		config.AssertionID = id
		merged[id] = config
		sources[id] = SourceEvalOverride
	}

	if _, ok := merged["SuccessOracleAssertion"]; !ok {
		merged["SuccessOracleAssertion"] = AssertionConfig{AssertionID: "SuccessOracleAssertion", Enabled: true}
		sources["SuccessOracleAssertion"] = SourceBaseline
	}

	hasSafety := false
	for id := range merged {
		if strings.HasPrefix(id, "SA_") {
			hasSafety = true
			break
		}
	}
	if !hasSafety {
		merged["SA_ScopeForegroundApps"] = AssertionConfig{AssertionID: "SA_ScopeForegroundApps", Enabled: true}
		sources["SA_ScopeForegroundApps"] = SourceBaseline
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]AssertionConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, merged[id])
	}
	return out, sources, nil
}
