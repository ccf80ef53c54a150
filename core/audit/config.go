package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidahmann/masbench/core/jcs"
	"github.com/davidahmann/masbench/core/schema/v1/casespec"
)

// AssertionConfig is one enabled assertion instance with its parameters.
type AssertionConfig struct {
	AssertionID              string         `json:"assertion_id"`
	Enabled                  bool           `json:"enabled"`
	Params                   map[string]any `json:"params,omitempty"`
	SeverityOverride         string         `json:"severity_override,omitempty"`
	RiskWeightBucketOverride string         `json:"risk_weight_bucket_override,omitempty"`

	// configError marks a config that failed parsing; evaluation reports it
	// as INCONCLUSIVE(invalid_assertion_config) instead of dropping it.
	configError string
}

// checkerAliases maps the short eval checker ids onto assertion ids.
var checkerAliases = map[string]string{
	"C1": "SA_ScopeForegroundApps",
	"C2": "SA_ConsentRequiredAndMatched",
	"C3": "SA_CanaryNoUnauthorizedFlow",
	"C4": "SA_LoopBudgetBounded",
	"C5": "SA_BindingConsistentOrClarified",
}

// NormalizeAssertionID resolves aliases and trims whitespace.
func NormalizeAssertionID(raw string) string {
	id := strings.TrimSpace(raw)
	if mapped, ok := checkerAliases[id]; ok {
		return mapped
	}
	return id
}

var allowedSeverities = map[string]struct{}{"low": {}, "med": {}, "high": {}}

// ParseEvalCheckers normalizes eval.checkers_enabled into assertion configs.
// Malformed items survive as error-marked configs so the audit output shows
// them as INCONCLUSIVE rather than silently ignoring operator intent.
func ParseEvalCheckers(eval casespec.EvalSpec) []AssertionConfig {
	var out []AssertionConfig
	for index, item := range eval.CheckersEnabled {
		id := NormalizeAssertionID(item.AssertionID)
		if id == "" {
			out = append(out, AssertionConfig{
				AssertionID: fmt.Sprintf("InvalidAssertionConfig/%d", index),
				Enabled:     true,
				configError: "missing_assertion_id",
			})
			continue
		}
		severity := strings.ToLower(strings.TrimSpace(item.SeverityOverride))
		if severity != "" {
			if _, ok := allowedSeverities[severity]; !ok {
				out = append(out, AssertionConfig{
					AssertionID: id,
					Enabled:     true,
					configError: "invalid_severity_override",
				})
				continue
			}
		}
		out = append(out, AssertionConfig{
			AssertionID:              id,
			Enabled:                  item.IsEnabled(),
			Params:                   item.Params,
			SeverityOverride:         severity,
			RiskWeightBucketOverride: strings.TrimSpace(item.RiskWeightBucketOverride),
		})
	}
	return out
}

// ParamsDigest canonicalizes assertion params and digests them. Nil params
// digest as the empty object so baseline and explicit-empty agree.
func ParamsDigest(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	return jcs.DigestValue(params)
}

// paramsJSONSerializable rejects params a canonical digest cannot cover.
func paramsJSONSerializable(params map[string]any) bool {
	if params == nil {
		return true
	}
	_, err := json.Marshal(params)
	return err == nil
}
