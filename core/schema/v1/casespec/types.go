package casespec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	SchemaVersionV0 = "case.v0"

	ImpactProbe    = "probe"
	ImpactCanary   = "canary"
	ImpactHighRisk = "highrisk"
)

// OracleSelector names a success-oracle plugin and its parameters.
type OracleSelector struct {
	Oracle string         `json:"oracle"`
	Params map[string]any `json:"params,omitempty"`
}

type TaskSpec struct {
	SchemaVersion string         `json:"schema_version,omitempty"`
	CaseID        string         `json:"case_id"`
	Goal          string         `json:"goal"`
	SuccessOracle OracleSelector `json:"success_oracle"`
	InitialState  map[string]any `json:"initial_state,omitempty"`
	ImpactLevel   string         `json:"impact_level,omitempty"`
	MaxSteps      int            `json:"max_steps,omitempty"`
	MaxSeconds    int            `json:"max_seconds,omitempty"`
}

// AccessSet lists what the policy lets the agent read or write.
type AccessSet struct {
	Apps      []string `json:"apps,omitempty"`
	Sinks     []string `json:"sinks,omitempty"`
	Origins   []string `json:"origins,omitempty"`
	DataTypes []string `json:"data_types,omitempty"`
}

// FlowRule constrains read→write flows between origins and sinks.
type FlowRule struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Effect string `json:"effect,omitempty"`
}

type Budgets struct {
	MaxSteps   int `json:"max_steps,omitempty"`
	MaxSeconds int `json:"max_seconds,omitempty"`
}

type ForbidSettingsChange struct {
	Fields []string `json:"fields"`
}

type PolicySpec struct {
	SchemaVersion        string                `json:"schema_version,omitempty"`
	ReadableSet          AccessSet             `json:"readable_set,omitempty"`
	WritableSet          AccessSet             `json:"writable_set,omitempty"`
	FlowRules            []FlowRule            `json:"flow_rules,omitempty"`
	HighRiskActions      []string              `json:"high_risk_actions,omitempty"`
	Budgets              Budgets               `json:"budgets,omitempty"`
	BindingRequirements  []string              `json:"binding_requirements,omitempty"`
	RiskWeights          map[string]float64    `json:"risk_weights,omitempty"`
	ForbidInstall        *bool                 `json:"forbid_install,omitempty"`
	ForbidSettingsChange *ForbidSettingsChange `json:"forbid_settings_change,omitempty"`
	InstallAllowlist     []string              `json:"install_allowlist,omitempty"`
	ConsentRequiredHard  string                `json:"consent_required_hard,omitempty"`
}

// CheckerItem is one entry of eval.checkers_enabled. The wire form is either a
// bare assertion-id string or an object with params and overrides.
type CheckerItem struct {
	AssertionID              string         `json:"assertion_id"`
	Params                   map[string]any `json:"params,omitempty"`
	Enabled                  *bool          `json:"enabled,omitempty"`
	SeverityOverride         string         `json:"severity_override,omitempty"`
	RiskWeightBucketOverride string         `json:"risk_weight_bucket_override,omitempty"`
}

func (c *CheckerItem) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*c = CheckerItem{AssertionID: strings.TrimSpace(id)}
		return nil
	}
	type checkerItemAlias CheckerItem
	var alias checkerItemAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*c = CheckerItem(alias)
	return nil
}

func (c CheckerItem) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type CanaryConfig struct {
	Tokens []string `json:"tokens,omitempty"`
	Sinks  []string `json:"sinks,omitempty"`
}

type EvalSpec struct {
	SchemaVersion   string             `json:"schema_version,omitempty"`
	MetricsRequired []string           `json:"metrics_required,omitempty"`
	RiskWeights     map[string]float64 `json:"risk_weights,omitempty"`
	CheckersEnabled []CheckerItem      `json:"checkers_enabled,omitempty"`
	CanaryTokens    []string           `json:"canary_tokens,omitempty"`
	CanaryToken     string             `json:"canary_token,omitempty"`
	Canary          *CanaryConfig      `json:"canary,omitempty"`
	BindingRequired bool               `json:"binding_required,omitempty"`
	Oracles         []OracleSelector   `json:"oracles,omitempty"`
}

// AllCanaryTokens collapses the three accepted canary spellings into one
// sorted, deduplicated list.
func (e EvalSpec) AllCanaryTokens() []string {
	seen := map[string]struct{}{}
	add := func(raw string) {
		token := strings.TrimSpace(raw)
		if token != "" {
			seen[token] = struct{}{}
		}
	}
	for _, token := range e.CanaryTokens {
		add(token)
	}
	add(e.CanaryToken)
	if e.Canary != nil {
		for _, token := range e.Canary.Tokens {
			add(token)
		}
	}
	out := make([]string, 0, len(seen))
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// CanarySinks returns the sinks the eval declares canary data was planted in.
// This is descriptive evidence for the canary-config fact, never a filter on
// what counts as a leak.
func (e EvalSpec) CanarySinks() []string {
	if e.Canary == nil {
		return nil
	}
	out := make([]string, 0, len(e.Canary.Sinks))
	for _, sink := range e.Canary.Sinks {
		sink = strings.TrimSpace(sink)
		if sink != "" {
			out = append(out, sink)
		}
	}
	sort.Strings(out)
	return out
}

type AttackSpec struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	Primitive     string `json:"primitive"`
	Boundary      string `json:"boundary"`
	Channel       string `json:"channel,omitempty"`
	Trigger       string `json:"trigger,omitempty"`
	ImpactLevel   string `json:"impact_level,omitempty"`
}

// CaseBundle is the validated composition of the four specs. It is immutable
// after Load returns.
type CaseBundle struct {
	Dir         string      `json:"dir"`
	Task        TaskSpec    `json:"task"`
	Policy      PolicySpec  `json:"policy"`
	Eval        EvalSpec    `json:"eval"`
	Attack      *AttackSpec `json:"attack,omitempty"`
	Variant     string      `json:"variant"`
	Ambiguities []string    `json:"ambiguities,omitempty"`
}

// ImpactLevel resolves the effective impact level: attack overrides task.
func (b CaseBundle) ImpactLevel() string {
	if b.Attack != nil && strings.TrimSpace(b.Attack.ImpactLevel) != "" {
		return b.Attack.ImpactLevel
	}
	if strings.TrimSpace(b.Task.ImpactLevel) != "" {
		return b.Task.ImpactLevel
	}
	return ImpactProbe
}

func ValidImpactLevel(level string) bool {
	switch level {
	case ImpactProbe, ImpactCanary, ImpactHighRisk:
		return true
	}
	return false
}

// WritableSinkDeclared reports whether a sink name appears in the writable set.
func (p PolicySpec) WritableSinkDeclared(sink string) bool {
	for _, declared := range p.WritableSet.Sinks {
		if strings.EqualFold(strings.TrimSpace(declared), sink) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for log-safe bundle identification.
func (b CaseBundle) String() string {
	variant := b.Variant
	if variant == "" {
		variant = "benign"
	}
	return fmt.Sprintf("%s/%s", b.Task.CaseID, variant)
}
