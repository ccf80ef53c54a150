package casebundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	mbenerrors "github.com/davidahmann/masbench/core/errors"
	"github.com/davidahmann/masbench/core/schema/v1/casespec"
	"github.com/davidahmann/masbench/core/schema/validate"
)

// Spec files are task/policy/eval plus optional attack (benign variant),
// each as .yaml, .yml, or .json.
var specExtensions = []string{".yaml", ".yml", ".json"}

// Load reads, validates, and composes the four specs from dir.
func Load(dir string) (casespec.CaseBundle, error) {
	bundle := casespec.CaseBundle{Dir: dir}

	taskRaw, taskPath, err := loadSpecObject(dir, "task")
	if err != nil {
		return casespec.CaseBundle{}, err
	}
	policyRaw, policyPath, err := loadSpecObject(dir, "policy")
	if err != nil {
		return casespec.CaseBundle{}, err
	}
	evalRaw, evalPath, err := loadSpecObject(dir, "eval")
	if err != nil {
		return casespec.CaseBundle{}, err
	}
	attackRaw, attackPath, err := loadOptionalSpecObject(dir, "attack")
	if err != nil {
		return casespec.CaseBundle{}, err
	}

	if err := validateSpec(validate.SchemaTaskSpec, taskPath, taskRaw); err != nil {
		return casespec.CaseBundle{}, err
	}
	if err := validateSpec(validate.SchemaPolicySpec, policyPath, policyRaw); err != nil {
		return casespec.CaseBundle{}, err
	}
	if err := validateSpec(validate.SchemaEvalSpec, evalPath, evalRaw); err != nil {
		return casespec.CaseBundle{}, err
	}
	if attackRaw != nil {
		if err := validateSpec(validate.SchemaAttackSpec, attackPath, attackRaw); err != nil {
			return casespec.CaseBundle{}, err
		}
	}

	if err := decodeInto(taskRaw, &bundle.Task); err != nil {
		return casespec.CaseBundle{}, specSchemaError(taskPath, err)
	}
	if err := decodeInto(policyRaw, &bundle.Policy); err != nil {
		return casespec.CaseBundle{}, specSchemaError(policyPath, err)
	}
	if err := decodeInto(evalRaw, &bundle.Eval); err != nil {
		return casespec.CaseBundle{}, specSchemaError(evalPath, err)
	}
	if attackRaw != nil {
		attack := &casespec.AttackSpec{}
		if err := decodeInto(attackRaw, attack); err != nil {
			return casespec.CaseBundle{}, specSchemaError(attackPath, err)
		}
		bundle.Attack = attack
		bundle.Variant = "adversarial"
	} else {
		bundle.Variant = "benign"
	}

	applyDefaults(&bundle)
	resolveCaseSitePlaceholders(&bundle)
	bundle.Ambiguities = collectAmbiguities(bundle)

	if err := checkEvalReferences(bundle.Eval); err != nil {
		return casespec.CaseBundle{}, err
	}
	return bundle, nil
}

func applyDefaults(bundle *casespec.CaseBundle) {
	if bundle.Task.MaxSteps <= 0 {
		bundle.Task.MaxSteps = 30
	}
	if bundle.Task.MaxSeconds <= 0 {
		bundle.Task.MaxSeconds = 300
	}
	if bundle.Task.ImpactLevel == "" {
		bundle.Task.ImpactLevel = casespec.ImpactProbe
	}
	if bundle.Policy.ConsentRequiredHard == "" {
		bundle.Policy.ConsentRequiredHard = "lenient"
	}
}

// resolveCaseSitePlaceholders substitutes the {case_site} marker in
// initial-state URLs with the host:port of the case-asset site from
// MAS_CASE_SITE_HOST / MAS_CASE_SITE_PORT.
func resolveCaseSitePlaceholders(bundle *casespec.CaseBundle) {
	host := strings.TrimSpace(os.Getenv("MAS_CASE_SITE_HOST"))
	if host == "" {
		return
	}
	site := host
	if port := strings.TrimSpace(os.Getenv("MAS_CASE_SITE_PORT")); port != "" {
		site = host + ":" + port
	}
	for key, raw := range bundle.Task.InitialState {
		if text, ok := raw.(string); ok {
			bundle.Task.InitialState[key] = strings.ReplaceAll(text, "{case_site}", site)
		}
	}
}

// collectAmbiguities records policy intent that the loader infers rather than
// reads. The episode manifest surfaces these so auditors know a safety
// assertion came from inference, not an explicit flag.
func collectAmbiguities(bundle casespec.CaseBundle) []string {
	var out []string
	policy := bundle.Policy
	if policy.ForbidInstall == nil && !policy.WritableSinkDeclared("install") {
		out = append(out, "forbid_install inferred: install absent from writable sinks and no explicit forbid_install flag")
	}
	if policy.ForbidSettingsChange == nil && !policy.WritableSinkDeclared("settings_change") {
		out = append(out, "forbid_settings_change inferred: settings_change absent from writable sinks and no explicit field list")
	}
	if len(policy.FlowRules) > 0 && len(bundle.Eval.AllCanaryTokens()) == 0 {
		out = append(out, "flow_rules declared without canary tokens: canary scan has nothing to match")
	}
	sort.Strings(out)
	return out
}

// knownCheckerIDs mirrors the assertion registry plus the short eval aliases.
var knownCheckerIDs = map[string]struct{}{
	"SA_ScopeForegroundApps":          {},
	"SA_LoopBudgetBounded":            {},
	"SA_NoNewPackages":                {},
	"SA_NoSettingsDiff":               {},
	"SA_ConsentRequiredAndMatched":    {},
	"SA_CanaryNoUnauthorizedFlow":     {},
	"SA_BindingConsistentOrClarified": {},
	"SuccessOracleAssertion":          {},
	"C1":                              {},
	"C2":                              {},
	"C3":                              {},
	"C4":                              {},
	"C5":                              {},
}

func checkEvalReferences(eval casespec.EvalSpec) error {
	for _, item := range eval.CheckersEnabled {
		id := strings.TrimSpace(item.AssertionID)
		if id == "" {
			continue
		}
		if _, ok := knownCheckerIDs[id]; !ok {
			return mbenerrors.Wrap(
				fmt.Errorf("eval references unknown assertion: %s", id),
				mbenerrors.CategorySpecConflict,
				"eval_unknown_assertion",
				"checkers_enabled ids must name a registered assertion or C1..C5 alias",
				false,
			)
		}
	}
	return nil
}

func loadSpecObject(dir, stem string) (map[string]any, string, error) {
	obj, path, err := loadOptionalSpecObject(dir, stem)
	if err != nil {
		return nil, "", err
	}
	if obj == nil {
		return nil, "", mbenerrors.Wrap(
			fmt.Errorf("missing %s spec in %s (looked for %s.{yaml,yml,json})", stem, dir, stem),
			mbenerrors.CategorySpecSchema,
			"spec_missing",
			"a case bundle directory needs task, policy, and eval specs",
			false,
		)
	}
	return obj, path, nil
}

func loadOptionalSpecObject(dir, stem string) (map[string]any, string, error) {
	for _, ext := range specExtensions {
		path := filepath.Join(dir, stem+ext)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		// #nosec G304 -- spec path is explicit local user input.
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, "", mbenerrors.Wrap(fmt.Errorf("read %s: %w", path, err), mbenerrors.CategoryIOFailure, "spec_read", "", false)
		}
		obj, err := parseSpecObject(path, content)
		if err != nil {
			return nil, "", err
		}
		return obj, path, nil
	}
	return nil, "", nil
}

func parseSpecObject(path string, content []byte) (map[string]any, error) {
	var obj map[string]any
	var err error
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(content, &obj)
	} else {
		err = yaml.Unmarshal(content, &obj)
	}
	if err != nil {
		return nil, specSchemaError(path, fmt.Errorf("parse: %w", err))
	}
	if obj == nil {
		return nil, specSchemaError(path, fmt.Errorf("top-level spec must be an object"))
	}
	return obj, nil
}

func validateSpec(schemaName, path string, obj map[string]any) error {
	if err := validate.ValidateValue(schemaName, obj); err != nil {
		return specSchemaError(path, err)
	}
	return nil
}

// decodeInto round-trips the generic object through JSON into the typed spec.
// The schema check already ran, so a decode failure here means a type the
// schema cannot express (e.g. checker item union) went wrong.
func decodeInto(obj map[string]any, target any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func specSchemaError(path string, cause error) error {
	return mbenerrors.Wrap(
		fmt.Errorf("%s: %w", path, cause),
		mbenerrors.CategorySpecSchema,
		"spec_schema",
		"fix the spec file to match its schema",
		false,
	)
}
