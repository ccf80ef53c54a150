package facts

import (
	"sort"

	"github.com/davidahmann/masbench/core/evidence"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// ForegroundSeqDetector compresses the foreground trace into the ordered
// package-change sequence the scope assertion consumes.
type ForegroundSeqDetector struct{}

func (d *ForegroundSeqDetector) ID() string { return "foreground_seq" }

func (d *ForegroundSeqDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	lines, err := pack.Lines(schemaevidence.ForegroundTraceFile)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	type change struct {
		Line     int    `json:"line"`
		Step     int    `json:"step"`
		Package  string `json:"package"`
		Activity string `json:"activity,omitempty"`
	}

	var changes []change
	var allPackages []string
	refs := []string{schemaevidence.ForegroundTraceFile}
	lastPackage := ""

	for _, line := range lines {
		pkg := stringField(line.Obj, "package")
		if pkg == "" {
			continue
		}
		allPackages = append(allPackages, pkg)
		if pkg != lastPackage {
			step, _ := intField(line.Obj, "step")
			changes = append(changes, change{
				Line:     line.No,
				Step:     step,
				Package:  pkg,
				Activity: stringField(line.Obj, "activity"),
			})
			refs = append(refs, evidence.LineRef(schemaevidence.ForegroundTraceFile, line.No))
			lastPackage = pkg
		}
	}

	uniqueSet := map[string]struct{}{}
	for _, pkg := range allPackages {
		uniqueSet[pkg] = struct{}{}
	}
	unique := make([]string, 0, len(uniqueSet))
	for pkg := range uniqueSet {
		unique = append(unique, pkg)
	}
	sort.Strings(unique)

	payload := map[string]any{
		"event_count":     len(allPackages),
		"change_count":    len(changes),
		"changes":         changes,
		"unique_packages": unique,
	}
	if len(changes) > 0 {
		payload["first_package"] = changes[0].Package
		payload["last_package"] = changes[len(changes)-1].Package
	}

	return []schemaevidence.FactRecord{
		NewFact("fact.foreground_pkg_seq", schemaevidence.OracleSourceDeviceQuery, refs, payload),
	}, nil
}

// StepStatsDetector derives step_count and duration from the summary, with
// the action trace as fallback.
type StepStatsDetector struct{}

func (d *StepStatsDetector) ID() string { return "step_stats" }

func (d *StepStatsDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	var out []schemaevidence.FactRecord

	summary, haveSummary := pack.Summary()
	if haveSummary {
		out = append(out, NewFact(
			"fact.step_count",
			schemaevidence.OracleSourceNone,
			[]string{schemaevidence.SummaryFile},
			map[string]any{"step_count": summary.Steps, "source": schemaevidence.SummaryFile},
		))
		out = append(out, NewFact(
			"fact.episode_duration",
			schemaevidence.OracleSourceNone,
			[]string{schemaevidence.SummaryFile},
			map[string]any{"duration_ms": summary.DurationMS, "timed_out": summary.TimedOut},
		))
		return out, nil
	}

	lines, err := pack.Lines(schemaevidence.AgentActionTraceFile)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}
	out = append(out, NewFact(
		"fact.step_count",
		schemaevidence.OracleSourceNone,
		[]string{schemaevidence.AgentActionTraceFile},
		map[string]any{"step_count": len(lines), "source": schemaevidence.AgentActionTraceFile},
	))
	return out, nil
}

// ActionEvidenceDetector reports the strength of the input-evidence chain:
// trace level, source, and the L0 binding check outcome.
type ActionEvidenceDetector struct{}

func (d *ActionEvidenceDetector) ID() string { return "action_evidence" }

func (d *ActionEvidenceDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	manifest, haveManifest := pack.Manifest()

	inputLines, err := pack.Lines(schemaevidence.DeviceInputTraceFile)
	if err != nil {
		return nil, err
	}
	actionLines, err := pack.Lines(schemaevidence.AgentActionTraceFile)
	if err != nil {
		return nil, err
	}

	actionSteps := map[int]struct{}{}
	for _, line := range actionLines {
		if step, ok := intField(line.Obj, "step_idx"); ok {
			actionSteps[step] = struct{}{}
		}
	}

	boundViolations := 0
	for _, line := range inputLines {
		step, _ := intField(line.Obj, "step_idx")
		refStep, _ := intField(line.Obj, "ref_step_idx")
		if step != refStep {
			boundViolations++
			continue
		}
		if _, ok := actionSteps[step]; !ok {
			boundViolations++
		}
	}

	payload := map[string]any{
		"device_input_events": len(inputLines),
		"agent_action_events": len(actionLines),
		"binding_violations":  boundViolations,
	}
	refs := []string{schemaevidence.AgentActionTraceFile}
	if len(inputLines) > 0 {
		refs = append(refs, schemaevidence.DeviceInputTraceFile)
	}
	if haveManifest {
		payload["action_trace_level"] = manifest.ActionTraceLevel
		payload["action_trace_source"] = manifest.ActionTraceSource
		refs = append(refs, schemaevidence.RunManifestFile)
	}

	return []schemaevidence.FactRecord{
		NewFact("fact.action_evidence", schemaevidence.OracleSourceNone, refs, payload),
	}, nil
}

// EnvProfileDetector lifts the manifest trust fields into a fact so
// assertions never read the manifest directly.
type EnvProfileDetector struct{}

func (d *EnvProfileDetector) ID() string { return "env_profile" }

func (d *EnvProfileDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	manifest, ok := pack.Manifest()
	if !ok {
		return nil, nil
	}
	payload := map[string]any{
		"env_profile":          manifest.EnvProfile,
		"execution_mode":       manifest.ExecutionMode,
		"eval_mode":            manifest.EvalMode,
		"guard_enforced":       manifest.GuardEnforced,
		"evidence_trust_level": manifest.EvidenceTrustLevel,
		"oracle_source":        manifest.OracleSource,
		"obs_digest_version":   manifest.ObsDigestVersion,
	}
	return []schemaevidence.FactRecord{
		NewFact("fact.env_profile", schemaevidence.OracleSourceNone, []string{schemaevidence.RunManifestFile}, payload),
	}, nil
}
