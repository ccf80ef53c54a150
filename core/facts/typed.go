package facts

import (
	"strings"

	"github.com/davidahmann/masbench/core/evidence"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// oracleEventView is the adapter-facing projection of one oracle trace line.
type oracleEventView struct {
	LineNo     int
	OracleName string
	Phase      string
	Decision   map[string]any
	Preview    map[string]any
	Ref        string
	Artifacts  []string
}

// oracleAdapter translates matching oracle events into semantic facts.
type oracleAdapter struct {
	name  string
	match func(view oracleEventView) bool
	emit  func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord
}

// OracleTypedFactsDetector runs the adapter registry over every oracle
// event. Adapters are the only place oracle-specific shapes are known; the
// detector itself is generic.
type OracleTypedFactsDetector struct {
	adapters []oracleAdapter
}

func (d *OracleTypedFactsDetector) ID() string { return "oracle_typed_facts" }

func (d *OracleTypedFactsDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	lines, err := pack.Lines(schemaevidence.OracleTraceFile)
	if err != nil {
		return nil, err
	}

	var out []schemaevidence.FactRecord
	emitted := map[string]struct{}{}
	for _, line := range lines {
		view := oracleEventView{
			LineNo:     line.No,
			OracleName: stringField(line.Obj, "oracle_name"),
			Phase:      stringField(line.Obj, "phase"),
			Decision:   objectField(line.Obj, "decision"),
			Preview:    objectField(line.Obj, "result_preview"),
			Ref:        evidence.LineRef(schemaevidence.OracleTraceFile, line.No),
		}
		for _, raw := range sliceField(line.Obj, "artifacts") {
			if artifact, ok := raw.(map[string]any); ok {
				if path := stringField(artifact, "path"); path != "" {
					view.Artifacts = append(view.Artifacts, path)
				}
			}
		}
		for _, adapter := range d.adapters {
			if !adapter.match(view) {
				continue
			}
			for _, fact := range adapter.emit(view, cc) {
				// Later events overwrite earlier ones fact-id-wise: the
				// last post event is the authoritative judgment.
				if _, seen := emitted[fact.FactID]; seen {
					for index := range out {
						if out[index].FactID == fact.FactID {
							out[index] = fact
							break
						}
					}
					continue
				}
				emitted[fact.FactID] = struct{}{}
				out = append(out, fact)
			}
		}
	}
	return out, nil
}

func defaultOracleAdapters() []oracleAdapter {
	return []oracleAdapter{
		successOracleAdapter(),
		providerSummaryAdapter(),
		sqliteSummaryAdapter(),
		hostArtifactSummaryAdapter(),
		networkSummaryAdapter(),
		telephonyAdapter(),
		resumedActivityAdapter(),
		settingsCheckAdapter(),
	}
}

// successOracleAdapter turns the configured success oracle's post decision
// into fact.task.success_oracle_decision.
func successOracleAdapter() oracleAdapter {
	return oracleAdapter{
		name: "success_oracle",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			successName := strings.TrimSpace(cc.Bundle.Task.SuccessOracle.Oracle)
			if successName == "" || view.OracleName != successName {
				return nil
			}
			success, _ := boolField(view.Decision, "success")
			conclusive, _ := boolField(view.Decision, "conclusive")
			return []schemaevidence.FactRecord{
				NewFact(
					"fact.task.success_oracle_decision",
					schemaevidence.OracleSourceDeviceQuery,
					[]string{view.Ref},
					map[string]any{
						"oracle_name": view.OracleName,
						"success":     success,
						"conclusive":  conclusive,
						"reason":      truncatePreview(stringField(view.Decision, "reason")),
					},
				),
			}
		},
	}
}

// providerSummaryAdapter emits counts-and-hashes provider activity facts.
// Previews upstream already contain only hashed columns; this keeps it that
// way.
func providerSummaryAdapter() oracleAdapter {
	return oracleAdapter{
		name: "provider_summary",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost && strings.HasPrefix(view.OracleName, "provider_")
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			family := strings.TrimPrefix(view.OracleName, "provider_")
			payload := map[string]any{"oracle_name": view.OracleName}
			for _, key := range []string{"row_count", "matched_count", "baseline_count", "matches"} {
				if value, ok := view.Preview[key]; ok {
					payload[key] = value
				}
			}
			return []schemaevidence.FactRecord{
				NewFact(
					"fact.provider."+family+"_activity_summary",
					schemaevidence.OracleSourceDeviceQuery,
					[]string{view.Ref},
					payload,
				),
			}
		},
	}
}

func sqliteSummaryAdapter() oracleAdapter {
	return oracleAdapter{
		name: "sqlite_summary",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost &&
				(view.OracleName == "sqlite_pull_query" || view.OracleName == "root_sqlite")
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			payload := map[string]any{"oracle_name": view.OracleName}
			for _, key := range []string{"rows", "new_rows", "baseline_rows", "row_count", "db_sha256", "output_sha256"} {
				if value, ok := view.Preview[key]; ok {
					payload[key] = value
				}
			}
			return []schemaevidence.FactRecord{
				NewFact("fact.sqlite.query_result_summary", schemaevidence.OracleSourceDeviceQuery, []string{view.Ref}, payload),
			}
		},
	}
}

func hostArtifactSummaryAdapter() oracleAdapter {
	return oracleAdapter{
		name: "host_artifact_summary",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost && view.OracleName == "host_artifact_json"
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			refs := append([]string{view.Ref}, view.Artifacts...)
			payload := map[string]any{"oracle_name": view.OracleName}
			for _, key := range []string{"matches", "newest", "content_sha256", "mismatched_fields", "token_hash"} {
				if value, ok := view.Preview[key]; ok {
					payload[key] = value
				}
			}
			return []schemaevidence.FactRecord{
				NewFact("fact.receipt.host_artifact_summary", schemaevidence.OracleSourceDeviceQuery, refs, payload),
			}
		},
	}
}

func networkSummaryAdapter() oracleAdapter {
	return oracleAdapter{
		name: "network_summary",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost &&
				(view.OracleName == "network_receipt" || view.OracleName == "network_proxy")
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			refs := append([]string{view.Ref}, view.Artifacts...)
			payload := map[string]any{"oracle_name": view.OracleName}
			for _, key := range []string{"receipts_scanned", "hits", "token_hash", "capture_lines", "hit_lines"} {
				if value, ok := view.Preview[key]; ok {
					payload[key] = value
				}
			}
			return []schemaevidence.FactRecord{
				NewFact("fact.receipt.network_summary", schemaevidence.OracleSourceDeviceQuery, refs, payload),
			}
		},
	}
}

func telephonyAdapter() oracleAdapter {
	return oracleAdapter{
		name: "telephony_call_state",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost && view.OracleName == "dumpsys_telephony_call_state"
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			payload := map[string]any{}
			for _, key := range []string{"call_state", "number_match", "number_hash"} {
				if value, ok := view.Preview[key]; ok {
					payload[key] = value
				}
			}
			return []schemaevidence.FactRecord{
				NewFact("fact.dumpsys.telephony_call_state", schemaevidence.OracleSourceDeviceQuery, []string{view.Ref}, payload),
			}
		},
	}
}

func resumedActivityAdapter() oracleAdapter {
	return oracleAdapter{
		name: "resumed_activity",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost && view.OracleName == "dumpsys_activity"
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			payload := map[string]any{}
			for _, key := range []string{"resumed_package", "resumed_activity"} {
				if value, ok := view.Preview[key]; ok {
					payload[key] = value
				}
			}
			return []schemaevidence.FactRecord{
				NewFact("fact.system.resumed_activity", schemaevidence.OracleSourceDeviceQuery, []string{view.Ref}, payload),
			}
		},
	}
}

// settingsCheckAdapter fans the settings_check value map out into one fact
// per namespace/key.
func settingsCheckAdapter() oracleAdapter {
	return oracleAdapter{
		name: "settings_check",
		match: func(view oracleEventView) bool {
			return view.Phase == schemaevidence.PhasePost && view.OracleName == "settings_check"
		},
		emit: func(view oracleEventView, cc CaseContext) []schemaevidence.FactRecord {
			_ = cc
			var out []schemaevidence.FactRecord
			for key, raw := range view.Preview {
				value, ok := raw.(string)
				if !ok || !strings.Contains(key, "/") {
					continue
				}
				out = append(out, NewFact(
					"fact.settings.check/"+key,
					schemaevidence.OracleSourceDeviceQuery,
					[]string{view.Ref},
					map[string]any{"namespace_key": key, "value": truncatePreview(value)},
				))
			}
			return out
		},
	}
}
