package facts

import (
	"fmt"
	"sort"

	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// OracleEventIndexDetector emits one fact per (oracle_name, phase) group with
// event summaries and line-level refs. Every downstream consumer of oracle
// evidence goes through this index rather than re-reading the trace.
type OracleEventIndexDetector struct{}

func (d *OracleEventIndexDetector) ID() string { return "oracle_event_index" }

func (d *OracleEventIndexDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	lines, err := pack.Lines(schemaevidence.OracleTraceFile)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	type groupKey struct {
		oracleName string
		phase      string
	}
	groups := map[groupKey][]map[string]any{}
	refsByGroup := map[groupKey]map[string]struct{}{}

	for _, line := range lines {
		oracleName := stringField(line.Obj, "oracle_name")
		phase := stringField(line.Obj, "phase")
		if oracleName == "" || phase == "" {
			continue
		}
		key := groupKey{oracleName, phase}
		if refsByGroup[key] == nil {
			refsByGroup[key] = map[string]struct{}{}
		}
		refsByGroup[key][evidence.LineRef(schemaevidence.OracleTraceFile, line.No)] = struct{}{}

		var artifactPaths []string
		for _, raw := range sliceField(line.Obj, "artifacts") {
			artifact, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if path := stringField(artifact, "path"); path != "" {
				artifactPaths = append(artifactPaths, path)
				refsByGroup[key][path] = struct{}{}
			}
		}

		summary := map[string]any{
			"line":          line.No,
			"oracle_type":   stringField(line.Obj, "oracle_type"),
			"result_digest": stringField(line.Obj, "result_digest"),
			"decision":      objectField(line.Obj, "decision"),
		}
		if preview, ok := line.Obj["result_preview"]; ok {
			summary["result_preview"] = preview
		}
		if notes := stringSliceField(line.Obj, "anti_gaming_notes"); len(notes) > 0 {
			summary["anti_gaming_notes"] = notes
		}
		if queries := sliceField(line.Obj, "queries"); len(queries) > 0 {
			summary["queries_count"] = len(queries)
			if digest, err := jcs.DigestValue(queries); err == nil {
				summary["queries_digest"] = digest
			}
		}
		if len(artifactPaths) > 0 {
			sort.Strings(artifactPaths)
			summary["artifact_paths"] = artifactPaths
		}
		groups[key] = append(groups[key], summary)
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].oracleName != keys[j].oracleName {
			return keys[i].oracleName < keys[j].oracleName
		}
		return keys[i].phase < keys[j].phase
	})

	var out []schemaevidence.FactRecord
	for _, key := range keys {
		refs := []string{schemaevidence.OracleTraceFile}
		for ref := range refsByGroup[key] {
			refs = append(refs, ref)
		}
		out = append(out, NewFact(
			fmt.Sprintf("fact.oracle_event_index/%s/%s", key.oracleName, key.phase),
			schemaevidence.OracleSourceDeviceQuery,
			refs,
			map[string]any{
				"oracle_name": key.oracleName,
				"phase":       key.phase,
				"event_count": len(groups[key]),
				"events":      groups[key],
			},
		))
	}
	return out, nil
}
