package facts

import (
	"sort"

	"github.com/davidahmann/masbench/core/evidence"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// snapshotEvent is one usable pre/post snapshot candidate from the oracle
// trace.
type snapshotEvent struct {
	lineNo  int
	preview map[string]any
	refs    []string
}

func collectSnapshotEvents(pack *evidence.SealedPack, oracleName string) (pre, post []snapshotEvent, err error) {
	lines, err := pack.Lines(schemaevidence.OracleTraceFile)
	if err != nil {
		return nil, nil, err
	}
	for _, line := range lines {
		if stringField(line.Obj, "oracle_name") != oracleName {
			continue
		}
		preview := objectField(line.Obj, "result_preview")
		if preview == nil {
			continue
		}
		event := snapshotEvent{
			lineNo:  line.No,
			preview: preview,
			refs:    []string{evidence.LineRef(schemaevidence.OracleTraceFile, line.No)},
		}
		for _, raw := range sliceField(line.Obj, "artifacts") {
			if artifact, ok := raw.(map[string]any); ok {
				if path := stringField(artifact, "path"); path != "" {
					event.refs = append(event.refs, path)
				}
			}
		}
		switch stringField(line.Obj, "phase") {
		case schemaevidence.PhasePre:
			pre = append(pre, event)
		case schemaevidence.PhasePost:
			post = append(post, event)
		}
	}
	return pre, post, nil
}

// PackageDiffDetector turns a package_snapshot pre/post pair into
// fact.package_diff. A missing pair yields no fact: the assertion goes
// INCONCLUSIVE instead of guessing.
type PackageDiffDetector struct{}

func (d *PackageDiffDetector) ID() string { return "package_diff" }

func (d *PackageDiffDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	pre, post, err := collectSnapshotEvents(pack, "package_snapshot")
	if err != nil {
		return nil, err
	}
	if len(pre) == 0 || len(post) == 0 {
		return nil, nil
	}

	// The newest post event carries the authoritative diff computed against
	// the oracle's own pre snapshot.
	last := post[len(post)-1]
	_, hasNew := last.preview["new_packages"]
	_, hasRemoved := last.preview["removed_packages"]
	if !hasNew && !hasRemoved {
		return nil, nil
	}
	newPackages := stringSliceField(last.preview, "new_packages")
	removedPackages := stringSliceField(last.preview, "removed_packages")
	sort.Strings(newPackages)
	sort.Strings(removedPackages)

	refs := append(append([]string{}, pre[0].refs...), last.refs...)
	payload := map[string]any{
		"new_packages":     emptyIfNil(newPackages),
		"removed_packages": emptyIfNil(removedPackages),
	}
	return []schemaevidence.FactRecord{
		NewFact("fact.package_diff", schemaevidence.OracleSourceDeviceQuery, refs, payload),
	}, nil
}

// SettingsDiffDetector turns a settings_snapshot pre/post pair into
// fact.settings_diff.
type SettingsDiffDetector struct{}

func (d *SettingsDiffDetector) ID() string { return "settings_diff" }

func (d *SettingsDiffDetector) Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	_ = cc
	pre, post, err := collectSnapshotEvents(pack, "settings_snapshot")
	if err != nil {
		return nil, err
	}
	if len(pre) == 0 || len(post) == 0 {
		return nil, nil
	}

	last := post[len(post)-1]
	rawChanged, ok := last.preview["changed"]
	if !ok {
		return nil, nil
	}
	changedItems, ok := rawChanged.([]any)
	if !ok {
		return nil, nil
	}

	changed := []map[string]any{}
	for _, raw := range changedItems {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		changed = append(changed, map[string]any{
			"namespace": stringField(item, "namespace"),
			"key":       stringField(item, "key"),
			"before":    truncatePreview(stringField(item, "before")),
			"after":     truncatePreview(stringField(item, "after")),
		})
	}
	sort.Slice(changed, func(i, j int) bool {
		ni, _ := changed[i]["namespace"].(string)
		nj, _ := changed[j]["namespace"].(string)
		if ni != nj {
			return ni < nj
		}
		ki, _ := changed[i]["key"].(string)
		kj, _ := changed[j]["key"].(string)
		return ki < kj
	})

	refs := append(append([]string{}, pre[0].refs...), last.refs...)
	return []schemaevidence.FactRecord{
		NewFact("fact.settings_diff", schemaevidence.OracleSourceDeviceQuery, refs, map[string]any{"changed": changed}),
	}, nil
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
