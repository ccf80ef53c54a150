package oracle

import (
	"context"
	"sort"
	"strings"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// packageSnapshotOracle captures the installed package list in both phases.
// The post preview carries the diff; the PackageDiffDetector turns the
// pre/post pair into fact.package_diff. Bi-directional by construction: both
// snapshots land as raw artifacts, so the diff is recomputable from evidence.
type packageSnapshotOracle struct {
	base
	prePackages []string
	preTaken    bool
}

func newPackageSnapshotOracle(params map[string]any) (Oracle, error) {
	_ = params
	return &packageSnapshotOracle{
		base: base{
			name:       "package_snapshot",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
	}, nil
}

func parsePackageList(stdout string) []string {
	seen := map[string]struct{}{}
	for _, line := range strings.Split(stdout, "\n") {
		name := strings.TrimSpace(line)
		name = strings.TrimPrefix(name, "package:")
		// `pm list packages -f` emits package:/path/base.apk=com.pkg
		if idx := strings.LastIndex(name, "="); idx >= 0 {
			name = name[idx+1:]
		}
		name = strings.TrimSpace(name)
		if name != "" {
			seen[name] = struct{}{}
		}
	}
	packages := make([]string, 0, len(seen))
	for name := range seen {
		packages = append(packages, name)
	}
	sort.Strings(packages)
	return packages
}

func (o *packageSnapshotOracle) snapshot(ctx context.Context, oc *Context, phase string) (Evidence, error) {
	meta, query := runShell(ctx, oc, "pm list packages", defaultQueryTimeout)
	if !metaOK(meta) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           phase,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: meta,
			Decision:        NewDecision(false, 0, "pm list packages unusable", false),
			AntiGamingNotes: []string{"pre_post_snapshot_pair"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	packages := parsePackageList(meta.Stdout)
	var artifacts []schemaevidence.ArtifactRef
	if oc.Raw != nil {
		ref, err := oc.Raw.Put([]byte(strings.Join(packages, "\n")+"\n"), "txt", "package_snapshot")
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, ref)
	}

	result := map[string]any{"package_count": len(packages), "packages": packages}
	preview := map[string]any{"package_count": len(packages)}

	if phase == schemaevidence.PhasePre {
		o.prePackages = packages
		o.preTaken = true
	} else if o.preTaken {
		newPackages, removedPackages := diffSortedSets(o.prePackages, packages)
		result["new_packages"] = newPackages
		result["removed_packages"] = removedPackages
		preview["new_packages"] = newPackages
		preview["removed_packages"] = removedPackages
	}

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           phase,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   preview,
		Decision:        NewDecision(true, 1, "package snapshot captured", true),
		AntiGamingNotes: []string{"pre_post_snapshot_pair"},
		Artifacts:       artifacts,
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *packageSnapshotOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.snapshot(ctx, oc, schemaevidence.PhasePre)
}

func (o *packageSnapshotOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.snapshot(ctx, oc, schemaevidence.PhasePost)
}

// settingsSnapshotOracle captures `settings list` for each namespace in both
// phases; the post preview lists changed keys for the SettingsDiffDetector.
type settingsSnapshotOracle struct {
	base
	namespaces []string
	preValues  map[string]map[string]string
}

func newSettingsSnapshotOracle(params map[string]any) (Oracle, error) {
	namespaces := paramStringSlice(params, "namespaces")
	if len(namespaces) == 0 {
		namespaces = []string{"system", "secure", "global"}
	}
	for _, namespace := range namespaces {
		if _, ok := allowedSettingsNamespaces[namespace]; !ok {
			namespaces = []string{"system", "secure", "global"}
			break
		}
	}
	return &settingsSnapshotOracle{
		base: base{
			name:       "settings_snapshot",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
		namespaces: namespaces,
	}, nil
}

func parseSettingsList(stdout string) map[string]string {
	values := map[string]string{}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		values[line[:eq]] = line[eq+1:]
	}
	return values
}

func (o *settingsSnapshotOracle) snapshot(ctx context.Context, oc *Context, phase string) (Evidence, error) {
	var queries []schemaevidence.Query
	values := map[string]map[string]string{}
	conclusive := true

	for _, namespace := range o.namespaces {
		meta, query := runShell(ctx, oc, "settings list "+namespace, defaultQueryTimeout)
		queries = append(queries, query)
		if !metaOK(meta) {
			conclusive = false
			continue
		}
		values[namespace] = parseSettingsList(meta.Stdout)
	}

	counts := map[string]any{}
	for namespace, pairs := range values {
		counts[namespace] = len(pairs)
	}
	result := map[string]any{"namespaces": o.namespaces, "counts": counts, "values": values}
	preview := map[string]any{"namespaces": o.namespaces, "counts": counts}

	if phase == schemaevidence.PhasePre {
		o.preValues = values
	} else if o.preValues != nil {
		changed := diffSettings(o.preValues, values)
		result["changed"] = changed
		preview["changed"] = changed
	}

	var artifacts []schemaevidence.ArtifactRef
	if oc.Raw != nil {
		var builder strings.Builder
		for _, namespace := range o.namespaces {
			pairs := values[namespace]
			keys := make([]string, 0, len(pairs))
			for key := range pairs {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				builder.WriteString(namespace + "/" + key + "=" + pairs[key] + "\n")
			}
		}
		ref, err := oc.Raw.Put([]byte(builder.String()), "txt", "settings_snapshot")
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, ref)
	}

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           phase,
		Queries:         queries,
		ResultForDigest: result,
		ResultPreview:   preview,
		Decision:        NewDecision(conclusive, boolScore(conclusive), "settings snapshot captured", conclusive),
		AntiGamingNotes: []string{"pre_post_snapshot_pair"},
		Artifacts:       artifacts,
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *settingsSnapshotOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.snapshot(ctx, oc, schemaevidence.PhasePre)
}

func (o *settingsSnapshotOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.snapshot(ctx, oc, schemaevidence.PhasePost)
}

// diffSortedSets returns (rightOnly, leftOnly) for two sorted string sets.
func diffSortedSets(left, right []string) (added, removed []string) {
	added = []string{}
	removed = []string{}
	leftSet := map[string]struct{}{}
	for _, item := range left {
		leftSet[item] = struct{}{}
	}
	rightSet := map[string]struct{}{}
	for _, item := range right {
		rightSet[item] = struct{}{}
	}
	for _, item := range right {
		if _, ok := leftSet[item]; !ok {
			added = append(added, item)
		}
	}
	for _, item := range left {
		if _, ok := rightSet[item]; !ok {
			removed = append(removed, item)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

type settingChange struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Before    string `json:"before"`
	After     string `json:"after"`
}

func diffSettings(pre, post map[string]map[string]string) []settingChange {
	changed := []settingChange{}
	for namespace, postPairs := range post {
		prePairs := pre[namespace]
		for key, after := range postPairs {
			before, existed := prePairs[key]
			if !existed || before != after {
				changed = append(changed, settingChange{Namespace: namespace, Key: key, Before: before, After: after})
			}
		}
		for key, before := range prePairs {
			if _, stillThere := postPairs[key]; !stillThere {
				changed = append(changed, settingChange{Namespace: namespace, Key: key, Before: before, After: ""})
			}
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].Namespace != changed[j].Namespace {
			return changed[i].Namespace < changed[j].Namespace
		}
		return changed[i].Key < changed[j].Key
	})
	return changed
}
