package oracle

import (
	"context"
	"fmt"
	"strings"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

var allowedSettingsNamespaces = map[string]struct{}{
	"system": {},
	"secure": {},
	"global": {},
}

type settingCheck struct {
	Namespace     string
	Key           string
	ExpectedAnyOf []string
	PreValue      string
}

// settingsOracle validates `settings get` results against expected values,
// optionally enforcing a pre-run baseline with `settings put`. Anti-gaming:
// the pre phase pins the starting value, so the post value must have changed
// during the episode to pass a change check.
type settingsOracle struct {
	base
	checks []settingCheck
}

func newSettingsOracle(params map[string]any) (Oracle, error) {
	rawChecks := paramObjectSlice(params, "checks")
	if len(rawChecks) == 0 {
		rawChecks = paramObjectSlice(params, "settings")
	}
	if len(rawChecks) == 0 {
		return nil, fmt.Errorf("oracle settings_check requires a non-empty checks list")
	}

	var checks []settingCheck
	for index, raw := range rawChecks {
		namespace := strings.ToLower(paramString(raw, "namespace"))
		if _, ok := allowedSettingsNamespaces[namespace]; !ok {
			return nil, fmt.Errorf("checks[%d]: settings namespace must be system|secure|global, got %q", index, namespace)
		}
		key := paramString(raw, "key")
		if key == "" {
			return nil, fmt.Errorf("checks[%d]: settings key is required", index)
		}
		expected := paramStringSlice(raw, "expected_any_of")
		if len(expected) == 0 {
			if single := paramString(raw, "expected"); single != "" {
				expected = []string{single}
			}
		}
		if len(expected) == 0 {
			return nil, fmt.Errorf("checks[%d]: expected_any_of is required", index)
		}
		checks = append(checks, settingCheck{
			Namespace:     namespace,
			Key:           key,
			ExpectedAnyOf: expected,
			PreValue:      paramString(raw, "pre_value"),
		})
	}

	return &settingsOracle{
		base: base{
			name:       "settings_check",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
		checks: checks,
	}, nil
}

func (o *settingsOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	var queries []schemaevidence.Query
	baseline := map[string]string{}

	for _, check := range o.checks {
		if check.PreValue != "" {
			putMeta, putQuery := runShell(ctx, oc, fmt.Sprintf("settings put %s %s %s", check.Namespace, check.Key, check.PreValue), defaultQueryTimeout)
			queries = append(queries, putQuery)
			if !metaOK(putMeta) {
				event, err := NewEvent(EventSpec{
					Oracle:          o,
					Phase:           schemaevidence.PhasePre,
					Queries:         queries,
					ResultForDigest: putMeta,
					Decision:        NewDecision(false, 0, fmt.Sprintf("cannot enforce pre_value for %s/%s", check.Namespace, check.Key), false),
					AntiGamingNotes: []string{"pre_pollution_clearing"},
					TSMS:            oc.NowMS(),
				})
				if err != nil {
					return nil, err
				}
				return Evidence{event}, nil
			}
		}
		getMeta, getQuery := runShell(ctx, oc, fmt.Sprintf("settings get %s %s", check.Namespace, check.Key), defaultQueryTimeout)
		queries = append(queries, getQuery)
		baseline[check.Namespace+"/"+check.Key] = strings.TrimSpace(getMeta.Stdout)
	}

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         queries,
		ResultForDigest: baseline,
		ResultPreview:   baseline,
		Decision:        NewDecision(true, 1, "settings baseline captured", true),
		AntiGamingNotes: []string{"pre_pollution_clearing", "pre_baseline_values"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *settingsOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	var queries []schemaevidence.Query
	values := map[string]string{}
	failures := []string{}
	conclusive := true

	for _, check := range o.checks {
		meta, query := runShell(ctx, oc, fmt.Sprintf("settings get %s %s", check.Namespace, check.Key), defaultQueryTimeout)
		queries = append(queries, query)
		if !metaOK(meta) {
			conclusive = false
			failures = append(failures, check.Namespace+"/"+check.Key+": query unusable")
			continue
		}
		actual := strings.TrimSpace(meta.Stdout)
		values[check.Namespace+"/"+check.Key] = actual
		matched := false
		for _, expected := range check.ExpectedAnyOf {
			if actual == expected {
				matched = true
				break
			}
		}
		if !matched {
			failures = append(failures, fmt.Sprintf("%s/%s=%q not in expected set", check.Namespace, check.Key, actual))
		}
	}

	success := conclusive && len(failures) == 0
	reason := "all settings checks matched"
	if len(failures) > 0 {
		reason = strings.Join(failures, "; ")
	}

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         queries,
		ResultForDigest: values,
		ResultPreview:   values,
		Decision:        NewDecision(success, boolScore(success), reason, conclusive),
		AntiGamingNotes: []string{"pre_baseline_values"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

// deviceTimeOracle pins the episode time window: it records the device epoch
// clock in both phases so every other oracle's window binding is auditable.
type deviceTimeOracle struct {
	base
}

func newDeviceTimeOracle(params map[string]any) (Oracle, error) {
	_ = params
	return &deviceTimeOracle{
		base: base{
			name:       "device_time",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
	}, nil
}

func (o *deviceTimeOracle) check(ctx context.Context, oc *Context, phase string) (Evidence, error) {
	meta, query := runShell(ctx, oc, "date +%s", defaultQueryTimeout)
	if !metaOK(meta) {
		event, err := InconclusiveEvent(o, phase, "device clock unreadable", oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}
	result := map[string]any{"device_epoch": strings.TrimSpace(meta.Stdout)}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           phase,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(true, 1, "device clock read", true),
		AntiGamingNotes: []string{"time_window_device_epoch"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *deviceTimeOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.check(ctx, oc, schemaevidence.PhasePre)
}

func (o *deviceTimeOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.check(ctx, oc, schemaevidence.PhasePost)
}

// bootHealthOracle is the infra probe: boot completed and storage writable.
// An unhealthy device is infra_failed, never task_failed.
type bootHealthOracle struct {
	base
}

func newBootHealthOracle(params map[string]any) (Oracle, error) {
	_ = params
	return &bootHealthOracle{
		base: base{
			name:       "boot_health",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
	}, nil
}

func (o *bootHealthOracle) check(ctx context.Context, oc *Context, phase string) (Evidence, error) {
	bootMeta, bootQuery := runShell(ctx, oc, "getprop sys.boot_completed", defaultQueryTimeout)
	storageMeta, storageQuery := runShell(ctx, oc, "touch /sdcard/.masbench_oracle_probe && rm /sdcard/.masbench_oracle_probe", defaultQueryTimeout)

	booted := metaOK(bootMeta) && strings.TrimSpace(bootMeta.Stdout) == "1"
	storage := metaOK(storageMeta)
	success := booted && storage
	reason := "device healthy"
	if !booted {
		reason = "boot not completed"
	} else if !storage {
		reason = "sdcard not writable"
	}

	result := map[string]any{"boot_completed": booted, "storage_writable": storage}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           phase,
		Queries:         []schemaevidence.Query{bootQuery, storageQuery},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), reason, metaOK(bootMeta)),
		AntiGamingNotes: []string{"infra_probe"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *bootHealthOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.check(ctx, oc, schemaevidence.PhasePre)
}

func (o *bootHealthOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.check(ctx, oc, schemaevidence.PhasePost)
}
