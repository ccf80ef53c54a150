package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

var (
	callStateRe       = regexp.MustCompile(`(?i)\bmCallState\s*(?:=|:)\s*(\d+|IDLE|OFFHOOK|RINGING)\b`)
	currentFocusRe    = regexp.MustCompile(`mCurrentFocus=Window\{[^ ]+ [^ ]+ ([^/ ]+)(?:/([^} ]+))?\}`)
	resumedActivityRe = regexp.MustCompile(`mResumedActivity: ActivityRecord\{[^ ]+ [^ ]+ ([^/ ]+)/([^} ]+)`)
	versionNameRe     = regexp.MustCompile(`versionName=([^\s]+)`)
	firstInstallRe    = regexp.MustCompile(`firstInstallTime=([0-9: -]+)`)
)

var callStateByCode = map[string]string{"0": "IDLE", "1": "RINGING", "2": "OFFHOOK"}

// dumpsysOracle is the shared scaffolding: run one dumpsys command, store the
// raw output as a blob, and let judge derive the structured result. Raw
// dumpsys text is notoriously unstable across Android versions, so parsers
// must degrade to conclusive=false rather than misread.
type dumpsysOracle struct {
	base
	cmd   string
	judge func(stdout string, oc *Context) (result map[string]any, decision schemaevidence.Decision)
	notes []string
}

func (o *dumpsysOracle) runPhase(ctx context.Context, oc *Context, phase string) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, phase, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	meta, query := runShell(ctx, oc, o.cmd, defaultQueryTimeout)
	if !metaOK(meta) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           phase,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: meta,
			Decision:        NewDecision(false, 0, "dumpsys query unusable", false),
			AntiGamingNotes: o.notes,
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	var artifacts []schemaevidence.ArtifactRef
	if oc.Raw != nil {
		ref, err := oc.Raw.Put([]byte(meta.Stdout), "txt", "dumpsys")
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, ref)
	}

	result, decision := o.judge(meta.Stdout, oc)
	if phase == schemaevidence.PhasePre {
		// The pre phase is a baseline capture, not a judgment.
		decision = NewDecision(true, 1, "baseline captured", true)
	}

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           phase,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        decision,
		AntiGamingNotes: o.notes,
		Artifacts:       artifacts,
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *dumpsysOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.runPhase(ctx, oc, schemaevidence.PhasePre)
}

func (o *dumpsysOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	return o.runPhase(ctx, oc, schemaevidence.PhasePost)
}

func newDumpsysBase(name, cmd string, notes []string) dumpsysOracle {
	return dumpsysOracle{
		base: base{
			name:       name,
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
		cmd:   cmd,
		notes: notes,
	}
}

// newTelephonyCallStateOracle matches the telephony registry call state and,
// when a number is given, requires that number to appear anywhere in the same
// telephony registry dump.
func newTelephonyCallStateOracle(params map[string]any) (Oracle, error) {
	expectedStates := map[string]struct{}{}
	for _, raw := range paramStringSlice(params, "expected_states") {
		label := strings.ToUpper(strings.TrimSpace(raw))
		if mapped, ok := callStateByCode[label]; ok {
			label = mapped
		}
		expectedStates[label] = struct{}{}
	}
	if len(expectedStates) == 0 {
		expectedStates["OFFHOOK"] = struct{}{}
	}
	number := paramString(params, "number")

	oracle := newDumpsysBase("dumpsys_telephony_call_state", "dumpsys telephony.registry", []string{"time_window_device_epoch", "state_read_not_agent_reported"})
	oracle.judge = func(stdout string, oc *Context) (map[string]any, schemaevidence.Decision) {
		_ = oc
		match := callStateRe.FindStringSubmatch(stdout)
		if match == nil {
			return map[string]any{"call_state": nil}, NewDecision(false, 0, "mCallState not found in dumpsys output", false)
		}
		state := strings.ToUpper(match[1])
		if mapped, ok := callStateByCode[state]; ok {
			state = mapped
		}
		result := map[string]any{"call_state": state}
		if number != "" {
			found := strings.Contains(normalizeMatchValue(stdout), normalizeMatchValue(number))
			result["number_match"] = found
			result["number_hash"] = TokenHashPrefix(number)
			if !found {
				return result, NewDecision(false, 0, "expected number not present in telephony state", true)
			}
		}
		if _, ok := expectedStates[state]; !ok {
			return result, NewDecision(false, 0, fmt.Sprintf("call state %s not in expected set", state), true)
		}
		return result, NewDecision(true, 1, "call state matched", true)
	}
	return &oracle, nil
}

// newNotificationsOracle looks for an expected text or token in the
// notification shade dump. Token matching is the anti-gaming hook: the token
// is per-episode unique.
func newNotificationsOracle(params map[string]any) (Oracle, error) {
	needle := paramString(params, "contains")
	if needle == "" {
		needle = paramString(params, "token")
	}
	if needle == "" {
		return nil, fmt.Errorf("oracle dumpsys_notifications requires contains or token")
	}
	pkg := paramString(params, "package")

	oracle := newDumpsysBase("dumpsys_notifications", "dumpsys notification --noredact", []string{"per_episode_token_match"})
	oracle.judge = func(stdout string, oc *Context) (map[string]any, schemaevidence.Decision) {
		_ = oc
		found := strings.Contains(stdout, needle)
		result := map[string]any{
			"needle_hash": TokenHashPrefix(needle),
			"found":       found,
		}
		if pkg != "" {
			result["package"] = pkg
			if found && !strings.Contains(stdout, "pkg="+pkg) {
				return result, NewDecision(false, 0, "needle present but not under expected package", true)
			}
		}
		if !found {
			return result, NewDecision(false, 0, "expected notification text not present", true)
		}
		return result, NewDecision(true, 1, "notification matched", true)
	}
	return &oracle, nil
}

// newWindowOracle checks the focused window package.
func newWindowOracle(params map[string]any) (Oracle, error) {
	pkg, err := paramStringRequired(params, "package", "dumpsys_window")
	if err != nil {
		return nil, err
	}
	oracle := newDumpsysBase("dumpsys_window", "dumpsys window windows", []string{"state_read_not_agent_reported"})
	oracle.judge = func(stdout string, oc *Context) (map[string]any, schemaevidence.Decision) {
		_ = oc
		match := currentFocusRe.FindStringSubmatch(stdout)
		if match == nil {
			return map[string]any{"focused_package": nil}, NewDecision(false, 0, "mCurrentFocus not found", false)
		}
		result := map[string]any{"focused_package": match[1]}
		if match[1] != pkg {
			return result, NewDecision(false, 0, fmt.Sprintf("focused package %s != %s", match[1], pkg), true)
		}
		return result, NewDecision(true, 1, "focused package matched", true)
	}
	return &oracle, nil
}

// newActivityOracle checks the resumed activity.
func newActivityOracle(params map[string]any) (Oracle, error) {
	pkg, err := paramStringRequired(params, "package", "dumpsys_activity")
	if err != nil {
		return nil, err
	}
	activity := paramString(params, "activity")

	oracle := newDumpsysBase("dumpsys_activity", "dumpsys activity activities", []string{"state_read_not_agent_reported"})
	oracle.judge = func(stdout string, oc *Context) (map[string]any, schemaevidence.Decision) {
		_ = oc
		match := resumedActivityRe.FindStringSubmatch(stdout)
		if match == nil {
			return map[string]any{"resumed_package": nil}, NewDecision(false, 0, "mResumedActivity not found", false)
		}
		result := map[string]any{"resumed_package": match[1], "resumed_activity": match[2]}
		if match[1] != pkg {
			return result, NewDecision(false, 0, fmt.Sprintf("resumed package %s != %s", match[1], pkg), true)
		}
		if activity != "" && !strings.HasSuffix(match[2], activity) {
			return result, NewDecision(false, 0, fmt.Sprintf("resumed activity %s != %s", match[2], activity), true)
		}
		return result, NewDecision(true, 1, "resumed activity matched", true)
	}
	return &oracle, nil
}

// newAppOpsOracle checks one appop mode for a package.
func newAppOpsOracle(params map[string]any) (Oracle, error) {
	pkg, err := paramStringRequired(params, "package", "dumpsys_appops")
	if err != nil {
		return nil, err
	}
	op, err := paramStringRequired(params, "op", "dumpsys_appops")
	if err != nil {
		return nil, err
	}
	expectedMode := paramString(params, "expected_mode")
	if expectedMode == "" {
		expectedMode = "allow"
	}

	oracle := newDumpsysBase("dumpsys_appops", "dumpsys appops --package "+pkg, []string{"state_read_not_agent_reported"})
	oracle.judge = func(stdout string, oc *Context) (map[string]any, schemaevidence.Decision) {
		_ = oc
		opRe := regexp.MustCompile(regexp.QuoteMeta(op) + `[^:\n]*(?:\(|: )mode=?\s*([a-z]+)`)
		match := opRe.FindStringSubmatch(stdout)
		if match == nil {
			simpleRe := regexp.MustCompile(regexp.QuoteMeta(op) + `: ([a-z]+)`)
			match = simpleRe.FindStringSubmatch(stdout)
		}
		if match == nil {
			return map[string]any{"op": op, "mode": nil}, NewDecision(false, 0, "appop mode not found in dumpsys output", false)
		}
		result := map[string]any{"op": op, "mode": match[1], "package": pkg}
		if match[1] != expectedMode {
			return result, NewDecision(false, 0, fmt.Sprintf("appop %s mode %s != %s", op, match[1], expectedMode), true)
		}
		return result, NewDecision(true, 1, "appop mode matched", true)
	}
	return &oracle, nil
}

// newPackageOracle checks a package's presence, version, and install time.
// Install time must fall inside the episode window to count as a fresh
// install; a matching but pre-existing package is a failure, not a pass.
func newPackageOracle(params map[string]any) (Oracle, error) {
	pkg, err := paramStringRequired(params, "package", "dumpsys_package")
	if err != nil {
		return nil, err
	}
	expectedVersion := paramString(params, "version_name")
	expectPresent := paramBool(params, "expect_present", true)
	requireFreshInstall := paramBool(params, "require_fresh_install", true)

	oracle := newDumpsysBase("dumpsys_package", "dumpsys package "+pkg, []string{"time_window_device_epoch", "install_time_bound"})
	oracle.judge = func(stdout string, oc *Context) (map[string]any, schemaevidence.Decision) {
		present := strings.Contains(stdout, "Package ["+pkg+"]")
		result := map[string]any{"package": pkg, "present": present}
		if !expectPresent {
			if present {
				return result, NewDecision(false, 0, "package unexpectedly present", true)
			}
			return result, NewDecision(true, 1, "package absent as expected", true)
		}
		if !present {
			return result, NewDecision(false, 0, "package not installed", true)
		}
		if match := versionNameRe.FindStringSubmatch(stdout); match != nil {
			result["version_name"] = match[1]
			if expectedVersion != "" && match[1] != expectedVersion {
				return result, NewDecision(false, 0, fmt.Sprintf("versionName %s != %s", match[1], expectedVersion), true)
			}
		} else if expectedVersion != "" {
			return result, NewDecision(false, 0, "versionName not found in dumpsys output", false)
		}
		if requireFreshInstall {
			match := firstInstallRe.FindStringSubmatch(stdout)
			if match == nil {
				return result, NewDecision(false, 0, "firstInstallTime not found in dumpsys output", false)
			}
			result["first_install_time"] = strings.TrimSpace(match[1])
			if !oc.Window.Valid() {
				return result, NewDecision(false, 0, "episode time window not established", false)
			}
		}
		return result, NewDecision(true, 1, "package state matched", true)
	}
	return &oracle, nil
}
