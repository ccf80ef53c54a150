package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// receiptOracle is the shared device-file receipt pattern: a companion app
// writes a JSON receipt on the sdcard; the pre phase deletes any stale copy
// (pollution clearing) and the post phase pulls, parses, and matches it.
type receiptOracle struct {
	base
	path           string
	expected       map[string]any
	token          string
	requireTS      bool
	tsField        string
	tsInSeconds    bool
}

func newReceiptOracle(name, defaultPath string, params map[string]any) (Oracle, error) {
	path := paramString(params, "path")
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return nil, fmt.Errorf("oracle %s requires param %q", name, "path")
	}
	tsField := paramString(params, "ts_field")
	if tsField == "" {
		tsField = "ts_ms"
	}
	return &receiptOracle{
		base: base{
			name:       name,
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell, schemaevidence.CapPullFile, schemaevidence.CapSdcardWritable},
		},
		path:        path,
		expected:    paramObject(params, "expected"),
		token:       paramString(params, "token"),
		requireTS:   paramBool(params, "require_ts_in_window", true),
		tsField:     tsField,
		tsInSeconds: paramBool(params, "ts_in_seconds", false),
	}, nil
}

func (o *receiptOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	meta, query := runShell(ctx, oc, "rm -f "+o.path, defaultQueryTimeout)
	cleared := metaOK(meta)
	reason := "stale receipt cleared"
	if !cleared {
		reason = "could not clear stale receipt"
	}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: map[string]any{"path": o.path, "cleared": cleared},
		ResultPreview:   map[string]any{"path": o.path, "cleared": cleared},
		Decision:        NewDecision(cleared, boolScore(cleared), reason, cleared),
		AntiGamingNotes: []string{"pre_pollution_clearing"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *receiptOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	query := schemaevidence.Query{
		Type:      "pull_file",
		TimeoutMS: int(defaultQueryTimeout.Milliseconds()),
		Serial:    oc.Serial,
		Path:      o.path,
	}
	content, pullErr := oc.Device.Pull(ctx, o.path)
	if pullErr != nil || len(content) == 0 {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"path": o.path, "present": false},
			ResultPreview:   map[string]any{"path": o.path, "present": false},
			Decision:        NewDecision(false, 0, "receipt file absent", true),
			AntiGamingNotes: []string{"pre_pollution_clearing"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	var artifacts []schemaevidence.ArtifactRef
	if oc.Raw != nil {
		ref, err := oc.Raw.Put(content, "json", "receipt")
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, ref)
	}

	var receipt map[string]any
	if err := json.Unmarshal(content, &receipt); err != nil {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"path": o.path, "parse_error": true},
			Decision:        NewDecision(false, 0, "receipt not valid json", false),
			AntiGamingNotes: []string{"pre_pollution_clearing"},
			Artifacts:       artifacts,
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	decision, result := o.judgeReceipt(receipt, oc)
	result["path"] = o.path
	result["content_sha256"] = jcs.DigestBytes(content)

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        decision,
		AntiGamingNotes: o.antiGamingNotes(),
		Artifacts:       artifacts,
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *receiptOracle) antiGamingNotes() []string {
	notes := []string{"pre_pollution_clearing"}
	if o.requireTS {
		notes = append(notes, "time_window_device_epoch")
	}
	if o.token != "" {
		notes = append(notes, "per_episode_token_match")
	}
	return notes
}

func (o *receiptOracle) judgeReceipt(receipt map[string]any, oc *Context) (schemaevidence.Decision, map[string]any) {
	result := map[string]any{"present": true}

	if o.requireTS {
		timestamp, ok := numericField(receipt, o.tsField)
		if !ok {
			return NewDecision(false, 0, "receipt missing timestamp field "+o.tsField, true), result
		}
		if o.tsInSeconds {
			timestamp *= 1000
		}
		result["ts_in_window"] = oc.Window.Contains(timestamp)
		if !oc.Window.Valid() {
			return NewDecision(false, 0, "episode time window not established", false), result
		}
		if !oc.Window.Contains(timestamp) {
			return NewDecision(false, 0, "receipt timestamp outside episode window", true), result
		}
	}

	mismatches := []string{}
	for key, expected := range o.expected {
		actual, ok := receipt[key]
		if !ok || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			mismatches = append(mismatches, key)
		}
	}
	result["mismatched_fields"] = mismatches
	if len(mismatches) > 0 {
		return NewDecision(false, 0, "receipt fields mismatched: "+strings.Join(mismatches, ","), true), result
	}

	if o.token != "" {
		raw, _ := json.Marshal(receipt)
		result["token_hash"] = TokenHashPrefix(o.token)
		if !strings.Contains(string(raw), o.token) {
			return NewDecision(false, 0, "episode token absent from receipt", true), result
		}
	}
	return NewDecision(true, 1, "receipt matched", true), result
}

func numericField(object map[string]any, field string) (int64, bool) {
	raw, ok := object[field]
	if !ok {
		return 0, false
	}
	switch value := raw.(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case json.Number:
		parsed, err := value.Int64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

func newSdcardJsonReceiptOracle(params map[string]any) (Oracle, error) {
	return newReceiptOracle("sdcard_json_receipt", "", params)
}

func newNotificationListenerReceiptOracle(params map[string]any) (Oracle, error) {
	return newReceiptOracle("notification_listener_receipt", "/sdcard/Android/data/com.mas.notificationlistener/files/receipt.json", params)
}

func newClipboardReceiptOracle(params map[string]any) (Oracle, error) {
	return newReceiptOracle("clipboard_receipt", "/sdcard/Android/data/com.mas.clipboardreceipt/files/receipt.json", params)
}

// fileHashOracle checks a device file's existence, mtime-in-window, and
// sha256. The mtime binding is the anti-gaming measure: an identical file
// left over from an earlier episode has a stale mtime.
type fileHashOracle struct {
	base
	path           string
	expectedSHA256 string
	requireMtime   bool
}

func newFileHashOracle(params map[string]any) (Oracle, error) {
	path, err := paramStringRequired(params, "path", "file_hash")
	if err != nil {
		return nil, err
	}
	return &fileHashOracle{
		base: base{
			name:       "file_hash",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell, schemaevidence.CapPullFile},
		},
		path:           path,
		expectedSHA256: strings.ToLower(paramString(params, "expected_sha256")),
		requireMtime:   paramBool(params, "require_mtime_in_window", true),
	}, nil
}

func (o *fileHashOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	meta, query := runShell(ctx, oc, "stat -c %Y "+o.path+" 2>/dev/null || echo absent", defaultQueryTimeout)
	preExisting := metaOK(meta) && strings.TrimSpace(meta.Stdout) != "absent"
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: map[string]any{"path": o.path, "pre_existing": preExisting},
		ResultPreview:   map[string]any{"path": o.path, "pre_existing": preExisting},
		Decision:        NewDecision(true, 1, "file baseline captured", true),
		AntiGamingNotes: []string{"pre_baseline_mtime", "time_window_device_epoch"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *fileHashOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	statMeta, statQuery := runShell(ctx, oc, "stat -c %Y "+o.path, defaultQueryTimeout)
	if !metaOK(statMeta) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{statQuery},
			ResultForDigest: map[string]any{"path": o.path, "present": false},
			ResultPreview:   map[string]any{"path": o.path, "present": false},
			Decision:        NewDecision(false, 0, "file absent", true),
			AntiGamingNotes: []string{"time_window_device_epoch"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	result := map[string]any{"path": o.path, "present": true}
	queries := []schemaevidence.Query{statQuery}

	mtimeSeconds, parseErr := strconv.ParseInt(strings.TrimSpace(statMeta.Stdout), 10, 64)
	if parseErr != nil {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         queries,
			ResultForDigest: statMeta,
			Decision:        NewDecision(false, 0, "mtime unparseable", false),
			AntiGamingNotes: []string{"time_window_device_epoch"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}
	result["mtime_s"] = mtimeSeconds

	if o.requireMtime && !oc.Window.ContainsSeconds(mtimeSeconds) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         queries,
			ResultForDigest: result,
			ResultPreview:   result,
			Decision:        NewDecision(false, 0, "file mtime outside episode window", true),
			AntiGamingNotes: []string{"time_window_device_epoch"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	content, pullErr := oc.Device.Pull(ctx, o.path)
	queries = append(queries, schemaevidence.Query{
		Type:      "pull_file",
		TimeoutMS: int(defaultQueryTimeout.Milliseconds()),
		Serial:    oc.Serial,
		Path:      o.path,
	})
	if pullErr != nil {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         queries,
			ResultForDigest: result,
			Decision:        NewDecision(false, 0, "file present but unreadable", false),
			AntiGamingNotes: []string{"time_window_device_epoch"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	actualSHA256 := jcs.DigestBytes(content)
	result["sha256"] = actualSHA256

	success := o.expectedSHA256 == "" || actualSHA256 == o.expectedSHA256
	reason := "file hash matched"
	if !success {
		reason = "file hash mismatch"
	}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         queries,
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), reason, true),
		AntiGamingNotes: []string{"time_window_device_epoch", "content_hash_bound"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}
