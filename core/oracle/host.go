package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// hostRoot resolves the per-episode host artifact directory. The engine
// never scans outside its own run root.
func hostRoot(oc *Context) string {
	if oc.ArtifactsRoot == "" {
		return ""
	}
	if oc.RunID == "" {
		return oc.ArtifactsRoot
	}
	return filepath.Join(oc.ArtifactsRoot, oc.RunID)
}

// hostArtifactJsonOracle finds the newest file matching a glob under the
// host artifact root and matches its JSON content. clear_before_run is the
// pollution-clearing anti-gaming hook.
type hostArtifactJsonOracle struct {
	base
	glob           string
	clearBeforeRun bool
	expected       map[string]any
	token          string
}

func newHostArtifactJsonOracle(params map[string]any) (Oracle, error) {
	glob, err := paramStringRequired(params, "glob", "host_artifact_json")
	if err != nil {
		return nil, err
	}
	if strings.Contains(glob, "..") || filepath.IsAbs(glob) {
		return nil, fmt.Errorf("host_artifact_json glob must be relative to the artifact root")
	}
	return &hostArtifactJsonOracle{
		base: base{
			name:       "host_artifact_json",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapHostArtifactsRequired},
		},
		glob:           glob,
		clearBeforeRun: paramBool(params, "clear_before_run", true),
		expected:       paramObject(params, "expected"),
		token:          paramString(params, "token"),
	}, nil
}

func (o *hostArtifactJsonOracle) matches(oc *Context) ([]string, error) {
	root := hostRoot(oc)
	if root == "" {
		return nil, fmt.Errorf("ARTIFACTS_ROOT not configured")
	}
	matched, err := filepath.Glob(filepath.Join(root, o.glob))
	if err != nil {
		return nil, err
	}
	sort.Strings(matched)
	return matched, nil
}

func (o *hostArtifactJsonOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_ = ctx
	query := schemaevidence.Query{Type: "host_glob", TimeoutMS: 0, Path: o.glob}
	matched, err := o.matches(oc)
	if err != nil {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePre,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"error": err.Error()},
			Decision:        NewDecision(false, 0, "host artifact root unusable: "+err.Error(), false),
			AntiGamingNotes: []string{"per_episode_artifact_root"},
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}

	cleared := 0
	if o.clearBeforeRun {
		for _, path := range matched {
			if removeErr := os.Remove(path); removeErr == nil {
				cleared++
			}
		}
	}

	result := map[string]any{"pre_matches": len(matched), "cleared": cleared}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(true, 1, "host artifact baseline cleared", true),
		AntiGamingNotes: []string{"pre_pollution_clearing", "per_episode_artifact_root"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *hostArtifactJsonOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_ = ctx
	query := schemaevidence.Query{Type: "host_glob", TimeoutMS: 0, Path: o.glob}
	matched, err := o.matches(oc)
	if err != nil {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"error": err.Error()},
			Decision:        NewDecision(false, 0, "host artifact root unusable: "+err.Error(), false),
			AntiGamingNotes: []string{"per_episode_artifact_root"},
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}

	if len(matched) == 0 {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"matches": 0},
			ResultPreview:   map[string]any{"matches": 0},
			Decision:        NewDecision(false, 0, "no host artifact matched glob", true),
			AntiGamingNotes: []string{"pre_pollution_clearing", "per_episode_artifact_root"},
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}

	newest := newestByMtime(matched)
	// #nosec G304 -- newest is constrained to the per-episode artifact root glob.
	content, readErr := os.ReadFile(newest)
	if readErr != nil {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"read_error": readErr.Error()},
			Decision:        NewDecision(false, 0, "host artifact unreadable", false),
			AntiGamingNotes: []string{"per_episode_artifact_root"},
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}

	var artifacts []schemaevidence.ArtifactRef
	if oc.Raw != nil {
		ref, putErr := oc.Raw.Put(content, "json", "host_artifact")
		if putErr != nil {
			return nil, putErr
		}
		artifacts = append(artifacts, ref)
	}

	var payload map[string]any
	if err := json.Unmarshal(content, &payload); err != nil {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"parse_error": true},
			Decision:        NewDecision(false, 0, "host artifact not valid json", false),
			AntiGamingNotes: []string{"per_episode_artifact_root"},
			Artifacts:       artifacts,
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}

	result := map[string]any{
		"matches":        len(matched),
		"newest":         filepath.Base(newest),
		"content_sha256": jcs.DigestBytes(content),
	}
	mismatches := []string{}
	for key, expected := range o.expected {
		actual, ok := payload[key]
		if !ok || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			mismatches = append(mismatches, key)
		}
	}
	result["mismatched_fields"] = mismatches

	success := len(mismatches) == 0
	reason := "host artifact matched"
	if !success {
		reason = "host artifact fields mismatched: " + strings.Join(mismatches, ",")
	}
	if success && o.token != "" {
		result["token_hash"] = TokenHashPrefix(o.token)
		if !strings.Contains(string(content), o.token) {
			success = false
			reason = "episode token absent from host artifact"
		}
	}

	event, eventErr := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), reason, true),
		AntiGamingNotes: []string{"pre_pollution_clearing", "per_episode_artifact_root", "per_episode_token_match"},
		Artifacts:       artifacts,
		TSMS:            oc.NowMS(),
	})
	if eventErr != nil {
		return nil, eventErr
	}
	return Evidence{event}, nil
}

// networkReceiptOracle checks a host-captured request receipt for a token in
// body, headers, or query. Previews carry digests only: the receipt may hold
// credentials the evidence pack must never republish.
type networkReceiptOracle struct {
	base
	glob   string
	token  string
	fields []string
}

func newNetworkReceiptOracle(params map[string]any) (Oracle, error) {
	token, err := paramStringRequired(params, "token", "network_receipt")
	if err != nil {
		return nil, err
	}
	glob := paramString(params, "glob")
	if glob == "" {
		glob = "network/*.json"
	}
	fields := paramStringSlice(params, "fields")
	if len(fields) == 0 {
		fields = []string{"body", "headers", "query"}
	}
	return &networkReceiptOracle{
		base: base{
			name:       "network_receipt",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapHostArtifactsRequired},
		},
		glob:   glob,
		token:  token,
		fields: fields,
	}, nil
}

func (o *networkReceiptOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_ = ctx
	root := hostRoot(oc)
	query := schemaevidence.Query{Type: "host_glob", TimeoutMS: 0, Path: o.glob}
	if root == "" {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePre, "ARTIFACTS_ROOT not configured", oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}
	matched, _ := filepath.Glob(filepath.Join(root, o.glob))
	for _, path := range matched {
		_ = os.Remove(path)
	}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: map[string]any{"cleared": len(matched)},
		ResultPreview:   map[string]any{"cleared": len(matched)},
		Decision:        NewDecision(true, 1, "stale network receipts cleared", true),
		AntiGamingNotes: []string{"pre_pollution_clearing", "per_episode_token_match"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *networkReceiptOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_ = ctx
	root := hostRoot(oc)
	query := schemaevidence.Query{Type: "host_glob", TimeoutMS: 0, Path: o.glob}
	if root == "" {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "ARTIFACTS_ROOT not configured", oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	matched, _ := filepath.Glob(filepath.Join(root, o.glob))
	sort.Strings(matched)

	hits := []map[string]any{}
	var artifacts []schemaevidence.ArtifactRef
	for _, path := range matched {
		// #nosec G304 -- path is constrained to the per-episode artifact root glob.
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(content, &record); err != nil {
			continue
		}
		for _, field := range o.fields {
			raw, ok := record[field]
			if !ok {
				continue
			}
			text := fmt.Sprintf("%v", raw)
			if strings.Contains(text, o.token) {
				hits = append(hits, map[string]any{
					"file":       filepath.Base(path),
					"field":      field,
					"token_hash": TokenHashPrefix(o.token),
					"value_hash": TokenHashPrefix(text),
				})
				if oc.Raw != nil {
					ref, putErr := oc.Raw.Put(content, "json", "network_receipt")
					if putErr == nil {
						artifacts = append(artifacts, ref)
					}
				}
				break
			}
		}
	}

	result := map[string]any{
		"receipts_scanned": len(matched),
		"hits":             hits,
		"token_hash":       TokenHashPrefix(o.token),
	}
	success := len(hits) > 0
	reason := fmt.Sprintf("token found in %d of %d receipts", len(hits), len(matched))
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), reason, true),
		AntiGamingNotes: []string{"pre_pollution_clearing", "per_episode_token_match", "privacy_preserving_digests"},
		Artifacts:       artifacts,
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

// networkProxyOracle scans a JSONL proxy capture for a token. Disabled by
// default: the proxy changes device network behavior, so cases must opt in.
type networkProxyOracle struct {
	base
	capturePath string
	token       string
	enabled     bool
}

func newNetworkProxyOracle(params map[string]any) (Oracle, error) {
	token, err := paramStringRequired(params, "token", "network_proxy")
	if err != nil {
		return nil, err
	}
	capturePath := paramString(params, "capture_path")
	if capturePath == "" {
		capturePath = "proxy/capture.jsonl"
	}
	return &networkProxyOracle{
		base: base{
			name:       "network_proxy",
			oracleType: schemaevidence.OracleTypeHybrid,
			caps:       []string{schemaevidence.CapHostArtifactsRequired, schemaevidence.CapNetworkProxy},
		},
		capturePath: capturePath,
		token:       token,
		enabled:     paramBool(params, "enabled", false),
	}, nil
}

func (o *networkProxyOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_ = ctx
	if !o.enabled {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "network_proxy disabled (set params.enabled=true)", oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}
	root := hostRoot(oc)
	query := schemaevidence.Query{Type: "host_file", TimeoutMS: 0, Path: o.capturePath}
	if root == "" {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "ARTIFACTS_ROOT not configured", oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}
	// #nosec G304 -- capture path is constrained to the per-episode artifact root.
	content, readErr := os.ReadFile(filepath.Join(root, o.capturePath))
	if readErr != nil {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"capture_present": false},
			Decision:        NewDecision(false, 0, "proxy capture absent", false),
			AntiGamingNotes: []string{"per_episode_token_match"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	hitLines := 0
	totalLines := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		totalLines++
		if bytes.Contains(line, []byte(o.token)) {
			hitLines++
		}
	}

	result := map[string]any{
		"capture_lines": totalLines,
		"hit_lines":     hitLines,
		"token_hash":    TokenHashPrefix(o.token),
	}
	success := hitLines > 0
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), fmt.Sprintf("token on %d capture lines", hitLines), true),
		AntiGamingNotes: []string{"per_episode_token_match", "privacy_preserving_digests"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func newestByMtime(paths []string) string {
	newest := paths[0]
	var newestMtime int64 = -1
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if mtime := info.ModTime().UnixMilli(); mtime > newestMtime {
			newestMtime = mtime
			newest = path
		}
	}
	return newest
}
