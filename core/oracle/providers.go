package oracle

import (
	"context"
	"fmt"
	"strings"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// providerFamily parameterizes one content-provider oracle: its URI, the
// column holding the record timestamp, and that column's unit.
type providerFamily struct {
	id            string
	defaultURI    string
	timeColumn    string
	timeInSeconds bool
	hashColumns   []string
}

var providerFamilies = []providerFamily{
	{id: "provider_sms", defaultURI: "content://sms/sent", timeColumn: "date", hashColumns: []string{"address", "body"}},
	{id: "provider_contacts", defaultURI: "content://com.android.contacts/raw_contacts", timeColumn: "contact_last_updated_timestamp", hashColumns: []string{"display_name"}},
	{id: "provider_calendar", defaultURI: "content://com.android.calendar/events", timeColumn: "dtstart", hashColumns: []string{"title", "description"}},
	{id: "provider_calllog", defaultURI: "content://call_log/calls", timeColumn: "date", hashColumns: []string{"number"}},
	{id: "provider_mediastore", defaultURI: "content://media/external/images/media", timeColumn: "date_added", timeInSeconds: true, hashColumns: []string{"_display_name"}},
	{id: "provider_downloads", defaultURI: "content://downloads/my_downloads", timeColumn: "lastmod", hashColumns: []string{"title", "uri"}},
}

// providerOracle queries one content URI with the episode time window and
// multi-condition matching. Anti-gaming: pre-phase baseline count plus the
// strict device-epoch window; a pre-existing record can never satisfy the
// post check.
type providerOracle struct {
	base
	family     providerFamily
	uri        string
	conditions map[string]string
	token      string
	minMatches int

	baselineCount int
	baselineTaken bool
}

func newProviderOracle(family providerFamily, params map[string]any) (Oracle, error) {
	uri := paramString(params, "uri")
	if uri == "" {
		uri = family.defaultURI
	}
	conditions := map[string]string{}
	for key, raw := range paramObject(params, "match") {
		if text, ok := raw.(string); ok {
			conditions[key] = text
		}
	}
	minMatches := paramInt(params, "min_matches", 1)
	if minMatches < 1 {
		minMatches = 1
	}
	return &providerOracle{
		base: base{
			name:       family.id,
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell},
		},
		family:     family,
		uri:        uri,
		conditions: conditions,
		token:      paramString(params, "token"),
		minMatches: minMatches,
	}, nil
}

func (o *providerOracle) queryCmd() string {
	return fmt.Sprintf("content query --uri %s", o.uri)
}

func (o *providerOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	meta, query := runShell(ctx, oc, o.queryCmd(), defaultQueryTimeout)
	query.URI = o.uri

	if !metaOK(meta) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePre,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: meta,
			ResultPreview:   map[string]any{"baseline": "unavailable"},
			Decision:        NewDecision(false, 0, "provider baseline query unusable", false),
			AntiGamingNotes: []string{"pre_baseline_attempted"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	rows := parseContentRows(meta.Stdout)
	o.baselineCount = len(rows)
	o.baselineTaken = true

	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: map[string]any{"baseline_count": o.baselineCount, "uri": o.uri},
		ResultPreview:   map[string]any{"baseline_count": o.baselineCount},
		Decision:        NewDecision(true, 1, "baseline captured", true),
		AntiGamingNotes: []string{"pre_baseline_count", "time_window_device_epoch"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *providerOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}
	if !oc.Window.Valid() {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "episode time window not established", oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	meta, query := runShell(ctx, oc, o.queryCmd(), defaultQueryTimeout)
	query.URI = o.uri

	if !metaOK(meta) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: meta,
			Decision:        NewDecision(false, 0, "provider query unusable", false),
			AntiGamingNotes: []string{"time_window_device_epoch"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	rows := parseContentRows(meta.Stdout)
	matched := 0
	var matchedPreviews []map[string]any
	for _, row := range rows {
		if !o.rowInWindow(row, oc.Window) {
			continue
		}
		if !o.rowMatches(row) {
			continue
		}
		matched++
		if len(matchedPreviews) < 5 {
			matchedPreviews = append(matchedPreviews, o.rowPreview(row))
		}
	}

	success := matched >= o.minMatches
	reason := fmt.Sprintf("%d matching rows in window (need %d)", matched, o.minMatches)
	notes := []string{"time_window_device_epoch", "pre_baseline_count"}
	if o.token != "" {
		notes = append(notes, "per_episode_token_match")
	}

	result := map[string]any{
		"uri":            o.uri,
		"row_count":      len(rows),
		"matched_count":  matched,
		"baseline_count": o.baselineCount,
		"baseline_taken": o.baselineTaken,
		"matches":        matchedPreviews,
	}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), reason, true),
		AntiGamingNotes: notes,
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}

func (o *providerOracle) rowInWindow(row map[string]string, window TimeWindow) bool {
	timestamp, ok := rowInt64(row, o.family.timeColumn)
	if !ok {
		return false
	}
	if o.family.timeInSeconds {
		return window.ContainsSeconds(timestamp)
	}
	return window.Contains(timestamp)
}

func (o *providerOracle) rowMatches(row map[string]string) bool {
	for column, expected := range o.conditions {
		actual, ok := row[column]
		if !ok {
			return false
		}
		if !strings.Contains(normalizeMatchValue(actual), normalizeMatchValue(expected)) {
			return false
		}
	}
	if o.token != "" {
		found := false
		for _, value := range row {
			if strings.Contains(value, o.token) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// rowPreview is the PII-safe projection of one matched row: hashed values
// and length buckets only, never plaintext recipients or bodies.
func (o *providerOracle) rowPreview(row map[string]string) map[string]any {
	preview := map[string]any{}
	if timestamp, ok := rowInt64(row, o.family.timeColumn); ok {
		preview[o.family.timeColumn] = timestamp
	}
	for _, column := range o.family.hashColumns {
		value, ok := row[column]
		if !ok || value == "" {
			continue
		}
		preview[column+"_hash"] = TokenHashPrefix(value)
		preview[column+"_len_bucket"] = lengthBucket(len(value))
	}
	return preview
}

func normalizeMatchValue(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.ToLower(value))
}

func lengthBucket(length int) string {
	switch {
	case length == 0:
		return "0"
	case length <= 16:
		return "1-16"
	case length <= 64:
		return "17-64"
	case length <= 256:
		return "65-256"
	}
	return ">256"
}

func boolScore(success bool) float64 {
	if success {
		return 1
	}
	return 0
}
