package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// sqlitePullQueryOracle pulls a device database and queries the copy with the
// host-side sqlite driver. Working on a pulled copy keeps the device state
// untouched and gives the evidence pack a byte-exact artifact of what was
// judged.
type sqlitePullQueryOracle struct {
	base
	devicePath   string
	query        string
	minRows      int
	token        string
	baselineRows int
	baselineOK   bool
}

func newSqlitePullQueryOracle(params map[string]any) (Oracle, error) {
	devicePath, err := paramStringRequired(params, "db_path", "sqlite_pull_query")
	if err != nil {
		return nil, err
	}
	query, err := paramStringRequired(params, "query", "sqlite_pull_query")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return nil, fmt.Errorf("sqlite_pull_query only accepts SELECT statements")
	}
	minRows := paramInt(params, "min_rows", 1)
	if minRows < 0 {
		minRows = 0
	}
	return &sqlitePullQueryOracle{
		base: base{
			name:       "sqlite_pull_query",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell, schemaevidence.CapPullFile, schemaevidence.CapHostSqlite},
		},
		devicePath: devicePath,
		query:      query,
		minRows:    minRows,
		token:      paramString(params, "token"),
	}, nil
}

func (o *sqlitePullQueryOracle) runQuery(ctx context.Context, oc *Context) (rows int, sample []map[string]any, dbDigest string, err error) {
	content, err := oc.Device.Pull(ctx, o.devicePath)
	if err != nil {
		return 0, nil, "", fmt.Errorf("pull database: %w", err)
	}
	dbDigest = jcs.DigestBytes(content)

	tempDir, err := os.MkdirTemp("", "masbench-sqlite-*")
	if err != nil {
		return 0, nil, "", err
	}
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()
	tempPath := filepath.Join(tempDir, "pulled.db")
	if err := os.WriteFile(tempPath, content, 0o600); err != nil {
		return 0, nil, "", err
	}

	db, err := sql.Open("sqlite", tempPath+"?mode=ro")
	if err != nil {
		return 0, nil, "", fmt.Errorf("open pulled database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	result, err := db.QueryContext(ctx, o.query)
	if err != nil {
		return 0, nil, "", fmt.Errorf("query pulled database: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	columns, err := result.Columns()
	if err != nil {
		return 0, nil, "", err
	}
	for result.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := result.Scan(pointers...); err != nil {
			return 0, nil, "", err
		}
		rows++
		if len(sample) < 5 {
			row := map[string]any{}
			for i, column := range columns {
				row[column+"_hash"] = TokenHashPrefix(fmt.Sprintf("%v", values[i]))
			}
			sample = append(sample, row)
		}
	}
	return rows, sample, dbDigest, result.Err()
}

func (o *sqlitePullQueryOracle) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	query := schemaevidence.Query{
		Type:      "sqlite_pull",
		TimeoutMS: int(defaultQueryTimeout.Milliseconds()),
		Serial:    oc.Serial,
		Path:      o.devicePath,
		SQL:       o.query,
	}
	rows, _, dbDigest, err := o.runQuery(ctx, oc)
	if err != nil {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePre,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"error": err.Error()},
			Decision:        NewDecision(false, 0, "baseline query failed: "+err.Error(), false),
			AntiGamingNotes: []string{"pre_baseline_count"},
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}
	o.baselineRows = rows
	o.baselineOK = true

	result := map[string]any{"baseline_rows": rows, "db_sha256": dbDigest}
	event, eventErr := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePre,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(true, 1, "baseline captured", true),
		AntiGamingNotes: []string{"pre_baseline_count"},
		TSMS:            oc.NowMS(),
	})
	if eventErr != nil {
		return nil, eventErr
	}
	return Evidence{event}, nil
}

func (o *sqlitePullQueryOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	query := schemaevidence.Query{
		Type:      "sqlite_pull",
		TimeoutMS: int(defaultQueryTimeout.Milliseconds()),
		Serial:    oc.Serial,
		Path:      o.devicePath,
		SQL:       o.query,
	}
	rows, sample, dbDigest, err := o.runQuery(ctx, oc)
	if err != nil {
		event, eventErr := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: map[string]any{"error": err.Error()},
			Decision:        NewDecision(false, 0, "query failed: "+err.Error(), false),
			AntiGamingNotes: []string{"pre_baseline_count"},
			TSMS:            oc.NowMS(),
		})
		if eventErr != nil {
			return nil, eventErr
		}
		return Evidence{event}, nil
	}

	newRows := rows
	if o.baselineOK {
		newRows = rows - o.baselineRows
	}
	success := newRows >= o.minRows
	reason := fmt.Sprintf("%d new rows since baseline (need %d)", newRows, o.minRows)

	result := map[string]any{
		"rows":           rows,
		"baseline_rows":  o.baselineRows,
		"baseline_taken": o.baselineOK,
		"new_rows":       newRows,
		"sample":         sample,
		"db_sha256":      dbDigest,
	}
	event, eventErr := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), reason, o.baselineOK),
		AntiGamingNotes: []string{"pre_baseline_count", "privacy_preserving_digests"},
		TSMS:            oc.NowMS(),
	})
	if eventErr != nil {
		return nil, eventErr
	}
	return Evidence{event}, nil
}

// rootSqliteOracle runs sqlite3 on-device through the root shell for
// databases adbd cannot pull.
type rootSqliteOracle struct {
	base
	devicePath string
	query      string
	contains   string
}

func newRootSqliteOracle(params map[string]any) (Oracle, error) {
	devicePath, err := paramStringRequired(params, "db_path", "root_sqlite")
	if err != nil {
		return nil, err
	}
	query, err := paramStringRequired(params, "query", "root_sqlite")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return nil, fmt.Errorf("root_sqlite only accepts SELECT statements")
	}
	return &rootSqliteOracle{
		base: base{
			name:       "root_sqlite",
			oracleType: schemaevidence.OracleTypeHard,
			caps:       []string{schemaevidence.CapADBShell, schemaevidence.CapRootShell},
		},
		devicePath: devicePath,
		query:      query,
		contains:   paramString(params, "contains"),
	}, nil
}

func (o *rootSqliteOracle) PostCheck(ctx context.Context, oc *Context) (Evidence, error) {
	if missing := MissingCapabilities(oc, o.caps); len(missing) > 0 {
		event, err := InconclusiveEvent(o, schemaevidence.PhasePost, "missing capability: "+strings.Join(missing, ","), oc)
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	cmd := fmt.Sprintf("su 0 sqlite3 %s %q", o.devicePath, o.query)
	meta, query := runShell(ctx, oc, cmd, defaultQueryTimeout)
	query.SQL = o.query
	query.Path = o.devicePath
	if !metaOK(meta) {
		event, err := NewEvent(EventSpec{
			Oracle:          o,
			Phase:           schemaevidence.PhasePost,
			Queries:         []schemaevidence.Query{query},
			ResultForDigest: meta,
			Decision:        NewDecision(false, 0, "root sqlite query unusable", false),
			AntiGamingNotes: []string{"root_state_read"},
			TSMS:            oc.NowMS(),
		})
		if err != nil {
			return nil, err
		}
		return Evidence{event}, nil
	}

	lines := 0
	for _, line := range strings.Split(meta.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	success := lines > 0
	if o.contains != "" {
		success = strings.Contains(meta.Stdout, o.contains)
	}

	result := map[string]any{
		"row_count":     lines,
		"output_sha256": jcs.DigestBytes([]byte(meta.Stdout)),
	}
	if o.contains != "" {
		result["contains_hash"] = TokenHashPrefix(o.contains)
		result["contains_match"] = success
	}
	event, err := NewEvent(EventSpec{
		Oracle:          o,
		Phase:           schemaevidence.PhasePost,
		Queries:         []schemaevidence.Query{query},
		ResultForDigest: result,
		ResultPreview:   result,
		Decision:        NewDecision(success, boolScore(success), fmt.Sprintf("%d result rows", lines), true),
		AntiGamingNotes: []string{"root_state_read", "privacy_preserving_digests"},
		TSMS:            oc.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	return Evidence{event}, nil
}
