package oracle

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

const defaultQueryTimeout = 15 * time.Second

// shellMeta is what one adb shell invocation produced, in the shape stored as
// an oracle result.
type shellMeta struct {
	Cmd      string `json:"cmd"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runShell(ctx context.Context, oc *Context, cmd string, timeout time.Duration) (shellMeta, schemaevidence.Query) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	query := schemaevidence.Query{
		Type:      "adb_shell",
		TimeoutMS: int(timeout.Milliseconds()),
		Serial:    oc.Serial,
		Cmd:       cmd,
	}
	meta := shellMeta{Cmd: cmd}
	result, err := oc.Device.RunShell(ctx, cmd, timeout)
	if err != nil {
		meta.Error = err.Error()
		return meta, query
	}
	meta.ExitCode = result.ExitCode
	meta.Stdout = result.Stdout
	meta.Stderr = result.Stderr
	return meta, query
}

// metaOK reports whether a shell result is usable evidence. Permission
// denials and explicit errors make the result unusable, not "false".
func metaOK(meta shellMeta) bool {
	if meta.Error != "" || meta.ExitCode != 0 {
		return false
	}
	combined := strings.ToLower(meta.Stdout + "\n" + meta.Stderr)
	if strings.Contains(combined, "permission denial") || strings.Contains(combined, "securityexception") {
		return false
	}
	if strings.HasPrefix(strings.TrimSpace(combined), "error:") {
		return false
	}
	return true
}

var contentRowRe = regexp.MustCompile(`(?m)^Row: \d+ (.*)$`)

// parseContentRows parses `content query` output into column maps. The
// format is `Row: N col=value, col=value, ...`; values may contain commas, so
// splits happen only at `, <ident>=` boundaries.
func parseContentRows(stdout string) []map[string]string {
	var rows []map[string]string
	for _, match := range contentRowRe.FindAllStringSubmatch(stdout, -1) {
		rows = append(rows, parseContentRow(match[1]))
	}
	return rows
}

var contentPairBoundaryRe = regexp.MustCompile(`, ([A-Za-z_][A-Za-z0-9_]*)=`)

func parseContentRow(body string) map[string]string {
	row := map[string]string{}
	boundaries := contentPairBoundaryRe.FindAllStringSubmatchIndex(body, -1)
	starts := []int{0}
	for _, bounds := range boundaries {
		starts = append(starts, bounds[0]+2)
	}
	for i, start := range starts {
		end := len(body)
		if i+1 < len(starts) {
			end = starts[i+1] - 2
		}
		pair := body[start:end]
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(pair[:eq])
		value := pair[eq+1:]
		if value == "NULL" {
			value = ""
		}
		row[key] = value
	}
	return row
}

func rowInt64(row map[string]string, column string) (int64, bool) {
	raw, ok := row[column]
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
