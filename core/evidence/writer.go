package evidence

import (
	"encoding/json"
	"fmt"

	"github.com/davidahmann/masbench/core/fsx"
	"github.com/davidahmann/masbench/core/jcs"
	"github.com/davidahmann/masbench/core/schema/validate"
)

// TraceWriter appends schema-checked canonical JSON lines to one trace file.
// Writes are rejected, never silently dropped: a record that fails schema
// validation, carries the wrong schema_version, or breaks step monotonicity
// returns an error and the file is untouched.
type TraceWriter struct {
	path          string
	fileName      string
	schemaName    string
	schemaVersion string
	hasStepIdx    bool
	lastStepIdx   int
	lineCount     int
	sealed        *bool
}

// Append validates and writes one record, returning its 1-based line number
// so callers can build `file.jsonl:L<n>` evidence refs.
func (w *TraceWriter) Append(record any) (int, error) {
	if w.sealed != nil && *w.sealed {
		return 0, fmt.Errorf("trace file is sealed: %s", w.fileName)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal %s record: %w", w.fileName, err)
	}
	canonical, err := jcs.CanonicalizeJSON(raw)
	if err != nil {
		return 0, fmt.Errorf("canonicalize %s record: %w", w.fileName, err)
	}
	if err := validate.ValidateLine(w.schemaName, canonical); err != nil {
		return 0, fmt.Errorf("%s: %w", w.fileName, err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(canonical, &decoded); err != nil {
		return 0, fmt.Errorf("decode %s record: %w", w.fileName, err)
	}
	if version, _ := decoded["schema_version"].(string); version != w.schemaVersion {
		return 0, fmt.Errorf("%s: schema_version %q does not match pack version %q", w.fileName, version, w.schemaVersion)
	}
	if w.hasStepIdx {
		stepIdx, ok := decoded["step_idx"].(float64)
		if !ok {
			return 0, fmt.Errorf("%s: record missing step_idx", w.fileName)
		}
		step := int(stepIdx)
		if step <= w.lastStepIdx {
			return 0, fmt.Errorf("%s: step_idx %d not greater than last %d", w.fileName, step, w.lastStepIdx)
		}
		w.lastStepIdx = step
	}

	if err := fsx.AppendLine(w.path, canonical, 0o640); err != nil {
		return 0, err
	}
	w.lineCount++
	return w.lineCount, nil
}

// LineCount reports how many records this writer appended.
func (w *TraceWriter) LineCount() int {
	return w.lineCount
}

// FileName returns the trace file base name.
func (w *TraceWriter) FileName() string {
	return w.fileName
}
