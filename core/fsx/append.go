package fsx

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppendLine appends exactly one record line to a JSONL file and fsyncs it.
// The caller provides raw bytes for one record; a trailing newline is added
// here. Trace files are owned by a single episode runner process, so a
// single-writer O_APPEND open is sufficient for line atomicity.
func AppendLine(path string, line []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}

	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	// #nosec G304 -- append path is derived from the episode evidence dir.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open append file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("append file line: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync append file: %w", err)
	}
	return nil
}
