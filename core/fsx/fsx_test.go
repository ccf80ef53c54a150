package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicCreatesAndOverwrites(t *testing.T) {
	target := filepath.Join(t.TempDir(), "summary.json")

	if err := WriteFileAtomic(target, []byte("first\n"), 0o640); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(target, []byte("second\n"), 0o640); err != nil {
		t.Fatalf("second write: %v", err)
	}
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "second\n" {
		t.Fatalf("unexpected content: %q", string(content))
	}
}

func TestAppendLineAddsNewlinePerRecord(t *testing.T) {
	target := filepath.Join(t.TempDir(), "trace.jsonl")

	if err := AppendLine(target, []byte(`{"a":1}`), 0o640); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := AppendLine(target, []byte(`{"a":2}`), 0o640); err != nil {
		t.Fatalf("second append: %v", err)
	}
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Fatalf("unexpected content: %q", string(content))
	}
}

func TestAppendLineCreatesParentDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "deep", "trace.jsonl")
	if err := AppendLine(target, []byte(`{}`), 0o640); err != nil {
		t.Fatalf("append with missing parent: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}
