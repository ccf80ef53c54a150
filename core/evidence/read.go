package evidence

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davidahmann/masbench/core/fsx"
	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// Line is one decoded JSONL record with its 1-based line number.
type Line struct {
	No  int
	Obj map[string]any
}

// SealedPack is the read-only view of an episode evidence directory the
// detector and assertion engines work from. Nothing here mutates traces.
type SealedPack struct {
	EpisodeDir  string
	EvidenceDir string
	RunRoot     string

	lineCache map[string][]Line
}

// OpenSealed resolves the evidence directory for an episode and the run root
// holding run_manifest.json.
func OpenSealed(episodeDir string) (*SealedPack, error) {
	info, err := os.Stat(episodeDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("episode directory not found: %s", episodeDir)
	}

	evidenceDir := filepath.Join(episodeDir, "evidence")
	if evidenceInfo, err := os.Stat(evidenceDir); err != nil || !evidenceInfo.IsDir() {
		evidenceDir = episodeDir
	}

	runRoot := findRunRoot(evidenceDir)
	return &SealedPack{
		EpisodeDir:  episodeDir,
		EvidenceDir: evidenceDir,
		RunRoot:     runRoot,
		lineCache:   map[string][]Line{},
	}, nil
}

func findRunRoot(start string) string {
	current := start
	for range 20 {
		if _, err := os.Stat(filepath.Join(current, schemaevidence.RunManifestFile)); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return ""
}

// Path returns the absolute path of a file inside the evidence directory.
func (p *SealedPack) Path(name string) string {
	return filepath.Join(p.EvidenceDir, filepath.FromSlash(name))
}

// Lines reads and caches the decoded records of one JSONL trace. A missing
// file yields an empty slice: absent evidence maps to INCONCLUSIVE, not an
// engine error.
func (p *SealedPack) Lines(name string) ([]Line, error) {
	if cached, ok := p.lineCache[name]; ok {
		return cached, nil
	}
	path := p.Path(name)
	// #nosec G304 -- path is inside the episode evidence directory.
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.lineCache[name] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	var lines []Line
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid json: %w", name, lineNo, err)
		}
		lines = append(lines, Line{No: lineNo, Obj: obj})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	p.lineCache[name] = lines
	return lines, nil
}

// ReadJSONObject decodes one JSON file in the evidence directory; missing
// files return ok=false.
func (p *SealedPack) ReadJSONObject(name string, target any) (bool, error) {
	// #nosec G304 -- path is inside the episode evidence directory.
	content, err := os.ReadFile(p.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(content, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// Manifest loads run_manifest.json from the run root, if discoverable.
func (p *SealedPack) Manifest() (schemaevidence.RunManifest, bool) {
	if p.RunRoot == "" {
		return schemaevidence.RunManifest{}, false
	}
	// #nosec G304 -- run root is an ancestor of the episode directory.
	content, err := os.ReadFile(filepath.Join(p.RunRoot, schemaevidence.RunManifestFile))
	if err != nil {
		return schemaevidence.RunManifest{}, false
	}
	var manifest schemaevidence.RunManifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return schemaevidence.RunManifest{}, false
	}
	return manifest, true
}

// Summary loads the episode summary.json.
func (p *SealedPack) Summary() (schemaevidence.Summary, bool) {
	var summary schemaevidence.Summary
	ok, err := p.ReadJSONObject(schemaevidence.SummaryFile, &summary)
	if err != nil || !ok {
		return schemaevidence.Summary{}, false
	}
	return summary, true
}

// ResolveRef reports whether an evidence ref points at something that exists:
// either `<file>.jsonl:L<n>` within this pack or a relative artifact path.
func (p *SealedPack) ResolveRef(ref string) bool {
	ref = strings.TrimSpace(strings.TrimPrefix(ref, "artifact:"))
	if ref == "" {
		return false
	}
	if file, lineNo, ok := SplitLineRef(ref); ok {
		lines, err := p.Lines(file)
		if err != nil {
			return false
		}
		for _, line := range lines {
			if line.No == lineNo {
				return true
			}
		}
		return false
	}
	_, err := os.Stat(p.Path(ref))
	return err == nil
}

// SplitLineRef parses `<file>:L<n>` refs.
func SplitLineRef(ref string) (file string, lineNo int, ok bool) {
	idx := strings.LastIndex(ref, ":L")
	if idx <= 0 {
		return "", 0, false
	}
	lineNo, err := strconv.Atoi(ref[idx+2:])
	if err != nil || lineNo <= 0 {
		return "", 0, false
	}
	return ref[:idx], lineNo, true
}

// LineRef formats a `<file>:L<n>` evidence ref.
func LineRef(file string, lineNo int) string {
	return fmt.Sprintf("%s:L%d", file, lineNo)
}

// WriteRecordsFile writes canonical JSONL records with an atomic rename.
// Used for facts.jsonl and assertions.jsonl, the only files appended to a
// sealed pack.
func WriteRecordsFile[T any](path string, records []T) error {
	var buffer bytes.Buffer
	for _, record := range records {
		canonical, err := jcs.CanonicalizeValue(record)
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", filepath.Base(path), err)
		}
		buffer.Write(canonical)
		buffer.WriteByte('\n')
	}
	return fsx.WriteFileAtomic(path, buffer.Bytes(), 0o640)
}
