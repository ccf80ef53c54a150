package evidence

import (
	"fmt"
	"path/filepath"

	"github.com/davidahmann/masbench/core/fsx"
	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// WriteRunManifest writes run_manifest.json at the run root with an atomic
// rename. The manifest declares the pack schema version every subsequent
// trace line is checked against.
func WriteRunManifest(runDir string, manifest schemaevidence.RunManifest) error {
	return writeCanonicalJSON(filepath.Join(runDir, schemaevidence.RunManifestFile), manifest)
}

func WriteEnvCapabilities(runDir string, capabilities schemaevidence.EnvCapabilities) error {
	return writeCanonicalJSON(filepath.Join(runDir, schemaevidence.EnvCapabilitiesFile), capabilities)
}

// WriteSummary writes the episode summary.json into the evidence directory.
func (p *Pack) WriteSummary(summary schemaevidence.Summary) error {
	return writeCanonicalJSON(filepath.Join(p.EvidenceDir, schemaevidence.SummaryFile), summary)
}

// WriteCrash records an uncaught failure without touching existing traces.
func (p *Pack) WriteCrash(report schemaevidence.CrashReport) error {
	return writeCanonicalJSON(filepath.Join(p.EpisodeDir, schemaevidence.CrashFile), report)
}

func writeCanonicalJSON(path string, value any) error {
	canonical, err := jcs.CanonicalizeValue(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	content := append(canonical, '\n')
	if err := fsx.WriteFileAtomic(path, content, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
