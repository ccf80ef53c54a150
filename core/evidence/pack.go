package evidence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/davidahmann/masbench/core/schema/validate"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// ObsDigestVersionV1 names the current obs digest construction. It is written
// into run_manifest.json and on every obs line; a mixed-version episode is a
// writer error.
const ObsDigestVersionV1 = "obs_digest.v1"

// traceSchemas binds each trace file to its validation schema and whether its
// records carry a step_idx that must be strictly increasing.
var traceSchemas = map[string]struct {
	schemaName string
	hasStepIdx bool
}{
	schemaevidence.ObsTraceFile:          {validate.SchemaObsTrace, true},
	schemaevidence.AgentActionTraceFile:  {validate.SchemaAgentActionTrace, true},
	schemaevidence.DeviceInputTraceFile:  {validate.SchemaDeviceInputTrace, true},
	schemaevidence.OracleTraceFile:       {validate.SchemaOracleTrace, false},
	schemaevidence.ForegroundTraceFile:   {validate.SchemaForegroundTrace, false},
	schemaevidence.DeviceTraceFile:       {validate.SchemaDeviceTrace, false},
	schemaevidence.ScreenTraceFile:       {validate.SchemaScreenTrace, true},
	schemaevidence.ConfirmationTraceFile: {validate.SchemaConfirmationTrace, false},
}

// Pack is a live (unsealed) episode evidence directory. It is owned by exactly
// one episode runner; Seal flips it read-only for the detector and assertion
// engines.
type Pack struct {
	RunDir      string
	EpisodeDir  string
	EvidenceDir string

	SchemaVersion    string
	ObsDigestVersion string

	Artifacts *BlobStore
	OracleRaw *BlobStore

	writers map[string]*TraceWriter
	sealed  bool
}

// CreatePack lays out <outDir>/episode_XXXX/evidence with every required
// trace file present (possibly empty) and both blob areas.
func CreatePack(outDir string, episodeIndex int) (*Pack, error) {
	episodeDir := filepath.Join(outDir, fmt.Sprintf("episode_%04d", episodeIndex))
	evidenceDir := filepath.Join(episodeDir, "evidence")

	for _, dir := range []string{
		evidenceDir,
		filepath.Join(evidenceDir, schemaevidence.OracleRawDir),
		filepath.Join(evidenceDir, schemaevidence.ArtifactsDir),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create evidence directory: %w", err)
		}
	}

	pack := &Pack{
		RunDir:           outDir,
		EpisodeDir:       episodeDir,
		EvidenceDir:      evidenceDir,
		SchemaVersion:    schemaevidence.SchemaVersionV0,
		ObsDigestVersion: ObsDigestVersionV1,
		Artifacts:        newBlobStore(evidenceDir, schemaevidence.ArtifactsDir),
		OracleRaw:        newBlobStore(evidenceDir, schemaevidence.OracleRawDir),
		writers:          map[string]*TraceWriter{},
	}

	for name := range traceSchemas {
		if name == schemaevidence.ConfirmationTraceFile {
			continue // optional, created on first write
		}
		if err := touchFile(filepath.Join(evidenceDir, name)); err != nil {
			return nil, err
		}
	}
	return pack, nil
}

// Writer returns the append-only sink for a named trace file.
func (p *Pack) Writer(name string) (*TraceWriter, error) {
	if p.sealed {
		return nil, fmt.Errorf("evidence pack is sealed: %s", p.EvidenceDir)
	}
	if writer, ok := p.writers[name]; ok {
		return writer, nil
	}
	binding, ok := traceSchemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown trace file: %s", name)
	}
	writer := &TraceWriter{
		path:          filepath.Join(p.EvidenceDir, name),
		fileName:      name,
		schemaName:    binding.schemaName,
		schemaVersion: p.SchemaVersion,
		hasStepIdx:    binding.hasStepIdx,
		lastStepIdx:   -1,
		sealed:        &p.sealed,
	}
	p.writers[name] = writer
	return writer, nil
}

// Seal closes the pack to trace writes. Facts and assertions are the only
// files appended afterwards, and they go through their own engines.
func (p *Pack) Seal() {
	p.sealed = true
}

func (p *Pack) Sealed() bool {
	return p.sealed
}

func touchFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	return file.Close()
}
