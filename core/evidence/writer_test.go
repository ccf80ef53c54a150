package evidence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

func obsRecord(pack *Pack, stepIdx int) schemaevidence.ObsRecord {
	components := map[string]string{
		ComponentScreenshot: ScreenshotDigest([]byte("png")),
		ComponentForeground: ForegroundDigest("com.android.dialer", ".Main"),
	}
	return schemaevidence.ObsRecord{
		SchemaVersion:       pack.SchemaVersion,
		StepIdx:             stepIdx,
		ObsDigest:           ObsDigest(components),
		ObsDigestVersion:    pack.ObsDigestVersion,
		ObsComponentDigests: components,
		Refs:                schemaevidence.ObsRefs{},
	}
}

func TestWriterEnforcesStepMonotonicity(t *testing.T) {
	pack, err := CreatePack(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("create pack: %v", err)
	}
	writer, err := pack.Writer(schemaevidence.ObsTraceFile)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	if _, err := writer.Append(obsRecord(pack, 0)); err != nil {
		t.Fatalf("append step 0: %v", err)
	}
	if _, err := writer.Append(obsRecord(pack, 1)); err != nil {
		t.Fatalf("append step 1: %v", err)
	}
	if _, err := writer.Append(obsRecord(pack, 1)); err == nil {
		t.Fatalf("repeated step_idx must be rejected")
	}
	if _, err := writer.Append(obsRecord(pack, 0)); err == nil {
		t.Fatalf("decreasing step_idx must be rejected")
	}
}

func TestWriterRejectsSchemaVersionMismatch(t *testing.T) {
	pack, err := CreatePack(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("create pack: %v", err)
	}
	writer, err := pack.Writer(schemaevidence.ObsTraceFile)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	record := obsRecord(pack, 0)
	record.SchemaVersion = "evidence.v999"
	if _, err := writer.Append(record); err == nil {
		t.Fatalf("schema_version mismatch must be rejected")
	}
}

func TestWriterRejectsAfterSeal(t *testing.T) {
	pack, err := CreatePack(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("create pack: %v", err)
	}
	writer, err := pack.Writer(schemaevidence.ObsTraceFile)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	pack.Seal()
	if _, err := writer.Append(obsRecord(pack, 0)); err == nil {
		t.Fatalf("writes after seal must be rejected")
	}
}

func TestBlobStoreContentAddressing(t *testing.T) {
	pack, err := CreatePack(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("create pack: %v", err)
	}
	first, err := pack.Artifacts.Put([]byte("blob-content"), "png", "screenshot")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := pack.Artifacts.Put([]byte("blob-content"), "png", "screenshot")
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if first.Path != second.Path || first.SHA256 != second.SHA256 {
		t.Fatalf("identical content must deduplicate: %+v vs %+v", first, second)
	}
	if !strings.HasPrefix(filepath.Base(first.Path), first.SHA256) {
		t.Fatalf("blob filename must be its digest: %s", first.Path)
	}
	if _, err := os.Stat(filepath.Join(pack.EvidenceDir, filepath.FromSlash(first.Path))); err != nil {
		t.Fatalf("blob not on disk: %v", err)
	}
}

func TestPutPreviewRespectsInlineBudget(t *testing.T) {
	pack, err := CreatePack(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("create pack: %v", err)
	}
	small, artifact, err := pack.OracleRaw.PutPreview([]byte("small"), "txt")
	if err != nil {
		t.Fatalf("small preview: %v", err)
	}
	if artifact != nil || small != "small" {
		t.Fatalf("small previews stay inline: %v %v", small, artifact)
	}

	large := strings.Repeat("x", InlinePreviewBudget+1)
	inline, artifact, err := pack.OracleRaw.PutPreview([]byte(large), "txt")
	if err != nil {
		t.Fatalf("large preview: %v", err)
	}
	if artifact == nil {
		t.Fatalf("oversized preview must become a blob")
	}
	stub, ok := inline.(map[string]any)
	if !ok || stub["truncated"] != true {
		t.Fatalf("oversized preview must inline a stub, got %v", inline)
	}
}

func TestResolveRefAndLineRefs(t *testing.T) {
	pack, err := CreatePack(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("create pack: %v", err)
	}
	writer, err := pack.Writer(schemaevidence.ForegroundTraceFile)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	lineNo, err := writer.Append(schemaevidence.ForegroundRecord{
		SchemaVersion: pack.SchemaVersion,
		Step:          0,
		Package:       "com.android.dialer",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	pack.Seal()

	sealed, err := OpenSealed(pack.EpisodeDir)
	if err != nil {
		t.Fatalf("open sealed: %v", err)
	}
	if !sealed.ResolveRef(LineRef(schemaevidence.ForegroundTraceFile, lineNo)) {
		t.Fatalf("line ref must resolve")
	}
	if sealed.ResolveRef(LineRef(schemaevidence.ForegroundTraceFile, lineNo+5)) {
		t.Fatalf("missing line must not resolve")
	}
}
