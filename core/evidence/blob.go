package evidence

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/davidahmann/masbench/core/fsx"
	"github.com/davidahmann/masbench/core/jcs"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// InlinePreviewBudget caps how much raw oracle output may ride inline on a
// trace line. Anything larger is stored as a blob and referenced by digest.
const InlinePreviewBudget = 2048

// BlobStore is a content-addressed immutable blob area. Filenames are
// sha256(content) plus the caller's extension, so identical content
// deduplicates and references never dangle after a partial write.
type BlobStore struct {
	evidenceDir string
	relDir      string
}

func newBlobStore(evidenceDir, relDir string) *BlobStore {
	return &BlobStore{evidenceDir: evidenceDir, relDir: relDir}
}

// Put writes content and returns its artifact reference. The write goes to a
// temp file first and lands with an atomic rename.
func (s *BlobStore) Put(content []byte, ext, kind string) (schemaevidence.ArtifactRef, error) {
	digest := jcs.DigestBytes(content)
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	name := digest
	if ext != "" {
		name = digest + "." + ext
	}
	relPath := filepath.ToSlash(filepath.Join(s.relDir, name))
	fullPath := filepath.Join(s.evidenceDir, filepath.FromSlash(relPath))

	if err := fsx.WriteFileAtomic(fullPath, content, 0o640); err != nil {
		return schemaevidence.ArtifactRef{}, fmt.Errorf("write blob: %w", err)
	}
	return schemaevidence.ArtifactRef{Path: relPath, SHA256: digest, Kind: kind}, nil
}

// PutPreview stores oversized previews as blobs and returns what should ride
// inline: the preview itself when small, otherwise a stub with the blob ref.
func (s *BlobStore) PutPreview(preview []byte, ext string) (inline any, artifact *schemaevidence.ArtifactRef, err error) {
	if len(preview) <= InlinePreviewBudget {
		return string(preview), nil, nil
	}
	ref, err := s.Put(preview, ext, "preview")
	if err != nil {
		return nil, nil, err
	}
	stub := map[string]any{
		"truncated": true,
		"bytes":     len(preview),
		"sha256":    ref.SHA256,
		"path":      ref.Path,
	}
	return stub, &ref, nil
}
