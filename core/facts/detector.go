package facts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/jcs"
	"github.com/davidahmann/masbench/core/schema/v1/casespec"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// CaseContext is the read-only case information detectors and assertions may
// consult alongside the sealed pack.
type CaseContext struct {
	Bundle      casespec.CaseBundle
	ImpactLevel string
}

// NewCaseContext derives the context from a loaded bundle.
func NewCaseContext(bundle casespec.CaseBundle) CaseContext {
	return CaseContext{Bundle: bundle, ImpactLevel: bundle.ImpactLevel()}
}

// Detector converts a sealed evidence pack into zero or more typed facts.
// Detectors are pure: no device I/O, no writes, deterministic output.
type Detector interface {
	ID() string
	Extract(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error)
}

// NewFact builds an unfinalized fact; the engine normalizes refs, fills the
// digest, and validates before writing.
func NewFact(factID, oracleSource string, refs []string, payload map[string]any) schemaevidence.FactRecord {
	return schemaevidence.FactRecord{
		FactID:        factID,
		SchemaVersion: schemaevidence.FactSchemaVersionV0,
		OracleSource:  oracleSource,
		EvidenceRefs:  refs,
		Payload:       payload,
	}
}

// FinalizeFact normalizes and digests one fact. The digest covers the
// canonical payload plus the canonical refs, so two replays of the same pack
// cannot disagree.
func FinalizeFact(fact schemaevidence.FactRecord) (schemaevidence.FactRecord, error) {
	fact.EvidenceRefs = normalizeRefs(fact.EvidenceRefs)
	if fact.Payload == nil {
		fact.Payload = map[string]any{}
	}
	if fact.SchemaVersion == "" {
		fact.SchemaVersion = schemaevidence.FactSchemaVersionV0
	}
	switch fact.OracleSource {
	case schemaevidence.OracleSourceDeviceQuery, schemaevidence.OracleSourceTrajectoryDeclared, schemaevidence.OracleSourceNone:
	default:
		fact.OracleSource = schemaevidence.OracleSourceNone
	}

	payloadCanonical, err := jcs.CanonicalizeValue(fact.Payload)
	if err != nil {
		return schemaevidence.FactRecord{}, fmt.Errorf("canonicalize fact payload %s: %w", fact.FactID, err)
	}
	refsCanonical, err := jcs.CanonicalizeValue(fact.EvidenceRefs)
	if err != nil {
		return schemaevidence.FactRecord{}, fmt.Errorf("canonicalize fact refs %s: %w", fact.FactID, err)
	}
	sum := sha256.Sum256(append(payloadCanonical, refsCanonical...))
	fact.Digest = hex.EncodeToString(sum[:])

	// Round-trip the payload through its canonical form so the in-memory
	// fact and the one later loaded from facts.jsonl are indistinguishable
	// to assertions.
	var roundTripped map[string]any
	if err := json.Unmarshal(payloadCanonical, &roundTripped); err != nil {
		return schemaevidence.FactRecord{}, fmt.Errorf("round-trip fact payload %s: %w", fact.FactID, err)
	}
	fact.Payload = roundTripped
	return fact, nil
}

func normalizeRefs(refs []string) []string {
	seen := map[string]struct{}{}
	for _, ref := range refs {
		trimmed := strings.TrimSpace(ref)
		if trimmed != "" {
			seen[trimmed] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// truncatePreview caps preview strings inside fact payloads.
func truncatePreview(text string) string {
	const maxPreview = 200
	if len(text) <= maxPreview {
		return text
	}
	return text[:maxPreview]
}
