package facts

import (
	"fmt"
	"sort"

	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/schema/validate"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// defaultDetectors is the fixed registration order detectors run in. The
// finalized facts are sorted by fact_id, so replays produce identical
// facts.jsonl byte-for-byte.
func defaultDetectors() []Detector {
	return []Detector{
		&ForegroundSeqDetector{},
		&StepStatsDetector{},
		&ActionEvidenceDetector{},
		&EnvProfileDetector{},
		&OracleEventIndexDetector{},
		&OracleTypedFactsDetector{adapters: defaultOracleAdapters()},
		&PackageDiffDetector{},
		&SettingsDiffDetector{},
		&HighRiskEffectsDetector{},
		&ConsentTraceDetector{},
		&CanaryConfigDetector{},
		&CanaryHitsDetector{},
		&BindingStateDetector{},
	}
}

// Run executes the detector zoo over a sealed pack and writes facts.jsonl.
// A detector error becomes a fact.detector_error/<id> fact instead of a
// crash; a duplicate fact id is an engine defect and does error.
func Run(pack *evidence.SealedPack, cc CaseContext) ([]schemaevidence.FactRecord, error) {
	return RunDetectors(pack, cc, defaultDetectors())
}

func RunDetectors(pack *evidence.SealedPack, cc CaseContext, detectors []Detector) ([]schemaevidence.FactRecord, error) {
	var raw []schemaevidence.FactRecord
	for _, detector := range detectors {
		extracted, err := detector.Extract(pack, cc)
		if err != nil {
			raw = append(raw, NewFact(
				"fact.detector_error/"+detector.ID(),
				schemaevidence.OracleSourceNone,
				nil,
				map[string]any{
					"detector_id": detector.ID(),
					"error":       truncatePreview(err.Error()),
				},
			))
			continue
		}
		raw = append(raw, extracted...)
	}

	seen := map[string]struct{}{}
	finalized := make([]schemaevidence.FactRecord, 0, len(raw))
	for _, fact := range raw {
		if _, duplicate := seen[fact.FactID]; duplicate {
			return nil, fmt.Errorf("duplicate fact_id produced by detectors: %s", fact.FactID)
		}
		seen[fact.FactID] = struct{}{}
		final, err := FinalizeFact(fact)
		if err != nil {
			return nil, err
		}
		if err := validate.ValidateValue(validate.SchemaFact, final); err != nil {
			return nil, fmt.Errorf("fact %s: %w", final.FactID, err)
		}
		finalized = append(finalized, final)
	}

	sort.Slice(finalized, func(i, j int) bool {
		return finalized[i].FactID < finalized[j].FactID
	})

	if err := evidence.WriteRecordsFile(pack.Path(schemaevidence.FactsFile), finalized); err != nil {
		return nil, fmt.Errorf("write facts.jsonl: %w", err)
	}
	return finalized, nil
}

// LoadFacts reads a previously written facts.jsonl from a sealed pack.
func LoadFacts(pack *evidence.SealedPack) ([]schemaevidence.FactRecord, error) {
	lines, err := pack.Lines(schemaevidence.FactsFile)
	if err != nil {
		return nil, err
	}
	var facts []schemaevidence.FactRecord
	for _, line := range lines {
		fact := schemaevidence.FactRecord{
			FactID:        stringField(line.Obj, "fact_id"),
			SchemaVersion: stringField(line.Obj, "schema_version"),
			Digest:        stringField(line.Obj, "digest"),
			OracleSource:  stringField(line.Obj, "oracle_source"),
		}
		if refs, ok := line.Obj["evidence_refs"].([]any); ok {
			for _, ref := range refs {
				if text, ok := ref.(string); ok {
					fact.EvidenceRefs = append(fact.EvidenceRefs, text)
				}
			}
		}
		if payload, ok := line.Obj["payload"].(map[string]any); ok {
			fact.Payload = payload
		}
		facts = append(facts, fact)
	}
	return facts, nil
}
