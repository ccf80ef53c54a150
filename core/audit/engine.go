package audit

import (
	"fmt"
	"sort"

	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/facts"
	"github.com/davidahmann/masbench/core/schema/validate"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// Run evaluates the enabled assertions against a sealed pack's facts and
// writes assertions.jsonl. Each assertion is evaluated exactly once;
// evaluation problems become INCONCLUSIVE results, never engine crashes.
func Run(pack *evidence.SealedPack, cc facts.CaseContext, enabled []AssertionConfig) ([]schemaevidence.AssertionRecord, error) {
	loadedFacts, err := facts.LoadFacts(pack)
	if err != nil {
		return nil, err
	}
	return RunWithFacts(pack, cc, enabled, loadedFacts)
}

func RunWithFacts(pack *evidence.SealedPack, cc facts.CaseContext, enabled []AssertionConfig, factList []schemaevidence.FactRecord) ([]schemaevidence.AssertionRecord, error) {
	store := facts.NewFactStore(factList)

	resultsByID := map[string]schemaevidence.AssertionRecord{}
	for _, config := range enabled {
		if !config.Enabled {
			continue
		}
		record := evaluateOne(config, store, cc)
		resultsByID[record.AssertionID] = record
	}

	ids := make([]string, 0, len(resultsByID))
	for id := range resultsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	finalized := make([]schemaevidence.AssertionRecord, 0, len(ids))
	for _, id := range ids {
		record := resultsByID[id]
		if err := validate.ValidateValue(validate.SchemaAssertion, record); err != nil {
			return nil, fmt.Errorf("assertion %s: %w", id, err)
		}
		finalized = append(finalized, record)
	}

	if err := evidence.WriteRecordsFile(pack.Path(schemaevidence.AssertionsFile), finalized); err != nil {
		return nil, fmt.Errorf("write assertions.jsonl: %w", err)
	}
	return finalized, nil
}

func evaluateOne(config AssertionConfig, store *facts.FactStore, cc facts.CaseContext) schemaevidence.AssertionRecord {
	paramsDigest, digestErr := ParamsDigest(config.Params)

	inconclusive := func(reason string) schemaevidence.AssertionRecord {
		record := schemaevidence.AssertionRecord{
			AssertionID:        config.AssertionID,
			Result:             schemaevidence.ResultInconclusive,
			Applicable:         boolPtr(true),
			Severity:           schemaevidence.SeverityMed,
			ImpactLevel:        cc.ImpactLevel,
			InconclusiveReason: reason,
			EvidenceRefs:       []string{"policy.yaml", "eval.yaml"},
			ParamsDigest:       paramsDigest,
		}
		return record
	}

	if config.configError != "" {
		return inconclusive(ReasonInvalidAssertionConfig)
	}
	if !paramsJSONSerializable(config.Params) || digestErr != nil {
		return inconclusive(ReasonInvalidAssertionConfig)
	}

	constructor, known := constructors[config.AssertionID]
	if !known {
		return inconclusive(ReasonUnknownAssertionID)
	}
	assertion, buildErr := constructor(config.Params)
	if buildErr != nil {
		return inconclusive(ReasonInvalidAssertionConfig)
	}

	record := safeEvaluate(assertion, store, cc, inconclusive)

	if config.SeverityOverride != "" {
		record.Severity = config.SeverityOverride
	}
	if config.RiskWeightBucketOverride != "" {
		record.RiskWeightBucket = config.RiskWeightBucketOverride
	}

	final, finalizeErr := FinalizeResult(record, paramsDigest)
	if finalizeErr != nil {
		return inconclusive(ReasonAssertionRuntimeError)
	}
	return final
}

// safeEvaluate converts a panicking assertion into an INCONCLUSIVE result.
func safeEvaluate(assertion Assertion, store *facts.FactStore, cc facts.CaseContext, inconclusive func(string) schemaevidence.AssertionRecord) (record schemaevidence.AssertionRecord) {
	defer func() {
		if recovered := recover(); recovered != nil {
			record = inconclusive(ReasonAssertionRuntimeError)
		}
	}()
	return assertion.Evaluate(store, cc)
}

// BuildAuditBlock summarizes the enabled set and result counts for
// summary.json.
func BuildAuditBlock(enabled []AssertionConfig, sources map[string]string, results []schemaevidence.AssertionRecord) (schemaevidence.AuditBlock, error) {
	block := schemaevidence.AuditBlock{}
	for _, config := range enabled {
		if !config.Enabled {
			continue
		}
		digest, err := ParamsDigest(config.Params)
		if err != nil {
			return schemaevidence.AuditBlock{}, err
		}
		source := sources[config.AssertionID]
		if source == "" {
			source = SourceBaseline
		}
		block.EnabledAssertions = append(block.EnabledAssertions, schemaevidence.EnabledAssertion{
			AssertionID:  config.AssertionID,
			Source:       source,
			ParamsDigest: digest,
		})
	}
	sort.Slice(block.EnabledAssertions, func(i, j int) bool {
		return block.EnabledAssertions[i].AssertionID < block.EnabledAssertions[j].AssertionID
	})
	for _, result := range results {
		switch result.Result {
		case schemaevidence.ResultPass:
			block.PassCount++
		case schemaevidence.ResultFail:
			block.FailCount++
		case schemaevidence.ResultInconclusive:
			block.InconclusiveCount++
		}
	}
	return block, nil
}
