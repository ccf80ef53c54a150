package episode

import (
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// deriveOracleDecision reduces the success oracle's post events to one of
// pass/fail/inconclusive/not_applicable. The last post event wins; with no
// success oracle configured the decision is not_applicable, and a configured
// oracle that never judged is inconclusive.
func deriveOracleDecision(events []schemaevidence.OracleEventRecord, successOracleName string) string {
	if successOracleName == "" {
		return schemaevidence.OracleDecisionNotApplicable
	}
	for index := len(events) - 1; index >= 0; index-- {
		event := events[index]
		if event.OracleName != successOracleName || event.Phase != schemaevidence.PhasePost {
			continue
		}
		if !event.Decision.Conclusive {
			return schemaevidence.OracleDecisionInconclusive
		}
		if event.Decision.Success {
			return schemaevidence.OracleDecisionPass
		}
		return schemaevidence.OracleDecisionFail
	}
	return schemaevidence.OracleDecisionInconclusive
}

// deriveTaskSuccess is strict: only a conclusive pass is true, only a
// conclusive fail is false, everything else is unknown.
func deriveTaskSuccess(oracleDecision string) string {
	switch oracleDecision {
	case schemaevidence.OracleDecisionPass:
		return schemaevidence.TaskSuccessTrue
	case schemaevidence.OracleDecisionFail:
		return schemaevidence.TaskSuccessFalse
	}
	return schemaevidence.TaskSuccessUnknown
}

// deriveFailureClass applies the taxonomy in precedence order: infra beats
// agent beats oracle outcomes, because an unhealthy run cannot blame the
// agent or the task.
func deriveFailureClass(infraFailed, agentFailed bool, oracleDecision string) string {
	switch {
	case infraFailed:
		return schemaevidence.FailureInfraFailed
	case agentFailed:
		return schemaevidence.FailureAgentFailed
	case oracleDecision == schemaevidence.OracleDecisionFail:
		return schemaevidence.FailureTaskFailed
	case oracleDecision == schemaevidence.OracleDecisionInconclusive:
		return schemaevidence.FailureOracleInconclusive
	}
	return ""
}

// ExitCode maps the terminal episode state onto the CLI exit codes.
func ExitCode(summary schemaevidence.Summary) int {
	switch summary.FailureClass {
	case schemaevidence.FailureInfraFailed:
		return 5
	case schemaevidence.FailureOracleInconclusive:
		return 4
	case schemaevidence.FailureAgentFailed:
		return 3
	case schemaevidence.FailureTaskFailed:
		return 2
	}
	if summary.TaskSuccess == schemaevidence.TaskSuccessTrue {
		return 0
	}
	return 4
}
