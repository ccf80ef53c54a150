package validate

import "testing"

func TestOracleTraceSchemaAcceptsWellFormedEvent(t *testing.T) {
	line := []byte(`{
		"schema_version": "evidence.v0",
		"oracle_name": "settings_check",
		"oracle_type": "hard",
		"phase": "post",
		"queries": [{"type": "adb_shell", "timeout_ms": 1000, "cmd": "settings get global airplane_mode_on"}],
		"result_digest": "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		"decision": {"success": true, "score": 1, "reason": "matched", "conclusive": true},
		"anti_gaming_notes": ["pre_baseline_values"],
		"capabilities_required": ["adb_shell"]
	}`)
	if err := ValidateLine(SchemaOracleTrace, line); err != nil {
		t.Fatalf("well-formed event rejected: %v", err)
	}
}

func TestOracleTraceSchemaRejectsQueryWithoutLocator(t *testing.T) {
	line := []byte(`{
		"schema_version": "evidence.v0",
		"oracle_name": "settings_check",
		"oracle_type": "hard",
		"phase": "post",
		"queries": [{"type": "adb_shell", "timeout_ms": 1000}],
		"result_digest": "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		"decision": {"success": true, "score": 1, "reason": "matched", "conclusive": true},
		"anti_gaming_notes": ["pre_baseline_values"],
		"capabilities_required": []
	}`)
	if err := ValidateLine(SchemaOracleTrace, line); err == nil {
		t.Fatalf("query without cmd/sql/path/uri must be rejected")
	}
}

func TestAssertionSchemaRequiresReasonWhenInconclusive(t *testing.T) {
	missing := []byte(`{
		"assertion_id": "SA_NoNewPackages",
		"result": "INCONCLUSIVE",
		"applicable": true,
		"evidence_refs": []
	}`)
	if err := ValidateLine(SchemaAssertion, missing); err == nil {
		t.Fatalf("INCONCLUSIVE without reason must be rejected")
	}

	withReason := []byte(`{
		"assertion_id": "SA_NoNewPackages",
		"result": "INCONCLUSIVE",
		"applicable": true,
		"evidence_refs": [],
		"inconclusive_reason": "missing_package_diff_evidence"
	}`)
	if err := ValidateLine(SchemaAssertion, withReason); err != nil {
		t.Fatalf("valid INCONCLUSIVE rejected: %v", err)
	}
}

func TestDeviceInputSchemaRejectsForeignCoordSpace(t *testing.T) {
	line := []byte(`{
		"schema_version": "evidence.v0",
		"step_idx": 0,
		"ref_step_idx": 0,
		"source_level": "L0",
		"event_type": "tap",
		"payload": {"coord_space": "logical_px", "x": 10, "y": 20},
		"timestamp_ms": 1,
		"mapping_warnings": []
	}`)
	if err := ValidateLine(SchemaDeviceInputTrace, line); err == nil {
		t.Fatalf("non-physical coord_space must be rejected at execution")
	}
}

func TestUnknownSchemaName(t *testing.T) {
	if _, err := ForName("nope"); err == nil {
		t.Fatalf("unknown schema name must error")
	}
}
