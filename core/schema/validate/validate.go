package validate

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compileErr  error
	compiled    map[string]*jsonschema.Schema
)

// Known schema names. Each maps to schemas/<name>.schema.json.
const (
	SchemaObsTrace          = "obs_trace"
	SchemaAgentActionTrace  = "agent_action_trace"
	SchemaDeviceInputTrace  = "device_input_trace"
	SchemaOracleTrace       = "oracle_trace"
	SchemaForegroundTrace   = "foreground_app_trace"
	SchemaDeviceTrace       = "device_trace"
	SchemaScreenTrace       = "screen_trace"
	SchemaConfirmationTrace = "confirmation_trace"
	SchemaFact              = "fact"
	SchemaAssertion         = "assertion"
	SchemaTaskSpec          = "task_spec"
	SchemaPolicySpec        = "policy_spec"
	SchemaEvalSpec          = "eval_spec"
	SchemaAttackSpec        = "attack_spec"
)

var schemaNames = []string{
	SchemaObsTrace,
	SchemaAgentActionTrace,
	SchemaDeviceInputTrace,
	SchemaOracleTrace,
	SchemaForegroundTrace,
	SchemaDeviceTrace,
	SchemaScreenTrace,
	SchemaConfirmationTrace,
	SchemaFact,
	SchemaAssertion,
	SchemaTaskSpec,
	SchemaPolicySpec,
	SchemaEvalSpec,
	SchemaAttackSpec,
}

func compileAll() {
	compiled = make(map[string]*jsonschema.Schema, len(schemaNames))
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	for _, name := range schemaNames {
		data, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			compileErr = fmt.Errorf("read embedded schema %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			compileErr = fmt.Errorf("compile embedded schema %s: %w", name, err)
			return
		}
		compiled[name] = schema
	}
}

// ForName returns the compiled schema registered under name.
func ForName(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema name: %s", name)
	}
	return schema, nil
}

// ValidateLine validates one JSONL record against the named schema.
func ValidateLine(name string, line []byte) error {
	schema, err := ForName(name)
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(line)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema %s validation failed: %v", name, result.Errors)
}

// ValidateValue marshals a Go value and validates it against the named schema.
func ValidateValue(name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal for schema %s: %w", name, err)
	}
	return ValidateLine(name, raw)
}
