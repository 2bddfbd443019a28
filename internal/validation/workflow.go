package validation

import (
	"encoding/json"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// DefinitionValidator runs the two-stage load pipeline:
// 1. Structural (JSON Schema on the raw document)
// 2. Semantic (state references, names, effects, expressions)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	compiler   ExpressionCompiler
}

// NewDefinitionValidator creates a DefinitionValidator.
// compiler may be nil to skip expression compilation.
func NewDefinitionValidator(compiler ExpressionCompiler) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, compiler: compiler}, nil
}

// Schemas exposes the underlying JSON Schema validator.
func (v *DefinitionValidator) Schemas() *JSONSchemaValidator {
	return v.jsonSchema
}

// Validate decodes raw and returns every problem found. Structural problems
// short-circuit the semantic stage.
func (v *DefinitionValidator) Validate(raw json.RawMessage, states []string) (*schema.WorkflowDefinition, *schema.DefinitionReport) {
	report := v.jsonSchema.CheckDefinition(raw)
	if !report.Valid() {
		return nil, report
	}
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		report.Add("/", "%s", err.Error())
		return nil, report
	}
	report.Merge(validateSemantic(def, states, v.compiler))
	return def, report
}

// Load satisfies the Validator interface.
func (v *DefinitionValidator) Load(raw json.RawMessage, states []string) (*schema.WorkflowDefinition, error) {
	def, report := v.Validate(raw, states)
	if err := report.ToError(); err != nil {
		return nil, err
	}
	return def, nil
}
