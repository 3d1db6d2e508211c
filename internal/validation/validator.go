// Package validation checks flow definitions before they are stored or
// activated: JSON Schema first, then node semantics and graph shape.
package validation

import (
	"encoding/json"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// Validator checks flow definitions for correctness before activation.
type Validator interface {
	Validate(def *schema.FlowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.FlowDefinition) error
}

// FlowValidator runs the three-stage pipeline: schema, semantics, graph.
// Schema violations stop the pipeline since later stages assume a
// well-formed document.
type FlowValidator struct {
	schema  *SchemaValidator
	engines *expressions.Engines
}

var _ Validator = (*FlowValidator)(nil)

// NewFlowValidator creates a validator. engines compiles the embedded
// expressions; nil skips those checks.
func NewFlowValidator(engines *expressions.Engines) (*FlowValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{schema: sv, engines: engines}, nil
}

// Validate runs every stage and returns the combined result.
func (v *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	result := v.schema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, v.engines))
	result.Merge(validateGraph(def))
	return result
}

// ValidateDefinition returns a VALIDATION_ERROR describing every blocking
// issue, or nil.
func (v *FlowValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	return v.Validate(def).ToError()
}

// Parse decodes and validates a raw flow document. The definition is nil
// when the document does not pass the schema stage.
func (v *FlowValidator) Parse(raw []byte) (*schema.FlowDefinition, *schema.ValidationResult) {
	result := v.schema.ValidateJSON(raw)
	if !result.Valid() {
		return nil, result
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("/", "decode flow definition: "+err.Error())
		return nil, result
	}
	result.Merge(validateSemantic(&def, v.engines))
	result.Merge(validateGraph(&def))
	return &def, result
}
