package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowengine/pkg/schema"
)

const flowSchemaURL = "https://flowengine.dev/schemas/flow.json"

// flowSchemaJSON is the JSON Schema of a flow definition as the authoring
// surface produces it. Node types accept the authoring aliases.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowengine.dev/schemas/flow.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "id": { "type": "string" },
    "company_id": { "type": "string" },
    "name": { "type": "string" },
    "active": { "type": "boolean" },
    "version": { "type": "integer", "minimum": 0 },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": [
            "trigger", "message", "interactive", "wait", "tag", "stage",
            "condition", "ai_action", "status", "switch", "wait_for_response",
            "external_notify", "add_tag", "move_stage", "change_status",
            "whatsapp_notify", "notify"
          ]
        },
        "data": { "$ref": "#/$defs/data" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] },
        "target": { "type": "string", "minLength": 1 }
      }
    },
    "data": {
      "type": "object",
      "properties": {
        "delayMinutes": { "type": "integer", "minimum": 0 },
        "timeoutMinutes": { "type": "integer", "minimum": 0 },
        "cases": { "type": "array", "items": { "type": "string" } },
        "buttons": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["text"],
            "properties": { "text": { "type": "string", "minLength": 1 } }
          }
        },
        "list_sections": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["rows"],
            "properties": {
              "rows": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["title"],
                  "properties": { "title": { "type": "string", "minLength": 1 } }
                }
              }
            }
          }
        },
        "wait_for_response": { "type": "boolean" },
        "trigger_config": { "$ref": "#/$defs/trigger_config" }
      }
    },
    "trigger_config": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": [
            "NEW_MESSAGE", "TAG_ADDED", "STAGE_CHANGE", "LEAD_CREATED",
            "KEYWORD", "SYSTEM_EVENT", "MANUAL"
          ]
        },
        "message_types": { "type": "array", "items": { "type": "string" } },
        "filter_tag_ids": { "type": "array", "items": { "type": "string" } },
        "capture": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        }
      }
    }
  }
}`

// SchemaValidator checks flow documents against the flow JSON Schema. It is
// safe for concurrent use.
type SchemaValidator struct {
	flowSchema *jsonschema.Schema
}

// NewSchemaValidator compiles the flow schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &SchemaValidator{flowSchema: compiled}, nil
}

// ValidateJSON checks a raw flow document.
func (v *SchemaValidator) ValidateJSON(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", "flow definition is not valid JSON: "+err.Error())
		return result
	}
	v.check(doc, result)
	return result
}

// ValidateDefinition checks an already decoded definition.
func (v *SchemaValidator) ValidateDefinition(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "flow definition is nil")
		return result
	}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", "serialize flow definition: "+err.Error())
		return result
	}
	v.check(doc, result)
	return result
}

func (v *SchemaValidator) check(doc any, result *schema.ValidationResult) {
	err := v.flowSchema.Validate(doc)
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", err.Error())
		return
	}
	collectViolations(verr, result)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations records the leaf errors of a ValidationError tree with
// their instance locations.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		result.AddError(loc, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}
