package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

const (
	definitionSchemaURL = "https://astropropose.dev/schemas/workflow-definition.json"
	operationSchemaURL  = "https://astropropose.dev/schemas/tool-operation.json"
)

// definitionSchemaJSON describes the workflow definition document. Condition
// keys are left open so unsupported predicates survive decoding and fail
// closed at evaluation; effect keys are closed.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://astropropose.dev/schemas/workflow-definition.json",
  "type": "object",
  "required": ["transitions"],
  "properties": {
    "initial_state": { "type": "string", "minLength": 1 },
    "states": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "transitions": {
      "type": "array",
      "items": { "$ref": "#/$defs/transition" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "transition": {
      "type": "object",
      "required": ["name", "from", "to"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "roles": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "conditions": { "$ref": "#/$defs/conditions" },
        "effects": { "$ref": "#/$defs/effects" }
      },
      "additionalProperties": false
    },
    "conditions": {
      "type": "object",
      "properties": {
        "phase_status": {
          "type": "object",
          "required": ["phase", "status"],
          "properties": {
            "phase": { "type": "string", "minLength": 1 },
            "status": { "type": "string" }
          },
          "additionalProperties": false
        },
        "instrument_status": {
          "type": "object",
          "required": ["instrument_id", "phase", "status"],
          "properties": {
            "instrument_id": { "type": "integer", "minimum": 1 },
            "phase": { "type": "string", "minLength": 1 },
            "status": { "type": "string" }
          },
          "additionalProperties": false
        },
        "expression": { "type": "string", "minLength": 1 }
      }
    },
    "effects": {
      "type": "object",
      "properties": {
        "phase": { "type": "string", "minLength": 1 },
        "set_phase_status": { "type": "string" },
        "record_submission_time": { "type": "boolean" },
        "record_confirmation_time": { "type": "boolean" },
        "instrument": {
          "type": "object",
          "required": ["instrument_id", "phase"],
          "properties": {
            "instrument_id": { "type": "integer", "minimum": 1 },
            "phase": { "type": "string", "minLength": 1 },
            "set_status": { "type": "string" },
            "update_feedback": {},
            "record_feedback_time": { "type": "boolean" },
            "record_confirm_time": { "type": "boolean" },
            "record_applicant_confirm_time": { "type": "boolean" }
          },
          "additionalProperties": false
        },
        "external_tools": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["operation_id"],
            "properties": {
              "operation_id": { "type": "integer", "minimum": 1 },
              "on_failure": { "enum": ["abort", "continue", "ignore"] }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// operationSchemaJSON describes a tool operation registration document.
const operationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://astropropose.dev/schemas/tool-operation.json",
  "type": "object",
  "required": ["operation_id", "path"],
  "properties": {
    "operation_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "method": { "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"] },
    "path": { "type": "string" },
    "timeout": { "type": "integer", "minimum": 1 },
    "tool_type": { "enum": ["validation", "notification", "data_processing", "other"] },
    "input_mapping": {
      "type": "object",
      "properties": {
        "path": { "type": "object" },
        "query": { "type": "object" },
        "body": { "type": "object" },
        "headers": { "type": "object" }
      },
      "additionalProperties": false
    },
    "output_mapping": {
      "type": "object",
      "properties": {
        "to_context": { "type": "object" },
        "to_proposal_data": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry_config": {
      "type": "object",
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0, "maximum": 10 },
        "retry_delay": { "type": "number", "minimum": 0, "maximum": 600 },
        "retryable_status_codes": {
          "type": "array",
          "items": { "type": "integer", "minimum": 100, "maximum": 599 }
        },
        "retryable_codes": {
          "type": "array",
          "items": { "type": "integer", "minimum": 100, "maximum": 599 }
        }
      },
      "additionalProperties": false
    },
    "validation_config": {
      "type": "object",
      "properties": {
        "failure_conditions": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "path": { "type": "string" },
              "operator": { "enum": ["==", "!=", ">", "<", "in", "not_in"] },
              "value": {},
              "expression": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "block_on_failure": { "type": "boolean" },
        "block_on_service_error": { "type": "boolean" },
        "error_message_template": { "type": "string" }
      },
      "additionalProperties": false
    },
    "is_active": { "type": "boolean" }
  }
}`

// JSONSchemaValidator checks raw documents against the embedded schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definition *jsonschema.Schema
	operation  *jsonschema.Schema

	// mu guards the compiled schema cache for data documents.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, doc := range map[string]string{
		definitionSchemaURL: definitionSchemaJSON,
		operationSchemaURL:  operationSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	def, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	op, err := c.Compile(operationSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile operation schema: %w", err)
	}
	return &JSONSchemaValidator{
		definition: def,
		operation:  op,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// CheckDefinition validates a raw workflow definition document.
func (v *JSONSchemaValidator) CheckDefinition(raw []byte) *schema.DefinitionReport {
	return check(v.definition, raw)
}

// ValidateOperation validates a raw tool operation document.
func (v *JSONSchemaValidator) ValidateOperation(raw []byte) error {
	return check(v.operation, raw).ToError()
}

// ValidateData validates a JSON-shaped value against a caller-supplied schema,
// such as a phase form schema. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateData(data any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "invalid data schema").WithCause(err)
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "failed to serialize data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		violations := violationsOf(err)
		msg := strings.Join(violations, "; ")
		return schema.NewError(schema.ErrCodeInvalidInput, msg).
			WithDetails(map[string]any{"violations": violations})
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("astropropose://data-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func check(s *jsonschema.Schema, raw []byte) *schema.DefinitionReport {
	report := &schema.DefinitionReport{}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		report.Add("/", "malformed JSON: %s", err.Error())
		return report
	}
	if err := s.Validate(doc); err != nil {
		for _, v := range violationsOf(err) {
			report.Add("", "%s", v)
		}
	}
	return report
}

// toJSONValue round-trips a Go value so that numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func violationsOf(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	out := collectViolations(verr)
	if len(out) == 0 {
		out = []string{verr.Error()}
	}
	sort.Strings(out)
	return out
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
