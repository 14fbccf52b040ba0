package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/playbook/pkg/schema"
)

const definitionSchemaURL = "https://playbook.dev/schemas/definition.json"

// definitionSchemaJSON is the structural contract of a playbook Definition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://playbook.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "description": {"type": "string"},
    "metadata": {"type": "object"},
    "variables": {"type": "object"},
    "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/node"}},
    "rollbackActions": {"type": "array", "items": {"$ref": "#/$defs/node"}},
    "approvals": {"type": "array", "items": {"$ref": "#/$defs/gate"}},
    "branches": {"type": "array", "items": {"$ref": "#/$defs/branch"}},
    "autoApprovalRules": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "maxConcurrency": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "service"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "kind": {"type": "string"},
        "service": {"type": "string", "minLength": 1},
        "payload": {"type": "object"},
        "dependsOn": {"type": "array", "items": {"type": "string"}},
        "runInParallel": {"type": "boolean"},
        "timeoutMs": {"type": "integer", "minimum": 0},
        "retryPolicy": {"$ref": "#/$defs/retry"},
        "rollbackAction": {"type": "string"},
        "continueOnError": {"type": "boolean"},
        "outputSelector": {"type": "string"}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["maxRetries"],
      "properties": {
        "maxRetries": {"type": "integer", "minimum": 0},
        "initialDelayMs": {"type": "integer", "minimum": 0},
        "backoffMultiplier": {"type": "number", "minimum": 1}
      },
      "additionalProperties": false
    },
    "approver": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "channels": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "timeoutAction": {"type": "string", "enum": ["approve", "reject", "escalate", "cancel"]},
    "gate": {
      "type": "object",
      "required": ["nodeId", "approvers"],
      "properties": {
        "nodeId": {"type": "string", "minLength": 1},
        "approvers": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/approver"}},
        "mode": {"type": "string", "enum": ["any", "all", "majority", "custom"]},
        "customPolicy": {"type": "string"},
        "timeoutMs": {"type": "integer", "minimum": 0},
        "timeoutAction": {"$ref": "#/$defs/timeoutAction"},
        "escalationTargets": {"type": "array", "items": {"$ref": "#/$defs/approver"}},
        "escalationTimeoutAction": {"$ref": "#/$defs/timeoutAction"},
        "summary": {"type": "string"}
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["id", "after", "condition"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "after": {"type": "string", "minLength": 1},
        "condition": {"type": "string", "minLength": 1},
        "engine": {"type": "string", "enum": ["cel", "expr", "jq"]},
        "thenActions": {"type": "array", "items": {"type": "string"}},
        "elseActions": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["id", "condition"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "nodeId": {"type": "string"},
        "condition": {"type": "string", "minLength": 1},
        "engine": {"type": "string", "enum": ["cel", "expr", "jq"]},
        "decision": {"type": "string", "enum": ["approve", "reject"]},
        "comment": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks documents against the Definition JSON Schema.
// It is safe for concurrent use.
type SchemaValidator struct {
	definition *jsonschema.Schema
}

// NewSchemaValidator compiles the Definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &SchemaValidator{definition: compiled}, nil
}

// ValidateDocument validates a decoded document (JSON or YAML shaped) and
// reports every violation with its instance path.
func (v *SchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "document is not JSON-compatible: "+err.Error())
		return result
	}
	if err := v.definition.Validate(value); err != nil {
		addViolations(result, err)
	}
	return result
}

// ValidateDefinition validates an already typed Definition.
func (v *SchemaValidator) ValidateDefinition(def *schema.Definition) *schema.ValidationResult {
	if def == nil {
		result := &schema.ValidationResult{}
		result.AddError("/", schema.ErrCodeValidation, "definition is nil")
		return result
	}
	return v.ValidateDocument(def)
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(result, verr)
}

// collectViolations walks the ValidationError tree and records its leaves.
func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause)
	}
}
