// Package validation checks playbook definitions before they are run.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// Validator runs the three-stage pipeline over a definition:
//  1. structural (JSON Schema)
//  2. graph (references, cycles)
//  3. semantic (services, policies, expressions, template references)
//
// A failing stage short-circuits the ones after it.
type Validator struct {
	schema   *SchemaValidator
	exprs    *expressions.Evaluator
	services ServiceLookup
	policies PolicyLookup
}

// Option configures a Validator.
type Option func(*Validator)

// WithServices checks node services against lookup.
func WithServices(lookup ServiceLookup) Option {
	return func(v *Validator) { v.services = lookup }
}

// WithPolicies checks custom gate policies against lookup.
func WithPolicies(lookup PolicyLookup) Option {
	return func(v *Validator) { v.policies = lookup }
}

// New creates a Validator.
func New(opts ...Option) (*Validator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	exprs, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	v := &Validator{schema: sv, exprs: exprs}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks a typed definition.
func (v *Validator) Validate(def *schema.Definition) *schema.ValidationResult {
	result := v.schema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	return v.validateParsed(def, result)
}

// ValidateBytes decodes a YAML or JSON document, validates it and returns the
// decoded definition when the document is structurally sound.
func (v *Validator) ValidateBytes(data []byte) (*schema.Definition, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	doc, err := Decode(data)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(v.schema.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}
	def, err := toDefinition(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	return def, v.validateParsed(def, result)
}

// Load reads, decodes and validates a definition file. The error is a
// *schema.PlaybookError carrying every issue when validation fails.
func (v *Validator) Load(path string) (*schema.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, result := v.ValidateBytes(data)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return def, nil
}

func (v *Validator) validateParsed(def *schema.Definition, result *schema.ValidationResult) *schema.ValidationResult {
	g, err := engine.ParseGraph(def)
	if err != nil {
		addGraphError(result, err)
		return result
	}
	result.Merge(validateSemantic(def, g, v.exprs, v.services, v.policies))
	return result
}

func addGraphError(result *schema.ValidationResult, err error) {
	var pe *schema.PlaybookError
	if !errors.As(err, &pe) {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return
	}
	path := "/"
	if pe.NodeID != "" {
		path = "nodes/" + pe.NodeID
	}
	result.AddError(path, pe.Code, pe.Message)
}

// Decode parses YAML or JSON into a generic document.
func Decode(data []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode definition: empty document")
	}
	return doc, nil
}

func toDefinition(doc any) (*schema.Definition, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	var def schema.Definition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}
