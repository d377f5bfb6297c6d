package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// definitionSchema describes the JSON shape of a schema definition. Extractor
// configs are only checked for a name; their keys belong to the extractor library.
var definitionSchema = map[string]any{
	"$schema":  "http://json-schema.org/draft-07/schema#",
	"type":     "object",
	"required": []string{"name", "fields"},
	"properties": map[string]any{
		"name":    map[string]any{"type": "string", "minLength": 1},
		"version": map[string]any{"type": "string"},
		"fields": map[string]any{
			"type":  "array",
			"items": map[string]any{"$ref": "#/definitions/field"},
		},
	},
	"definitions": map[string]any{
		"field": map[string]any{
			"type":     "object",
			"required": []string{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "pattern": `^[^.\s]+$`},
				"children": map[string]any{
					"type":  "array",
					"items": map[string]any{"$ref": "#/definitions/field"},
				},
				"sub_primary_key": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"pick":               map[string]any{"enum": []string{"first", "all"}},
				"location_threshold": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"unit_depend": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"extractors": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []string{"name"},
						"properties": map[string]any{
							"name":              map[string]any{"type": "string", "minLength": 1},
							"depends":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"model_alternative": map[string]any{"type": "boolean"},
						},
					},
				},
			},
		},
	},
}

// Validator checks raw definitions against definitionSchema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the definition schema.
func NewValidator() (*Validator, error) {
	b, err := json.Marshal(definitionSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal definition schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("definition.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	s, err := compiler.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks data against the definition schema.
func (v *Validator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}
