package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildCheckpointJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. Checkpoints are validated against it at load time so a
// malformed snapshot fails before its contents are trusted by a resume.
func BuildCheckpointJSONSchema() map[string]any {
	fieldProps := map[string]any{
		"name":        map[string]any{"type": "string", "minLength": 1},
		"data_type":   map[string]any{"type": "string"},
		"description": map[string]any{"type": "string"},
	}
	analyzedProps := map[string]any{
		"naming_convention": map[string]any{"type": "string"},
		"type_hint":         map[string]any{"type": "string"},
		"identifier":        map[string]any{"type": "boolean"},
	}
	for k, v := range fieldProps {
		analyzedProps[k] = v
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"job_id":          map[string]any{"type": "string", "minLength": 1},
			"stage":           map[string]any{"type": "string", "enum": []string{"ingested", "analyzed", "enriched", "finalized"}},
			"checkpoint_time": map[string]any{"type": "string"},
			"processed":       map[string]any{"type": "integer", "minimum": 0},
			"total":           map[string]any{"type": "integer", "minimum": 0},
			"ingested_fields": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": fieldProps,
					"required":   []string{"name"},
				},
			},
			"analyzed_fields": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": analyzedProps,
					"required":   []string{"name"},
				},
			},
			"processed_fields": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"job_id", "stage", "checkpoint_time", "processed", "total"},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
