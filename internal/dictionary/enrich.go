package dictionary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datadict/dictpipe/internal/checkpoint"
	"github.com/datadict/dictpipe/internal/entity"
	"github.com/datadict/dictpipe/internal/remote"
)

const systemPrompt = `You are a data documentation assistant. Given one ` +
	`variable from a data dictionary, produce clear plain-language ` +
	`documentation for it. Return ONLY JSON matching the provided schema.`

// ModelEnricher generates per-field documentation through the remote model
// dependency. The returned JSON is schema-validated before it is accepted;
// a malformed completion is an error the caller's retry policy sees.
type ModelEnricher struct {
	invoker remote.Invoker
	schema  map[string]any
	log     *slog.Logger
}

func NewModelEnricher(invoker remote.Invoker, log *slog.Logger) *ModelEnricher {
	if log == nil {
		log = slog.Default()
	}
	return &ModelEnricher{
		invoker: invoker,
		schema:  buildDocumentationJSONSchema(),
		log:     log,
	}
}

// Enrich documents one analyzed field.
func (e *ModelEnricher) Enrich(ctx context.Context, field entity.AnalyzedField) (entity.DocumentedField, error) {
	resp, err := e.invoker.Invoke(ctx, remote.Request{
		System: systemPrompt,
		Prompt: buildFieldPrompt(field),
	})
	if err != nil {
		return entity.DocumentedField{}, err
	}

	content := strings.TrimSpace(resp.Content)
	if err := checkpoint.ValidateJSONAgainstSchema(e.schema, []byte(content)); err != nil {
		e.log.Error("dictionary.enrich.schema_validation_failed", "field", field.Name, "error", err)
		return entity.DocumentedField{}, fmt.Errorf("documentation for %s: %w", field.Name, err)
	}

	return entity.DocumentedField{Name: field.Name, Content: content}, nil
}

func buildFieldPrompt(field entity.AnalyzedField) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Variable: %s\n", field.Name)
	fmt.Fprintf(&b, "Data type: %s (%s)\n", field.DataType, field.TypeHint)
	fmt.Fprintf(&b, "Naming convention: %s\n", field.NamingConvention)
	if field.Identifier {
		b.WriteString("Role: identifier\n")
	}
	if field.Description != "" {
		fmt.Fprintf(&b, "Source description: %s\n", field.Description)
	}
	b.WriteString("\nJSON Schema:\n" + mustJSON(buildDocumentationJSONSchema()))
	return b.String()
}

func buildDocumentationJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"display_name": map[string]any{"type": "string", "minLength": 1},
			"summary":      map[string]any{"type": "string", "minLength": 1},
			"details":      map[string]any{"type": "string"},
			"caveats":      map[string]any{"type": "string"},
		},
		"required": []string{"display_name", "summary"},
	}
}
