package dictionary

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/datadict/dictpipe/internal/entity"
)

// ConventionAnalyzer annotates fields with naming-convention and type
// classification hints used by the enrichment prompt.
type ConventionAnalyzer struct {
	log *slog.Logger
}

func NewConventionAnalyzer(log *slog.Logger) *ConventionAnalyzer {
	if log == nil {
		log = slog.Default()
	}
	return &ConventionAnalyzer{log: log}
}

// Analyze classifies each field. It never fails; analysis is heuristic.
func (a *ConventionAnalyzer) Analyze(fields []entity.Field) ([]entity.AnalyzedField, error) {
	analyzed := make([]entity.AnalyzedField, 0, len(fields))
	for _, f := range fields {
		analyzed = append(analyzed, entity.AnalyzedField{
			Field:            f,
			NamingConvention: namingConvention(f.Name),
			TypeHint:         typeHint(f),
			Identifier:       isIdentifier(f.Name),
		})
	}
	a.log.Info("dictionary.analyzed", "fields", len(analyzed))
	return analyzed, nil
}

func namingConvention(name string) string {
	switch {
	case name == "":
		return "unknown"
	case strings.Contains(name, "_"):
		return "snake_case"
	case unicode.IsUpper(rune(name[0])):
		return "PascalCase"
	case strings.IndexFunc(name[1:], unicode.IsUpper) >= 0:
		return "camelCase"
	default:
		return "lowercase"
	}
}

func typeHint(f entity.Field) string {
	dt := strings.ToLower(f.DataType)
	switch {
	case strings.Contains(dt, "date") || strings.Contains(dt, "time"):
		return "temporal"
	case strings.Contains(dt, "int") || strings.Contains(dt, "float") || strings.Contains(dt, "numeric") || strings.Contains(dt, "number"):
		return "numeric"
	case strings.Contains(dt, "bool") || strings.Contains(dt, "flag"):
		return "boolean"
	case strings.Contains(dt, "enum") || strings.Contains(dt, "categor") || strings.Contains(dt, "code"):
		return "categorical"
	default:
		return "text"
	}
}

func isIdentifier(name string) bool {
	lower := strings.ToLower(name)
	return lower == "id" || strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "id")
}
