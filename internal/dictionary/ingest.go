package dictionary

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/entity"
)

// CSVIngestor parses a raw data dictionary (CSV with a header row) into
// structured fields. Recognized columns: variable_name (or name), data_type
// (or type), description. Duplicate variable names are rejected up front so
// the per-item dedup set downstream stays unambiguous.
type CSVIngestor struct {
	log *slog.Logger
}

func NewCSVIngestor(log *slog.Logger) *CSVIngestor {
	if log == nil {
		log = slog.Default()
	}
	return &CSVIngestor{log: log}
}

// Ingest parses source. An empty payload yields an empty field list, not an
// error; the pipeline finalizes zero-item jobs immediately.
func (i *CSVIngestor) Ingest(source string) ([]entity.Field, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}

	reader := csv.NewReader(strings.NewReader(source))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse dictionary csv: %v", common.ErrValidation, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	cols := columnIndex(records[0])
	nameIdx, ok := cols.name()
	if !ok {
		return nil, fmt.Errorf("%w: dictionary csv has no variable name column", common.ErrValidation)
	}

	fields := make([]entity.Field, 0, len(records)-1)
	seen := make(map[string]struct{}, len(records)-1)
	for n, rec := range records[1:] {
		name := strings.TrimSpace(value(rec, nameIdx))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate variable %q at row %d", common.ErrValidation, name, n+2)
		}
		seen[name] = struct{}{}
		fields = append(fields, entity.Field{
			Name:        name,
			DataType:    strings.TrimSpace(value(rec, cols.dataType)),
			Description: strings.TrimSpace(value(rec, cols.description)),
		})
	}

	i.log.Info("dictionary.ingested", "fields", len(fields))
	return fields, nil
}

type columns struct {
	variableName int
	dataType     int
	description  int
}

func columnIndex(header []string) columns {
	cols := columns{variableName: -1, dataType: -1, description: -1}
	for idx, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "variable_name", "variable name", "name":
			cols.variableName = idx
		case "data_type", "data type", "type", "field type":
			cols.dataType = idx
		case "description", "field label", "label", "notes":
			cols.description = idx
		}
	}
	return cols
}

func (c columns) name() (int, bool) {
	return c.variableName, c.variableName >= 0
}

func value(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}
