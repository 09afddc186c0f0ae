package entity

// Field is one variable row parsed out of a source data dictionary.
// Name is the stable item identifier used for dedup and resume.
type Field struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	Description string `json:"description,omitempty"`
}

// AnalyzedField is a Field annotated by the analysis stage.
type AnalyzedField struct {
	Field
	NamingConvention string `json:"naming_convention,omitempty"`
	TypeHint         string `json:"type_hint,omitempty"`
	Identifier       bool   `json:"identifier,omitempty"`
}

// DocumentedField is the per-item output of the enrichment stage: the
// generated documentation payload downstream review/export consumers key
// off of. The core does not interpret Content.
type DocumentedField struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Version string `json:"version,omitempty"`
}
