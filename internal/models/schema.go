package models

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// ConstraintInfo describes one table constraint.
type ConstraintInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // "PRIMARY KEY", "FOREIGN KEY", "UNIQUE", "CHECK"
	Definition string `json:"definition"`
}

// TableInfo describes one table with its columns and constraints.
type TableInfo struct {
	Schema      string           `json:"schema"`
	Name        string           `json:"name"`
	Columns     []ColumnInfo     `json:"columns"`
	Constraints []ConstraintInfo `json:"constraints,omitempty"`
}

// MissingTable reports a requested table that does not exist, with
// up to three fuzzy name suggestions.
type MissingTable struct {
	Name        string   `json:"name"`
	Suggestions []string `json:"suggestions"`
}

// SchemaResult holds the outcome of a schema introspection.
type SchemaResult struct {
	Tables  []TableInfo    `json:"tables"`
	Missing []MissingTable `json:"missing,omitempty"`
}
