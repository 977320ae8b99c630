// Package schema provides database introspection with fuzzy table-name
// suggestions for requested tables that do not exist.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/davstr1/sequelae-mcp/internal/pool"
	"github.com/rs/zerolog"
)

const maxSuggestions = 3

// Pool is the slice of the pool manager the schema service needs.
type Pool interface {
	Acquire(ctx context.Context) (pool.Client, error)
}

// Service defines the schema introspection interface.
type Service interface {
	Describe(ctx context.Context, tables []string, allSchemas bool) (*models.SchemaResult, error)
}

// Impl implements the schema Service interface.
type Impl struct {
	pool   Pool
	logger zerolog.Logger
}

// New creates a new schema service.
func New(p Pool, logger zerolog.Logger) *Impl {
	return &Impl{pool: p, logger: logger}
}

// Describe introspects tables, columns and constraints. Introspection is
// read-only, so no transaction wrapping is applied. Acquisition goes through
// the pool manager and therefore shares its transient-error retry policy.
func (s *Impl) Describe(ctx context.Context, tables []string, allSchemas bool) (*models.SchemaResult, error) {
	client, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Release()

	existing, err := listTables(ctx, client, allSchemas)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	result := &models.SchemaResult{}

	selected := existing
	if len(tables) > 0 {
		selected = selected[:0:0]
		names := allNames(existing)
		for _, requested := range tables {
			ref, ok := findTable(existing, requested)
			if !ok {
				result.Missing = append(result.Missing, models.MissingTable{
					Name:        requested,
					Suggestions: rankSuggestions(requested, names),
				})
				continue
			}
			selected = append(selected, ref)
		}
	}

	for _, ref := range selected {
		info, err := describeTable(ctx, client, ref)
		if err != nil {
			return nil, fmt.Errorf("describing table %s.%s: %w", ref.schema, ref.name, err)
		}
		result.Tables = append(result.Tables, *info)
	}

	return result, nil
}

type tableRef struct {
	schema string
	name   string
}

func listTables(ctx context.Context, client pool.Client, allSchemas bool) ([]tableRef, error) {
	query := `SELECT table_schema, table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('pg_catalog', 'information_schema')`
	if !allSchemas {
		query += "\n  AND table_schema = 'public'"
	}
	query += "\nORDER BY table_schema, table_name"

	results, err := client.Exec(ctx, query)
	if err != nil {
		return nil, err
	}

	var refs []tableRef
	for _, row := range lastRows(results) {
		refs = append(refs, tableRef{
			schema: asString(row["table_schema"]),
			name:   asString(row["table_name"]),
		})
	}
	return refs, nil
}

func describeTable(ctx context.Context, client pool.Client, ref tableRef) (*models.TableInfo, error) {
	info := &models.TableInfo{Schema: ref.schema, Name: ref.name}

	columnsQuery := fmt.Sprintf(`SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = %s AND table_name = %s
ORDER BY ordinal_position`, quoteLiteral(ref.schema), quoteLiteral(ref.name))

	results, err := client.Exec(ctx, columnsQuery)
	if err != nil {
		return nil, err
	}
	for _, row := range lastRows(results) {
		info.Columns = append(info.Columns, models.ColumnInfo{
			Name:     asString(row["column_name"]),
			DataType: asString(row["data_type"]),
			Nullable: asString(row["is_nullable"]) == "YES",
			Default:  asString(row["column_default"]),
		})
	}

	constraintsQuery := fmt.Sprintf(`SELECT con.conname, con.contype, pg_get_constraintdef(con.oid) AS definition
FROM pg_constraint con
JOIN pg_class rel ON rel.oid = con.conrelid
JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
WHERE nsp.nspname = %s AND rel.relname = %s
ORDER BY con.conname`, quoteLiteral(ref.schema), quoteLiteral(ref.name))

	results, err = client.Exec(ctx, constraintsQuery)
	if err != nil {
		return nil, err
	}
	for _, row := range lastRows(results) {
		info.Constraints = append(info.Constraints, models.ConstraintInfo{
			Name:       asString(row["conname"]),
			Type:       constraintType(asString(row["contype"])),
			Definition: asString(row["definition"]),
		})
	}

	return info, nil
}

// findTable matches a requested name ("table" or "schema.table") against the
// known tables, case-insensitively.
func findTable(existing []tableRef, requested string) (tableRef, bool) {
	wantSchema := ""
	wantName := requested
	if idx := strings.IndexByte(requested, '.'); idx >= 0 {
		wantSchema = requested[:idx]
		wantName = requested[idx+1:]
	}

	for _, ref := range existing {
		if !strings.EqualFold(ref.name, wantName) {
			continue
		}
		if wantSchema != "" && !strings.EqualFold(ref.schema, wantSchema) {
			continue
		}
		return ref, true
	}
	return tableRef{}, false
}

func allNames(existing []tableRef) []string {
	names := make([]string, 0, len(existing))
	for _, ref := range existing {
		names = append(names, ref.name)
	}
	return names
}

// rankSuggestions returns up to three candidate names for a misspelled
// table: prefix matches rank above substring matches, ties break on shorter
// name, then alphabetically.
func rankSuggestions(requested string, candidates []string) []string {
	want := strings.ToLower(requested)
	if idx := strings.IndexByte(want, '.'); idx >= 0 {
		want = want[idx+1:]
	}

	type scored struct {
		name  string
		score int
	}

	var matches []scored
	seen := map[string]bool{}
	for _, candidate := range candidates {
		if seen[candidate] {
			continue
		}
		seen[candidate] = true

		got := strings.ToLower(candidate)
		switch {
		case strings.HasPrefix(got, want) || strings.HasPrefix(want, got):
			matches = append(matches, scored{candidate, 2})
		case strings.Contains(got, want) || strings.Contains(want, got):
			matches = append(matches, scored{candidate, 1})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if len(matches[i].name) != len(matches[j].name) {
			return len(matches[i].name) < len(matches[j].name)
		}
		return matches[i].name < matches[j].name
	})

	if len(matches) > maxSuggestions {
		matches = matches[:maxSuggestions]
	}

	suggestions := make([]string, 0, len(matches))
	for _, m := range matches {
		suggestions = append(suggestions, m.name)
	}
	return suggestions
}

func constraintType(contype string) string {
	switch contype {
	case "p":
		return "PRIMARY KEY"
	case "f":
		return "FOREIGN KEY"
	case "u":
		return "UNIQUE"
	case "c":
		return "CHECK"
	case "x":
		return "EXCLUSION"
	default:
		return strings.ToUpper(contype)
	}
}

func lastRows(results []pool.StatementResult) []map[string]any {
	if len(results) == 0 {
		return nil
	}
	return results[len(results)-1].Rows
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// quoteLiteral escapes a string for inlining as a SQL literal. The simple
// query protocol has no bind parameters, so identifiers coming from callers
// must be escaped before interpolation.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
