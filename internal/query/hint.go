package query

import (
	"context"
	"fmt"
	"strings"
)

const schemaHintTableLimit = 10

// SchemaHint renders the tables most relevant to a failed step for a repair
// prompt. Relevant tables that exist are shown first; otherwise the first ten
// tables are used. An empty catalog yields an empty hint.
func SchemaHint(ctx context.Context, catalog Catalog, relevant []string) (string, error) {
	if catalog == nil {
		return "", nil
	}
	all, err := catalog.ListTables(ctx)
	if err != nil {
		return "", fmt.Errorf("list tables for schema hint: %w", err)
	}
	if len(all) == 0 {
		return "", nil
	}

	byLower := make(map[string]string, len(all))
	for _, name := range all {
		byLower[strings.ToLower(name)] = name
	}
	selected := make([]string, 0, len(relevant))
	for _, name := range relevant {
		if actual, ok := byLower[strings.ToLower(strings.TrimSpace(name))]; ok {
			selected = append(selected, actual)
		}
	}
	if len(selected) == 0 {
		selected = all[:min(schemaHintTableLimit, len(all))]
	}

	tables, err := catalog.DescribeTables(ctx, selected)
	if err != nil {
		return "", fmt.Errorf("describe tables for schema hint: %w", err)
	}
	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, column.Name)
		}
		blocks = append(blocks, fmt.Sprintf("Table: %s\nColumns: %s", table.Name, strings.Join(columns, ", ")))
	}
	return strings.Join(blocks, "\n\n"), nil
}
