// Package dataset turns query results into stored artifacts: a columnar file
// (CSV when parquet encoding is not possible) plus a bounded preview.
package dataset

import (
	"strings"
	"time"

	"github.com/autoplan/autoplan/internal/plan"
)

// Table is a materialized result set. Rows are positional and match Columns.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t Table) Len() int {
	return len(t.Rows)
}

// Preview returns the first maxRows rows keyed by column name.
func Preview(table Table, maxRows int) plan.Preview {
	if maxRows < 0 {
		maxRows = 0
	}
	count := min(maxRows, len(table.Rows))
	rows := make([]map[string]any, 0, count)
	for _, row := range table.Rows[:count] {
		record := make(map[string]any, len(table.Columns))
		for i, column := range table.Columns {
			if i < len(row) {
				record[column] = previewValue(row[i])
			}
		}
		rows = append(rows, record)
	}
	columns := make([]string, len(table.Columns))
	copy(columns, table.Columns)
	return plan.Preview{Columns: columns, Rows: rows, RowCount: len(table.Rows)}
}

func previewValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return value
	}
}

const (
	syntheticDate = "2024-12-31"
	syntheticCode = "SAMPLE"
	syntheticText = "sample"
)

var (
	dateTokens = []string{"date", "time", "year", "month", "quarter"}
	codeTokens = []string{"ticker", "code", "id"}
	textTokens = []string{"name", "sector", "industry", "status", "type"}
)

// Synthetic builds a single placeholder row shaped by column names. It backs
// the empty-warehouse fallback so a plan can still be demonstrated.
func Synthetic(columns []string) Table {
	if len(columns) == 0 {
		columns = []string{"metric", "value"}
	}
	row := make([]any, len(columns))
	for i, column := range columns {
		lower := strings.ToLower(column)
		switch {
		case containsAny(lower, dateTokens):
			row[i] = syntheticDate
		case containsAny(lower, codeTokens):
			row[i] = syntheticCode
		case containsAny(lower, textTokens):
			row[i] = syntheticText
		default:
			row[i] = 0.0
		}
	}
	return Table{Columns: append([]string(nil), columns...), Rows: [][]any{row}}
}

func containsAny(value string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(value, token) {
			return true
		}
	}
	return false
}
