// Package mysql is the warehouse engine: pooled execution of guarded SQL and
// information_schema lookups.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autoplan/autoplan/internal/query"
)

type Engine struct {
	db *sqlx.DB
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: sqlx.NewDb(db, "mysql")}
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Execute runs already-guarded SQL. RowLimit and Files are ignored; limits
// are part of the statement text by the time it gets here.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	start := time.Now()
	rows, err := e.db.QueryxContext(ctx, request.SQL, request.Args...)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{Columns: columns, Rows: resultRows, Duration: time.Since(start)}, nil
}

const listTablesSQL = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`

func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	if err := e.db.SelectContext(ctx, &names, listTablesSQL); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

const describeColumnsSQL = `
SELECT column_name, column_type
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`

const describeIndexesSQL = `
SELECT DISTINCT index_name
FROM information_schema.statistics
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY index_name`

type columnRow struct {
	Name string `db:"column_name"`
	Type string `db:"column_type"`
}

// DescribeTables loads columns and index names. An empty names list means
// every base table.
func (e *Engine) DescribeTables(ctx context.Context, names []string) ([]query.TableSchema, error) {
	if len(names) == 0 {
		all, err := e.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		names = all
	}
	tables := make([]query.TableSchema, 0, len(names))
	for _, name := range names {
		var columnRows []columnRow
		if err := e.db.SelectContext(ctx, &columnRows, describeColumnsSQL, name); err != nil {
			return nil, fmt.Errorf("describe columns of %q: %w", name, err)
		}
		columns := make([]query.Column, 0, len(columnRows))
		for _, row := range columnRows {
			columns = append(columns, query.Column{Name: row.Name, Type: row.Type})
		}
		indexes := make([]string, 0)
		if err := e.db.SelectContext(ctx, &indexes, describeIndexesSQL, name); err != nil {
			return nil, fmt.Errorf("describe indexes of %q: %w", name, err)
		}
		tables = append(tables, query.TableSchema{Name: name, Columns: columns, Indexes: indexes})
	}
	return tables, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
