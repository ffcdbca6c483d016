// Package duckdb runs guarded SQL over stored dataset artifacts. Each
// request file is downloaded to a scratch directory and exposed as a view.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/autoplan/autoplan/internal/dataset"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/storage"
)

type Engine struct {
	Store storage.ObjectStore
}

func NewEngine(store storage.ObjectStore) *Engine {
	return &Engine{Store: store}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if len(request.Files) == 0 {
		return query.Result{}, fmt.Errorf("no dataset files to query")
	}
	if e.Store == nil {
		return query.Result{}, fmt.Errorf("object store is required")
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "autoplan-dataset-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	type view struct {
		reader string
		paths  []string
	}
	views := map[string]*view{}
	order := make([]string, 0, len(request.Files))
	var scannedBytes int64

	for index, file := range request.Files {
		reader, err := readerFor(file.ObjectPath)
		if err != nil {
			return query.Result{}, err
		}
		body, err := e.Store.Get(ctx, file.ObjectPath)
		if err != nil {
			return query.Result{}, fmt.Errorf("get object %q: %w", file.ObjectPath, err)
		}

		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d%s", sanitizeFileComponent(file.TableName), index, path.Ext(file.ObjectPath)))
		written, err := writeFile(localPath, body)
		_ = body.Close()
		if err != nil {
			return query.Result{}, fmt.Errorf("write local dataset file %q: %w", localPath, err)
		}

		current, ok := views[file.TableName]
		if !ok {
			current = &view{reader: reader}
			views[file.TableName] = current
			order = append(order, file.TableName)
		} else if current.reader != reader {
			return query.Result{}, fmt.Errorf("table %q mixes dataset formats", file.TableName)
		}
		current.paths = append(current.paths, localPath)
		if file.FileSizeBytes > 0 {
			scannedBytes += file.FileSizeBytes
		} else {
			scannedBytes += written
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, tableName := range order {
		current := views[tableName]
		projection, err := projectionFor(current.reader, current.paths[0])
		if err != nil {
			return query.Result{}, fmt.Errorf("column order for table %q: %w", tableName, err)
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s(%s)`, quoteIdent(tableName), projection, current.reader, quoteStringArray(current.paths))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return query.Result{}, fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}

	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	rows, err := db.QueryContext(ctx, sqlText, request.Args...)
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
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:      columns,
		Rows:         resultRows,
		ScannedFiles: len(request.Files),
		ScannedBytes: scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

func readerFor(objectPath string) (string, error) {
	switch strings.ToLower(path.Ext(objectPath)) {
	case ".parquet":
		return "read_parquet", nil
	case ".csv":
		return "read_csv_auto", nil
	default:
		return "", fmt.Errorf("unsupported dataset format %q", objectPath)
	}
}

// projectionFor restores the column order a parquet artifact was written with.
func projectionFor(reader, localPath string) (string, error) {
	if reader != "read_parquet" {
		return "*", nil
	}
	columns, err := dataset.ParquetColumnOrder(localPath)
	if err != nil || len(columns) == 0 {
		return "*", err
	}
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = quoteIdent(column)
	}
	return strings.Join(quoted, ", "), nil
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

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "dataset"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
