// Package query defines the engines the tools execute SQL through: the MySQL
// warehouse and the DuckDB engine over stored dataset artifacts.
package query

import (
	"context"
	"time"
)

// TableFile binds a stored artifact to a view name for file-backed engines.
type TableFile struct {
	TableName     string
	ObjectPath    string
	FileSizeBytes int64
}

type Request struct {
	SQL      string
	Args     []any
	RowLimit int
	Files    []TableFile
}

type Result struct {
	Columns      []string
	Rows         [][]any
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	Indexes []string `json:"indexes,omitempty"`
}

// Catalog exposes live warehouse metadata.
type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTables(ctx context.Context, names []string) ([]TableSchema, error)
}

// Warehouse is the pooled MySQL connection seen by the tools.
type Warehouse interface {
	Engine
	Catalog
	Ping(ctx context.Context) error
}
