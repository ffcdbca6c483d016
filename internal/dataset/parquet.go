package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"reflect"
	"time"

	"github.com/parquet-go/parquet-go"
)

type columnKind int

const (
	kindNull columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindString
)

// ColumnOrderKey is the file metadata entry holding the original column order.
// Parquet groups are stored sorted by field name.
const ColumnOrderKey = "autoplan.column_order"

// EncodeParquet writes the table with a schema inferred from its values. Every
// column is optional; a column mixing kinds is stored as strings.
func EncodeParquet(table Table) ([]byte, error) {
	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("columns are required")
	}

	kinds := inferKinds(table)
	group := parquet.Group{}
	for i, column := range table.Columns {
		if column == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		if _, dup := group[column]; dup {
			return nil, fmt.Errorf("duplicate column %q", column)
		}
		group[column] = parquet.Optional(nodeFor(kinds[i]))
	}
	schema := parquet.NewSchema("dataset", group)

	leafIndex := make([]int, len(table.Columns))
	for i, column := range table.Columns {
		leaf, ok := schema.Lookup(column)
		if !ok {
			return nil, fmt.Errorf("column %q missing from schema", column)
		}
		leafIndex[i] = leaf.ColumnIndex
	}

	rows := make([]parquet.Row, 0, len(table.Rows))
	for _, source := range table.Rows {
		row := make(parquet.Row, len(table.Columns))
		for i := range table.Columns {
			var value any
			if i < len(source) {
				value = source[i]
			}
			row[leafIndex[i]] = parquetValue(kinds[i], value).Level(0, definitionLevel(value), leafIndex[i])
		}
		rows = append(rows, row)
	}

	order, err := json.Marshal(table.Columns)
	if err != nil {
		return nil, fmt.Errorf("encode column order: %w", err)
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema, parquet.KeyValueMetadata(ColumnOrderKey, string(order)))
	if _, err := writer.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ParquetColumnOrder reads the column order recorded by EncodeParquet. Files
// written elsewhere have no such entry and yield nil.
func ParquetColumnOrder(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet file: %w", err)
	}
	file, err := parquet.OpenFile(f, info.Size(), parquet.SkipPageIndex(true))
	if err != nil {
		return nil, fmt.Errorf("read parquet footer: %w", err)
	}
	raw, ok := file.Lookup(ColumnOrderKey)
	if !ok {
		return nil, nil
	}
	var columns []string
	if err := json.Unmarshal([]byte(raw), &columns); err != nil {
		return nil, fmt.Errorf("decode column order: %w", err)
	}
	return columns, nil
}

func nodeFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}

func parquetValue(kind columnKind, value any) parquet.Value {
	if value == nil {
		return parquet.NullValue()
	}
	switch kind {
	case kindInt:
		n, _ := asInt64(value)
		return parquet.Int64Value(n)
	case kindFloat:
		f, _ := asFloat64(value)
		return parquet.DoubleValue(f)
	case kindBool:
		b, _ := value.(bool)
		return parquet.BooleanValue(b)
	default:
		return parquet.ByteArrayValue([]byte(formatValue(value)))
	}
}

func inferKinds(table Table) []columnKind {
	kinds := make([]columnKind, len(table.Columns))
	for i := range table.Columns {
		kind := kindNull
		for _, row := range table.Rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			kind = merge(kind, kindOf(row[i]))
			if kind == kindString {
				break
			}
		}
		if kind == kindNull {
			kind = kindString
		}
		kinds[i] = kind
	}
	return kinds
}

func merge(current, next columnKind) columnKind {
	switch {
	case current == kindNull:
		return next
	case current == next:
		return current
	case (current == kindInt && next == kindFloat) || (current == kindFloat && next == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

func kindOf(value any) columnKind {
	if _, ok := value.(bool); ok {
		return kindBool
	}
	if _, ok := asInt64(value); ok {
		return kindInt
	}
	if f, ok := asFloat64(value); ok && !math.IsNaN(f) {
		return kindFloat
	}
	return kindString
}

func asInt64(value any) (int64, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint()), true
	case reflect.Uint, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		if n, ok := asInt64(value); ok {
			return float64(n), true
		}
		return 0, false
	}
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case float64:
		return formatFloat(typed)
	case float32:
		return formatFloat(float64(typed))
	default:
		return fmt.Sprint(value)
	}
}
