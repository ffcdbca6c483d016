package dataset

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/autoplan/autoplan/internal/storage"
)

func TestPreviewBoundsRows(t *testing.T) {
	table := Table{
		Columns: []string{"id", "name", "raw"},
		Rows: [][]any{
			{int64(1), "a", []byte("x")},
			{int64(2), "b", nil},
			{int64(3), "c", nil},
		},
	}
	preview := Preview(table, 2)
	if preview.RowCount != 3 {
		t.Fatalf("RowCount = %d", preview.RowCount)
	}
	if len(preview.Rows) != 2 {
		t.Fatalf("len(Rows) = %d", len(preview.Rows))
	}
	if preview.Rows[0]["raw"] != "x" {
		t.Fatalf("byte values should preview as strings, got %#v", preview.Rows[0]["raw"])
	}
	if len(Preview(table, 10).Rows) != 3 {
		t.Fatal("preview should not exceed table size")
	}
}

func TestSyntheticTypingHeuristics(t *testing.T) {
	table := Synthetic([]string{"trade_date", "ticker", "sector_name", "revenue", "fiscal_quarter", "stock_id"})
	if table.Len() != 1 {
		t.Fatalf("Len() = %d", table.Len())
	}
	row := table.Rows[0]
	want := []any{"2024-12-31", "SAMPLE", "sample", 0.0, "2024-12-31", "SAMPLE"}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("row[%d] (%s) = %#v, want %#v", i, table.Columns[i], row[i], want[i])
		}
	}

	fallback := Synthetic(nil)
	if strings.Join(fallback.Columns, ",") != "metric,value" {
		t.Fatalf("default columns = %v", fallback.Columns)
	}
	if fallback.Rows[0][0] != 0.0 || fallback.Rows[0][1] != 0.0 {
		t.Fatalf("default row = %v", fallback.Rows[0])
	}
}

func TestEncodeParquetRoundTripsRowCount(t *testing.T) {
	table := Table{
		Columns: []string{"id", "amount", "label", "active", "seen_at"},
		Rows: [][]any{
			{int64(1), 1.5, "a", true, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
			{int32(2), int64(3), nil, false, nil},
			{nil, nil, []byte("c"), nil, nil},
		},
	}
	data, err := EncodeParquet(table)
	if err != nil {
		t.Fatalf("EncodeParquet() error = %v", err)
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if file.NumRows() != 3 {
		t.Fatalf("NumRows() = %d", file.NumRows())
	}
	if len(file.Schema().Fields()) != 5 {
		t.Fatalf("fields = %d", len(file.Schema().Fields()))
	}
}

func TestEncodeParquetRecordsColumnOrder(t *testing.T) {
	columns := []string{"zeta", "alpha", "mid"}
	data, err := EncodeParquet(Table{Columns: columns, Rows: [][]any{{int64(1), "a", 2.5}}})
	if err != nil {
		t.Fatalf("EncodeParquet() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "ordered.parquet")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := ParquetColumnOrder(path)
	if err != nil {
		t.Fatalf("ParquetColumnOrder() error = %v", err)
	}
	if strings.Join(got, ",") != "zeta,alpha,mid" {
		t.Fatalf("ParquetColumnOrder() = %v", got)
	}
	if _, err := ParquetColumnOrder(filepath.Join(t.TempDir(), "missing.parquet")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEncodeParquetRejectsDuplicateColumns(t *testing.T) {
	if _, err := EncodeParquet(Table{Columns: []string{"a", "a"}, Rows: [][]any{{1, 2}}}); err == nil {
		t.Fatal("expected duplicate column error")
	}
	if _, err := EncodeParquet(Table{}); err == nil {
		t.Fatal("expected error for empty columns")
	}
}

func TestInferKinds(t *testing.T) {
	table := Table{
		Columns: []string{"ints", "mixed_numeric", "mixed", "empty"},
		Rows: [][]any{
			{1, 1, 1, nil},
			{int64(2), 2.5, "two", nil},
		},
	}
	got := inferKinds(table)
	want := []columnKind{kindInt, kindFloat, kindString, kindString}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kind[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEncodeCSV(t *testing.T) {
	data, err := EncodeCSV(Table{
		Columns: []string{"id", "note", "score"},
		Rows:    [][]any{{1, "hello, world", 0.25}, {2, nil, 3.0}},
	})
	if err != nil {
		t.Fatalf("EncodeCSV() error = %v", err)
	}
	want := "id,note,score\n1,\"hello, world\",0.25\n2,,3\n"
	if string(data) != want {
		t.Fatalf("EncodeCSV() = %q, want %q", string(data), want)
	}
}

func TestSavePrefersParquetAndFallsBackToCSV(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	saved, err := Save(ctx, store, nil, "run_1", "query_1", Table{Columns: []string{"id"}, Rows: [][]any{{1}}}, true)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.MimeType != MimeParquet || saved.Key != "run_1/artifacts/query_1.parquet" {
		t.Fatalf("Save() = %+v", saved)
	}

	saved, err = Save(ctx, store, nil, "run_1", "query_2", Table{Columns: []string{"a", "a"}, Rows: [][]any{{1, 2}}}, true)
	if err != nil {
		t.Fatalf("Save(fallback) error = %v", err)
	}
	if saved.MimeType != MimeCSV || saved.Key != "run_1/artifacts/query_2.csv" {
		t.Fatalf("Save(fallback) = %+v", saved)
	}

	saved, err = Save(ctx, store, nil, "run_1", "explain_1", Table{Columns: []string{"id"}, Rows: [][]any{{1}}}, false)
	if err != nil || saved.MimeType != MimeCSV {
		t.Fatalf("Save(csv) = %+v, %v", saved, err)
	}
	if len(store.objects) != 3 {
		t.Fatalf("objects = %d", len(store.objects))
	}
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
