package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/storage"
)

type execResponse struct {
	result query.Result
	err    error
}

// fakeWarehouse replays scripted Execute responses in order and records every
// statement it receives.
type fakeWarehouse struct {
	mu        sync.Mutex
	responses []execResponse
	requests  []query.Request
	tables    []string
	listErr   error
	listCalls int
	schemas   []query.TableSchema
}

func (f *fakeWarehouse) Execute(_ context.Context, request query.Request) (query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if len(f.responses) == 0 {
		return query.Result{}, fmt.Errorf("unexpected execute: %s", request.SQL)
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next.result, next.err
}

func (f *fakeWarehouse) ListTables(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.tables, f.listErr
}

func (f *fakeWarehouse) DescribeTables(_ context.Context, names []string) ([]query.TableSchema, error) {
	if len(names) == 0 {
		return f.schemas, nil
	}
	out := make([]query.TableSchema, 0, len(names))
	for _, schema := range f.schemas {
		for _, name := range names {
			if schema.Name == name {
				out = append(out, schema)
			}
		}
	}
	return out, nil
}

func (f *fakeWarehouse) Ping(context.Context) error { return nil }

func (f *fakeWarehouse) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, request := range f.requests {
		out = append(out, request.SQL)
	}
	return out
}

func rowsResult(columns []string, rows ...[]any) execResponse {
	return execResponse{result: query.Result{Columns: columns, Rows: rows}}
}

func failure(err error) execResponse {
	return execResponse{err: err}
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

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func testQueryConfig() config.QueryConfig {
	return config.QueryConfig{
		MaxRows:      100,
		Timeout:      30 * time.Second,
		Retries:      3,
		RetryBackoff: time.Second,
		RemapCutoff:  0.5,
		PreviewRows:  5,
	}
}
