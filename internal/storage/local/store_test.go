package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/autoplan/autoplan/internal/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	payload := []byte("id,value\n1,2\n")

	info, err := store.Put(ctx, "/run_1/artifacts/q.csv", bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Key != "run_1/artifacts/q.csv" || info.Size != int64(len(payload)) || info.ETag == "" {
		t.Fatalf("Put() = %+v", info)
	}

	reader, err := store.Get(ctx, "run_1/artifacts/q.csv")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	stat, err := store.Stat(ctx, "run_1/artifacts/q.csv")
	if err != nil || stat.Size != int64(len(payload)) {
		t.Fatalf("Stat() = %+v, %v", stat, err)
	}

	if err := store.Delete(ctx, "run_1/artifacts/q.csv"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "run_1/artifacts/q.csv"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
	if _, err := store.Get(ctx, "run_1/artifacts/q.csv"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get(after delete) error = %v", err)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := store.Put(context.Background(), "../escape.csv", bytes.NewReader(nil), 0, storage.PutOptions{}); err == nil {
		t.Fatal("expected traversal error")
	}
	if _, err := New(" "); err == nil {
		t.Fatal("expected error for empty root")
	}
}
