package dataset

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/autoplan/autoplan/internal/storage"
)

const (
	MimeParquet = "application/parquet"
	MimeCSV     = "text/csv"
)

type Saved struct {
	Key      string
	MimeType string
	Size     int64
}

// Save stores the table under runID. Parquet is tried first when
// preferParquet is set; any encoding failure falls back to CSV.
func Save(ctx context.Context, store storage.ObjectStore, logger *slog.Logger, runID, name string, table Table, preferParquet bool) (Saved, error) {
	if store == nil {
		return Saved{}, fmt.Errorf("object store is required")
	}
	if preferParquet {
		data, err := EncodeParquet(table)
		if err == nil {
			return put(ctx, store, runID, name, "parquet", MimeParquet, data)
		}
		if logger != nil {
			logger.WarnContext(ctx, "parquet encoding failed, falling back to csv",
				slog.String("artifact", name),
				slog.String("error", err.Error()),
			)
		}
	}
	data, err := EncodeCSV(table)
	if err != nil {
		return Saved{}, err
	}
	return put(ctx, store, runID, name, "csv", MimeCSV, data)
}

func put(ctx context.Context, store storage.ObjectStore, runID, name, ext, mime string, data []byte) (Saved, error) {
	key, err := storage.BuildArtifactKey(runID, name, ext)
	if err != nil {
		return Saved{}, err
	}
	info, err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: mime})
	if err != nil {
		return Saved{}, fmt.Errorf("store artifact %s: %w", key, err)
	}
	return Saved{Key: info.Key, MimeType: mime, Size: info.Size}, nil
}
