package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autoplan/autoplan/internal/dataset"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/storage"
)

// artifactWriter persists tables produced by tools.
type artifactWriter struct {
	store       storage.ObjectStore
	previewRows int
	now         func() time.Time
}

func newArtifactWriter(store storage.ObjectStore, previewRows int) artifactWriter {
	if previewRows <= 0 {
		previewRows = 5
	}
	return artifactWriter{store: store, previewRows: previewRows, now: time.Now}
}

func (w artifactWriter) save(ctx context.Context, rc RunContext, artifactType, prefix, description string, table dataset.Table, preferParquet bool) (plan.Artifact, error) {
	now := w.now().UTC()
	name := fmt.Sprintf("%s_%s_%s", prefix, now.Format("20060102T150405"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	saved, err := dataset.Save(ctx, w.store, rc.logger(), rc.RunID, name, table, preferParquet)
	if err != nil {
		return plan.Artifact{}, err
	}
	preview := dataset.Preview(table, w.previewRows)
	return plan.Artifact{
		ArtifactID:  plan.NewArtifactID(),
		Type:        artifactType,
		Path:        saved.Key,
		MimeType:    saved.MimeType,
		Description: description,
		Preview:     &preview,
		Details:     map[string]any{"size_bytes": saved.Size},
		CreatedAt:   now,
	}, nil
}

func tableFromResult(columns []string, rows [][]any) dataset.Table {
	return dataset.Table{Columns: columns, Rows: rows}
}
