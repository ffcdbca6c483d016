package tools

import (
	"context"
	"strings"

	"github.com/autoplan/autoplan/internal/guard"
	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/storage"
)

const (
	DatasetQueryToolName = "dataset.query"
	// DatasetView is the view name the stored dataset is exposed under.
	DatasetView = "dataset"
)

type DatasetQueryInput struct {
	SQL         string `mapstructure:"sql"`
	DatasetPath string `mapstructure:"dataset_path"`
	MaxRows     int    `mapstructure:"max_rows"`
}

var datasetQueryContract = MustContract(DatasetQueryToolName, `{
	"type": "object",
	"required": ["sql", "dataset_path"],
	"properties": {
		"sql": {"type": "string", "minLength": 1},
		"dataset_path": {"type": "string", "minLength": 1},
		"max_rows": {"type": ["integer", "null"], "minimum": 1}
	}
}`)

// DatasetQueryTool runs a read-only query over an earlier dataset artifact,
// exposed as the view "dataset".
type DatasetQueryTool struct {
	engine  query.Engine
	maxRows int
	writer  artifactWriter
}

func NewDatasetQueryTool(engine query.Engine, store storage.ObjectStore, maxRows, previewRows int) *DatasetQueryTool {
	return &DatasetQueryTool{engine: engine, maxRows: maxRows, writer: newArtifactWriter(store, previewRows)}
}

func (t *DatasetQueryTool) Name() string { return DatasetQueryToolName }

func (t *DatasetQueryTool) Contract() *Contract { return datasetQueryContract }

func (t *DatasetQueryTool) Run(ctx context.Context, rc RunContext, inputs map[string]any) (plan.StepResult, error) {
	var in DatasetQueryInput
	if err := decodeInputs(inputs, &in); err != nil {
		return plan.StepResult{}, err
	}
	if err := guard.EnsureSelectOnly(in.SQL); err != nil {
		observability.IncrementGuardRejection(t.Name())
		return plan.StepResult{}, err
	}
	cleaned, _ := guard.ExtractHint(in.SQL)
	cleaned, err := guard.StripTrailingSemicolon(cleaned)
	if err != nil {
		return plan.StepResult{}, err
	}
	objectPath, err := storage.CleanKey(in.DatasetPath)
	if err != nil {
		return plan.StepResult{}, err
	}
	maxRows := in.MaxRows
	if maxRows <= 0 || (t.maxRows > 0 && maxRows > t.maxRows) {
		maxRows = t.maxRows
	}

	result, err := t.engine.Execute(ctx, query.Request{
		SQL:      strings.TrimSpace(cleaned),
		RowLimit: maxRows,
		Files:    []query.TableFile{{TableName: DatasetView, ObjectPath: objectPath}},
	})
	if err != nil {
		return plan.Failure("dataset query failed: %v", err), nil
	}
	if len(result.Rows) == 0 {
		return plan.Failure("dataset query returned empty result. Current SQL: %s", cleaned), nil
	}
	artifact, err := t.writer.save(ctx, rc, plan.ArtifactDataset, "dataset_query", "Dataset query result", tableFromResult(result.Columns, result.Rows), true)
	if err != nil {
		return plan.Failure("save dataset query result: %v", err), nil
	}
	return plan.StepResult{
		Success:   true,
		Message:   "Dataset query executed",
		Artifacts: []plan.Artifact{artifact},
		Metrics:   map[string]any{"rows": len(result.Rows), "scanned_bytes": result.ScannedBytes},
	}, nil
}
