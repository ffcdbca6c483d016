package tools

import (
	"context"
	"fmt"

	"github.com/autoplan/autoplan/internal/dataset"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/storage"
)

const (
	SchemaToolName  = "schema"
	SchemaToolAlias = "mysql.schema"
)

type SchemaInput struct {
	Tables []string `mapstructure:"tables"`
}

var schemaContract = MustContract(SchemaToolName, `{
	"type": "object",
	"properties": {
		"tables": {"type": ["array", "null"], "items": {"type": "string", "minLength": 1}}
	}
}`)

// SchemaTool snapshots table layouts. The artifact lists one row per column;
// the full description including indexes is kept in the artifact details.
type SchemaTool struct {
	catalog query.Catalog
	writer  artifactWriter
}

func NewSchemaTool(catalog query.Catalog, store storage.ObjectStore, previewRows int) *SchemaTool {
	return &SchemaTool{catalog: catalog, writer: newArtifactWriter(store, previewRows)}
}

func (t *SchemaTool) Name() string { return SchemaToolName }

func (t *SchemaTool) Contract() *Contract { return schemaContract }

func (t *SchemaTool) Run(ctx context.Context, rc RunContext, inputs map[string]any) (plan.StepResult, error) {
	var in SchemaInput
	if err := decodeInputs(inputs, &in); err != nil {
		return plan.StepResult{}, err
	}
	tables, err := t.catalog.DescribeTables(ctx, in.Tables)
	if err != nil {
		return plan.Failure("MySQL schema lookup failed: %v", err), nil
	}

	table := dataset.Table{Columns: []string{"table_name", "column_name", "column_type"}}
	for _, schema := range tables {
		for _, column := range schema.Columns {
			table.Rows = append(table.Rows, []any{schema.Name, column.Name, column.Type})
		}
	}
	artifact, err := t.writer.save(ctx, rc, plan.ArtifactSchema, "schema", fmt.Sprintf("Database schema (%d tables)", len(tables)), table, false)
	if err != nil {
		return plan.Failure("save schema: %v", err), nil
	}
	artifact.Details["tables"] = tables
	return plan.StepResult{Success: true, Message: "Schema loaded", Artifacts: []plan.Artifact{artifact}}, nil
}
