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
	ExplainToolName  = "explain"
	ExplainToolAlias = "mysql.explain"
)

type ExplainInput struct {
	SQL    string         `mapstructure:"sql"`
	Params map[string]any `mapstructure:"params"`
}

var explainContract = MustContract(ExplainToolName, `{
	"type": "object",
	"required": ["sql"],
	"properties": {
		"sql": {"type": "string", "minLength": 1},
		"params": {"type": ["object", "null"]}
	}
}`)

// ExplainTool stores the warehouse's EXPLAIN output for a read-only query.
type ExplainTool struct {
	warehouse query.Warehouse
	writer    artifactWriter
}

func NewExplainTool(warehouse query.Warehouse, store storage.ObjectStore, previewRows int) *ExplainTool {
	return &ExplainTool{warehouse: warehouse, writer: newArtifactWriter(store, previewRows)}
}

func (t *ExplainTool) Name() string { return ExplainToolName }

func (t *ExplainTool) Contract() *Contract { return explainContract }

func (t *ExplainTool) Run(ctx context.Context, rc RunContext, inputs map[string]any) (plan.StepResult, error) {
	var in ExplainInput
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
	sqlText, args, err := guard.BindParams(strings.TrimSpace(cleaned), in.Params)
	if err != nil {
		return plan.StepResult{}, err
	}

	result, err := t.warehouse.Execute(ctx, query.Request{SQL: "EXPLAIN " + sqlText, Args: args})
	if err != nil {
		return plan.Failure("MySQL explain failed: %v", err), nil
	}
	artifact, err := t.writer.save(ctx, rc, plan.ArtifactExplain, "explain", "MySQL EXPLAIN result", tableFromResult(result.Columns, result.Rows), false)
	if err != nil {
		return plan.Failure("save explain result: %v", err), nil
	}
	return plan.StepResult{Success: true, Message: "Explain executed", Artifacts: []plan.Artifact{artifact}}, nil
}
