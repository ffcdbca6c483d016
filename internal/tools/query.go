package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/dataset"
	"github.com/autoplan/autoplan/internal/dberr"
	"github.com/autoplan/autoplan/internal/guard"
	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/storage"
)

const (
	QueryToolName   = "query"
	QueryToolAlias  = "mysql.query"
	emptyResultHint = "SQL query returned empty result. This often happens due to overly restrictive JOINs (use LEFT JOIN instead of INNER JOIN) or filter conditions (especially date ranges). Current SQL: %s"
)

type QueryInput struct {
	SQL      string         `mapstructure:"sql"`
	Params   map[string]any `mapstructure:"params"`
	MaxRows  int            `mapstructure:"max_rows"`
	TimeoutS float64        `mapstructure:"timeout_s"`
}

var queryContract = MustContract(QueryToolName, `{
	"type": "object",
	"required": ["sql"],
	"properties": {
		"sql": {"type": "string", "minLength": 1},
		"params": {"type": ["object", "null"]},
		"max_rows": {"type": ["integer", "null"], "minimum": 1},
		"timeout_s": {"type": ["number", "null"], "minimum": 0}
	}
}`)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// QueryTool runs a guarded SELECT against the warehouse and stores the result
// as a dataset artifact.
type QueryTool struct {
	warehouse query.Warehouse
	cfg       config.QueryConfig
	writer    artifactWriter
	sleep     SleepFunc
}

func NewQueryTool(warehouse query.Warehouse, store storage.ObjectStore, cfg config.QueryConfig) *QueryTool {
	return &QueryTool{
		warehouse: warehouse,
		cfg:       cfg,
		writer:    newArtifactWriter(store, cfg.PreviewRows),
		sleep:     sleepContext,
	}
}

// WithSleep replaces the backoff wait, for tests.
func (t *QueryTool) WithSleep(sleep SleepFunc) *QueryTool {
	t.sleep = sleep
	return t
}

func (t *QueryTool) Name() string { return QueryToolName }

func (t *QueryTool) Contract() *Contract { return queryContract }

func (t *QueryTool) Run(ctx context.Context, rc RunContext, inputs map[string]any) (plan.StepResult, error) {
	var in QueryInput
	if err := decodeInputs(inputs, &in); err != nil {
		return plan.StepResult{}, err
	}
	logger := rc.logger()

	maxRows := in.MaxRows
	if maxRows <= 0 {
		maxRows = t.cfg.MaxRows
	}
	timeout := t.cfg.Timeout
	if in.TimeoutS > 0 {
		timeout = time.Duration(in.TimeoutS * float64(time.Second))
	}
	prepared, err := guard.Validate(in.SQL, guard.Policy{MaxRows: maxRows, Schema: rc.DBSchema, Timeout: timeout})
	if err != nil {
		observability.IncrementGuardRejection(t.Name())
		return plan.StepResult{}, err
	}

	retries, backoff := t.retryBudget(rc.RetryPolicy)
	current := prepared.SQL
	schemaFallback := true
	remapFallback := true

	for attempt := 1; ; {
		sqlText, args, err := guard.BindParams(current, in.Params)
		if err != nil {
			return plan.StepResult{}, err
		}
		logger.InfoContext(ctx, "executing mysql query",
			slog.Int("attempt", attempt),
			slog.Int("retries", retries),
			slog.String("sql", sqlText),
		)

		start := time.Now()
		result, err := t.warehouse.Execute(ctx, query.Request{SQL: sqlText, Args: args})
		if err == nil {
			if len(result.Rows) == 0 {
				observability.ObserveQueryAttempt(observability.QueryOutcomeEmpty, time.Since(start))
				logger.WarnContext(ctx, "mysql query returned empty result", slog.String("sql", sqlText))
				return plan.Failure(emptyResultHint, sqlText), nil
			}
			observability.ObserveQueryAttempt(observability.QueryOutcomeSuccess, time.Since(start))
			return t.datasetResult(ctx, rc, tableFromResult(result.Columns, result.Rows), prepared.Limit, "Query executed", nil)
		}

		kind := dberr.Classify(err)
		observability.ObserveQueryAttempt(outcomeFor(kind), time.Since(start))

		if kind == dberr.KindUnknownDatabase && schemaFallback {
			schemaFallback = false
			stripped, stripErr := guard.StripTableSchema(current, rc.DBSchema)
			if stripErr == nil {
				current = stripped
				logger.WarnContext(ctx, "mysql unknown schema, retrying with unqualified table names",
					slog.String("schema", rc.DBSchema),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.WarnContext(ctx, "could not strip table schema", slog.String("error", stripErr.Error()))
		}

		if kind == dberr.KindTableNotFound {
			available, listErr := t.warehouse.ListTables(ctx)
			switch {
			case listErr != nil:
				logger.WarnContext(ctx, "list tables failed", slog.String("error", listErr.Error()))
			case len(available) == 0:
				logger.WarnContext(ctx, "no tables found in current mysql database, using synthetic dataset")
				return t.datasetResult(ctx, rc, dataset.Synthetic(guard.SelectColumns(current)), prepared.Limit,
					"Query fallback to synthetic dataset (database has no tables).",
					[]string{"MySQL database has no tables; generated synthetic dataset from SQL schema."})
			case remapFallback:
				mapping := buildTableMapping(current, available, t.cfg.RemapCutoff)
				if len(mapping) > 0 {
					remapped, remapErr := guard.RemapTableNames(current, mapping)
					if remapErr == nil {
						remapFallback = false
						current = remapped
						logger.WarnContext(ctx, "mysql table remap applied", slog.Any("mapping", mapping))
						continue
					}
					logger.WarnContext(ctx, "table remap failed", slog.String("error", remapErr.Error()))
				}
			}
		}

		if kind == dberr.KindTransient && attempt < retries {
			logger.WarnContext(ctx, "mysql transient error",
				slog.Int("attempt", attempt),
				slog.Int("retries", retries),
				slog.String("error", err.Error()),
			)
			if sleepErr := t.sleep(ctx, backoff*time.Duration(attempt)); sleepErr != nil {
				return plan.Failure("MySQL query failed: %v", sleepErr), nil
			}
			attempt++
			continue
		}

		logger.ErrorContext(ctx, "mysql query failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		return plan.Failure("MySQL query failed: %v", err), nil
	}
}

// retryBudget is the number of executions allowed for transient failures and
// the base linear backoff. The step policy wins over the service defaults.
func (t *QueryTool) retryBudget(policy *plan.RetryPolicy) (int, time.Duration) {
	retries := t.cfg.Retries
	backoff := t.cfg.RetryBackoff
	if policy != nil {
		if policy.MaxRetries > 0 {
			retries = policy.MaxRetries
		}
		backoff = policy.Backoff(backoff)
	}
	return max(1, retries), backoff
}

func (t *QueryTool) datasetResult(ctx context.Context, rc RunContext, table dataset.Table, limit int, message string, warnings []string) (plan.StepResult, error) {
	artifact, err := t.writer.save(ctx, rc, plan.ArtifactDataset, "query", fmt.Sprintf("MySQL query result (limit %d)", limit), table, true)
	if err != nil {
		return plan.Failure("save query result: %v", err), nil
	}
	return plan.StepResult{
		Success:   true,
		Message:   message,
		Artifacts: []plan.Artifact{artifact},
		Metrics:   map[string]any{"rows": table.Len(), "limit": limit},
		Warnings:  warnings,
	}, nil
}

func outcomeFor(kind dberr.Kind) string {
	switch kind {
	case dberr.KindUnknownDatabase:
		return observability.QueryOutcomeUnknownDatabase
	case dberr.KindTableNotFound:
		return observability.QueryOutcomeTableNotFound
	case dberr.KindTransient:
		return observability.QueryOutcomeTransient
	default:
		return observability.QueryOutcomeError
	}
}
