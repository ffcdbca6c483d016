// Package executor drives plan steps through their tools, asking the repair
// function for new inputs when an attempt fails.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/repair"
	"github.com/autoplan/autoplan/internal/tools"
)

const (
	defaultMaxAttempts = 3
	datasetPathInput   = "dataset_path"
	sqlInput           = "sql"
)

type Executor struct {
	registry    *tools.Registry
	repair      repair.Func
	catalog     query.Catalog
	logger      *slog.Logger
	maxAttempts int
}

// New builds an executor. A nil repair function disables repairs and a nil
// catalog leaves repair prompts without a schema hint.
func New(registry *tools.Registry, repairFn repair.Func, catalog query.Catalog, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	if repairFn == nil {
		repairFn = repair.Disabled
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Executor{
		registry:    registry,
		repair:      repairFn,
		catalog:     catalog,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Run executes the plan steps in order. Steps are mutated only through
// Inputs, and only when a repaired step finally succeeds.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) plan.RunOutcome {
	outcome := plan.RunOutcome{Status: plan.StatusDone, Message: "Plan executed", Artifacts: []plan.Artifact{}, Steps: []plan.StepRecord{}}
	if err := p.Normalize(); err != nil {
		outcome.Status = plan.StatusFailed
		outcome.Message = err.Error()
		return outcome
	}
	ctx = observability.ContextWithRunID(ctx, p.RunID)
	failed := map[string]struct{}{}

	for i := range p.Steps {
		step := &p.Steps[i]
		if err := ctx.Err(); err != nil {
			outcome.Status = plan.StatusFailed
			outcome.Message = fmt.Sprintf("run cancelled: %v", err)
			return outcome
		}
		if dep, blocked := blockedBy(step, failed); blocked {
			failed[step.StepID] = struct{}{}
			outcome.Steps = append(outcome.Steps, plan.StepRecord{
				StepID:  step.StepID,
				Tool:    step.Tool,
				Status:  plan.StepSkipped,
				Message: fmt.Sprintf("dependency %s failed", dep),
			})
			continue
		}

		rc := tools.RunContext{
			RunID:          p.RunID,
			StepID:         step.StepID,
			DBSchema:       p.DBSchema,
			RelevantTables: p.RelevantTables,
			RetryPolicy:    step.RetryPolicy,
			Artifacts:      outcome.Artifacts,
			Logger:         e.logger.With(slog.String("run_id", p.RunID), slog.String("step_id", step.StepID)),
		}
		result := e.RunStep(ctx, rc, step)
		outcome.Steps = append(outcome.Steps, result.Record)
		observability.ObserveStepOutcome(step.Tool, string(result.Record.Status))

		if result.Record.Status == plan.StepSucceeded {
			outcome.Artifacts = append(outcome.Artifacts, result.Artifacts...)
			continue
		}
		switch step.OnError {
		case plan.OnErrorContinue:
			failed[step.StepID] = struct{}{}
			e.logger.WarnContext(ctx, "step failed, continuing", slog.String("step_id", step.StepID), slog.String("message", result.Message))
		case plan.OnErrorStop:
			outcome.Status = plan.StatusFailed
			outcome.Message = result.Message
			return outcome
		default:
			outcome.Status = plan.StatusNeedsConfirmation
			outcome.Message = result.Message
			return outcome
		}
	}
	if len(failed) > 0 {
		outcome.Message = fmt.Sprintf("Plan executed with %d failed step(s)", len(failed))
	}
	return outcome
}

func blockedBy(step *plan.Step, failed map[string]struct{}) (string, bool) {
	for _, dep := range step.DependsOn {
		if _, ok := failed[dep]; ok {
			return dep, true
		}
	}
	return "", false
}

// StepResult is the outcome of one step across all of its attempts.
type StepResult struct {
	Record    plan.StepRecord
	Artifacts []plan.Artifact
	Message   string
}

func (e *Executor) RunStep(ctx context.Context, rc tools.RunContext, step *plan.Step) StepResult {
	record := plan.StepRecord{StepID: step.StepID, Tool: step.Tool, Status: plan.StepFailed}
	logger := rc.Logger
	if logger == nil {
		logger = e.logger
	}
	fail := func(message string) StepResult {
		record.Message = message
		return StepResult{Record: record, Message: message}
	}

	tool, err := e.registry.Get(step.Tool)
	if err != nil {
		return fail(fmt.Sprintf("Step %s: %v", step.Name, err))
	}
	contract := tool.Contract()
	working := maps.Clone(step.Inputs)
	if working == nil {
		working = map[string]any{}
	}

	if tools.RequiresSQL(tool) && !hasSQL(working) {
		logger.InfoContext(ctx, "step missing sql, attempting auto-repair")
		repaired := e.requestRepair(ctx, &record, tool, step, working, rc, "Missing SQL input")
		if !hasSQL(repaired) {
			return fail(fmt.Sprintf("Step %s missing SQL input and auto-repair failed.", step.Name))
		}
		maps.Copy(working, repaired)
	}
	if contract.Declares(datasetPathInput) && !hasString(working, datasetPathInput) {
		if !injectDatasetPath(working, rc.Artifacts) {
			return fail(fmt.Sprintf("Step %s requires dataset but none available.", step.Name))
		}
	}

	lastMessage := ""
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		record.Attempts = attempt
		attemptLogger := logger.With(slog.Int("attempt", attempt), slog.Int("max_attempts", e.maxAttempts))

		if err := contract.Validate(working); err != nil {
			attemptLogger.WarnContext(ctx, "input validation failed, attempting to fix inputs", slog.String("error", err.Error()))
			if contract.Declares(datasetPathInput) && !hasString(working, datasetPathInput) {
				injectDatasetPath(working, rc.Artifacts)
			}
			if err := contract.Validate(working); err != nil {
				lastMessage = fmt.Sprintf("Input validation failed: %v", err)
				if attempt < e.maxAttempts && e.applyRepair(ctx, &record, tool, step, working, rc, lastMessage) {
					continue
				}
				break
			}
		}

		record.Executions++
		result, err := runTool(ctx, tool, rc, working)
		if err == nil && result.Success {
			step.Inputs = working
			record.Status = plan.StepSucceeded
			record.Message = result.Message
			record.Warnings = result.Warnings
			attemptLogger.InfoContext(ctx, "step succeeded", slog.Int("executions", record.Executions), slog.Int("repairs", record.Repairs))
			return StepResult{Record: record, Artifacts: result.Artifacts, Message: result.Message}
		}

		if err != nil {
			lastMessage = err.Error()
			attemptLogger.ErrorContext(ctx, "step raised error", slog.String("error", lastMessage))
		} else {
			lastMessage = result.Message
			attemptLogger.ErrorContext(ctx, "step failed", slog.String("message", lastMessage))
		}
		if attempt >= e.maxAttempts || ctx.Err() != nil {
			break
		}
		attemptLogger.InfoContext(ctx, "attempting auto-repair")
		if !e.applyRepair(ctx, &record, tool, step, working, rc, lastMessage) {
			break
		}
	}
	return fail(lastMessage)
}

// applyRepair merges a usable repair into working and reports whether one
// was applied.
func (e *Executor) applyRepair(ctx context.Context, record *plan.StepRecord, tool tools.Tool, step *plan.Step, working map[string]any, rc tools.RunContext, message string) bool {
	repaired := e.requestRepair(ctx, record, tool, step, working, rc, message)
	if len(repaired) == 0 {
		observability.ObserveRepair(false)
		return false
	}
	merged := maps.Clone(working)
	maps.Copy(merged, repaired)
	if tools.RequiresSQL(tool) && !hasSQL(merged) {
		observability.ObserveRepair(false)
		return false
	}
	maps.Copy(working, repaired)
	if tool.Contract().Declares(datasetPathInput) && !hasString(working, datasetPathInput) {
		injectDatasetPath(working, rc.Artifacts)
	}
	observability.ObserveRepair(true)
	return true
}

func (e *Executor) requestRepair(ctx context.Context, record *plan.StepRecord, tool tools.Tool, step *plan.Step, working map[string]any, rc tools.RunContext, message string) map[string]any {
	record.Repairs++
	snapshot := *step
	snapshot.Inputs = working
	stepJSON, err := json.Marshal(snapshot)
	if err != nil {
		e.logger.WarnContext(ctx, "encode step for repair", slog.String("error", err.Error()))
		return nil
	}

	hint := ""
	if tools.UsesWarehouse(tool) && e.catalog != nil {
		hint, err = query.SchemaHint(ctx, e.catalog, rc.RelevantTables)
		if err != nil {
			e.logger.WarnContext(ctx, "schema hint unavailable", slog.String("error", err.Error()))
			hint = ""
		}
	}

	repaired, err := e.repair(ctx, message, string(stepJSON), hint)
	if err != nil {
		e.logger.WarnContext(ctx, "auto-repair failed", slog.String("step_id", step.StepID), slog.String("error", err.Error()))
		return nil
	}
	return repaired
}

// runTool converts a tool panic into an error so one broken step cannot take
// the run down.
func runTool(ctx context.Context, tool tools.Tool, rc tools.RunContext, inputs map[string]any) (result plan.StepResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), recovered)
		}
	}()
	return tool.Run(ctx, rc, maps.Clone(inputs))
}

func injectDatasetPath(inputs map[string]any, artifacts []plan.Artifact) bool {
	last, ok := plan.LastDataset(artifacts)
	if !ok {
		return false
	}
	inputs[datasetPathInput] = last.Path
	return true
}

func hasString(inputs map[string]any, key string) bool {
	value, ok := inputs[key].(string)
	return ok && strings.TrimSpace(value) != ""
}

func hasSQL(inputs map[string]any) bool {
	return hasString(inputs, sqlInput)
}
