// Package runs owns the run lifecycle: a plan is registered as a PENDING run,
// executed once, and the outcome persisted.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runstore"
)

var (
	ErrInvalidRequest = errors.New("invalid run request")
	ErrNotExecutable  = errors.New("run is not executable")
)

// PlanRunner executes a plan. Satisfied by *executor.Executor.
type PlanRunner interface {
	Run(ctx context.Context, p *plan.Plan) plan.RunOutcome
}

type CreateRequest struct {
	Task string    `json:"task"`
	Plan plan.Plan `json:"plan"`
}

type Service struct {
	store  runstore.Store
	runner PlanRunner
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store runstore.Store, runner PlanRunner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Service{
		store:  store,
		runner: runner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the plan and stores it as a PENDING run. The plan's run_id
// is overwritten with the new run identifier.
func (s *Service) Create(ctx context.Context, request CreateRequest) (plan.Run, error) {
	p := request.Plan
	if err := p.Normalize(); err != nil {
		return plan.Run{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	now := s.now()
	p.RunID = plan.NewRunID(now)
	run := plan.Run{
		RunID:     p.RunID,
		Task:      strings.TrimSpace(request.Task),
		Status:    plan.StatusPending,
		Plan:      p,
		Artifacts: []plan.Artifact{},
		Steps:     []plan.StepRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return plan.Run{}, fmt.Errorf("create run: %w", err)
	}
	s.logger.InfoContext(ctx, "run created", slog.String("run_id", run.RunID), slog.Int("steps", len(p.Steps)))
	return run, nil
}

// Execute runs a PENDING run to completion. Runs that already left PENDING
// are rejected with ErrNotExecutable; the PENDING to RUNNING move is a
// conditional store update, so concurrent callers execute a run at most once.
func (s *Service) Execute(ctx context.Context, runID string) (plan.Run, error) {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return plan.Run{}, err
	}
	if run.Status != plan.StatusPending {
		return run, fmt.Errorf("%w: status is %s", ErrNotExecutable, run.Status)
	}

	run.Status = plan.StatusRunning
	run.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, run.RunID, plan.StatusPending, plan.StatusRunning, run.UpdatedAt); err != nil {
		if errors.Is(err, runstore.ErrStatusChanged) {
			s.logger.WarnContext(ctx, "run claimed by another executor", slog.String("run_id", run.RunID))
			return plan.Run{}, fmt.Errorf("%w: run was started concurrently", ErrNotExecutable)
		}
		return plan.Run{}, fmt.Errorf("mark run running: %w", err)
	}

	ctx = observability.ContextWithRunID(ctx, run.RunID)
	started := time.Now()
	outcome := s.runner.Run(ctx, &run.Plan)

	run.Status = outcome.Status
	run.Message = outcome.Message
	run.Artifacts = outcome.Artifacts
	run.Steps = outcome.Steps
	run.UpdatedAt = s.now()
	// The request context may be gone by now; the final state is still recorded.
	if err := s.store.Save(context.WithoutCancel(ctx), run); err != nil {
		return plan.Run{}, fmt.Errorf("save run outcome: %w", err)
	}
	observability.ObserveRunFinished(string(run.Status), time.Since(started))
	s.logger.InfoContext(ctx, "run finished",
		slog.String("run_id", run.RunID),
		slog.String("status", string(run.Status)),
		slog.Int("artifacts", len(run.Artifacts)),
		slog.String("duration", time.Since(started).String()),
	)
	return run, nil
}

// CreateAndExecute is the one-shot path used by the CLI.
func (s *Service) CreateAndExecute(ctx context.Context, request CreateRequest) (plan.Run, error) {
	run, err := s.Create(ctx, request)
	if err != nil {
		return plan.Run{}, err
	}
	return s.Execute(ctx, run.RunID)
}

func (s *Service) Get(ctx context.Context, runID string) (plan.Run, error) {
	return s.store.Get(ctx, runID)
}

func (s *Service) List(ctx context.Context, limit int) ([]plan.Run, error) {
	return s.store.List(ctx, limit)
}

// IsNotFound reports whether err means the run does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, runstore.ErrNotFound)
}
