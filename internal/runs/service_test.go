package runs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runstore"
)

type fakeRunner struct {
	calls   int
	outcome plan.RunOutcome
	seen    plan.Plan
}

func (f *fakeRunner) Run(_ context.Context, p *plan.Plan) plan.RunOutcome {
	f.calls++
	f.seen = *p
	return f.outcome
}

func samplePlan() plan.Plan {
	return plan.Plan{Steps: []plan.Step{{Tool: "query", Inputs: map[string]any{"sql": "SELECT 1"}}}}
}

func TestCreateStoresPendingRun(t *testing.T) {
	store := runstore.NewMemory()
	service := NewService(store, &fakeRunner{}, nil)

	run, err := service.Create(context.Background(), CreateRequest{Task: "  revenue  ", Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(run.RunID, "run_") || run.Plan.RunID != run.RunID {
		t.Fatalf("run ids = %q / %q", run.RunID, run.Plan.RunID)
	}
	if run.Status != plan.StatusPending || run.Task != "revenue" {
		t.Fatalf("run = %+v", run)
	}
	if run.Plan.Steps[0].StepID != "step_1" {
		t.Fatalf("plan not normalized: %+v", run.Plan.Steps[0])
	}
	stored, err := store.Get(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != plan.StatusPending {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestCreateRejectsInvalidPlan(t *testing.T) {
	service := NewService(runstore.NewMemory(), &fakeRunner{}, nil)
	_, err := service.Create(context.Background(), CreateRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestExecutePersistsOutcome(t *testing.T) {
	store := runstore.NewMemory()
	runner := &fakeRunner{outcome: plan.RunOutcome{
		Status:    plan.StatusNeedsConfirmation,
		Message:   "MySQL query failed: boom",
		Artifacts: []plan.Artifact{},
		Steps:     []plan.StepRecord{{StepID: "step_1", Tool: "query", Status: plan.StepFailed, Executions: 3, Repairs: 2}},
	}}
	service := NewService(store, runner, nil)

	created, err := service.Create(context.Background(), CreateRequest{Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	run, err := service.Execute(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if runner.calls != 1 || runner.seen.RunID != created.RunID {
		t.Fatalf("runner calls = %d, plan run id = %q", runner.calls, runner.seen.RunID)
	}
	if run.Status != plan.StatusNeedsConfirmation || len(run.Steps) != 1 {
		t.Fatalf("run = %+v", run)
	}
	stored, _ := store.Get(context.Background(), created.RunID)
	if stored.Status != plan.StatusNeedsConfirmation || stored.Message != "MySQL query failed: boom" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestExecuteRejectsFinishedRun(t *testing.T) {
	store := runstore.NewMemory()
	runner := &fakeRunner{outcome: plan.RunOutcome{Status: plan.StatusDone}}
	service := NewService(store, runner, nil)

	created, err := service.CreateAndExecute(context.Background(), CreateRequest{Plan: samplePlan()})
	if err != nil {
		t.Fatalf("CreateAndExecute() error = %v", err)
	}
	if _, err := service.Execute(context.Background(), created.RunID); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("second Execute() error = %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d", runner.calls)
	}
}

func TestExecuteMissingRun(t *testing.T) {
	service := NewService(runstore.NewMemory(), &fakeRunner{}, nil)
	_, err := service.Execute(context.Background(), "run_20260101_000000_abcd")
	if !IsNotFound(err) {
		t.Fatalf("Execute() error = %v", err)
	}
}

// staleStore serves a PENDING snapshot of a run another executor already
// claimed, the way a second API replica reading before the first one's
// update would.
type staleStore struct {
	*runstore.Memory
}

func (s staleStore) Get(ctx context.Context, runID string) (plan.Run, error) {
	run, err := s.Memory.Get(ctx, runID)
	run.Status = plan.StatusPending
	return run, err
}

func TestExecuteLosesClaimToConcurrentExecutor(t *testing.T) {
	memory := runstore.NewMemory()
	runner := &fakeRunner{outcome: plan.RunOutcome{Status: plan.StatusDone}}
	service := NewService(staleStore{memory}, runner, nil)

	created, err := service.Create(context.Background(), CreateRequest{Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := memory.Transition(context.Background(), created.RunID, plan.StatusPending, plan.StatusRunning, created.CreatedAt); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	if _, err := service.Execute(context.Background(), created.RunID); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("Execute() error = %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("runner calls = %d", runner.calls)
	}
	stored, _ := memory.Get(context.Background(), created.RunID)
	if stored.Status != plan.StatusRunning {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

type countingRunner struct {
	calls atomic.Int32
}

func (c *countingRunner) Run(context.Context, *plan.Plan) plan.RunOutcome {
	c.calls.Add(1)
	return plan.RunOutcome{Status: plan.StatusDone}
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	runner := &countingRunner{}
	service := NewService(runstore.NewMemory(), runner, nil)
	created, err := service.Create(context.Background(), CreateRequest{Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Execute(context.Background(), created.RunID); err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, ErrNotExecutable) {
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if runner.calls.Load() != 1 || succeeded.Load() != 1 {
		t.Fatalf("runner calls = %d, successful executes = %d", runner.calls.Load(), succeeded.Load())
	}
}
