// Package runstore persists run metadata: status, plan, step records and
// artifacts.
package runstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/autoplan/autoplan/internal/plan"
)

var (
	ErrNotFound      = errors.New("runstore: not found")
	ErrAlreadyExists = errors.New("runstore: already exists")
	ErrStatusChanged = errors.New("runstore: status changed")
)

type Store interface {
	Create(ctx context.Context, run plan.Run) error
	Save(ctx context.Context, run plan.Run) error
	// Transition moves a run from one status to another only if it is still in
	// the from status. ErrStatusChanged means another caller got there first.
	Transition(ctx context.Context, runID string, from, to plan.Status, at time.Time) error
	Get(ctx context.Context, runID string) (plan.Run, error)
	List(ctx context.Context, limit int) ([]plan.Run, error)
}

// Memory keeps runs in process. Used by the test profile and in tests.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]plan.Run
}

func NewMemory() *Memory {
	return &Memory{runs: map[string]plan.Run{}}
}

func (m *Memory) Create(_ context.Context, run plan.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return ErrAlreadyExists
	}
	m.runs[run.RunID] = clone(run)
	return nil
}

func (m *Memory) Save(_ context.Context, run plan.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; !exists {
		return ErrNotFound
	}
	m.runs[run.RunID] = clone(run)
	return nil
}

func (m *Memory) Transition(_ context.Context, runID string, from, to plan.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, exists := m.runs[runID]
	if !exists {
		return ErrNotFound
	}
	if run.Status != from {
		return ErrStatusChanged
	}
	run.Status = to
	run.UpdatedAt = at
	m.runs[runID] = run
	return nil
}

func (m *Memory) Get(_ context.Context, runID string) (plan.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return plan.Run{}, ErrNotFound
	}
	return clone(run), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]plan.Run, error) {
	m.mu.RLock()
	runs := make([]plan.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, clone(run))
	}
	m.mu.RUnlock()
	return SortAndLimit(runs, limit), nil
}

// SortAndLimit orders runs newest first and truncates to limit when positive.
func SortAndLimit(runs []plan.Run, limit int) []plan.Run {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// clone detaches the slices a caller might keep mutating. Step inputs are
// shared; the executor replaces them rather than editing in place.
func clone(run plan.Run) plan.Run {
	run.Artifacts = append([]plan.Artifact(nil), run.Artifacts...)
	run.Steps = append([]plan.StepRecord(nil), run.Steps...)
	run.Plan.Steps = append([]plan.Step(nil), run.Plan.Steps...)
	return run
}
