// Package plan holds the execution plan model shared by the executor, the
// tools, the run store and the API.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidPlan = errors.New("plan: invalid")

const (
	OnErrorAskUser  = "ask_user"
	OnErrorStop     = "stop"
	OnErrorContinue = "continue"
)

type RetryPolicy struct {
	MaxRetries     int     `json:"max_retries" yaml:"max_retries"`
	BackoffSeconds float64 `json:"backoff_s" yaml:"backoff_s"`
}

// Backoff returns the configured delay, or fallback when the policy leaves it
// unset.
func (p RetryPolicy) Backoff(fallback time.Duration) time.Duration {
	if p.BackoffSeconds <= 0 {
		return fallback
	}
	return time.Duration(p.BackoffSeconds * float64(time.Second))
}

// Step is one tool invocation. StepID, Name and Tool never change once the
// plan is created; Inputs is replaced only after a repaired step succeeds.
type Step struct {
	StepID      string         `json:"step_id" yaml:"step_id"`
	Name        string         `json:"name" yaml:"name"`
	Tool        string         `json:"tool" yaml:"tool"`
	Inputs      map[string]any `json:"inputs" yaml:"inputs"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Outputs     []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	OnError     string         `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

type Cost struct {
	DBQueries    int `json:"db_queries" yaml:"db_queries"`
	ExpectedRows int `json:"expected_rows" yaml:"expected_rows"`
	RuntimeS     int `json:"runtime_s" yaml:"runtime_s"`
	MemoryMB     int `json:"memory_mb" yaml:"memory_mb"`
}

// Plan is an ordered list of steps. DBSchema is the declared data scope used to
// qualify table references.
type Plan struct {
	PlanID         string   `json:"plan_id" yaml:"plan_id"`
	RunID          string   `json:"run_id" yaml:"run_id"`
	Version        int      `json:"version" yaml:"version"`
	Steps          []Step   `json:"steps" yaml:"steps"`
	EstimatedCost  Cost     `json:"estimated_cost" yaml:"estimated_cost"`
	Risks          []string `json:"risks,omitempty" yaml:"risks,omitempty"`
	DBSchema       string   `json:"db_schema,omitempty" yaml:"db_schema,omitempty"`
	RelevantTables []string `json:"relevant_tables,omitempty" yaml:"relevant_tables,omitempty"`
}

// Normalize fills defaults and checks structural validity. Steps run in list
// order, so a step may only depend on steps listed before it; this also rules
// out cycles.
func (p *Plan) Normalize() error {
	if p == nil {
		return fmt.Errorf("%w: plan is required", ErrInvalidPlan)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidPlan)
	}
	if p.PlanID == "" {
		p.PlanID = "plan_" + uuid.NewString()
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	position := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		step.Tool = strings.TrimSpace(step.Tool)
		if step.Tool == "" {
			return fmt.Errorf("%w: step %d has no tool", ErrInvalidPlan, i)
		}
		if step.StepID == "" {
			step.StepID = fmt.Sprintf("step_%d", i+1)
		}
		if _, dup := position[step.StepID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, step.StepID)
		}
		position[step.StepID] = i
		if step.Name == "" {
			step.Name = step.StepID
		}
		if step.Inputs == nil {
			step.Inputs = map[string]any{}
		}
		if step.OnError == "" {
			step.OnError = OnErrorAskUser
		}
	}
	for i, step := range p.Steps {
		for _, dep := range step.DependsOn {
			at, ok := position[dep]
			switch {
			case !ok:
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, step.StepID, dep)
			case at >= i:
				return fmt.Errorf("%w: step %q depends on %q, which does not run before it", ErrInvalidPlan, step.StepID, dep)
			}
		}
	}
	return nil
}
