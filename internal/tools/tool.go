// Package tools holds the closed set of plan step tools and the registry the
// executor resolves them through.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
)

var ErrUnknownTool = errors.New("unknown tool")

// RunContext is what a tool sees of the run it executes in.
type RunContext struct {
	RunID          string
	StepID         string
	DBSchema       string
	RelevantTables []string
	RetryPolicy    *plan.RetryPolicy
	Artifacts      []plan.Artifact
	Logger         *slog.Logger
}

func (rc RunContext) logger() *slog.Logger {
	if rc.Logger == nil {
		return observability.DiscardLogger()
	}
	return rc.Logger
}

// Tool executes one step. A failed StepResult is a business failure the
// executor may repair; a returned error is an invalid input or a guard
// rejection, which it treats the same way.
type Tool interface {
	Name() string
	Contract() *Contract
	Run(ctx context.Context, rc RunContext, inputs map[string]any) (plan.StepResult, error)
}

type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds tool under its name and any aliases.
func (r *Registry) Register(tool Tool, aliases ...string) error {
	names := append([]string{tool.Name()}, aliases...)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("tool name is required")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool %q already registered", name)
		}
	}
	for _, name := range names {
		r.tools[strings.TrimSpace(name)] = tool
	}
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	tool, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool, nil
}

// Names lists every registered name, aliases included.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
