package autoplanctl

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runs"
)

// planFile is the on-disk plan format: the plan fields at the top level plus
// an optional task description.
type planFile struct {
	Task      string `yaml:"task"`
	plan.Plan `yaml:",inline"`
}

// ParsePlanFile decodes a YAML (or JSON, which is valid YAML) plan document.
// Unknown keys are rejected so typos in step fields surface early.
func ParsePlanFile(raw []byte) (runs.CreateRequest, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var file planFile
	if err := decoder.Decode(&file); err != nil {
		return runs.CreateRequest{}, fmt.Errorf("decode plan file: %w", err)
	}
	if len(file.Steps) == 0 {
		return runs.CreateRequest{}, fmt.Errorf("plan file has no steps")
	}
	return runs.CreateRequest{Task: file.Task, Plan: file.Plan}, nil
}
