package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusRunning           Status = "RUNNING"
	StatusDone              Status = "DONE"
	StatusNeedsConfirmation Status = "NEEDS_CONFIRMATION"
	StatusFailed            Status = "FAILED"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepRecord is what a run remembers about one executed step.
type StepRecord struct {
	StepID     string     `json:"step_id"`
	Tool       string     `json:"tool"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Executions int        `json:"executions"`
	Repairs    int        `json:"repairs"`
	Message    string     `json:"message,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

type RunOutcome struct {
	Status    Status       `json:"status"`
	Message   string       `json:"message"`
	Artifacts []Artifact   `json:"artifacts"`
	Steps     []StepRecord `json:"steps"`
}

// Run is the persisted run metadata.
type Run struct {
	RunID     string       `json:"run_id"`
	Task      string       `json:"task,omitempty"`
	Status    Status       `json:"status"`
	Message   string       `json:"message,omitempty"`
	Plan      Plan         `json:"plan"`
	Artifacts []Artifact   `json:"artifacts"`
	Steps     []StepRecord `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewRunID returns an identifier of the form run_YYYYMMDD_HHMMSS_xxxx.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("run_%s_%s", now.Format("20060102_150405"), suffix)
}
