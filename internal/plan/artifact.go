package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ArtifactDataset = "dataset"
	ArtifactExplain = "explain"
	ArtifactSchema  = "schema"
)

// Preview is the bounded, JSON-serializable head of a dataset.
type Preview struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

type Artifact struct {
	ArtifactID  string         `json:"artifact_id"`
	Type        string         `json:"type"`
	Path        string         `json:"path"`
	MimeType    string         `json:"mime_type"`
	Description string         `json:"description,omitempty"`
	Preview     *Preview       `json:"preview,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func NewArtifactID() string {
	return "artifact_" + uuid.NewString()
}

type StepResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
}

func Failure(format string, args ...any) StepResult {
	return StepResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// LastDataset returns the most recent dataset artifact.
func LastDataset(artifacts []Artifact) (Artifact, bool) {
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Type == ArtifactDataset {
			return artifacts[i], true
		}
	}
	return Artifact{}, false
}
