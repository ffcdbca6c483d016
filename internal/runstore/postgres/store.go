// Package postgres keeps run metadata in PostgreSQL. Plans and step records
// are JSONB documents on the run row; artifacts get their own table so they
// can be listed per run in creation order.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runstore"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping runs db: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, run plan.Run) error {
	planJSON, stepsJSON, err := encodeRun(run)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
INSERT INTO run (run_id, task, status, message, plan, steps, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
ON CONFLICT (run_id) DO NOTHING`
	result, err := tx.ExecContext(ctx, query, run.RunID, run.Task, string(run.Status), run.Message, planJSON, stepsJSON, createdAt(run), updatedAt(run))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create run rows affected: %w", err)
	}
	if affected == 0 {
		return runstore.ErrAlreadyExists
	}
	if err := insertArtifacts(ctx, tx, run.RunID, run.Artifacts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, run plan.Run) error {
	planJSON, stepsJSON, err := encodeRun(run)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
UPDATE run
SET task = $2, status = $3, message = $4, plan = $5::jsonb, steps = $6::jsonb, updated_at = $7
WHERE run_id = $1`
	result, err := tx.ExecContext(ctx, query, run.RunID, run.Task, string(run.Status), run.Message, planJSON, stepsJSON, updatedAt(run))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save run rows affected: %w", err)
	}
	if affected == 0 {
		return runstore.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_artifact WHERE run_id = $1`, run.RunID); err != nil {
		return fmt.Errorf("clear run artifacts: %w", err)
	}
	if err := insertArtifacts(ctx, tx, run.RunID, run.Artifacts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save run: %w", err)
	}
	return nil
}

// Transition is a compare-and-set on the status column, so only one replica
// can move a run out of a given status.
func (s *Store) Transition(ctx context.Context, runID string, from, to plan.Status, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE run
SET status = $3, updated_at = $4
WHERE run_id = $1 AND status = $2`, runID, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition run rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM run WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if !exists {
		return runstore.ErrNotFound
	}
	return runstore.ErrStatusChanged
}

func (s *Store) Get(ctx context.Context, runID string) (plan.Run, error) {
	query := `
SELECT run_id, task, status, message, plan, steps, created_at, updated_at
FROM run
WHERE run_id = $1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return plan.Run{}, runstore.ErrNotFound
		}
		return plan.Run{}, fmt.Errorf("get run: %w", err)
	}
	artifacts, err := s.listArtifacts(ctx, runID)
	if err != nil {
		return plan.Run{}, err
	}
	run.Artifacts = artifacts
	return run, nil
}

// List returns the newest runs without their artifacts.
func (s *Store) List(ctx context.Context, limit int) ([]plan.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, task, status, message, plan, steps, created_at, updated_at
FROM run
ORDER BY created_at DESC, run_id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]plan.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func (s *Store) listArtifacts(ctx context.Context, runID string) ([]plan.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT artifact_id, artifact_type, path, mime_type, description, preview, details, created_at
FROM run_artifact
WHERE run_id = $1
ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	artifacts := make([]plan.Artifact, 0)
	for rows.Next() {
		var (
			artifact    plan.Artifact
			previewJSON []byte
			detailsJSON []byte
		)
		if err := rows.Scan(&artifact.ArtifactID, &artifact.Type, &artifact.Path, &artifact.MimeType, &artifact.Description, &previewJSON, &detailsJSON, &artifact.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run artifact: %w", err)
		}
		if len(previewJSON) > 0 && string(previewJSON) != "null" {
			var preview plan.Preview
			if err := json.Unmarshal(previewJSON, &preview); err != nil {
				return nil, fmt.Errorf("decode artifact preview: %w", err)
			}
			artifact.Preview = &preview
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &artifact.Details); err != nil {
				return nil, fmt.Errorf("decode artifact details: %w", err)
			}
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run artifacts: %w", err)
	}
	return artifacts, nil
}

func insertArtifacts(ctx context.Context, tx *sql.Tx, runID string, artifacts []plan.Artifact) error {
	query := `
INSERT INTO run_artifact (run_id, position, artifact_id, artifact_type, path, mime_type, description, preview, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10)`
	for position, artifact := range artifacts {
		previewJSON, err := json.Marshal(artifact.Preview)
		if err != nil {
			return fmt.Errorf("encode artifact preview: %w", err)
		}
		detailsJSON, err := json.Marshal(artifact.Details)
		if err != nil {
			return fmt.Errorf("encode artifact details: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			runID,
			position,
			artifact.ArtifactID,
			artifact.Type,
			artifact.Path,
			artifact.MimeType,
			artifact.Description,
			string(previewJSON),
			string(detailsJSON),
			artifact.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert run artifact %s: %w", artifact.ArtifactID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (plan.Run, error) {
	var (
		run       plan.Run
		status    string
		planJSON  []byte
		stepsJSON []byte
	)
	if err := row.Scan(&run.RunID, &run.Task, &status, &run.Message, &planJSON, &stepsJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return plan.Run{}, err
	}
	run.Status = plan.Status(status)
	if err := json.Unmarshal(planJSON, &run.Plan); err != nil {
		return plan.Run{}, fmt.Errorf("decode run plan: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &run.Steps); err != nil {
		return plan.Run{}, fmt.Errorf("decode run steps: %w", err)
	}
	run.Artifacts = []plan.Artifact{}
	return run, nil
}

func encodeRun(run plan.Run) (string, string, error) {
	if run.RunID == "" {
		return "", "", fmt.Errorf("run id is required")
	}
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return "", "", fmt.Errorf("encode run plan: %w", err)
	}
	steps := run.Steps
	if steps == nil {
		steps = []plan.StepRecord{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", "", fmt.Errorf("encode run steps: %w", err)
	}
	return string(planJSON), string(stepsJSON), nil
}

func createdAt(run plan.Run) time.Time {
	if run.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return run.CreatedAt
}

func updatedAt(run plan.Run) time.Time {
	if run.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return run.UpdatedAt
}
