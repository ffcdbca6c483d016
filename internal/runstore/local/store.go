// Package local stores run metadata as <dir>/<run_id>/meta.json.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runstore"
)

const metaFile = "meta.json"

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("runs dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Create(_ context.Context, run plan.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.metaPath(run.RunID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return runstore.ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return writeJSON(path, run)
}

func (s *Store) Save(_ context.Context, run plan.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.metaPath(run.RunID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return runstore.ErrNotFound
	}
	return writeJSON(path, run)
}

func (s *Store) Transition(_ context.Context, runID string, from, to plan.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.metaPath(runID)
	if err != nil {
		return err
	}
	run, err := readJSON(path)
	if err != nil {
		return err
	}
	if run.Status != from {
		return runstore.ErrStatusChanged
	}
	run.Status = to
	run.UpdatedAt = at
	return writeJSON(path, run)
}

func (s *Store) Get(_ context.Context, runID string) (plan.Run, error) {
	path, err := s.metaPath(runID)
	if err != nil {
		return plan.Run{}, err
	}
	return readJSON(path)
}

func (s *Store) List(_ context.Context, limit int) ([]plan.Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	runs := make([]plan.Run, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !runIDPattern.MatchString(entry.Name()) {
			continue
		}
		run, err := readJSON(filepath.Join(s.dir, entry.Name(), metaFile))
		if errors.Is(err, runstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runstore.SortAndLimit(runs, limit), nil
}

// RunDir is where a run keeps its metadata.
func (s *Store) RunDir(runID string) (string, error) {
	path, err := s.metaPath(runID)
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

func (s *Store) metaPath(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("invalid run id: %q", runID)
	}
	return filepath.Join(s.dir, runID, metaFile), nil
}

func readJSON(path string) (plan.Run, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return plan.Run{}, runstore.ErrNotFound
	}
	if err != nil {
		return plan.Run{}, fmt.Errorf("read run metadata: %w", err)
	}
	var run plan.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return plan.Run{}, fmt.Errorf("decode run metadata %s: %w", path, err)
	}
	return run, nil
}

// writeJSON replaces the file atomically so readers never see a partial
// document.
func writeJSON(path string, run plan.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*.json")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write run metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close run metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace run metadata: %w", err)
	}
	return nil
}
