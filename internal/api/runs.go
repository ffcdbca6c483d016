package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runs"
)

type createRunRequest struct {
	Task    string    `json:"task"`
	Plan    plan.Plan `json:"plan"`
	Execute bool      `json:"execute"`
}

type listRunsResponse struct {
	Runs []runSummary `json:"runs"`
}

type runSummary struct {
	RunID     string      `json:"run_id"`
	Task      string      `json:"task,omitempty"`
	Status    plan.Status `json:"status"`
	Message   string      `json:"message,omitempty"`
	Steps     int         `json:"steps"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

func handleCreateRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !runsConfigured(deps, w, r) {
		return
	}

	var request createRunRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid run request body", false, map[string]any{"details": err.Error()})
		return
	}

	run, err := deps.Runs.Create(r.Context(), runs.CreateRequest{Task: request.Task, Plan: request.Plan})
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	if request.Execute {
		run, err = deps.Runs.Execute(r.Context(), run.RunID)
		if err != nil {
			writeRunError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, run)
}

func handleExecuteRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !runsConfigured(deps, w, r) {
		return
	}
	run, err := deps.Runs.Execute(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func handleGetRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !runsConfigured(deps, w, r) {
		return
	}
	run, err := deps.Runs.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func handleListRuns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !runsConfigured(deps, w, r) {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, nil)
			return
		}
		limit = parsed
	}
	items, err := deps.Runs.List(r.Context(), limit)
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	response := listRunsResponse{Runs: make([]runSummary, 0, len(items))}
	for _, run := range items {
		response.Runs = append(response.Runs, runSummary{
			RunID:     run.RunID,
			Task:      run.Task,
			Status:    run.Status,
			Message:   run.Message,
			Steps:     len(run.Plan.Steps),
			CreatedAt: run.CreatedAt.Format(time.RFC3339),
			UpdatedAt: run.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func runsConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Runs == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "RUNS_NOT_CONFIGURED", "run service is not configured", false, nil)
		return false
	}
	return true
}

func writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runs.ErrInvalidRequest):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PLAN", err.Error(), false, nil)
	case runs.IsNotFound(err):
		writeError(r.Context(), w, http.StatusNotFound, "RUN_NOT_FOUND", "run was not found", false, nil)
	case errors.Is(err, runs.ErrNotExecutable):
		writeError(r.Context(), w, http.StatusConflict, "RUN_NOT_EXECUTABLE", err.Error(), false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "RUN_STORE_ERROR", "run operation failed", true, map[string]any{"details": err.Error()})
	}
}
