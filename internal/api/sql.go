package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/guard"
)

type validateSQLRequest struct {
	SQL      string `json:"sql"`
	MaxRows  int    `json:"max_rows"`
	Schema   string `json:"schema"`
	TimeoutS int    `json:"timeout_s"`
}

type validateSQLResponse struct {
	Valid  bool     `json:"valid"`
	SQL    string   `json:"sql"`
	Limit  int      `json:"limit"`
	Tables []string `json:"tables"`
}

// handleValidateSQL runs the guard without touching the warehouse, so callers
// can check a statement before putting it in a plan.
func handleValidateSQL(cfg config.QueryConfig, w http.ResponseWriter, r *http.Request) {
	var request validateSQLRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid validate request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	maxRows := cfg.MaxRows
	if request.MaxRows > 0 && request.MaxRows < maxRows {
		maxRows = request.MaxRows
	}
	timeout := cfg.Timeout
	if request.TimeoutS > 0 {
		timeout = time.Duration(request.TimeoutS) * time.Second
	}
	prepared, err := guard.Validate(request.SQL, guard.Policy{MaxRows: maxRows, Schema: request.Schema, Timeout: timeout})
	if err != nil {
		var validationErr *guard.ValidationError
		if errors.As(err, &validationErr) {
			writeError(r.Context(), w, http.StatusUnprocessableEntity, "SQL_REJECTED", validationErr.Reason, false, map[string]any{"details": err.Error()})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_INVALID", err.Error(), false, nil)
		return
	}
	tables := guard.ReferencedTables(request.SQL)
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, validateSQLResponse{Valid: true, SQL: prepared.SQL, Limit: prepared.Limit, Tables: tables})
}

func handleListTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "warehouse catalog is not configured", false, nil)
		return
	}
	if names := splitTables(r.URL.Query().Get("describe")); len(names) > 0 {
		schemas, err := deps.Catalog.DescribeTables(r.Context(), names)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadGateway, "WAREHOUSE_ERROR", "failed to describe tables", true, map[string]any{"details": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tables": schemas})
		return
	}
	tables, err := deps.Catalog.ListTables(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "WAREHOUSE_ERROR", "failed to list tables", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func splitTables(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
