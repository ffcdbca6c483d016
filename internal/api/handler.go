// Package api exposes runs, SQL validation and warehouse metadata over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoplan/autoplan/internal/auth"
	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/query"
	"github.com/autoplan/autoplan/internal/runs"
)

type ReadinessCheck func(ctx context.Context) error

// RunService is the run lifecycle used by the handlers. Satisfied by
// *runs.Service.
type RunService interface {
	Create(ctx context.Context, request runs.CreateRequest) (plan.Run, error)
	Execute(ctx context.Context, runID string) (plan.Run, error)
	Get(ctx context.Context, runID string) (plan.Run, error)
	List(ctx context.Context, limit int) ([]plan.Run, error)
}

// RouteRoles is the role each protected route requires. Routes missing from
// this table are refused by the auth middleware.
var RouteRoles = auth.RoutePolicy{
	"POST /v1/runs":                  auth.RoleRunsWriter,
	"GET /v1/runs":                   auth.RoleRunsReader,
	"GET /v1/runs/{run_id}":          auth.RoleRunsReader,
	"POST /v1/runs/{run_id}/execute": auth.RoleRunsWriter,
	"POST /v1/sql/validate":          auth.RoleSQLReader,
	"GET /v1/tables":                 auth.RoleSQLReader,
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Runs             RunService
	Catalog          query.Catalog
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			handleCreateRun(deps, w, r)
		},
		"GET /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			handleListRuns(deps, w, r)
		},
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetRun(deps, w, r)
		},
		"POST /v1/runs/{run_id}/execute": func(w http.ResponseWriter, r *http.Request) {
			handleExecuteRun(deps, w, r)
		},
		"POST /v1/sql/validate": func(w http.ResponseWriter, r *http.Request) {
			handleValidateSQL(cfg.Query, w, r)
		},
		"GET /v1/tables": func(w http.ResponseWriter, r *http.Request) {
			handleListTables(deps, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckObjectStoreConfig fails readiness when the s3 backend is selected
// without an endpoint or bucket.
func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Backend != config.BackendS3 {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
