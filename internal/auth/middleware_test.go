package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:analyst:runs_writer|runs_reader, k2:ops:sql_reader")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "k1")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	if identity.Principal != "analyst" {
		t.Fatalf("Principal = %q", identity.Principal)
	}
	if !identity.HasRole(RoleRunsWriter) || identity.HasRole(RoleSQLReader) {
		t.Fatalf("roles = %v", identity.Roles)
	}
	if _, ok := validator.Validate(context.Background(), "k3"); ok {
		t.Fatal("unknown key accepted")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{"invalid", "k1::runs_reader", "k1:analyst:|"} {
		if _, err := NewStaticAPIKeyValidator(spec); err == nil {
			t.Fatalf("expected parse error for %q", spec)
		}
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:analyst:runs_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	bad := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, bad)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d", rr.Code)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:analyst:runs_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.Principal != "analyst" {
			t.Fatalf("Principal = %q", identity.Principal)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}

func policyMux(mw func(http.Handler) http.Handler) *http.ServeMux {
	ok := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux := http.NewServeMux()
	mux.Handle("GET /v1/runs/{run_id}", ok)
	mux.Handle("POST /v1/runs/{run_id}/execute", ok)
	mux.Handle("GET /v1/unlisted", ok)
	return mux
}

func TestMiddlewareEnforcesRoutePolicy(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:analyst:runs_reader,k2:ops:runs_writer")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	policy := RoutePolicy{
		"GET /v1/runs/{run_id}":          RoleRunsReader,
		"POST /v1/runs/{run_id}/execute": RoleRunsWriter,
	}
	mux := policyMux(Middleware(nil, validator, policy))

	tests := []struct {
		name   string
		method string
		target string
		key    string
		want   int
	}{
		{name: "reader reads", method: http.MethodGet, target: "/v1/runs/r1", key: "k1", want: http.StatusNoContent},
		{name: "reader cannot execute", method: http.MethodPost, target: "/v1/runs/r1/execute", key: "k1", want: http.StatusForbidden},
		{name: "writer executes", method: http.MethodPost, target: "/v1/runs/r1/execute", key: "k2", want: http.StatusNoContent},
		{name: "writer cannot read", method: http.MethodGet, target: "/v1/runs/r1", key: "k2", want: http.StatusForbidden},
		{name: "unlisted route", method: http.MethodGet, target: "/v1/unlisted", key: "k1", want: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			req.Header.Set("X-API-Key", tc.key)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
			if tc.want != http.StatusForbidden {
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error_code"] != "FORBIDDEN" {
				t.Fatalf("error_code = %v", body["error_code"])
			}
		})
	}
}

func TestMiddlewareLogsPrincipalWithRunID(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:analyst:runs_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	mux := policyMux(Middleware(logger, validator, RoutePolicy{
		"GET /v1/runs/{run_id}":          RoleRunsReader,
		"POST /v1/runs/{run_id}/execute": RoleRunsWriter,
	}))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/runs/run-42", nil),
		httptest.NewRequest(http.MethodPost, "/v1/runs/run-43/execute", nil),
	} {
		req.Header.Set("X-API-Key", "k1")
		mux.ServeHTTP(httptest.NewRecorder(), req)
	}

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %s", len(lines), logs.String())
	}
	want := []struct {
		msg   string
		runID string
	}{
		{msg: "request authorized", runID: "run-42"},
		{msg: "missing role", runID: "run-43"},
	}
	for i, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["msg"] != want[i].msg || entry["principal"] != "analyst" || entry["run_id"] != want[i].runID {
			t.Fatalf("log entry %d = %v", i, entry)
		}
	}
}
