package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/autoplan/autoplan/internal/observability"
)

type contextKey string

const identityKey contextKey = "auth_identity"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// RoutePolicy maps a ServeMux pattern ("POST /v1/runs") to the role a caller
// needs for it. A nil policy only authenticates.
type RoutePolicy map[string]string

// RoleFor reports the role required by the pattern of a routed request.
// Unknown patterns are denied.
func (p RoutePolicy) RoleFor(r *http.Request) (string, bool) {
	role, ok := p[r.Pattern]
	return role, ok
}

// Middleware authenticates the API key and enforces policy. It must sit behind
// a ServeMux so r.Pattern and path values are populated.
func Middleware(logger *slog.Logger, validator APIKeyValidator, policy RoutePolicy) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				observability.IncrementAuthDenial(r.Pattern, "unauthenticated")
				writeDenied(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
				return
			}
			identity, ok := validator.Validate(r.Context(), apiKey)
			if !ok {
				observability.IncrementAuthDenial(r.Pattern, "unauthenticated")
				logger.WarnContext(r.Context(), "authentication failed", requestAttrs(r)...)
				writeDenied(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			attrs := append(requestAttrs(r), slog.String("principal", identity.Principal))
			if policy != nil {
				role, known := policy.RoleFor(r)
				if !known {
					observability.IncrementAuthDenial(r.Pattern, "unknown_route")
					logger.WarnContext(r.Context(), "route has no access policy", attrs...)
					writeDenied(w, r, http.StatusForbidden, "FORBIDDEN", "route is not available to API keys")
					return
				}
				if !identity.HasRole(role) {
					observability.IncrementAuthDenial(r.Pattern, role)
					logger.WarnContext(r.Context(), "missing role", append(attrs, slog.String("role", role))...)
					writeDenied(w, r, http.StatusForbidden, "FORBIDDEN", "missing required role \""+role+"\"")
					return
				}
			}
			logger.InfoContext(r.Context(), "request authorized", attrs...)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func requestAttrs(r *http.Request) []any {
	attrs := []any{
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("route", r.Pattern),
	}
	if runID := r.PathValue("run_id"); runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	return attrs
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(authorization, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeDenied(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
