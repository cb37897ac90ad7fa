package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/askmesh/internal/observability"
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

// Middleware resolves the API key to an Identity. A key is bound to one
// tenant: an X-Tenant-ID header naming another tenant is refused, so a
// caller can never select a tenant its key does not belong to.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				observability.IncrementAuthFailure("missing_key")
				writeAuthError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
				return
			}

			identity, ok := validator.Validate(ctx, apiKey)
			if !ok {
				observability.IncrementAuthFailure("invalid_key")
				logger.WarnContext(ctx, "auth_failed",
					slog.String("reason", "invalid_key"),
					slog.String("path", r.URL.Path),
				)
				writeAuthError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			if requested := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); requested != "" && requested != identity.TenantID {
				observability.IncrementAuthFailure("tenant_mismatch")
				logger.WarnContext(ctx, "auth_failed",
					slog.String("reason", "tenant_mismatch"),
					slog.String("tenant_id", identity.TenantID),
					slog.String("requested_tenant_id", requested),
					slog.String("path", r.URL.Path),
				)
				writeAuthError(w, r, http.StatusForbidden, "TENANT_MISMATCH", "API key is not valid for the requested tenant")
				return
			}

			ctx = observability.ContextWithTenantID(WithIdentity(ctx, identity), identity.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authorization, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
