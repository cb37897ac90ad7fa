package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/duckmesh/askmesh/internal/auth"
)

const maxRequestBytes = 1 << 20

func tenantFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID, nil
		}
	}
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		return "", fmt.Errorf("tenant context is required")
	}
	return tenantID, nil
}

// requireAnyRole passes unauthenticated requests; the auth middleware
// decides whether those reach a handler at all.
func requireAnyRole(r *http.Request, roles ...string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasAnyRole(roles...) {
		return nil
	}
	return fmt.Errorf("missing required role, expected one of %q", strings.Join(roles, ","))
}

// authorize resolves the tenant and checks roles, writing the error
// response itself. It reports whether the handler may continue.
func authorize(w http.ResponseWriter, r *http.Request, roles ...string) (string, bool) {
	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return "", false
	}
	if err := requireAnyRole(r, roles...); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", false
	}
	return tenantID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, what string) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid "+what+" request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}
