package api

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/duckmesh/askmesh/internal/auth"
	"github.com/duckmesh/askmesh/internal/observability"
)

const (
	defaultCorrectionsLimit = 20
	maxQuestionChars        = 4000
)

type askRequest struct {
	Question string `json:"question"`
}

func handleAsk(deps Dependencies, slots *semaphore.Weighted, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "pipeline dependency is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleAsker)
	if !ok {
		return
	}

	var request askRequest
	if !decodeJSON(w, r, &request, "ask") {
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	if len(question) > maxQuestionChars {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_TOO_LONG", "question is too long", false, map[string]any{"max_chars": maxQuestionChars})
		return
	}

	if !slots.TryAcquire(1) {
		observability.IncrementAskRejected()
		writeError(r.Context(), w, http.StatusServiceUnavailable, "BUSY", "too many questions in flight, retry shortly", true, nil)
		return
	}
	defer slots.Release(1)

	writeJSON(w, http.StatusOK, deps.Pipeline.Run(r.Context(), tenantID, question))
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "pipeline dependency is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleAsker, auth.RoleOperator)
	if !ok {
		return
	}
	info, err := deps.Pipeline.Schema(r.Context(), tenantID)
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE", "failed to describe tenant tables", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func handleCorrections(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Corrections == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CORRECTIONS_NOT_CONFIGURED", "correction memory is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleAsker, auth.RoleOperator)
	if !ok {
		return
	}

	limit := defaultCorrectionsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}
	if capacity := deps.Corrections.Capacity(); limit > capacity {
		limit = capacity
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  deps.Corrections.Recent(tenantID, limit),
		"total":    deps.Corrections.Count(tenantID),
		"capacity": deps.Corrections.Capacity(),
	})
}
