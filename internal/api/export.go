package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/duckmesh/askmesh/internal/auth"
	"github.com/duckmesh/askmesh/internal/export"
	"github.com/duckmesh/askmesh/internal/observability"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/sqlguard"
	"github.com/duckmesh/askmesh/internal/storage"
)

const (
	destinationResponse    = "response"
	destinationObjectStore = "object_store"
)

type exportRequest struct {
	SQL         string `json:"sql"`
	Destination string `json:"destination"`
	Format      string `json:"format"`
}

type exportResponse struct {
	ExportID  string `json:"export_id"`
	ObjectKey string `json:"object_key"`
	Format    string `json:"format"`
	Rows      int    `json:"rows"`
	SizeBytes int64  `json:"size_bytes"`
	Truncated bool   `json:"truncated"`
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "pipeline dependency is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleAsker, auth.RoleExporter)
	if !ok {
		return
	}

	var request exportRequest
	if !decodeJSON(w, r, &request, "export") {
		return
	}
	destination := strings.ToLower(strings.TrimSpace(request.Destination))
	if destination == "" {
		destination = destinationResponse
	}
	switch destination {
	case destinationResponse:
	case destinationObjectStore:
		if err := requireAnyRole(r, auth.RoleExporter); err != nil {
			writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
			return
		}
		if deps.ObjectStore == nil {
			writeError(r.Context(), w, http.StatusNotImplemented, "OBJECT_STORE_NOT_CONFIGURED", "object store is not configured", false, nil)
			return
		}
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DESTINATION", "destination must be response or object_store", false, map[string]any{"destination": request.Destination})
		return
	}
	format, err := export.ParseFormat(request.Format)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FORMAT", "format must be csv or parquet", false, map[string]any{"format": request.Format})
		return
	}

	sets, err := deps.Pipeline.Execute(r.Context(), tenantID, request.SQL)
	if err != nil {
		writeExecuteError(r, w, err)
		return
	}
	var set query.ResultSet
	if len(sets) > 0 {
		set = sets[0]
	}
	payload, err := export.Encode(set, format)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to encode "+string(format), false, map[string]any{"details": err.Error()})
		return
	}

	if destination == destinationResponse {
		observability.IncrementExport(destinationResponse)
		contentType := format.ContentType()
		if format == export.FormatCSV {
			contentType += "; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="askmesh-export.`+format.Extension()+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}

	exportID := uuid.NewString()
	key, err := storage.BuildExportPath(tenantID, exportID, deps.Now(), format.Extension())
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TENANT", "tenant id cannot be used in an object key", false, map[string]any{"details": err.Error()})
		return
	}
	info, err := deps.ObjectStore.Put(r.Context(), key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: format.ContentType()})
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "OBJECT_STORE_ERROR", "failed to write export", true, map[string]any{"details": err.Error()})
		return
	}
	observability.IncrementExport(destinationObjectStore)
	writeJSON(w, http.StatusCreated, exportResponse{
		ExportID:  exportID,
		ObjectKey: key,
		Format:    string(format),
		Rows:      len(set.Rows),
		SizeBytes: info.Size,
		Truncated: set.Truncated,
	})
}

// writeExecuteError maps caller-supplied SQL failures onto the error envelope.
func writeExecuteError(r *http.Request, w http.ResponseWriter, err error) {
	var denied *sqlguard.AccessDeniedError
	var syntaxErr *sqlguard.SyntaxError
	var stmtErr *query.StatementError
	switch {
	case errors.Is(err, sqlguard.ErrEmpty):
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
	case errors.As(err, &denied):
		writeError(r.Context(), w, http.StatusForbidden, "ACCESS_DENIED", err.Error(), false, map[string]any{
			"tables":    denied.Tables,
			"functions": denied.Functions,
		})
	case errors.Is(err, sqlguard.ErrNotReadOnly):
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only read-only SELECT/WITH queries are allowed", false, nil)
	case errors.As(err, &syntaxErr):
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_INVALID", err.Error(), false, nil)
	case errors.As(err, &stmtErr):
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{
			"statement": stmtErr.Index + 1,
			"details":   stmtErr.Err.Error(),
		})
	default:
		writeError(r.Context(), w, http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE", "query could not be executed", true, map[string]any{"details": err.Error()})
	}
}
