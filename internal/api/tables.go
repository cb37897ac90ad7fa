package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/duckmesh/askmesh/internal/auth"
	"github.com/duckmesh/askmesh/internal/catalog"
	"github.com/duckmesh/askmesh/internal/storage"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type tableFileRequest struct {
	Path        string `json:"path"`
	RecordCount int64  `json:"record_count"`
}

type tableCreateRequest struct {
	TableName   string             `json:"table_name"`
	Description string             `json:"description"`
	Files       []tableFileRequest `json:"files"`
}

type tableFile struct {
	Path          string `json:"path"`
	Format        string `json:"format"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	RecordCount   int64  `json:"record_count"`
}

type tableItem struct {
	TableID     int64       `json:"table_id"`
	TableName   string      `json:"table_name"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Files       []tableFile `json:"files"`
}

func handleListTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TABLES_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleAsker, auth.RoleOperator)
	if !ok {
		return
	}
	tables, err := deps.Catalog.ListTables(r.Context(), tenantID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list tables", true, map[string]any{"details": err.Error()})
		return
	}
	files, err := deps.Catalog.ListDataFiles(r.Context(), tenantID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list data files", true, map[string]any{"details": err.Error()})
		return
	}

	byTable := map[int64][]tableFile{}
	for _, file := range files {
		byTable[file.TableID] = append(byTable[file.TableID], tableFile{
			Path:          file.Path,
			Format:        file.Format,
			FileSizeBytes: file.FileSizeBytes,
			RecordCount:   file.RecordCount,
		})
	}
	items := make([]tableItem, 0, len(tables))
	for _, table := range tables {
		item := tableItem{
			TableID:     table.TableID,
			TableName:   table.TableName,
			Description: table.Description,
			CreatedAt:   table.CreatedAt,
			Files:       byTable[table.TableID],
		}
		if item.Files == nil {
			item.Files = []tableFile{}
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"tables":    items,
	})
}

func handleCreateTable(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TABLES_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleOperator)
	if !ok {
		return
	}

	var req tableCreateRequest
	if !decodeJSON(w, r, &req, "create table") {
		return
	}
	tableName := strings.ToLower(strings.TrimSpace(req.TableName))
	if tableName == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLE_NAME_REQUIRED", "table_name is required", false, nil)
		return
	}
	if !tableNamePattern.MatchString(tableName) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TABLE_NAME", "table_name must be a lower-case SQL identifier", false, map[string]any{"table_name": req.TableName})
		return
	}
	if len(req.Files) > 0 && deps.ObjectStore == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "OBJECT_STORE_NOT_CONFIGURED", "data files need an object store", false, nil)
		return
	}

	files := make([]catalog.RegisterDataFileInput, 0, len(req.Files))
	for _, file := range req.Files {
		key, err := storage.TenantDataPath(tenantID, file.Path)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILE_PATH", err.Error(), false, map[string]any{"path": file.Path})
			return
		}
		info, err := deps.ObjectStore.Stat(r.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				writeError(r.Context(), w, http.StatusBadRequest, "FILE_NOT_FOUND", "data file does not exist in the object store", false, map[string]any{"path": key})
				return
			}
			writeError(r.Context(), w, http.StatusBadGateway, "OBJECT_STORE_ERROR", "failed to check data file", true, map[string]any{"path": key, "details": err.Error()})
			return
		}
		files = append(files, catalog.RegisterDataFileInput{
			TenantID:      tenantID,
			Path:          key,
			Format:        "parquet",
			RecordCount:   file.RecordCount,
			FileSizeBytes: info.Size,
		})
	}

	table, err := deps.Catalog.RegisterTable(r.Context(), catalog.CreateTableInput{
		TenantID:    tenantID,
		TableName:   tableName,
		Description: strings.TrimSpace(req.Description),
	}, files)
	if err != nil {
		if errors.Is(err, catalog.ErrAlreadyExists) {
			writeError(r.Context(), w, http.StatusConflict, "TABLE_EXISTS", "table is already registered", false, map[string]any{"table_name": tableName})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to register table", true, map[string]any{"details": err.Error()})
		return
	}

	registered := make([]tableFile, 0, len(files))
	for _, file := range files {
		registered = append(registered, tableFile{
			Path:          file.Path,
			Format:        file.Format,
			FileSizeBytes: file.FileSizeBytes,
			RecordCount:   file.RecordCount,
		})
	}
	writeJSON(w, http.StatusCreated, tableItem{
		TableID:     table.TableID,
		TableName:   table.TableName,
		Description: table.Description,
		CreatedAt:   table.CreatedAt,
		Files:       registered,
	})
}

func handleDeleteTable(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TABLES_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}
	tenantID, ok := authorize(w, r, auth.RoleOperator)
	if !ok {
		return
	}
	tableName := strings.TrimSpace(r.PathValue("table"))
	if tableName == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLE_REQUIRED", "table path parameter is required", false, nil)
		return
	}

	deleted, err := deps.Catalog.DeleteTableByName(r.Context(), tenantID, tableName)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to delete table", true, map[string]any{"details": err.Error()})
		return
	}
	if !deleted {
		writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", "table was not found", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "table_name": tableName})
}
