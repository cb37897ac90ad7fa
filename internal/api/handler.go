package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/duckmesh/askmesh/internal/catalog"
	"github.com/duckmesh/askmesh/internal/config"
	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/observability"
	"github.com/duckmesh/askmesh/internal/pipeline"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

// Asker is the question-answering surface of the pipeline.
type Asker interface {
	Run(ctx context.Context, tenantID, question string) pipeline.Result
	Schema(ctx context.Context, tenantID string) (pipeline.SchemaInfo, error)
	Execute(ctx context.Context, tenantID, sqlText string) ([]query.ResultSet, error)
}

// TableCatalog manages the tenant allowlist and its data files.
type TableCatalog interface {
	ListTables(ctx context.Context, tenantID string) ([]catalog.TableDef, error)
	ListDataFiles(ctx context.Context, tenantID string) ([]catalog.DataFileEntry, error)
	RegisterTable(ctx context.Context, in catalog.CreateTableInput, files []catalog.RegisterDataFileInput) (catalog.TableDef, error)
	DeleteTableByName(ctx context.Context, tenantID, tableName string) (bool, error)
}

type CorrectionLog interface {
	Recent(tenantID string, limit int) []memory.Entry
	Count(tenantID string) int
	Capacity() int
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          Asker
	Catalog           TableCatalog
	Corrections       CorrectionLog
	// ObjectStore backs object_store exports and data file checks. May be nil.
	ObjectStore storage.ObjectStore
	Now         func() time.Time
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	maxConcurrent := int64(cfg.Pipeline.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	slots := semaphore.NewWeighted(maxConcurrent)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
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

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/ask", func(w http.ResponseWriter, r *http.Request) {
		handleAsk(deps, slots, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	protected.HandleFunc("POST /v1/export", func(w http.ResponseWriter, r *http.Request) {
		handleExport(deps, w, r)
	})
	protected.HandleFunc("GET /v1/corrections", func(w http.ResponseWriter, r *http.Request) {
		handleCorrections(deps, w, r)
	})
	protected.HandleFunc("GET /v1/tables", func(w http.ResponseWriter, r *http.Request) {
		handleListTables(deps, w, r)
	})
	protected.HandleFunc("POST /v1/tables", func(w http.ResponseWriter, r *http.Request) {
		handleCreateTable(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/tables/{table}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteTable(deps, w, r)
	})

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
	mux.Handle("POST /v1/ask", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("POST /v1/export", protectedHandler)
	mux.Handle("GET /v1/corrections", protectedHandler)
	mux.Handle("GET /v1/tables", protectedHandler)
	mux.Handle("POST /v1/tables", protectedHandler)
	mux.Handle("DELETE /v1/tables/{table}", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCatalogDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Catalog.DSN == "" {
			return errors.New("catalog dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
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
