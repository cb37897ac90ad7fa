package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/askmesh/internal/api"
	"github.com/duckmesh/askmesh/internal/auth"
	catalogpostgres "github.com/duckmesh/askmesh/internal/catalog/postgres"
	"github.com/duckmesh/askmesh/internal/config"
	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/memory"
	memorypostgres "github.com/duckmesh/askmesh/internal/memory/postgres"
	memorysqlite "github.com/duckmesh/askmesh/internal/memory/sqlite"
	"github.com/duckmesh/askmesh/internal/nl2sql"
	"github.com/duckmesh/askmesh/internal/observability"
	"github.com/duckmesh/askmesh/internal/pipeline"
	"github.com/duckmesh/askmesh/internal/query"
	duckdbengine "github.com/duckmesh/askmesh/internal/query/duckdb"
	pgengine "github.com/duckmesh/askmesh/internal/query/postgres"
	"github.com/duckmesh/askmesh/internal/sqlguard"
	"github.com/duckmesh/askmesh/internal/storage"
	s3store "github.com/duckmesh/askmesh/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("askmesh-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("askmesh-api failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	catalogDB, err := catalogpostgres.Open(ctx, catalogpostgres.ConfigFrom(cfg.Catalog))
	if err != nil {
		return fmt.Errorf("open catalog db: %w", err)
	}
	closers = append(closers, catalogDB)
	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	readiness := []api.ReadinessCheck{catalogRepo.HealthCheck}

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Endpoint != "" {
		store, err := s3store.New(ctx, s3store.ConfigFrom(cfg.ObjectStore))
		if err != nil {
			return fmt.Errorf("initialize object store: %w", err)
		}
		objectStore = store
		readiness = append(readiness, store.HealthCheck)
	}

	var (
		engine  query.Engine
		dialect string
		folded  []string
	)
	switch cfg.Warehouse.Backend {
	case config.WarehouseDuckDB:
		if objectStore == nil {
			return errors.New("the duckdb warehouse needs ASKMESH_OBJECTSTORE_ENDPOINT")
		}
		engine = duckdbengine.NewEngine(objectStore, catalogRepo)
		dialect = "DuckDB"
		folded = []string{"main"}
	default:
		pgEngine, warehouseDB, err := pgengine.Open(ctx, cfg.Warehouse, cfg.Pipeline.RequestTimeout)
		if err != nil {
			return err
		}
		closers = append(closers, warehouseDB)
		engine = pgEngine
		readiness = append(readiness, pgEngine.HealthCheck)
		dialect = "PostgreSQL"
		folded = []string{cfg.Warehouse.Schema}
	}

	corrections, err := openCorrections(ctx, cfg, catalogDB, &closers)
	if err != nil {
		return err
	}

	generator, err := llm.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("initialize text generation: %w", err)
	}
	var local, remote nl2sql.Translator
	if cfg.AI.HeuristicEnabled {
		local = nl2sql.NewHeuristicTranslator()
	}
	if generator != nil {
		generator = llm.Instrument(generator, logger)
		remote = nl2sql.NewGenerativeTranslator(generator, dialect)
	}
	translator := nl2sql.Select(local, remote)
	if translator == nil {
		logger.Warn("no drafting capability configured; falling back to heuristics")
	}

	asker, err := pipeline.New(pipeline.Config{
		MaxRetries:        cfg.Pipeline.MaxRetries,
		SampleRows:        cfg.Pipeline.SampleRows,
		ResultSampleRows:  cfg.Pipeline.ResultSampleRows,
		AnswerTokenBudget: cfg.Pipeline.AnswerTokenBudget,
		Timeout:           cfg.Pipeline.RequestTimeout,
		Dialect:           dialect,
	}, pipeline.Deps{
		Engine:     engine,
		Tables:     catalogRepo,
		Guard:      sqlguard.New(sqlguard.Policy{SharedTables: cfg.Pipeline.SharedTables, FoldSchemas: folded}),
		Translator: translator,
		Generator:  generator,
		Memory:     corrections,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Pipeline:          asker,
		Catalog:           catalogRepo,
		Corrections:       corrections,
		ObjectStore:       objectStore,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return fmt.Errorf("parse static auth keys: %w", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("warehouse", cfg.Warehouse.Backend),
			slog.String("ai_provider", cfg.AI.Provider),
			slog.String("memory", cfg.Memory.Backend),
			slog.Int("max_retries", asker.MaxRetries()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	default:
		return nil
	}
}

func openCorrections(ctx context.Context, cfg config.Config, catalogDB *sql.DB, closers *[]io.Closer) (*memory.Memory, error) {
	var store memory.Store
	switch cfg.Memory.Backend {
	case config.MemorySQLite:
		sqliteStore, err := memorysqlite.Open(ctx, cfg.Memory.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open correction memory: %w", err)
		}
		*closers = append(*closers, sqliteStore)
		store = sqliteStore
	case config.MemoryPostgres:
		store = memorypostgres.NewStore(catalogDB)
	default:
		store = memory.NopStore{}
	}
	corrections, err := memory.New(ctx, store, memory.Options{
		Capacity:   cfg.Memory.Capacity,
		Threshold:  cfg.Memory.Threshold,
		MaxMatches: cfg.Memory.MaxMatches,
	})
	if err != nil {
		return nil, fmt.Errorf("load correction memory: %w", err)
	}
	return corrections, nil
}
