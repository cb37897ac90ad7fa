package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/askmesh/internal/config"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/query/sqldb"
)

type Options struct {
	Schema           string
	MaxRows          int
	StatementTimeout time.Duration
}

// Engine serves sessions from a shared Postgres warehouse. Tenant isolation
// is enforced by the caller; sessions are read-only.
type Engine struct {
	db   *sql.DB
	opts Options
}

func Open(ctx context.Context, cfg config.WarehouseConfig, statementTimeout time.Duration) (*Engine, *sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil, fmt.Errorf("warehouse dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open warehouse db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping warehouse db: %w", err)
	}
	return NewEngine(db, Options{Schema: cfg.Schema, StatementTimeout: statementTimeout}), db, nil
}

func NewEngine(db *sql.DB, opts Options) *Engine {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	return &Engine{db: db, opts: opts}
}

func (e *Engine) Acquire(ctx context.Context, _ string) (query.Session, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire warehouse connection: %w", err)
	}

	var prelude []string
	if e.opts.StatementTimeout > 0 {
		prelude = append(prelude, fmt.Sprintf("SET LOCAL statement_timeout = %d", e.opts.StatementTimeout.Milliseconds()))
	}
	return sqldb.NewSession(conn, sqldb.Options{
		Schema:        e.opts.Schema,
		QualifyTables: e.opts.Schema != "public",
		ReadOnly:      true,
		MaxRows:       e.opts.MaxRows,
		Prelude:       prelude,
	}, nil), nil
}

func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse db: %w", err)
	}
	return nil
}
