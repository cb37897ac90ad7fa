package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duckmesh/askmesh/internal/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS correction_memory (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    correction_id TEXT NOT NULL UNIQUE,
    tenant_id TEXT NOT NULL DEFAULT '',
    query TEXT NOT NULL,
    failed_sql TEXT NOT NULL,
    error TEXT NOT NULL,
    corrected_sql TEXT NOT NULL,
    recorded_at_unix_ms INTEGER NOT NULL
)`

// Store keeps correction memory in a local SQLite file.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing sqlite path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, limit int) ([]memory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT correction_id, tenant_id, query, failed_sql, error, corrected_sql, recorded_at_unix_ms
FROM (
    SELECT * FROM correction_memory ORDER BY seq DESC LIMIT ?
)
ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query corrections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]memory.Entry, 0)
	for rows.Next() {
		var (
			entry      memory.Entry
			recordedMs int64
		)
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Query, &entry.FailedSQL, &entry.Error, &entry.CorrectedSQL, &recordedMs); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		entry.RecordedAt = time.UnixMilli(recordedMs).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate corrections: %w", err)
	}
	return entries, nil
}

func (s *Store) Append(ctx context.Context, entry memory.Entry, capacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO correction_memory (correction_id, tenant_id, query, failed_sql, error, corrected_sql, recorded_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.Query, entry.FailedSQL, entry.Error, entry.CorrectedSQL, entry.RecordedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM correction_memory
WHERE seq NOT IN (SELECT seq FROM correction_memory ORDER BY seq DESC LIMIT ?)`, capacity); err != nil {
		return fmt.Errorf("trim corrections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit correction: %w", err)
	}
	return nil
}
