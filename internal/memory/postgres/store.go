package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duckmesh/askmesh/internal/memory"
)

// Store keeps correction memory in the catalog database. The table is
// created by the catalog migrations.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Load(ctx context.Context, limit int) ([]memory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT correction_id::text, tenant_id, query, failed_sql, error, corrected_sql, recorded_at
FROM (
    SELECT * FROM correction_memory ORDER BY seq DESC LIMIT $1
) newest
ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query corrections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]memory.Entry, 0)
	for rows.Next() {
		var entry memory.Entry
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Query, &entry.FailedSQL, &entry.Error, &entry.CorrectedSQL, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
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
INSERT INTO correction_memory (correction_id, tenant_id, query, failed_sql, error, corrected_sql, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.Query, entry.FailedSQL, entry.Error, entry.CorrectedSQL, entry.RecordedAt,
	); err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM correction_memory
WHERE seq NOT IN (SELECT seq FROM correction_memory ORDER BY seq DESC LIMIT $1)`, capacity); err != nil {
		return fmt.Errorf("trim corrections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit correction: %w", err)
	}
	return nil
}
