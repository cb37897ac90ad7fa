package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/duckmesh/askmesh/internal/memory"
)

func TestAppendInsertsAndTrimsInOneTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	recorded := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO correction_memory (correction_id, tenant_id, query, failed_sql, error, corrected_sql, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`)).
		WithArgs("c-1", "tenant-1", "q", "SELECT x", "boom", "SELECT y", recorded).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`
DELETE FROM correction_memory
WHERE seq NOT IN (SELECT seq FROM correction_memory ORDER BY seq DESC LIMIT $1)`)).
		WithArgs(50).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.Append(context.Background(), memory.Entry{
		ID:         "c-1",
		Correction: memory.Correction{TenantID: "tenant-1", Query: "q", FailedSQL: "SELECT x", Error: "boom", CorrectedSQL: "SELECT y"},
		RecordedAt: recorded,
	}, 50)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendRollsBackWhenTrimFails(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO correction_memory`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM correction_memory`)).
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	if err := store.Append(context.Background(), memory.Entry{ID: "c-1", RecordedAt: time.Now()}, 50); err == nil {
		t.Fatal("expected error")
	}
	assertSQLMock(t, mock)
}

func TestLoadReturnsNewestOldestFirst(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM correction_memory ORDER BY seq DESC LIMIT $1`)).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"correction_id", "tenant_id", "query", "failed_sql", "error", "corrected_sql", "recorded_at"}).
			AddRow("c-2", "tenant-1", "q2", "f2", "e2", "s2", now).
			AddRow("c-3", "tenant-2", "q3", "f3", "e3", "s3", now))

	entries, err := store.Load(context.Background(), 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "c-2" || entries[1].CorrectedSQL != "s3" || entries[1].TenantID != "tenant-2" {
		t.Fatalf("entries = %#v", entries)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
