package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/askmesh/internal/catalog"
)

const uniqueViolation = "23505"

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) CreateTenant(ctx context.Context, in catalog.CreateTenantInput) (catalog.Tenant, error) {
	status := in.Status
	if status == "" {
		status = "active"
	}

	query := `
INSERT INTO tenant (tenant_id, name, status)
VALUES ($1, $2, $3)
RETURNING created_at`
	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, query, in.TenantID, in.Name, status).Scan(&createdAt); err != nil {
		if isUniqueViolation(err) {
			return catalog.Tenant{}, catalog.ErrAlreadyExists
		}
		return catalog.Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	return catalog.Tenant{
		TenantID:  in.TenantID,
		Name:      in.Name,
		Status:    status,
		CreatedAt: createdAt,
	}, nil
}

func (r *Repository) GetTenant(ctx context.Context, tenantID string) (catalog.Tenant, error) {
	query := `
SELECT tenant_id, name, status, created_at
FROM tenant
WHERE tenant_id = $1`

	var tenant catalog.Tenant
	if err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.Status,
		&tenant.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Tenant{}, catalog.ErrNotFound
		}
		return catalog.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return tenant, nil
}

func (r *Repository) ListTenants(ctx context.Context) ([]catalog.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT tenant_id, name, status, created_at
FROM tenant
WHERE status = 'active'
ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tenants := make([]catalog.Tenant, 0)
	for rows.Next() {
		var tenant catalog.Tenant
		if err := rows.Scan(&tenant.TenantID, &tenant.Name, &tenant.Status, &tenant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant rows: %w", err)
	}
	return tenants, nil
}

func (r *Repository) CreateTable(ctx context.Context, in catalog.CreateTableInput) (catalog.TableDef, error) {
	return createTable(ctx, r.db, in)
}

func (r *Repository) GetTableByName(ctx context.Context, tenantID, tableName string) (catalog.TableDef, error) {
	query := `
SELECT table_id, tenant_id, table_name, description, created_at
FROM table_def
WHERE tenant_id = $1 AND table_name = $2`

	var table catalog.TableDef
	if err := r.db.QueryRowContext(ctx, query, tenantID, tableName).Scan(
		&table.TableID,
		&table.TenantID,
		&table.TableName,
		&table.Description,
		&table.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.TableDef{}, catalog.ErrNotFound
		}
		return catalog.TableDef{}, fmt.Errorf("get table by name: %w", err)
	}
	return table, nil
}

func (r *Repository) ListTables(ctx context.Context, tenantID string) ([]catalog.TableDef, error) {
	query := `
SELECT table_id, tenant_id, table_name, description, created_at
FROM table_def
WHERE tenant_id = $1
ORDER BY table_name ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]catalog.TableDef, 0)
	for rows.Next() {
		var table catalog.TableDef
		if err := rows.Scan(
			&table.TableID,
			&table.TenantID,
			&table.TableName,
			&table.Description,
			&table.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}
	return tables, nil
}

func (r *Repository) DeleteTableByName(ctx context.Context, tenantID, tableName string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM table_def
WHERE tenant_id = $1 AND table_name = $2`, tenantID, tableName)
	if err != nil {
		return false, fmt.Errorf("delete table by name: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete table by name rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *Repository) RegisterDataFile(ctx context.Context, in catalog.RegisterDataFileInput) (catalog.DataFile, error) {
	return registerDataFile(ctx, r.db, in)
}

func (r *Repository) ListDataFiles(ctx context.Context, tenantID string) ([]catalog.DataFileEntry, error) {
	query := `
SELECT t.table_id, t.table_name, f.file_id, f.path, f.format, f.file_size_bytes, f.record_count
FROM data_file f
JOIN table_def t ON t.table_id = f.table_id
WHERE f.tenant_id = $1
ORDER BY t.table_name ASC, f.file_id ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]catalog.DataFileEntry, 0)
	for rows.Next() {
		var entry catalog.DataFileEntry
		if err := rows.Scan(
			&entry.TableID,
			&entry.TableName,
			&entry.FileID,
			&entry.Path,
			&entry.Format,
			&entry.FileSizeBytes,
			&entry.RecordCount,
		); err != nil {
			return nil, fmt.Errorf("scan data file row: %w", err)
		}
		files = append(files, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data file rows: %w", err)
	}
	return files, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RegisterTable creates a table definition and its data files atomically.
func (r *Repository) RegisterTable(ctx context.Context, in catalog.CreateTableInput, files []catalog.RegisterDataFileInput) (catalog.TableDef, error) {
	var table catalog.TableDef
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		created, err := tx.CreateTable(ctx, in)
		if err != nil {
			return err
		}
		for _, file := range files {
			file.TenantID = created.TenantID
			file.TableID = created.TableID
			if _, err := tx.RegisterDataFile(ctx, file); err != nil {
				return err
			}
		}
		table = created
		return nil
	})
	if err != nil {
		return catalog.TableDef{}, err
	}
	return table, nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) CreateTable(ctx context.Context, in catalog.CreateTableInput) (catalog.TableDef, error) {
	table, err := createTable(ctx, r.q, in)
	if err != nil && !errors.Is(err, catalog.ErrAlreadyExists) {
		return catalog.TableDef{}, fmt.Errorf("in tx: %w", err)
	}
	return table, err
}

func (r *TxRepository) RegisterDataFile(ctx context.Context, in catalog.RegisterDataFileInput) (catalog.DataFile, error) {
	file, err := registerDataFile(ctx, r.q, in)
	if err != nil {
		return catalog.DataFile{}, fmt.Errorf("in tx: %w", err)
	}
	return file, nil
}

func createTable(ctx context.Context, q dbTX, in catalog.CreateTableInput) (catalog.TableDef, error) {
	query := `
INSERT INTO table_def (tenant_id, table_name, description)
VALUES ($1, $2, $3)
RETURNING table_id, created_at`

	table := catalog.TableDef{
		TenantID:    in.TenantID,
		TableName:   in.TableName,
		Description: in.Description,
	}
	if err := q.QueryRowContext(ctx, query, in.TenantID, in.TableName, in.Description).Scan(&table.TableID, &table.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return catalog.TableDef{}, catalog.ErrAlreadyExists
		}
		return catalog.TableDef{}, fmt.Errorf("create table: %w", err)
	}
	return table, nil
}

func registerDataFile(ctx context.Context, q dbTX, in catalog.RegisterDataFileInput) (catalog.DataFile, error) {
	format := in.Format
	if format == "" {
		format = "parquet"
	}

	query := `
INSERT INTO data_file (tenant_id, table_id, path, format, record_count, file_size_bytes)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING file_id, created_at`

	file := catalog.DataFile{
		TenantID:      in.TenantID,
		TableID:       in.TableID,
		Path:          in.Path,
		Format:        format,
		RecordCount:   in.RecordCount,
		FileSizeBytes: in.FileSizeBytes,
	}
	if err := q.QueryRowContext(ctx, query,
		in.TenantID,
		in.TableID,
		in.Path,
		format,
		in.RecordCount,
		in.FileSizeBytes,
	).Scan(&file.FileID, &file.CreatedAt); err != nil {
		return catalog.DataFile{}, fmt.Errorf("register data file: %w", err)
	}
	return file, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
