package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("catalog: not found")
	ErrAlreadyExists = errors.New("catalog: already exists")
)

// Repository is the tenant table registry. The set of tables registered for
// a tenant is that tenant's query allowlist.
type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateTenant(ctx context.Context, in CreateTenantInput) (Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	CreateTable(ctx context.Context, in CreateTableInput) (TableDef, error)
	GetTableByName(ctx context.Context, tenantID, tableName string) (TableDef, error)
	ListTables(ctx context.Context, tenantID string) ([]TableDef, error)
	DeleteTableByName(ctx context.Context, tenantID, tableName string) (bool, error)
	RegisterDataFile(ctx context.Context, in RegisterDataFileInput) (DataFile, error)
	ListDataFiles(ctx context.Context, tenantID string) ([]DataFileEntry, error)
}

type Tenant struct {
	TenantID  string
	Name      string
	Status    string
	CreatedAt time.Time
}

type TableDef struct {
	TableID     int64
	TenantID    string
	TableName   string
	Description string
	CreatedAt   time.Time
}

type DataFile struct {
	FileID        int64
	TenantID      string
	TableID       int64
	Path          string
	Format        string
	RecordCount   int64
	FileSizeBytes int64
	CreatedAt     time.Time
}

// DataFileEntry is a data file joined with the name of the table it backs.
type DataFileEntry struct {
	TableID       int64
	TableName     string
	FileID        int64
	Path          string
	Format        string
	FileSizeBytes int64
	RecordCount   int64
}

type CreateTenantInput struct {
	TenantID string
	Name     string
	Status   string
}

type CreateTableInput struct {
	TenantID    string
	TableName   string
	Description string
}

type RegisterDataFileInput struct {
	TenantID      string
	TableID       int64
	Path          string
	Format        string
	RecordCount   int64
	FileSizeBytes int64
}

// TableNames returns the names of the given tables in catalog order.
func TableNames(tables []TableDef) []string {
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.TableName)
	}
	return names
}
