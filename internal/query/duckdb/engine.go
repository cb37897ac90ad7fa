package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/askmesh/internal/catalog"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/query/sqldb"
	"github.com/duckmesh/askmesh/internal/storage"
)

type DataFileLister interface {
	ListDataFiles(ctx context.Context, tenantID string) ([]catalog.DataFileEntry, error)
}

// Engine materializes a tenant's parquet files into a private in-memory
// DuckDB database for the lifetime of one session.
type Engine struct {
	Store   storage.ObjectStore
	Files   DataFileLister
	MaxRows int
	TempDir string
}

func NewEngine(store storage.ObjectStore, files DataFileLister) *Engine {
	return &Engine{Store: store, Files: files}
}

func (e *Engine) Acquire(ctx context.Context, tenantID string) (query.Session, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if e.Files == nil {
		return nil, fmt.Errorf("data file lister is required")
	}

	files, err := e.Files.ListDataFiles(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}

	workDir, err := os.MkdirTemp(e.TempDir, "askmesh-session-")
	if err != nil {
		return nil, fmt.Errorf("create session temp dir: %w", err)
	}
	removeWorkDir := func() error { return os.RemoveAll(workDir) }

	grouped, err := e.download(ctx, workDir, files)
	if err != nil {
		_ = removeWorkDir()
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		_ = removeWorkDir()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	release := func() error { return errors.Join(db.Close(), removeWorkDir()) }

	if err := loadTables(ctx, db, grouped); err != nil {
		_ = release()
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("acquire duckdb connection: %w", err)
	}
	return sqldb.NewSession(conn, sqldb.Options{Schema: "main", MaxRows: e.MaxRows}, release), nil
}

func (e *Engine) download(ctx context.Context, workDir string, files []catalog.DataFileEntry) (map[string][]string, error) {
	grouped := map[string][]string{}
	for index, file := range files {
		reader, err := e.Store.Get(ctx, file.Path)
		if err != nil {
			return nil, fmt.Errorf("get object %q: %w", file.Path, err)
		}

		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(file.TableName), index))
		if err := writeFile(localPath, reader); err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("write local parquet file %q: %w", localPath, err)
		}
		if err := reader.Close(); err != nil {
			return nil, fmt.Errorf("close object %q: %w", file.Path, err)
		}
		grouped[file.TableName] = append(grouped[file.TableName], localPath)
	}
	return grouped, nil
}

// loadTables copies every parquet group into a table, then closes off file
// system access so user statements cannot read anything else.
func loadTables(ctx context.Context, db *sql.DB, grouped map[string][]string) error {
	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, tableName := range names {
		statement := fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM read_parquet(%s)`,
			sqldb.QuoteIdent(tableName), quoteStringArray(grouped[tableName]))
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("load table %q: %w", tableName, err)
		}
	}
	for _, statement := range []string{
		`SET enable_external_access = false`,
		`SET lock_configuration = true`,
	} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("lock down duckdb: %w", err)
		}
	}
	return nil
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
