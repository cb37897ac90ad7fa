package migrations

import (
	"strings"
	"testing"
)

func TestCatalogMigrationContainsRequiredTablesAndIndexes(t *testing.T) {
	assertMigrationContains(t, "sql/000001_catalog.up.sql", []string{
		"CREATE TABLE tenant",
		"CREATE TABLE table_def",
		"CREATE TABLE data_file",
		"CREATE UNIQUE INDEX idx_table_def_tenant_name",
		"CREATE UNIQUE INDEX idx_data_file_path",
		"CREATE INDEX idx_data_file_tenant_table",
	})
}

func TestCorrectionMemoryMigrationContainsLogTable(t *testing.T) {
	assertMigrationContains(t, "sql/000002_correction_memory.up.sql", []string{
		"CREATE TABLE correction_memory",
		"tenant_id TEXT NOT NULL",
		"corrected_sql TEXT NOT NULL",
		"CREATE INDEX idx_correction_memory_seq_desc",
		"CREATE INDEX idx_correction_memory_tenant_seq",
	})
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Name != "catalog" || items[1].Name != "correction_memory" {
		t.Fatalf("names = %q, %q", items[0].Name, items[1].Name)
	}
}

func assertMigrationContains(t *testing.T, name string, snippets []string) {
	t.Helper()
	body, err := embeddedFS.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	sql := string(body)
	for _, snippet := range snippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("%s missing required snippet: %s", name, snippet)
		}
	}
}
