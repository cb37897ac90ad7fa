package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("askmesh-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Warehouse.Backend != WarehousePostgres {
		t.Fatalf("Warehouse.Backend = %q", cfg.Warehouse.Backend)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Fatalf("Pipeline.MaxRetries = %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.SampleRows != 3 {
		t.Fatalf("Pipeline.SampleRows = %d", cfg.Pipeline.SampleRows)
	}
	if cfg.Pipeline.ResultSampleRows != 50 {
		t.Fatalf("Pipeline.ResultSampleRows = %d", cfg.Pipeline.ResultSampleRows)
	}
	if cfg.Memory.Capacity != 50 || cfg.Memory.Threshold != 2 || cfg.Memory.MaxMatches != 3 {
		t.Fatalf("Memory = %+v", cfg.Memory)
	}
	if cfg.Memory.Backend != MemorySQLite {
		t.Fatalf("Memory.Backend = %q", cfg.Memory.Backend)
	}
	if !cfg.AI.HeuristicEnabled {
		t.Fatal("AI.HeuristicEnabled should default to true")
	}
	if cfg.AI.Model != "gpt-5" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"ASKMESH_PROFILE": "prod"})
	cfg, err := Load("askmesh-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.Memory.Backend != MemoryPostgres {
		t.Fatalf("Memory.Backend = %q", cfg.Memory.Backend)
	}
}

func TestLoadTestProfileDisablesProviderAndMemory(t *testing.T) {
	cfg, err := Load("askmesh-api", mapLookup(map[string]string{"ASKMESH_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.Provider != ProviderNone {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.Memory.Backend != MemoryNone {
		t.Fatalf("Memory.Backend = %q", cfg.Memory.Backend)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"ASKMESH_PROFILE":                      "test",
		"ASKMESH_HTTP_ADDR":                    ":9999",
		"ASKMESH_HTTP_READ_TIMEOUT":            "2s",
		"ASKMESH_LOG_LEVEL":                    "error",
		"ASKMESH_AUTH_REQUIRED":                "true",
		"ASKMESH_AUTH_STATIC_KEYS":             "k1:t1:asker",
		"ASKMESH_CATALOG_DSN":                  "postgres://example",
		"ASKMESH_CATALOG_MAX_OPEN_CONNS":       "42",
		"ASKMESH_SERVICE_NAME":                 "askmesh-custom",
		"ASKMESH_WAREHOUSE_BACKEND":            "duckdb",
		"ASKMESH_WAREHOUSE_SCHEMA":             "analytics",
		"ASKMESH_OBJECTSTORE_BUCKET":           "askmesh-prod",
		"ASKMESH_OBJECTSTORE_USE_SSL":          "true",
		"ASKMESH_AI_PROVIDER":                  "anthropic",
		"ASKMESH_AI_HEURISTIC_ENABLED":         "false",
		"ASKMESH_AI_BASE_URL":                  "https://api.example.com",
		"ASKMESH_AI_API_KEY":                   "secret-key",
		"ASKMESH_AI_MODEL":                     "claude-sonnet-4-5",
		"ASKMESH_AI_TEMPERATURE":               "0.3",
		"ASKMESH_AI_MAX_TOKENS":                "512",
		"ASKMESH_AI_TIMEOUT":                   "21s",
		"ASKMESH_PIPELINE_MAX_RETRIES":         "5",
		"ASKMESH_PIPELINE_RESULT_SAMPLE_ROWS":  "20",
		"ASKMESH_PIPELINE_ANSWER_TOKEN_BUDGET": "900",
		"ASKMESH_PIPELINE_REQUEST_TIMEOUT":     "45s",
		"ASKMESH_PIPELINE_SHARED_TABLES":       " Calendar, currency_rates ,,",
		"ASKMESH_MEMORY_BACKEND":               "sqlite",
		"ASKMESH_MEMORY_SQLITE_PATH":           "/tmp/memory.db",
		"ASKMESH_MEMORY_CAPACITY":              "10",
		"ASKMESH_MEMORY_THRESHOLD":             "0",
	})
	cfg, err := Load("askmesh-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "askmesh-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required = false, want true")
	}
	if cfg.Catalog.DSN != "postgres://example" || cfg.Catalog.MaxOpenConns != 42 {
		t.Fatalf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.Warehouse.Backend != WarehouseDuckDB || cfg.Warehouse.Schema != "analytics" {
		t.Fatalf("Warehouse = %+v", cfg.Warehouse)
	}
	if cfg.ObjectStore.Bucket != "askmesh-prod" || !cfg.ObjectStore.UseSSL {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.AI.Provider != ProviderAnthropic || cfg.AI.HeuristicEnabled {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Model != "claude-sonnet-4-5" || cfg.AI.MaxTokens != 512 {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.Pipeline.MaxRetries != 5 || cfg.Pipeline.ResultSampleRows != 20 || cfg.Pipeline.AnswerTokenBudget != 900 {
		t.Fatalf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RequestTimeout != 45*time.Second {
		t.Fatalf("Pipeline.RequestTimeout = %s", cfg.Pipeline.RequestTimeout)
	}
	if len(cfg.Pipeline.SharedTables) != 2 || cfg.Pipeline.SharedTables[0] != "calendar" || cfg.Pipeline.SharedTables[1] != "currency_rates" {
		t.Fatalf("Pipeline.SharedTables = %#v", cfg.Pipeline.SharedTables)
	}
	if cfg.Memory.Backend != MemorySQLite || cfg.Memory.SQLitePath != "/tmp/memory.db" || cfg.Memory.Capacity != 10 || cfg.Memory.Threshold != 0 {
		t.Fatalf("Memory = %+v", cfg.Memory)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"ASKMESH_PROFILE": "oops"},
		{"ASKMESH_HTTP_READ_TIMEOUT": "NaN"},
		{"ASKMESH_CATALOG_MAX_OPEN_CONNS": "oops"},
		{"ASKMESH_AI_TEMPERATURE": "bad"},
		{"ASKMESH_AUTH_REQUIRED": "not-bool"},
		{"ASKMESH_LOG_LEVEL": "verbose"},
		{"ASKMESH_WAREHOUSE_BACKEND": "oracle"},
		{"ASKMESH_AI_PROVIDER": "mystery"},
		{"ASKMESH_MEMORY_BACKEND": "redis"},
		{"ASKMESH_MEMORY_BACKEND": "sqlite", "ASKMESH_MEMORY_SQLITE_PATH": ""},
		{"ASKMESH_PIPELINE_MAX_RETRIES": "-1"},
		{"ASKMESH_MEMORY_CAPACITY": "0"},
		{"ASKMESH_MEMORY_THRESHOLD": "-1"},
	}
	for _, env := range tests {
		_, err := Load("askmesh-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
