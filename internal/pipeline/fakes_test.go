package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duckmesh/askmesh/internal/catalog"
	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/nl2sql"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/sqlguard"
)

type fakeWarehouse struct {
	mu       sync.Mutex
	tables   []query.TableSchema
	samples  map[string]query.ResultSet
	execute  func(statements []string) ([]query.ResultSet, error)
	executed [][]string
	acquired int
	closed   int
}

func (w *fakeWarehouse) Acquire(context.Context, string) (query.Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired++
	return &fakeSession{w: w}, nil
}

func (w *fakeWarehouse) executions() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]string(nil), w.executed...)
}

type fakeSession struct {
	w *fakeWarehouse
}

func (s *fakeSession) Columns(_ context.Context, tables []string) ([]query.TableSchema, error) {
	return query.FilterSchema(s.w.tables, tables), nil
}

func (s *fakeSession) SampleRows(_ context.Context, table string, limit int) (query.ResultSet, error) {
	set, ok := s.w.samples[table]
	if !ok {
		return query.ResultSet{}, fmt.Errorf("no samples for %s", table)
	}
	if len(set.Rows) > limit {
		set.Rows = set.Rows[:limit]
	}
	return set, nil
}

func (s *fakeSession) Execute(_ context.Context, statements []string) ([]query.ResultSet, error) {
	s.w.mu.Lock()
	s.w.executed = append(s.w.executed, statements)
	execute := s.w.execute
	s.w.mu.Unlock()
	if execute == nil {
		return nil, errors.New("no executor configured")
	}
	return execute(statements)
}

func (s *fakeSession) Close() error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.closed++
	return nil
}

type fakeTables []string

func (f fakeTables) ListTables(_ context.Context, tenantID string) ([]catalog.TableDef, error) {
	out := make([]catalog.TableDef, 0, len(f))
	for i, name := range f {
		out = append(out, catalog.TableDef{TableID: int64(i + 1), TenantID: tenantID, TableName: name})
	}
	return out, nil
}

type translatorFunc func(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error)

func (f translatorFunc) Translate(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	return f(ctx, req)
}

// scriptedGenerator answers by call site; missing sites fail.
type scriptedGenerator struct {
	mu      sync.Mutex
	answers map[string]func(prompt llm.Prompt) (string, error)
	calls   map[string]int
	prompts map[string][]string
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		answers: map[string]func(llm.Prompt) (string, error){},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (g *scriptedGenerator) on(site string, answer func(prompt llm.Prompt) (string, error)) *scriptedGenerator {
	g.answers[site] = answer
	return g
}

func (g *scriptedGenerator) reply(site, text string) *scriptedGenerator {
	return g.on(site, func(llm.Prompt) (string, error) { return text, nil })
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, prompt llm.Prompt) (string, error) {
	site := llm.CallSiteFromContext(ctx)
	g.mu.Lock()
	g.calls[site]++
	g.prompts[site] = append(g.prompts[site], prompt.User)
	answer := g.answers[site]
	g.mu.Unlock()
	if answer == nil {
		return "", fmt.Errorf("no scripted answer for %s", site)
	}
	return answer(prompt)
}

func (g *scriptedGenerator) callCount(site string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[site]
}

func (g *scriptedGenerator) lastPrompt(site string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	prompts := g.prompts[site]
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

func ordersTable() query.TableSchema {
	return query.TableSchema{
		Name: "orders",
		Columns: []query.Column{
			{Name: "id", Type: "integer"},
			{Name: "amount", Type: "numeric"},
			{Name: "status", Type: "text"},
		},
	}
}

func customersTable() query.TableSchema {
	return query.TableSchema{
		Name: "customers",
		Columns: []query.Column{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "text"},
		},
	}
}

func ordersSamples() map[string]query.ResultSet {
	return map[string]query.ResultSet{
		"orders": {
			Columns: []string{"id", "amount", "status"},
			Rows: [][]any{
				{int64(1), 12.5, "completed"},
				{int64(2), 3.0, "pending"},
				{int64(3), 8.0, "completed"},
				{int64(4), 1.0, "cancelled"},
			},
		},
	}
}

func oneRow(column string, value any) query.ResultSet {
	return query.ResultSet{Columns: []string{column}, Rows: [][]any{{value}}}
}

type harness struct {
	warehouse *fakeWarehouse
	tables    fakeTables
	cfg       Config
	deps      Deps
}

func newHarness(tables ...query.TableSchema) *harness {
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.Name)
	}
	warehouse := &fakeWarehouse{tables: tables, samples: ordersSamples()}
	return &harness{
		warehouse: warehouse,
		tables:    fakeTables(names),
		cfg: Config{
			MaxRetries:  3,
			SampleRows:  3,
			CountTokens: func(text string) int { return len(strings.Fields(text)) },
		},
		deps: Deps{
			Engine: warehouse,
			Guard:  sqlguard.New(sqlguard.Policy{}),
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
}

func (h *harness) withTranslator(sqls ...string) *harness {
	var mu sync.Mutex
	calls := 0
	h.deps.Translator = translatorFunc(func(context.Context, nl2sql.Request) (nl2sql.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		sql := sqls[len(sqls)-1]
		if calls < len(sqls) {
			sql = sqls[calls]
		}
		calls++
		return nl2sql.Result{Plan: fmt.Sprintf("attempt %d", calls), SQL: sql, Provider: "test"}, nil
	})
	return h
}

func (h *harness) build(t *testing.T) *Pipeline {
	t.Helper()
	deps := h.deps
	deps.Tables = h.tables
	p, err := New(h.cfg, deps)
	require.NoError(t, err)
	return p
}

func newMemory(t *testing.T) *memory.Memory {
	t.Helper()
	mem, err := memory.New(context.Background(), nil, memory.Options{Threshold: memory.DefaultThreshold})
	require.NoError(t, err)
	return mem
}
