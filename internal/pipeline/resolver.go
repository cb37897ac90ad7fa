package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/observability"
	"github.com/duckmesh/askmesh/internal/query"
)

const answerNoData = "No data is available for this account yet. Register a dataset before asking questions."

var judgmentSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["target_tables", "is_ambiguous"],
  "properties": {
    "target_tables": {"type": "array", "items": {"type": "string"}},
    "query_type": {"type": ["string", "null"]},
    "is_ambiguous": {"type": "boolean"},
    "clarification_needed": {"type": ["string", "null"]},
    "reasoning": {"type": ["string", "null"]}
  }
}`)

type judgment struct {
	TargetTables        []string `json:"target_tables"`
	QueryType           string   `json:"query_type"`
	IsAmbiguous         bool     `json:"is_ambiguous"`
	ClarificationNeeded string   `json:"clarification_needed"`
	Reasoning           string   `json:"reasoning"`
}

// degradedJudgment stands in for a missing or unusable model answer.
var degradedJudgment = judgment{IsAmbiguous: true}

func (p *Pipeline) resolve(ctx context.Context, s *Session) State {
	if len(s.EligibleTables) == 0 || strings.TrimSpace(s.SchemaContext) == query.NoTablesMarker {
		s.Outcome = OutcomeNoData
		s.FinalAnswer = answerNoData
		return StateDone
	}

	j := p.judge(ctx, s)
	targets := knownTables(j.TargetTables, s.EligibleTables)
	ambiguous := j.IsAmbiguous

	switch {
	case len(targets) == 0 && len(s.EligibleTables) == 1:
		targets = []string{s.EligibleTables[0]}
		ambiguous = false
	case len(targets) == 0 && len(s.EligibleTables) > 1 && !ambiguous:
		ambiguous = true
	}
	if len(targets) == 0 {
		// A table named in the question settles a judgment that chose none.
		if targets = tablesNamedIn(s.Query, s.EligibleTables); len(targets) > 0 {
			ambiguous = false
		}
	}
	ambiguous = ambiguous || len(targets) == 0

	s.QueryShape = QueryShape(strings.ToLower(strings.TrimSpace(j.QueryType)))
	if ambiguous {
		s.CandidateTables = append([]string(nil), s.EligibleTables...)
		s.Clarification = strings.TrimSpace(j.ClarificationNeeded)
		return StateAmbiguous
	}

	s.TargetTables = targets
	selected := query.FilterSchema(s.Columns, targets)
	s.SchemaContext = query.FormatSchema(selected) + p.sampleContext(ctx, s, targets)
	return StateDraft
}

// judge asks the generator which tables the question needs. Any failure
// yields the degraded judgment.
func (p *Pipeline) judge(ctx context.Context, s *Session) judgment {
	if p.deps.Generator == nil {
		return degradedJudgment
	}
	ctx = llm.WithCallSite(ctx, "resolver")
	text, err := p.deps.Generator.Generate(ctx, llm.Prompt{
		System: "You are a SQL query supervisor. You pick the tables needed to answer a question and flag ambiguity.",
		User:   buildJudgmentPrompt(s),
	})
	if err != nil {
		p.deps.Logger.WarnContext(ctx, "resolver_judgment_unavailable",
			slog.String("run_id", s.RunID),
			slog.String("error", err.Error()),
		)
		return degradedJudgment
	}
	j, err := parseJudgment(text)
	if err != nil {
		observability.IncrementGenerationFailure("resolver_parse")
		p.deps.Logger.WarnContext(ctx, "resolver_judgment_malformed",
			slog.String("run_id", s.RunID),
			slog.String("error", err.Error()),
		)
		return degradedJudgment
	}
	return j
}

func buildJudgmentPrompt(s *Session) string {
	return fmt.Sprintf(`Analyze this request.

USER QUERY: %s

AVAILABLE TABLES: %s

DATABASE SCHEMA:
%s

TASKS:
1. Identify which tables are needed to answer this query.
2. Decide whether the query is ambiguous (unclear intent, several tables could apply).
3. Classify the query as single, join or aggregation.

Return ONLY a JSON object:
{"target_tables": ["table"], "query_type": "single|join|aggregation", "is_ambiguous": false, "clarification_needed": "question for the user if ambiguous", "reasoning": "brief explanation"}
`, s.Query, strings.Join(s.EligibleTables, ", "), s.SchemaContext)
}

// parseJudgment extracts and validates the JSON object in a model response.
func parseJudgment(text string) (judgment, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return judgment{}, errors.New("no JSON object in response")
	}
	raw := text[start : end+1]

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return judgment{}, fmt.Errorf("decode judgment: %w", err)
	}
	result, err := gojsonschema.Validate(judgmentSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return judgment{}, fmt.Errorf("validate judgment: %w", err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}
		return judgment{}, fmt.Errorf("judgment does not match schema: %s", strings.Join(issues, "; "))
	}

	var j judgment
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return judgment{}, fmt.Errorf("decode judgment: %w", err)
	}
	return j, nil
}

// knownTables keeps the names that match an eligible table, using the
// eligible spelling and dropping duplicates.
func knownTables(names, eligible []string) []string {
	byLower := make(map[string]string, len(eligible))
	for _, table := range eligible {
		byLower[strings.ToLower(table)] = table
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		name = strings.TrimPrefix(name, "public.")
		table, ok := byLower[name]
		if !ok || seen[table] {
			continue
		}
		seen[table] = true
		out = append(out, table)
	}
	return out
}

// tablesNamedIn returns the tables whose name appears in text,
// case-insensitively, in table order.
func tablesNamedIn(text string, tables []string) []string {
	lowered := strings.ToLower(text)
	var out []string
	for _, table := range tables {
		if strings.Contains(lowered, strings.ToLower(table)) {
			out = append(out, table)
		}
	}
	return out
}

// sampleContext loads a few rows per target table and renders them as JSON
// lines for the drafting prompt.
func (p *Pipeline) sampleContext(ctx context.Context, s *Session, targets []string) string {
	if p.cfg.SampleRows <= 0 {
		return ""
	}
	s.Samples = make(map[string]query.ResultSet, len(targets))
	var b strings.Builder
	for _, table := range targets {
		set, err := s.warehouse.SampleRows(ctx, table, p.cfg.SampleRows)
		if err != nil {
			p.deps.Logger.WarnContext(ctx, "resolver_sample_failed",
				slog.String("run_id", s.RunID),
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.Samples[table] = set
		if len(set.Rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nSample rows from %s:\n", table)
		for _, row := range set.Rows {
			record := make(map[string]any, len(set.Columns))
			for i, column := range set.Columns {
				if i < len(row) {
					record[column] = row[i]
				}
			}
			line, err := json.Marshal(record)
			if err != nil {
				continue
			}
			b.Write(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
