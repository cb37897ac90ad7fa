package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/sqlguard"
)

const (
	verdictApproved      = "APPROVED"
	verdictNeedsRevision = "NEEDS_REVISION"
)

func (p *Pipeline) validate(ctx context.Context, s *Session) State {
	issues := p.structuralIssues(s)
	if len(issues) > 0 {
		s.ValidationNotes = fmt.Sprintf("STATUS: %s\nISSUES: %s\nSUGGESTION: None", verdictNeedsRevision, strings.Join(issues, "; "))
		return p.afterRevision(s, strings.Join(issues, "; "))
	}

	if p.deps.Generator == nil {
		s.ValidationNotes = fmt.Sprintf("STATUS: %s\nISSUES: None (structural checks only)", verdictApproved)
		return StateRun
	}

	ctx = llm.WithCallSite(ctx, "validator")
	critique, err := p.deps.Generator.Generate(ctx, llm.Prompt{
		System: "You are a strict SQL reviewer. You check queries against a schema before they run.",
		User:   buildCritiquePrompt(s, p.cfg.Dialect),
	})
	if err != nil {
		p.deps.Logger.WarnContext(ctx, "validator_critique_unavailable",
			slog.String("run_id", s.RunID),
			slog.String("error", err.Error()),
		)
		s.ValidationNotes = fmt.Sprintf("STATUS: %s\nISSUES: None (critique unavailable: %s)", verdictApproved, firstLine(err.Error()))
		return StateRun
	}

	s.ValidationNotes = strings.TrimSpace(critique)
	verdict, critiqueIssues := parseCritique(critique)
	if verdict == verdictNeedsRevision {
		return p.afterRevision(s, critiqueIssues)
	}
	return StateRun
}

// afterRevision loops back to the drafter while budget remains. Validation
// is advisory: an exhausted budget sends the query to the runner anyway.
func (p *Pipeline) afterRevision(s *Session, issues string) State {
	if p.loopBack(s, FailureValidation, s.CandidateSQL, "validation: "+issues) {
		return StateDraft
	}
	return StateRun
}

// structuralIssues runs the checks that need no model call.
func (p *Pipeline) structuralIssues(s *Session) []string {
	inspection, err := p.deps.Guard.Inspect(s.CandidateSQL)
	if err != nil {
		if errors.Is(err, sqlguard.ErrEmpty) {
			return []string{"the draft contains no SQL statement"}
		}
		return []string{err.Error()}
	}

	var issues []string
	if !inspection.Parsed && strings.EqualFold(p.cfg.Dialect, "PostgreSQL") {
		issues = append(issues, "the statement does not parse as PostgreSQL")
	}
	if !inspection.ReadOnly {
		issues = append(issues, "only read-only SELECT statements are allowed")
	}

	targets := make(map[string]bool, len(s.TargetTables))
	for _, table := range s.TargetTables {
		targets[strings.ToLower(table)] = true
	}
	var outside []string
	for _, table := range inspection.Tables {
		if !targets[table] && !p.deps.Guard.IsShared(table) {
			outside = append(outside, table)
		}
	}
	if len(outside) > 0 {
		issues = append(issues, fmt.Sprintf("references tables outside %s: %s",
			strings.Join(s.TargetTables, ", "), strings.Join(outside, ", ")))
	}
	if len(inspection.Functions) > 0 {
		issues = append(issues, "calls functions that are not allowed: "+strings.Join(inspection.Functions, ", "))
	}
	if unknown := inspection.UnknownColumns(knownColumns(s.Columns)); len(unknown) > 0 {
		issues = append(issues, "references columns that do not exist: "+strings.Join(unknown, ", "))
	}
	return issues
}

func knownColumns(schemas []query.TableSchema) map[string][]string {
	known := make(map[string][]string, len(schemas))
	for _, schema := range schemas {
		names := make([]string, 0, len(schema.Columns))
		for _, column := range schema.Columns {
			names = append(names, column.Name)
		}
		known[strings.ToLower(schema.Name)] = names
	}
	return known
}

func buildCritiquePrompt(s *Session, dialect string) string {
	return fmt.Sprintf(`Review this query for correctness.

ORIGINAL REQUEST: %s
GENERATED SQL: %s
DATABASE SCHEMA:
%s

CHECK FOR:
1. Column names exist in the schema.
2. Table names are correct.
3. JOIN conditions use valid key relationships.
4. Syntax is valid %s.
5. Logic matches the user's intent.

Return in this format:
STATUS: APPROVED or NEEDS_REVISION
ISSUES: <problems found, or None>
SUGGESTION: <improved SQL if needed, or None>
`, s.Query, s.CandidateSQL, s.SchemaContext, dialect)
}

// parseCritique reads the verdict and the ISSUES section of a critique.
// Anything without an explicit NEEDS_REVISION counts as approved.
func parseCritique(text string) (verdict, issues string) {
	verdict = verdictApproved
	upper := strings.ToUpper(text)
	if strings.Contains(upper, verdictNeedsRevision) {
		verdict = verdictNeedsRevision
	}

	issues = strings.TrimSpace(text)
	if idx := strings.Index(text, "ISSUES:"); idx >= 0 {
		rest := text[idx+len("ISSUES:"):]
		if end := strings.Index(rest, "SUGGESTION:"); end >= 0 {
			rest = rest[:end]
		}
		issues = strings.TrimSpace(rest)
	}
	return verdict, issues
}

func firstLine(value string) string {
	value = strings.TrimSpace(value)
	if idx := strings.IndexByte(value, '\n'); idx >= 0 {
		return value[:idx]
	}
	return value
}
