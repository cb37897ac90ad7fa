package nl2sql

import (
	"context"
	"fmt"
	"strings"

	"github.com/duckmesh/askmesh/internal/llm"
)

const draftSystemPrompt = "You are a SQL query architect. You write one precise, read-only PostgreSQL-compatible " +
	"query for an analytics question. Use only the listed tables and columns."

type GenerativeTranslator struct {
	generator llm.Generator
	dialect   string
}

func NewGenerativeTranslator(generator llm.Generator, dialect string) *GenerativeTranslator {
	if strings.TrimSpace(dialect) == "" {
		dialect = "PostgreSQL"
	}
	return &GenerativeTranslator{generator: generator, dialect: dialect}
}

func (t *GenerativeTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	text, err := t.generator.Generate(ctx, llm.Prompt{
		System: draftSystemPrompt,
		User:   BuildDraftPrompt(req, t.dialect),
	})
	if err != nil {
		return Result{}, err
	}
	plan, sql := ParseDraft(text)
	if sql == "" {
		return Result{}, fmt.Errorf("model returned empty SQL")
	}
	return Result{Plan: plan, SQL: sql, Provider: t.generator.Name()}, nil
}

// BuildDraftPrompt renders the drafting prompt. Retries carry the failed SQL
// and its error so the next draft addresses the cause.
func BuildDraftPrompt(req Request, dialect string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER REQUEST: %s\n", strings.TrimSpace(req.Question))
	fmt.Fprintf(&b, "TARGET TABLES: %s\n", strings.Join(req.Tables, ", "))
	b.WriteString("DATABASE SCHEMA:\n")
	b.WriteString(strings.TrimSpace(req.Schema))
	b.WriteString("\n")

	if len(req.Corrections) > 0 {
		b.WriteString("\nPAST CORRECTIONS FOR SIMILAR QUESTIONS:\n")
		for _, correction := range req.Corrections {
			fmt.Fprintf(&b, "- question: %s\n  failed: %s\n  error: %s\n  fixed: %s\n",
				correction.Query, correction.FailedSQL, firstLine(correction.Error), correction.CorrectedSQL)
		}
	}
	if req.Suggestion != "" {
		fmt.Fprintf(&b, "\nA fast local drafter suggested (may be wrong):\n%s\n", req.Suggestion)
	}
	if req.IsRetry() {
		fmt.Fprintf(&b, "\nYOUR PREVIOUS ATTEMPT FAILED.\nFAILED SQL: %s\nERROR: %s\nFix the cause of this error in the new query.\n",
			req.PreviousSQL, req.PreviousError)
	}

	fmt.Fprintf(&b, `
INSTRUCTIONS:
1. First write your step-by-step reasoning.
2. Then write the exact %s query.
3. Reference only the target tables. Join only on columns that exist in both tables.
4. Use aggregations when the request asks for counts, totals or averages.

Return in this format:
PLAN: <your reasoning>
SQL: <the query, no markdown>
`, dialect)
	return b.String()
}

func firstLine(value string) string {
	if idx := strings.IndexByte(value, '\n'); idx >= 0 {
		return value[:idx]
	}
	return value
}
