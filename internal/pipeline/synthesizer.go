package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/query"
)

const (
	answerEmpty       = "The query executed successfully but returned no data."
	maxErrorChars     = 300
	truncatedRowsNote = "(further rows omitted)"
)

func (p *Pipeline) synthesize(ctx context.Context, s *Session) State {
	switch {
	case s.LastFailure == FailureAccess:
		s.Outcome = OutcomeAccessDenied
		s.FinalAnswer = fmt.Sprintf("Access denied: answering this question would read data you are not allowed to query (%s).",
			strings.Join(s.DeniedTables, ", "))
	case len(s.ResultSets) == 0 && s.LastError != "":
		s.Outcome = OutcomeFailed
		s.FinalAnswer = failureAnswer(s)
	case len(s.ResultSets) == 0:
		s.Outcome = OutcomeEmpty
		s.FinalAnswer = answerEmpty
	default:
		s.Outcome = OutcomeAnswered
		s.FinalAnswer = p.summarize(ctx, s)
	}
	return StateDone
}

func failureAnswer(s *Session) string {
	message := firstLine(s.LastError)
	if len(message) > maxErrorChars {
		message = message[:maxErrorChars] + "..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I could not answer this question after %d retries. The last attempt failed with: %s", s.RetryCount, message)
	if plan := strings.TrimSpace(s.Plan); plan != "" {
		b.WriteString("\n\nReasoning that led here:\n")
		b.WriteString(plan)
	}
	return b.String()
}

func (p *Pipeline) summarize(ctx context.Context, s *Session) string {
	if p.deps.Generator == nil {
		return deterministicSummary(s.ResultSets)
	}
	sample := p.sampleResults(s.ResultSets)

	ctx = llm.WithCallSite(ctx, "synthesizer")
	answer, err := p.deps.Generator.Generate(ctx, llm.Prompt{
		System: "You turn SQL results into a clear, conversational answer. Only state facts present in the results.",
		User: fmt.Sprintf("USER QUESTION: %s\nSQL EXECUTED: %s\nRESULTS:\n%s\nAnswer the question directly.",
			s.Query, s.CandidateSQL, sample),
	})
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil {
			p.deps.Logger.WarnContext(ctx, "synthesizer_generation_failed",
				slog.String("run_id", s.RunID),
				slog.String("error", err.Error()),
			)
		}
		return deterministicSummary(s.ResultSets)
	}
	return strings.TrimSpace(answer)
}

// sampleResults renders every result set, capped at ResultSampleRows rows per
// set and at AnswerTokenBudget tokens overall.
func (p *Pipeline) sampleResults(sets []query.ResultSet) string {
	var b strings.Builder
	budget := p.cfg.AnswerTokenBudget
	for i, set := range sets {
		header := fmt.Sprintf("Result set %d (%d rows) columns: %s\n", i+1, len(set.Rows), strings.Join(set.Columns, ", "))
		cost := p.cfg.CountTokens(header)
		if cost > budget {
			b.WriteString(truncatedRowsNote + "\n")
			return b.String()
		}
		budget -= cost
		b.WriteString(header)

		for r, row := range set.Rows {
			if r >= p.cfg.ResultSampleRows {
				b.WriteString(truncatedRowsNote + "\n")
				break
			}
			line := rowJSON(row) + "\n"
			cost := p.cfg.CountTokens(line)
			if cost > budget {
				b.WriteString(truncatedRowsNote + "\n")
				return b.String()
			}
			budget -= cost
			b.WriteString(line)
		}
	}
	return b.String()
}

func rowJSON(row []any) string {
	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Sprint(row)
	}
	return string(encoded)
}

func deterministicSummary(sets []query.ResultSet) string {
	if len(sets) == 1 && len(sets[0].Rows) == 1 && len(sets[0].Columns) == 1 {
		return fmt.Sprintf("The result is %s = %v.", sets[0].Columns[0], sets[0].Rows[0][0])
	}
	parts := make([]string, 0, len(sets))
	for i, set := range sets {
		parts = append(parts, fmt.Sprintf("result set %d has %d row(s) with columns %s",
			i+1, len(set.Rows), strings.Join(set.Columns, ", ")))
	}
	return "The query succeeded: " + strings.Join(parts, "; ") + "."
}
