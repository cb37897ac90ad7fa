package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/nl2sql"
)

func (p *Pipeline) draft(ctx context.Context, s *Session) State {
	req := nl2sql.Request{
		TenantID: s.TenantID,
		Question: s.Query,
		Tables:   s.TargetTables,
		Schema:   s.SchemaContext,
		Columns:  s.Columns,
		Samples:  s.Samples,
	}
	if s.LastError != "" {
		req.PreviousSQL = s.LastFailedSQL
		req.PreviousError = s.LastError
	}
	if p.deps.Memory != nil {
		for _, entry := range p.deps.Memory.Relevant(s.Query) {
			req.Corrections = append(req.Corrections, nl2sql.Correction{
				Query:        entry.Query,
				FailedSQL:    entry.FailedSQL,
				Error:        entry.Error,
				CorrectedSQL: entry.CorrectedSQL,
			})
		}
	}

	result, err := p.deps.Translator.Translate(llm.WithCallSite(ctx, "drafter"), req)
	if err == nil && strings.TrimSpace(result.SQL) == "" {
		err = nl2sql.ErrNoSuggestion
	}
	if err != nil {
		p.deps.Logger.WarnContext(ctx, "drafter_failed",
			slog.String("run_id", s.RunID),
			slog.Int("retry_count", s.RetryCount),
			slog.String("error", err.Error()),
		)
		if p.loopBack(s, FailureGeneration, s.LastFailedSQL, "drafting failed: "+err.Error()) {
			return StateDraft
		}
		return StateSynthesize
	}

	s.Plan = result.Plan
	s.CandidateSQL = strings.TrimSpace(result.SQL)
	p.deps.Logger.DebugContext(ctx, "drafter_produced_sql",
		slog.String("run_id", s.RunID),
		slog.String("provider", result.Provider),
		slog.String("sql", s.CandidateSQL),
	)
	return StateValidate
}
