package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/observability"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/sqlguard"
)

func (p *Pipeline) run(ctx context.Context, s *Session) State {
	inspection, err := p.deps.Guard.Authorize(s.CandidateSQL, s.AllowedTables)
	if err != nil {
		var denied *sqlguard.AccessDeniedError
		if errors.As(err, &denied) {
			observability.IncrementAccessDenied()
			p.deps.Logger.WarnContext(ctx, "runner_access_denied",
				slog.String("run_id", s.RunID),
				slog.String("tenant_id", s.TenantID),
				slog.Any("tables", denied.Tables),
				slog.Any("functions", denied.Functions),
			)
			s.setFailure(FailureAccess, s.CandidateSQL, err.Error())
			s.DeniedTables = append(append([]string(nil), denied.Tables...), denied.Functions...)
			return StateSynthesize
		}
		return p.afterExecutionFailure(s, err.Error())
	}

	sets, err := s.warehouse.Execute(ctx, inspection.Statements)
	if err != nil {
		message := err.Error()
		attrs := []any{
			slog.String("run_id", s.RunID),
			slog.Int("retry_count", s.RetryCount),
		}
		var stmtErr *query.StatementError
		if errors.As(err, &stmtErr) && stmtErr.Err != nil {
			message = stmtErr.Err.Error()
			attrs = append(attrs, slog.Int("statement_index", stmtErr.Index))
		}
		attrs = append(attrs, slog.String("error", message))
		p.deps.Logger.InfoContext(ctx, "runner_execution_failed", attrs...)
		return p.afterExecutionFailure(s, message)
	}

	s.ResultSets = make([]query.ResultSet, 0, len(sets))
	for _, set := range sets {
		if len(set.Rows) > 0 {
			s.ResultSets = append(s.ResultSets, set)
		}
	}
	p.rememberCorrection(ctx, s)
	s.clearFailure()
	return StateSynthesize
}

func (p *Pipeline) afterExecutionFailure(s *Session, message string) State {
	s.pendingCorrection = &memory.Correction{
		TenantID:  s.TenantID,
		Query:     s.Query,
		FailedSQL: s.CandidateSQL,
		Error:     message,
	}
	if p.loopBack(s, FailureExecution, s.CandidateSQL, message) {
		return StateDraft
	}
	return StateSynthesize
}

// rememberCorrection records the failed and fixed SQL once a redraft
// succeeds after an execution failure.
func (p *Pipeline) rememberCorrection(ctx context.Context, s *Session) {
	pending := s.pendingCorrection
	s.pendingCorrection = nil
	if pending == nil || p.deps.Memory == nil || pending.FailedSQL == s.CandidateSQL {
		return
	}
	pending.CorrectedSQL = s.CandidateSQL
	if _, err := p.deps.Memory.Record(ctx, *pending); err != nil {
		p.deps.Logger.WarnContext(ctx, "correction_record_failed",
			slog.String("run_id", s.RunID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.deps.Logger.InfoContext(ctx, "correction_recorded",
		slog.String("run_id", s.RunID),
		slog.Int("entries", p.deps.Memory.Len()),
	)
}
