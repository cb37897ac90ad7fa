package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/askmesh/internal/catalog"
	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/nl2sql"
	"github.com/duckmesh/askmesh/internal/observability"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/sqlguard"
)

const (
	DefaultMaxRetries        = 3
	DefaultSampleRows        = 3
	DefaultResultSampleRows  = 50
	DefaultAnswerTokenBudget = 3000
)

const (
	answerUnavailable = "The data warehouse is unavailable right now. Please try again shortly."
	answerInternal    = "An internal error interrupted this request. Please try again."
	answerTimedOut    = "The request took too long and was stopped before an answer was produced."
)

// TableLister is the tenant allowlist source.
type TableLister interface {
	ListTables(ctx context.Context, tenantID string) ([]catalog.TableDef, error)
}

type Config struct {
	MaxRetries        int
	SampleRows        int
	ResultSampleRows  int
	AnswerTokenBudget int
	// Timeout bounds a whole run. Zero disables it.
	Timeout time.Duration
	// Dialect names the warehouse SQL dialect in prompts.
	Dialect string
	// CountTokens measures prompt text. Defaults to the cl100k_base encoding.
	CountTokens func(string) int
}

type Deps struct {
	Engine     query.Engine
	Tables     TableLister
	Guard      *sqlguard.Guard
	Translator nl2sql.Translator
	// Generator may be nil; stages then use their deterministic paths.
	Generator llm.Generator
	// Memory may be nil.
	Memory *memory.Memory
	Logger *slog.Logger
}

type stageFunc func(ctx context.Context, s *Session) State

// Pipeline resolves natural-language questions into answers. It is safe for
// concurrent use; each Run owns its Session.
type Pipeline struct {
	cfg    Config
	deps   Deps
	stages map[State]stageFunc
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if deps.Tables == nil {
		return nil, errors.New("pipeline: table lister is required")
	}
	if deps.Guard == nil {
		deps.Guard = sqlguard.New(sqlguard.Policy{})
	}
	if deps.Translator == nil {
		deps.Translator = nl2sql.NewHeuristicTranslator()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.SampleRows < 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	if cfg.ResultSampleRows <= 0 {
		cfg.ResultSampleRows = DefaultResultSampleRows
	}
	if cfg.AnswerTokenBudget <= 0 {
		cfg.AnswerTokenBudget = DefaultAnswerTokenBudget
	}
	if strings.TrimSpace(cfg.Dialect) == "" {
		cfg.Dialect = "PostgreSQL"
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = countTokens
	}

	p := &Pipeline{cfg: cfg, deps: deps}
	p.stages = map[State]stageFunc{
		StateResolve:    p.resolve,
		StateDraft:      p.draft,
		StateValidate:   p.validate,
		StateRun:        p.run,
		StateSynthesize: p.synthesize,
		StateAmbiguous:  p.ambiguous,
	}
	return p, nil
}

func (p *Pipeline) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Run resolves one question for a tenant. It always returns a Result.
func (p *Pipeline) Run(ctx context.Context, tenantID, question string) Result {
	start := time.Now()
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	s := &Session{
		RunID:    uuid.NewString(),
		TenantID: tenantID,
		Query:    strings.TrimSpace(question),
	}
	ctx = observability.ContextWithTenantID(observability.ContextWithRunID(ctx, s.RunID), tenantID)
	logger := p.deps.Logger.With(
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("run_id", s.RunID),
		slog.String("tenant_id", tenantID),
	)

	if err := p.prepare(ctx, s); err != nil {
		logger.ErrorContext(ctx, "pipeline_prepare_failed", slog.String("error", err.Error()))
		s.Outcome = OutcomeFailed
		s.FinalAnswer = answerUnavailable
		s.LastError = err.Error()
		return p.finish(ctx, logger, s, start)
	}
	defer func() {
		if err := s.warehouse.Close(); err != nil {
			logger.WarnContext(ctx, "warehouse_session_close_failed", slog.String("error", err.Error()))
		}
	}()

	state := StateResolve
	for state != StateDone {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "pipeline_deadline_exceeded", slog.String("stage", state.String()))
			s.Outcome = OutcomeTimedOut
			s.FinalAnswer = answerTimedOut
			break
		}

		stageStart := time.Now()
		next, err := p.step(ctx, state, s)
		observability.ObserveStage(state.String(), time.Since(stageStart))
		if err == nil && !CanTransition(state, next) {
			err = fmt.Errorf("illegal transition %s -> %s", state, next)
		}
		if err != nil {
			logger.ErrorContext(ctx, "pipeline_stage_failed",
				slog.String("stage", state.String()),
				slog.String("error", err.Error()),
			)
			s.Outcome = OutcomeFailed
			s.FinalAnswer = answerInternal
			break
		}

		logger.DebugContext(ctx, "pipeline_transition",
			slog.String("stage", state.String()),
			slog.String("next", next.String()),
			slog.Int("retry_count", s.RetryCount),
		)
		state = next
	}
	return p.finish(ctx, logger, s, start)
}

// step runs one stage, converting a panic into an error.
func (p *Pipeline) step(ctx context.Context, state State, s *Session) (next State, err error) {
	stage, ok := p.stages[state]
	if !ok {
		return state, fmt.Errorf("no stage for state %s", state)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v\n%s", state, r, debug.Stack())
		}
	}()
	return stage(ctx, s), nil
}

func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, s *Session, start time.Time) Result {
	elapsed := time.Since(start)
	observability.ObservePipelineRun(string(s.Outcome), elapsed)
	logger.InfoContext(ctx, "pipeline_finished",
		slog.String("outcome", string(s.Outcome)),
		slog.Int("retry_count", s.RetryCount),
		slog.String("duration", elapsed.String()),
	)
	return s.result()
}

// prepare acquires the warehouse session and loads the tenant schema.
func (p *Pipeline) prepare(ctx context.Context, s *Session) error {
	tables, err := p.deps.Tables.ListTables(ctx, s.TenantID)
	if err != nil {
		return fmt.Errorf("list tenant tables: %w", err)
	}
	s.AllowedTables = catalog.TableNames(tables)

	warehouse, err := p.deps.Engine.Acquire(ctx, s.TenantID)
	if err != nil {
		return fmt.Errorf("acquire warehouse session: %w", err)
	}
	s.warehouse = warehouse

	columns, err := warehouse.Columns(ctx, s.AllowedTables)
	if err != nil {
		_ = warehouse.Close()
		s.warehouse = nil
		return fmt.Errorf("describe tenant tables: %w", err)
	}
	s.Columns = columns
	s.EligibleTables = make([]string, 0, len(columns))
	for _, table := range columns {
		s.EligibleTables = append(s.EligibleTables, table.Name)
	}
	s.SchemaContext = query.FormatSchema(columns)
	return nil
}

// loopBack records a recoverable failure and reports whether the retry
// budget allows another drafting pass. The counter only moves when it does.
func (p *Pipeline) loopBack(s *Session, kind FailureKind, failedSQL, message string) bool {
	s.setFailure(kind, failedSQL, message)
	if s.RetryCount >= p.cfg.MaxRetries {
		return false
	}
	s.RetryCount++
	observability.IncrementRetry(string(kind))
	return true
}

func (p *Pipeline) ambiguous(_ context.Context, s *Session) State {
	s.IsAmbiguous = true
	s.Outcome = OutcomeAmbiguous
	if s.Clarification == "" {
		s.Clarification = "Which of these tables should I use: " + strings.Join(s.CandidateTables, ", ") + "?"
	}
	return StateDone
}

type SchemaInfo struct {
	TenantID    string              `json:"tenant_id"`
	Tables      []query.TableSchema `json:"tables"`
	Description string              `json:"description"`
}

// Schema describes the tables a tenant may ask about.
func (p *Pipeline) Schema(ctx context.Context, tenantID string) (SchemaInfo, error) {
	s := &Session{TenantID: tenantID}
	if err := p.prepare(ctx, s); err != nil {
		return SchemaInfo{}, err
	}
	defer func() { _ = s.warehouse.Close() }()
	if s.Columns == nil {
		s.Columns = []query.TableSchema{}
	}
	return SchemaInfo{TenantID: tenantID, Tables: s.Columns, Description: s.SchemaContext}, nil
}

// Execute runs caller-supplied SQL under the same access policy as the
// runner stage. Access violations come back as *sqlguard.AccessDeniedError.
func (p *Pipeline) Execute(ctx context.Context, tenantID, sqlText string) ([]query.ResultSet, error) {
	tables, err := p.deps.Tables.ListTables(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant tables: %w", err)
	}
	inspection, err := p.deps.Guard.Authorize(sqlText, catalog.TableNames(tables))
	if err != nil {
		var denied *sqlguard.AccessDeniedError
		if errors.As(err, &denied) {
			observability.IncrementAccessDenied()
		}
		return nil, err
	}

	warehouse, err := p.deps.Engine.Acquire(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("acquire warehouse session: %w", err)
	}
	defer func() { _ = warehouse.Close() }()
	return warehouse.Execute(ctx, inspection.Statements)
}
