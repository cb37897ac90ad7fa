package pipeline

import (
	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/query"
)

type Outcome string

const (
	OutcomeAnswered     Outcome = "answered"
	OutcomeEmpty        Outcome = "empty"
	OutcomeAmbiguous    Outcome = "ambiguous"
	OutcomeNoData       Outcome = "no_data"
	OutcomeAccessDenied Outcome = "access_denied"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimedOut     Outcome = "timed_out"
)

// FailureKind classifies the error carried in Session.LastError.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureGeneration FailureKind = "generation"
	FailureValidation FailureKind = "validation"
	FailureExecution  FailureKind = "execution"
	FailureAccess     FailureKind = "access"
)

type QueryShape string

const (
	ShapeUnknown     QueryShape = ""
	ShapeSingle      QueryShape = "single"
	ShapeJoin        QueryShape = "join"
	ShapeAggregation QueryShape = "aggregation"
)

// Session is the per-request record threaded through every stage. Only the
// stage currently running touches it.
type Session struct {
	RunID    string
	TenantID string
	Query    string

	// SchemaContext starts as the full tenant schema description and is
	// narrowed by the resolver.
	SchemaContext string
	// AllowedTables is the tenant allowlist from the catalog.
	AllowedTables []string
	// EligibleTables are allowed tables the warehouse can describe.
	EligibleTables []string
	Columns        []query.TableSchema
	Samples        map[string]query.ResultSet

	TargetTables    []string
	QueryShape      QueryShape
	IsAmbiguous     bool
	CandidateTables []string
	Clarification   string

	Plan            string
	CandidateSQL    string
	ValidationNotes string

	LastError     string
	LastFailedSQL string
	LastFailure   FailureKind
	DeniedTables  []string

	ResultSets []query.ResultSet
	RetryCount int

	FinalAnswer string
	Outcome     Outcome

	// pendingCorrection is set by an execution failure and recorded once a
	// later attempt succeeds.
	pendingCorrection *memory.Correction
	warehouse         query.Session
}

// Result is what a pipeline run returns to its caller. Failures are reported
// through Outcome and FinalAnswer, never as a Go error.
type Result struct {
	RunID           string            `json:"run_id"`
	Outcome         Outcome           `json:"outcome"`
	FinalAnswer     string            `json:"final_answer,omitempty"`
	GeneratedSQL    string            `json:"generated_sql,omitempty"`
	ResultSets      []query.ResultSet `json:"result_sets"`
	Plan            string            `json:"plan,omitempty"`
	ValidationNotes string            `json:"validation_notes,omitempty"`
	TargetTables    []string          `json:"target_tables,omitempty"`
	IsAmbiguous     bool              `json:"is_ambiguous"`
	CandidateTables []string          `json:"candidate_tables,omitempty"`
	Clarification   string            `json:"clarification,omitempty"`
	RetryCount      int               `json:"retry_count"`
	LastError       string            `json:"last_error,omitempty"`
}

func (s *Session) result() Result {
	sets := s.ResultSets
	if sets == nil {
		sets = []query.ResultSet{}
	}
	return Result{
		RunID:           s.RunID,
		Outcome:         s.Outcome,
		FinalAnswer:     s.FinalAnswer,
		GeneratedSQL:    s.CandidateSQL,
		ResultSets:      sets,
		Plan:            s.Plan,
		ValidationNotes: s.ValidationNotes,
		TargetTables:    s.TargetTables,
		IsAmbiguous:     s.IsAmbiguous,
		CandidateTables: s.CandidateTables,
		Clarification:   s.Clarification,
		RetryCount:      s.RetryCount,
		LastError:       s.LastError,
	}
}

func (s *Session) setFailure(kind FailureKind, failedSQL, message string) {
	s.LastFailure = kind
	s.LastFailedSQL = failedSQL
	s.LastError = message
}

func (s *Session) clearFailure() {
	s.LastFailure = FailureNone
	s.LastFailedSQL = ""
	s.LastError = ""
}
