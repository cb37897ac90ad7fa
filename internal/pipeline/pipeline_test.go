package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckmesh/askmesh/internal/llm"
	"github.com/duckmesh/askmesh/internal/nl2sql"
	"github.com/duckmesh/askmesh/internal/query"
)

const ordersJudgment = `{"target_tables": ["orders"], "query_type": "aggregation", "is_ambiguous": false, "clarification_needed": "", "reasoning": "orders holds status"}`

func TestRunAnswersCountQuestionEndToEnd(t *testing.T) {
	h := newHarness(ordersTable())
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("count", int64(2))}, nil
	}
	generator := newScriptedGenerator().
		reply("resolver", "```json\n"+ordersJudgment+"\n```").
		reply("drafter", "PLAN: count orders whose status is completed\nSQL: SELECT count(*) FROM orders WHERE status = 'completed';").
		reply("validator", "STATUS: APPROVED\nISSUES: None\nSUGGESTION: None").
		on("synthesizer", func(p llm.Prompt) (string, error) {
			if !strings.Contains(p.User, "[2]") {
				return "", errors.New("result rows missing from prompt")
			}
			return "There are 2 completed orders.", nil
		})
	h.deps.Generator = generator
	h.deps.Translator = nl2sql.Select(nl2sql.NewHeuristicTranslator(), nl2sql.NewGenerativeTranslator(generator, ""))

	result := h.build(t).Run(context.Background(), "tenant-1", "how many completed orders are there")

	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, []string{"orders"}, result.TargetTables)
	assert.Equal(t, "SELECT count(*) FROM orders WHERE status = 'completed';", result.GeneratedSQL)
	assert.Equal(t, "count orders whose status is completed", result.Plan)
	require.Len(t, result.ResultSets, 1)
	assert.Equal(t, [][]any{{int64(2)}}, result.ResultSets[0].Rows)
	assert.Equal(t, "There are 2 completed orders.", result.FinalAnswer)
	assert.Zero(t, result.RetryCount)
	assert.Empty(t, result.LastError)
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, [][]string{{"SELECT count(*) FROM orders WHERE status = 'completed'"}}, h.warehouse.executions())
	assert.Contains(t, generator.lastPrompt("drafter"), "SELECT count(*) AS count FROM orders WHERE status = 'completed'")
	assert.Contains(t, generator.lastPrompt("drafter"), `"status":"completed"`)
	assert.Equal(t, 1, h.warehouse.closed)
}

func TestRunWithoutGeneratorUsesHeuristicsThroughout(t *testing.T) {
	h := newHarness(ordersTable())
	h.warehouse.execute = func(statements []string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("count", int64(2))}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "how many completed orders are there")

	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, "SELECT count(*) AS count FROM orders WHERE status = 'completed'", result.GeneratedSQL)
	assert.Equal(t, "The result is count = 2.", result.FinalAnswer)
	assert.Contains(t, result.ValidationNotes, "STATUS: APPROVED")
}

func TestResolverSelectsOnlyTableDespiteMalformedJudgment(t *testing.T) {
	for name, answer := range map[string]string{
		"malformed":  "I think you want the orders, probably",
		"bad schema": `{"target_tables": "orders", "is_ambiguous": "no"}`,
		"ambiguous":  `{"target_tables": [], "is_ambiguous": true}`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(ordersTable()).withTranslator("SELECT count(*) FROM orders")
			h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
				return []query.ResultSet{oneRow("count", int64(4))}, nil
			}
			h.deps.Generator = newScriptedGenerator().reply("resolver", answer)

			result := h.build(t).Run(context.Background(), "tenant-1", "what is going on")

			assert.False(t, result.IsAmbiguous)
			assert.Equal(t, []string{"orders"}, result.TargetTables)
			assert.Equal(t, OutcomeAnswered, result.Outcome)
		})
	}
}

func TestResolverDeclaresAmbiguityWithoutTableKeyword(t *testing.T) {
	for name, generator := range map[string]llm.Generator{
		"no generator":       nil,
		"generation fails":   newScriptedGenerator(),
		"unflagged no table": newScriptedGenerator().reply("resolver", `{"target_tables": [], "is_ambiguous": false}`),
		"hallucinated table": newScriptedGenerator().reply("resolver", `{"target_tables": ["invoices"], "is_ambiguous": false}`),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(ordersTable(), customersTable()).withTranslator("SELECT 1")
			h.deps.Generator = generator

			result := h.build(t).Run(context.Background(), "tenant-1", "what happened last week")

			assert.Equal(t, OutcomeAmbiguous, result.Outcome)
			assert.True(t, result.IsAmbiguous)
			assert.Equal(t, []string{"orders", "customers"}, result.CandidateTables)
			assert.Empty(t, result.FinalAnswer)
			assert.NotEmpty(t, result.Clarification)
			assert.Empty(t, h.warehouse.executions())
			assert.Equal(t, 1, h.warehouse.closed)
		})
	}
}

func TestResolverKeepsModelClarification(t *testing.T) {
	h := newHarness(ordersTable(), customersTable())
	h.deps.Generator = newScriptedGenerator().reply("resolver",
		`{"target_tables": ["orders"], "is_ambiguous": true, "clarification_needed": "Do you mean order count or customer count?"}`)

	result := h.build(t).Run(context.Background(), "tenant-1", "how many are there")

	assert.Equal(t, OutcomeAmbiguous, result.Outcome)
	assert.Equal(t, "Do you mean order count or customer count?", result.Clarification)
}

func TestResolverHonorsExplicitAmbiguityFlag(t *testing.T) {
	h := newHarness(ordersTable(), customersTable()).withTranslator("SELECT count(*) FROM orders")
	h.deps.Generator = newScriptedGenerator().reply("resolver", `{"target_tables": ["orders"], "is_ambiguous": true}`)

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, OutcomeAmbiguous, result.Outcome)
	assert.True(t, result.IsAmbiguous)
	assert.Equal(t, []string{"orders", "customers"}, result.CandidateTables)
	assert.Empty(t, h.warehouse.executions())
}

func TestResolverMatchesTableNamedInQuestion(t *testing.T) {
	h := newHarness(ordersTable(), customersTable())
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("count", int64(7))}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "How many Customers do we have?")

	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, []string{"customers"}, result.TargetTables)
	assert.Equal(t, "SELECT count(*) AS count FROM customers", result.GeneratedSQL)
}

func TestRunShortCircuitsWhenTenantHasNoTables(t *testing.T) {
	h := newHarness().withTranslator("SELECT 1")
	generator := newScriptedGenerator()
	h.deps.Generator = generator

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, OutcomeNoData, result.Outcome)
	assert.Equal(t, answerNoData, result.FinalAnswer)
	assert.Zero(t, generator.callCount("resolver"))
	assert.Empty(t, h.warehouse.executions())
	assert.Equal(t, 1, h.warehouse.closed)
}

func TestRunStopsRetryingAtBudgetOnExecutionFailure(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 4} {
		h := newHarness(ordersTable()).withTranslator("SELECT count(*) FROM orders")
		h.cfg.MaxRetries = maxRetries
		h.warehouse.execute = func(statements []string) ([]query.ResultSet, error) {
			return nil, &query.StatementError{Index: 0, SQL: statements[0], Err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
		}

		result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

		assert.Equal(t, OutcomeFailed, result.Outcome, "max=%d", maxRetries)
		assert.Equal(t, maxRetries, result.RetryCount, "max=%d", maxRetries)
		assert.Len(t, h.warehouse.executions(), maxRetries+1, "max=%d", maxRetries)
		assert.Empty(t, result.ResultSets)
		assert.Equal(t, "dial tcp 10.0.0.5:5432: connection refused", result.LastError)
		assert.Contains(t, result.FinalAnswer, "connection refused")
		assert.Contains(t, result.FinalAnswer, "attempt")
		assert.Equal(t, 1, h.warehouse.closed)
	}
}

func TestValidationIsAdvisoryOnceBudgetIsSpent(t *testing.T) {
	h := newHarness(ordersTable()).withTranslator("SELECT sum(amount) FROM orders")
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("sum", 23.5)}, nil
	}
	generator := newScriptedGenerator().
		reply("resolver", ordersJudgment).
		reply("validator", "STATUS: NEEDS_REVISION\nISSUES: should exclude cancelled orders\nSUGGESTION: None").
		reply("synthesizer", "Revenue is 23.5.")
	h.deps.Generator = generator

	result := h.build(t).Run(context.Background(), "tenant-1", "total revenue")

	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, 3, result.RetryCount)
	assert.Equal(t, 4, generator.callCount("validator"))
	assert.Len(t, h.warehouse.executions(), 1)
	assert.Empty(t, result.LastError)
	assert.Contains(t, result.ValidationNotes, "NEEDS_REVISION")
}

func TestValidationRevisionFeedsErrorToNextDraft(t *testing.T) {
	var requests []nl2sql.Request
	h := newHarness(ordersTable())
	h.deps.Translator = translatorFunc(func(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
		requests = append(requests, req)
		if len(requests) == 1 {
			return nl2sql.Result{SQL: "SELECT count(*) FROM orders JOIN refunds USING (id)"}, nil
		}
		return nl2sql.Result{SQL: "SELECT count(*) FROM orders"}, nil
	})
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("count", int64(4))}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	require.Len(t, requests, 2)
	assert.False(t, requests[0].IsRetry())
	assert.Equal(t, "SELECT count(*) FROM orders JOIN refunds USING (id)", requests[1].PreviousSQL)
	assert.Contains(t, requests[1].PreviousError, "refunds")
	assert.Equal(t, 1, result.RetryCount)
	assert.Equal(t, OutcomeAnswered, result.Outcome)
}

func TestValidatorRejectsUnknownColumnWithoutModel(t *testing.T) {
	var requests []nl2sql.Request
	h := newHarness(ordersTable())
	h.deps.Translator = translatorFunc(func(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
		requests = append(requests, req)
		if len(requests) == 1 {
			return nl2sql.Result{SQL: "SELECT nosuch_column FROM orders"}, nil
		}
		return nl2sql.Result{SQL: "SELECT o.status FROM orders o"}, nil
	})
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("status", "completed")}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "show order status")

	require.Len(t, requests, 2)
	assert.Contains(t, requests[1].PreviousError, "nosuch_column")
	assert.Equal(t, 1, result.RetryCount)
	assert.Equal(t, [][]string{{"SELECT o.status FROM orders o"}}, h.warehouse.executions())
	assert.Equal(t, OutcomeAnswered, result.Outcome)
}

func TestValidatorRejectsUnknownQualifiedColumn(t *testing.T) {
	h := newHarness(ordersTable(), customersTable()).withTranslator(
		"SELECT c.email FROM customers c JOIN orders o ON o.id = c.id",
		"SELECT c.name FROM customers c JOIN orders o ON o.id = c.id",
	)
	h.deps.Generator = newScriptedGenerator().
		reply("resolver", `{"target_tables":["customers","orders"],"is_ambiguous":false,"query_type":"list"}`).
		on("validator", func(llm.Prompt) (string, error) { return "", errors.New("rate limited") }).
		reply("synthesizer", "Ada placed an order.")
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("name", "Ada")}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "which customers placed orders")

	assert.Equal(t, 1, result.RetryCount)
	assert.Equal(t, [][]string{{"SELECT c.name FROM customers c JOIN orders o ON o.id = c.id"}}, h.warehouse.executions())
}

func TestRunnerRejectsForeignTablesWithoutExecuting(t *testing.T) {
	for _, maxRetries := range []int{0, 2} {
		h := newHarness(ordersTable()).withTranslator("SELECT o.id FROM orders o JOIN tenant_2_secrets s ON s.id = o.id")
		h.cfg.MaxRetries = maxRetries
		h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
			t.Fatal("statement executed despite access violation")
			return nil, nil
		}

		result := h.build(t).Run(context.Background(), "tenant-1", "show orders")

		assert.Equal(t, OutcomeAccessDenied, result.Outcome)
		assert.Empty(t, h.warehouse.executions())
		assert.Empty(t, result.ResultSets)
		assert.Equal(t, maxRetries, result.RetryCount)
		assert.Contains(t, result.FinalAnswer, "tenant_2_secrets")
		assert.Contains(t, result.LastError, "access denied")
	}
}

func TestRunnerRejectsSystemFunctions(t *testing.T) {
	h := newHarness(ordersTable()).withTranslator("SELECT pg_read_file('/etc/passwd') FROM orders")
	h.cfg.MaxRetries = 0

	result := h.build(t).Run(context.Background(), "tenant-1", "show orders")

	assert.Equal(t, OutcomeAccessDenied, result.Outcome)
	assert.Empty(t, h.warehouse.executions())
	assert.Contains(t, result.FinalAnswer, "pg_read_file")
}

func TestRunnerExecutesEveryStatementInOrder(t *testing.T) {
	h := newHarness(ordersTable()).withTranslator("SELECT 1; SELECT 2;")
	h.warehouse.execute = func(statements []string) ([]query.ResultSet, error) {
		sets := make([]query.ResultSet, 0, len(statements))
		for i := range statements {
			sets = append(sets, oneRow("?column?", int64(i+1)))
		}
		return sets, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, [][]string{{"SELECT 1", "SELECT 2"}}, h.warehouse.executions())
	require.Len(t, result.ResultSets, 2)
	assert.Equal(t, [][]any{{int64(1)}}, result.ResultSets[0].Rows)
	assert.Equal(t, [][]any{{int64(2)}}, result.ResultSets[1].Rows)
	assert.Equal(t, OutcomeAnswered, result.Outcome)
}

func TestRunnerKeepsDatabaseErrorForLaterStatement(t *testing.T) {
	h := newHarness(ordersTable()).withTranslator("SELECT count(*) FROM orders; SELECT sum(amount) FROM orders")
	h.cfg.MaxRetries = 0
	h.warehouse.execute = func(statements []string) ([]query.ResultSet, error) {
		return nil, &query.StatementError{Index: 1, SQL: statements[1], Err: errors.New("canceling statement due to statement timeout")}
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "orders count and revenue")

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "canceling statement due to statement timeout", result.LastError)
}

func TestRunnerSkipsEmptyResultSets(t *testing.T) {
	h := newHarness(ordersTable()).withTranslator("SELECT id FROM orders WHERE false; SELECT count(*) FROM orders")
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{
			{Columns: []string{"id"}, Rows: [][]any{}},
			oneRow("count", int64(4)),
		}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	require.Len(t, result.ResultSets, 1)
	assert.Equal(t, []string{"count"}, result.ResultSets[0].Columns)
}

func TestRunReportsEmptySuccessWithoutGeneration(t *testing.T) {
	h := newHarness(ordersTable()).withTranslator("SELECT id FROM orders WHERE amount > 1000")
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{{Columns: []string{"id"}, Rows: [][]any{}}}, nil
	}
	generator := newScriptedGenerator().
		reply("resolver", ordersJudgment).
		reply("validator", "STATUS: APPROVED")
	h.deps.Generator = generator

	result := h.build(t).Run(context.Background(), "tenant-1", "big orders")

	assert.Equal(t, OutcomeEmpty, result.Outcome)
	assert.Equal(t, answerEmpty, result.FinalAnswer)
	assert.Empty(t, result.ResultSets)
	assert.Zero(t, generator.callCount("synthesizer"))
}

func TestCorrectionIsRememberedAndOfferedToLaterRuns(t *testing.T) {
	mem := newMemory(t)
	h := newHarness(ordersTable()).withTranslator(
		"SELECT count(*) FROM orders WHERE status = 1",
		"SELECT count(*) FROM orders WHERE status = 'completed'",
	)
	h.deps.Memory = mem
	h.warehouse.execute = func(statements []string) ([]query.ResultSet, error) {
		if strings.Contains(statements[0], "status = 1") {
			return nil, &query.StatementError{SQL: statements[0], Err: errors.New(`operator does not exist: text = integer`)}
		}
		return []query.ResultSet{oneRow("count", int64(2))}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "how many completed orders are there")
	require.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, 1, result.RetryCount)

	require.Equal(t, 1, mem.Len())
	entry := mem.Recent("tenant-1", 1)[0]
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.Equal(t, "SELECT count(*) FROM orders WHERE status = 1", entry.FailedSQL)
	assert.Equal(t, `operator does not exist: text = integer`, entry.Error)
	assert.Equal(t, "SELECT count(*) FROM orders WHERE status = 'completed'", entry.CorrectedSQL)

	var seen nl2sql.Request
	h.deps.Translator = translatorFunc(func(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
		seen = req
		return nl2sql.Result{SQL: "SELECT count(*) FROM orders WHERE status = 'pending'"}, nil
	})
	h.build(t).Run(context.Background(), "tenant-1", "how many pending orders are there")

	require.Len(t, seen.Corrections, 1)
	assert.Equal(t, entry.CorrectedSQL, seen.Corrections[0].CorrectedSQL)
}

func TestSuccessWithoutPriorExecutionFailureRecordsNothing(t *testing.T) {
	mem := newMemory(t)
	h := newHarness(ordersTable()).withTranslator("SELECT count(*) FROM orders JOIN refunds USING (id)", "SELECT count(*) FROM orders")
	h.deps.Memory = mem
	h.warehouse.execute = func([]string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("count", int64(4))}, nil
	}

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, 1, result.RetryCount)
	assert.Zero(t, mem.Len())
}

func TestDraftingFailuresAreRetriedThenReported(t *testing.T) {
	h := newHarness(ordersTable())
	calls := 0
	h.deps.Translator = translatorFunc(func(context.Context, nl2sql.Request) (nl2sql.Result, error) {
		calls++
		return nl2sql.Result{}, errors.New("429 rate limited")
	})

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, result.RetryCount)
	assert.Equal(t, "drafting failed: 429 rate limited", result.LastError)
	assert.Empty(t, h.warehouse.executions())
}

func TestRunStopsAtDeadline(t *testing.T) {
	h := newHarness(ordersTable())
	h.cfg.Timeout = 20 * time.Millisecond
	h.deps.Translator = translatorFunc(func(ctx context.Context, _ nl2sql.Request) (nl2sql.Result, error) {
		<-ctx.Done()
		return nl2sql.Result{}, ctx.Err()
	})

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, OutcomeTimedOut, result.Outcome)
	assert.Equal(t, answerTimedOut, result.FinalAnswer)
	assert.LessOrEqual(t, result.RetryCount, 1)
	assert.Equal(t, 1, h.warehouse.closed)
}

func TestRunRecoversFromStagePanics(t *testing.T) {
	h := newHarness(ordersTable())
	h.deps.Translator = translatorFunc(func(context.Context, nl2sql.Request) (nl2sql.Result, error) {
		panic("boom")
	})

	result := h.build(t).Run(context.Background(), "tenant-1", "how many orders")

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, answerInternal, result.FinalAnswer)
	assert.Equal(t, 1, h.warehouse.closed)
}

func TestExecuteAppliesAccessPolicy(t *testing.T) {
	h := newHarness(ordersTable())
	h.warehouse.execute = func(statements []string) ([]query.ResultSet, error) {
		return []query.ResultSet{oneRow("n", int64(len(statements)))}, nil
	}
	p := h.build(t)

	sets, err := p.Execute(context.Background(), "tenant-1", "SELECT count(*) FROM orders;")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"SELECT count(*) FROM orders"}}, h.warehouse.executions())
	assert.Len(t, sets, 1)

	_, err = p.Execute(context.Background(), "tenant-1", "SELECT * FROM customers")
	assert.ErrorContains(t, err, "access denied")
	assert.Len(t, h.warehouse.executions(), 1)
}

func TestSchemaDescribesTenantTables(t *testing.T) {
	h := newHarness(ordersTable(), customersTable())
	h.tables = fakeTables{"orders"}

	info, err := h.build(t).Schema(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.Len(t, info.Tables, 1)
	assert.Equal(t, "orders", info.Tables[0].Name)
	assert.Equal(t, "Table: orders\n - id (integer)\n - amount (numeric)\n - status (text)\n", info.Description)
	assert.Equal(t, 1, h.warehouse.closed)
}

func TestNewRequiresEngineAndTables(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Engine: &fakeWarehouse{}})
	assert.Error(t, err)
}
