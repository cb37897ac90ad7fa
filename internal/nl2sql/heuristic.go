package nl2sql

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/duckmesh/askmesh/internal/query"
)

var wordPattern = regexp.MustCompile(`[a-z0-9_]+`)

type aggregate struct {
	fn       string
	keywords []string
	numeric  bool
}

// Checked in order; the first matching keyword wins.
var aggregates = []aggregate{
	{fn: "count", keywords: []string{"how many", "count", "number of"}},
	{fn: "avg", keywords: []string{"average", "avg", "mean"}, numeric: true},
	{fn: "sum", keywords: []string{"total", "sum"}, numeric: true},
	{fn: "max", keywords: []string{"highest", "largest", "maximum", "max"}, numeric: true},
	{fn: "min", keywords: []string{"lowest", "smallest", "minimum", "min"}, numeric: true},
}

// HeuristicTranslator drafts single-table SQL from keyword rules and sampled
// values. It never calls out of process.
type HeuristicTranslator struct {
	// RowLimit caps non-aggregate queries.
	RowLimit int
}

func NewHeuristicTranslator() *HeuristicTranslator {
	return &HeuristicTranslator{RowLimit: 100}
}

func (h *HeuristicTranslator) Translate(_ context.Context, req Request) (Result, error) {
	if len(req.Tables) != 1 {
		return Result{}, ErrNoSuggestion
	}
	tables := query.FilterSchema(req.Columns, req.Tables)
	if len(tables) != 1 || len(tables[0].Columns) == 0 {
		return Result{}, ErrNoSuggestion
	}
	table := tables[0]
	question := strings.ToLower(req.Question)
	words := map[string]bool{}
	for _, word := range wordPattern.FindAllString(question, -1) {
		words[word] = true
	}

	var plan []string
	selectList := "*"
	isAggregate := false
	for _, agg := range aggregates {
		if !containsAny(question, words, agg.keywords) {
			continue
		}
		if !agg.numeric {
			selectList = "count(*) AS count"
			plan = append(plan, "count rows of "+table.Name)
			isAggregate = true
			break
		}
		column, ok := numericColumn(table, words)
		if !ok {
			continue
		}
		selectList = fmt.Sprintf("%s(%s) AS %s_%s", agg.fn, column, agg.fn, column)
		plan = append(plan, fmt.Sprintf("compute %s of %s.%s", agg.fn, table.Name, column))
		isAggregate = true
		break
	}
	if !isAggregate {
		plan = append(plan, "list rows of "+table.Name)
	}

	filters := valueFilters(table, req.Samples[table.Name], words)
	for _, filter := range filters {
		plan = append(plan, "filter by "+filter)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectList, table.Name)
	if len(filters) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(filters, " AND "))
	}
	if !isAggregate && h.RowLimit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", h.RowLimit)
	}

	return Result{
		Plan:     "Heuristic draft: " + strings.Join(plan, ", ") + ".",
		SQL:      b.String(),
		Provider: "heuristic",
	}, nil
}

func containsAny(question string, words map[string]bool, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(keyword, " ") {
			if strings.Contains(question, keyword) {
				return true
			}
			continue
		}
		if words[keyword] {
			return true
		}
	}
	return false
}

// numericColumn prefers a numeric column named in the question, then the
// first numeric column that is not an identifier.
func numericColumn(table query.TableSchema, words map[string]bool) (string, bool) {
	fallback := ""
	for _, column := range table.Columns {
		if !isNumericType(column.Type) {
			continue
		}
		name := strings.ToLower(column.Name)
		if words[name] {
			return column.Name, true
		}
		if fallback == "" && name != "id" && !strings.HasSuffix(name, "_id") {
			fallback = column.Name
		}
	}
	return fallback, fallback != ""
}

func isNumericType(columnType string) bool {
	columnType = strings.ToLower(columnType)
	for _, marker := range []string{"int", "numeric", "decimal", "double", "real", "float"} {
		if strings.Contains(columnType, marker) {
			return true
		}
	}
	return false
}

// valueFilters matches question words against sampled text values and
// returns one equality predicate per matching column.
func valueFilters(table query.TableSchema, samples query.ResultSet, words map[string]bool) []string {
	textColumns := map[string]bool{}
	for _, column := range table.Columns {
		if !isNumericType(column.Type) {
			textColumns[column.Name] = true
		}
	}

	var filters []string
	matched := map[string]bool{}
	for _, row := range samples.Rows {
		for i, value := range row {
			if i >= len(samples.Columns) {
				break
			}
			column := samples.Columns[i]
			text, ok := value.(string)
			if !ok || !textColumns[column] || matched[column] {
				continue
			}
			lowered := strings.ToLower(strings.TrimSpace(text))
			if len(lowered) < 3 || !words[lowered] {
				continue
			}
			matched[column] = true
			filters = append(filters, fmt.Sprintf("%s = '%s'", column, strings.ReplaceAll(text, "'", "''")))
		}
	}
	return filters
}
