package nl2sql

import "strings"

const (
	planMarker = "PLAN:"
	sqlMarker  = "SQL:"
)

// ParseDraft splits a "PLAN: ... SQL: ..." response. Without a SQL marker the
// whole response is taken as SQL and the plan is empty.
func ParseDraft(text string) (plan, sql string) {
	idx := strings.Index(text, sqlMarker)
	if idx < 0 {
		return "", stripMarkdownSQL(text)
	}
	plan = strings.TrimSpace(text[:idx])
	plan = strings.TrimSpace(strings.TrimPrefix(plan, planMarker))
	return plan, stripMarkdownSQL(text[idx+len(sqlMarker):])
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if start := strings.Index(trimmed, "```"); start >= 0 {
		trimmed = trimmed[start+3:]
		if end := strings.Index(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
		trimmed = strings.TrimSpace(trimmed)
		if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "sql") {
			trimmed = trimmed[3:]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
