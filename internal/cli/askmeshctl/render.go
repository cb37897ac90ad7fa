package askmeshctl

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/pipeline"
	"github.com/duckmesh/askmesh/internal/query"
)

const maxCellWidth = 60

type exportResult struct {
	ExportID  string `json:"export_id"`
	ObjectKey string `json:"object_key"`
	Format    string `json:"format"`
	Rows      int    `json:"rows"`
	SizeBytes int64  `json:"size_bytes"`
	Truncated bool   `json:"truncated"`
}

type correctionList struct {
	Entries  []memory.Entry `json:"entries"`
	Total    int            `json:"total"`
	Capacity int            `json:"capacity"`
}

type tableFile struct {
	Path          string `json:"path"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	RecordCount   int64  `json:"record_count"`
}

type tableItem struct {
	TableName   string      `json:"table_name"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
	Files       []tableFile `json:"files"`
}

type tableList struct {
	TenantID string      `json:"tenant_id"`
	Tables   []tableItem `json:"tables"`
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderAskResult(w io.Writer, result pipeline.Result) {
	_, _ = fmt.Fprintf(w, "outcome: %s", result.Outcome)
	if result.RetryCount > 0 {
		_, _ = fmt.Fprintf(w, " (retries: %d)", result.RetryCount)
	}
	_, _ = fmt.Fprintln(w)
	if result.FinalAnswer != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", result.FinalAnswer)
	}
	if result.IsAmbiguous && len(result.CandidateTables) > 0 {
		_, _ = fmt.Fprintf(w, "\ncandidate tables: %s\n", strings.Join(result.CandidateTables, ", "))
	}
	if result.GeneratedSQL != "" {
		_, _ = fmt.Fprintf(w, "\nsql:\n%s\n", result.GeneratedSQL)
	}
	for i, set := range result.ResultSets {
		if len(result.ResultSets) > 1 {
			_, _ = fmt.Fprintf(w, "\nresult set %d:\n", i+1)
		} else {
			_, _ = fmt.Fprintln(w)
		}
		renderResultSet(w, set)
	}
}

func renderResultSet(w io.Writer, set query.ResultSet) {
	if len(set.Rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return
	}
	t := newTable(w)
	header := make(table.Row, len(set.Columns))
	for i, column := range set.Columns {
		header[i] = column
	}
	t.AppendHeader(header)
	for _, values := range set.Rows {
		row := make(table.Row, len(set.Columns))
		for i := range row {
			if i < len(values) {
				row[i] = formatValue(values[i])
			}
		}
		t.AppendRow(row)
	}
	t.Render()
	suffix := ""
	if set.Truncated {
		suffix = ", truncated"
	}
	_, _ = fmt.Fprintf(w, "(%d rows%s)\n", len(set.Rows), suffix)
}

func renderSchema(w io.Writer, info pipeline.SchemaInfo) {
	if len(info.Tables) == 0 {
		_, _ = fmt.Fprintln(w, info.Description)
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"table", "column", "type"})
	for _, schema := range info.Tables {
		for i, column := range schema.Columns {
			name := ""
			if i == 0 {
				name = schema.Name
			}
			t.AppendRow(table.Row{name, column.Name, column.Type})
		}
		t.AppendSeparator()
	}
	t.Render()
}

func renderTables(w io.Writer, items []tableItem) {
	if len(items) == 0 {
		_, _ = fmt.Fprintln(w, "(0 tables)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"table", "description", "files", "records", "bytes", "created"})
	for _, item := range items {
		var records, size int64
		for _, file := range item.Files {
			records += file.RecordCount
			size += file.FileSizeBytes
		}
		created := ""
		if !item.CreatedAt.IsZero() {
			created = item.CreatedAt.UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{item.TableName, truncate(item.Description), len(item.Files), records, size, created})
	}
	t.Render()
}

func renderCorrections(w io.Writer, list correctionList) {
	if len(list.Entries) == 0 {
		_, _ = fmt.Fprintln(w, "(0 corrections)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"recorded", "question", "error", "corrected sql"})
	for _, entry := range list.Entries {
		t.AppendRow(table.Row{
			entry.RecordedAt.UTC().Format(time.RFC3339),
			truncate(entry.Query),
			truncate(entry.Error),
			truncate(entry.CorrectedSQL),
		})
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d of %d, capacity %d)\n", len(list.Entries), list.Total, list.Capacity)
}

func renderExport(w io.Writer, result exportResult) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"export_id", result.ExportID},
		{"object_key", result.ObjectKey},
		{"format", result.Format},
		{"rows", result.Rows},
		{"size_bytes", result.SizeBytes},
		{"truncated", result.Truncated},
	})
	t.Render()
}

func formatValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return "NULL"
	case string:
		return truncate(typed)
	case float64:
		// JSON numbers decode as float64; keep integers free of exponents.
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	default:
		return truncate(fmt.Sprint(typed))
	}
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxCellWidth {
		return s
	}
	return string(runes[:maxCellWidth-3]) + "..."
}
