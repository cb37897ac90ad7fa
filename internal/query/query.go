package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NoTablesMarker is the schema description returned for a tenant without
// any queryable tables.
const NoTablesMarker = "No tables available for this tenant."

var ErrNoTables = errors.New("query: tenant has no tables")

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Engine hands out per-request warehouse sessions. A session holds one
// connection until Close is called.
type Engine interface {
	Acquire(ctx context.Context, tenantID string) (Session, error)
}

type Session interface {
	// Columns describes the named tables. Tables unknown to the warehouse
	// are omitted from the result.
	Columns(ctx context.Context, tables []string) ([]TableSchema, error)
	SampleRows(ctx context.Context, table string, limit int) (ResultSet, error)
	// Execute runs the statements in order inside one transaction and
	// returns one result set per statement. The first failing statement
	// aborts the rest.
	Execute(ctx context.Context, statements []string) ([]ResultSet, error)
	Close() error
}

type StatementError struct {
	Index int
	SQL   string
	Err   error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d: %v", e.Index+1, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// FormatSchema renders table descriptions as repeated
// "Table: <name>\n - <column> (<type>)" blocks.
func FormatSchema(tables []TableSchema) string {
	if len(tables) == 0 {
		return NoTablesMarker
	}
	var b strings.Builder
	for i, table := range tables {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Table: ")
		b.WriteString(table.Name)
		b.WriteString("\n")
		for _, column := range table.Columns {
			fmt.Fprintf(&b, " - %s (%s)\n", column.Name, column.Type)
		}
	}
	return b.String()
}

// FilterSchema keeps only the named tables, in the given name order.
func FilterSchema(tables []TableSchema, names []string) []TableSchema {
	byName := make(map[string]TableSchema, len(tables))
	for _, table := range tables {
		byName[strings.ToLower(table.Name)] = table
	}
	out := make([]TableSchema, 0, len(names))
	for _, name := range names {
		if table, ok := byName[strings.ToLower(name)]; ok {
			out = append(out, table)
		}
	}
	return out
}

// TotalRows counts rows across result sets.
func TotalRows(sets []ResultSet) int {
	total := 0
	for _, set := range sets {
		total += len(set.Rows)
	}
	return total
}
