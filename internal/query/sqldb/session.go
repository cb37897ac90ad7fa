package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/askmesh/internal/query"
)

const defaultMaxRows = 10000

type Options struct {
	// Schema is the warehouse schema holding tenant tables.
	Schema string
	// QualifyTables prefixes sampled table names with Schema.
	QualifyTables bool
	ReadOnly      bool
	MaxRows       int
	// Prelude statements run inside the transaction before user statements.
	Prelude []string
}

// Session is a query.Session over one dedicated database/sql connection.
type Session struct {
	conn    *sql.Conn
	opts    Options
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

func NewSession(conn *sql.Conn, opts Options, onClose func() error) *Session {
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaultMaxRows
	}
	return &Session{conn: conn, opts: opts, onClose: onClose}
}

func (s *Session) Columns(ctx context.Context, tables []string) ([]query.TableSchema, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		wanted[strings.ToLower(table)] = struct{}{}
	}

	rows, err := s.conn.QueryContext(ctx, `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`, s.opts.Schema)
	if err != nil {
		return nil, fmt.Errorf("describe tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	described := make([]query.TableSchema, 0, len(tables))
	index := map[string]int{}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		if _, ok := wanted[strings.ToLower(tableName)]; !ok {
			continue
		}
		position, ok := index[tableName]
		if !ok {
			position = len(described)
			index[tableName] = position
			described = append(described, query.TableSchema{Name: tableName})
		}
		described[position].Columns = append(described[position].Columns, query.Column{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return query.FilterSchema(described, tables), nil
}

func (s *Session) SampleRows(ctx context.Context, table string, limit int) (query.ResultSet, error) {
	if limit <= 0 {
		return query.ResultSet{}, nil
	}
	name := QuoteIdent(table)
	if s.opts.QualifyTables && s.opts.Schema != "" {
		name = QuoteIdent(s.opts.Schema) + "." + name
	}
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", name, limit))
	if err != nil {
		return query.ResultSet{}, fmt.Errorf("sample table %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, limit)
}

func (s *Session) Execute(ctx context.Context, statements []string) ([]query.ResultSet, error) {
	if len(statements) == 0 {
		return nil, fmt.Errorf("at least one statement is required")
	}

	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	// Nothing executed here is ever committed.
	defer func() { _ = tx.Rollback() }()

	for _, prelude := range s.opts.Prelude {
		if _, err := tx.ExecContext(ctx, prelude); err != nil {
			return nil, fmt.Errorf("prepare session: %w", err)
		}
	}

	sets := make([]query.ResultSet, 0, len(statements))
	for i, statement := range statements {
		set, err := runStatement(ctx, tx, statement, s.opts.MaxRows)
		if err != nil {
			return nil, &query.StatementError{Index: i, SQL: statement, Err: err}
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := s.conn.Close()
		if s.onClose != nil {
			err = errors.Join(err, s.onClose())
		}
		s.closeErr = err
	})
	return s.closeErr
}

func runStatement(ctx context.Context, tx *sql.Tx, statement string, maxRows int) (query.ResultSet, error) {
	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return query.ResultSet{}, err
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, maxRows)
}

func collect(rows *sql.Rows, maxRows int) (query.ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return query.ResultSet{}, fmt.Errorf("query columns: %w", err)
	}

	set := query.ResultSet{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(set.Rows) >= maxRows {
			set.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.ResultSet{}, fmt.Errorf("scan row: %w", err)
		}
		set.Rows = append(set.Rows, NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.ResultSet{}, fmt.Errorf("iterate rows: %w", err)
	}
	return set, nil
}

// NormalizeValues converts driver values into JSON-friendly values.
func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed
		case fmt.Stringer:
			normalized[i] = typed.String()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
