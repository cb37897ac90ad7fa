package sqlguard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	allowedTableFunctions = map[string]bool{
		"generate_series": true,
		"unnest":          true,
	}
	deniedFunctions = map[string]bool{
		"dblink":                     true,
		"dblink_exec":                true,
		"query_to_xml":               true,
		"query_to_xml_and_xmlschema": true,
		"table_to_xml":               true,
		"cursor_to_xml":              true,
		"set_config":                 true,
		"current_setting":            true,
	}
	deniedFunctionPrefixes = []string{"pg_", "lo_"}
	writeStatements        = map[string]bool{
		"InsertStmt": true,
		"UpdateStmt": true,
		"DeleteStmt": true,
		"MergeStmt":  true,
	}
)

type Policy struct {
	// SharedTables may be read by every tenant.
	SharedTables []string
	// FoldSchemas are schema qualifiers dropped from table names.
	FoldSchemas []string
	// Strict reports parser failures as *SyntaxError instead of falling
	// back to pattern-based extraction.
	Strict bool
}

type Guard struct {
	shared map[string]bool
	fold   map[string]bool
	strict bool
}

type Inspection struct {
	Statements []string
	// Tables are the distinct referenced tables, lower-cased, in order of
	// first appearance. CTE names are not tables.
	Tables    []string
	Functions []string
	ReadOnly  bool
	// Parsed is false when the pattern fallback was used.
	Parsed bool
	// Columns are the column references of a parsed statement. The pattern
	// fallback leaves them empty.
	Columns []ColumnRef

	names *nameScope
}

func New(policy Policy) *Guard {
	g := &Guard{
		shared: map[string]bool{},
		fold:   map[string]bool{"public": true},
		strict: policy.Strict,
	}
	for _, schema := range policy.FoldSchemas {
		if schema = strings.ToLower(strings.TrimSpace(schema)); schema != "" {
			g.fold[schema] = true
		}
	}
	for _, table := range policy.SharedTables {
		if table = g.normalize(table); table != "" {
			g.shared[table] = true
		}
	}
	return g
}

func (g *Guard) IsShared(table string) bool {
	return g.shared[g.normalize(table)]
}

// Inspect splits sqlText into statements and reports what they reference.
func (g *Guard) Inspect(sqlText string) (Inspection, error) {
	if strings.TrimSpace(stripTrailingSemicolons(sqlText)) == "" {
		return Inspection{}, ErrEmpty
	}

	tree, err := pg_query.ParseToJSON(sqlText)
	if err != nil {
		if g.strict {
			return Inspection{}, &SyntaxError{Err: err}
		}
		return g.inspectFallback(sqlText), nil
	}

	statements, err := pg_query.SplitWithParser(sqlText, true)
	if err != nil {
		return Inspection{}, &SyntaxError{Err: err}
	}
	statements = dropEmpty(statements)
	if len(statements) == 0 {
		return Inspection{}, ErrEmpty
	}

	var parsed struct {
		Stmts []struct {
			Stmt map[string]any `json:"stmt"`
		} `json:"stmts"`
	}
	if err := json.Unmarshal([]byte(tree), &parsed); err != nil {
		return Inspection{}, fmt.Errorf("decode parse tree: %w", err)
	}

	c := newCollector(g.fold)
	for _, item := range parsed.Stmts {
		if _, ok := item.Stmt["SelectStmt"]; !ok || len(item.Stmt) != 1 {
			c.readOnly = false
		}
		c.walk(item.Stmt, nil)
	}

	return Inspection{
		Statements: statements,
		Tables:     c.tables,
		Functions:  c.functions,
		ReadOnly:   c.readOnly,
		Parsed:     true,
		Columns:    c.columns,
		names:      c.names,
	}, nil
}

// Authorize inspects sqlText and enforces the read-only rule and the
// tenant allowlist. Nothing is executed.
func (g *Guard) Authorize(sqlText string, allowed []string) (Inspection, error) {
	inspection, err := g.Inspect(sqlText)
	if err != nil {
		return inspection, err
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, table := range allowed {
		allowedSet[g.normalize(table)] = true
	}
	denied := make([]string, 0)
	for _, table := range inspection.Tables {
		if !allowedSet[table] && !g.shared[table] {
			denied = append(denied, table)
		}
	}
	if len(denied) > 0 || len(inspection.Functions) > 0 {
		return inspection, &AccessDeniedError{Tables: denied, Functions: inspection.Functions}
	}
	if !inspection.ReadOnly {
		return inspection, ErrNotReadOnly
	}
	return inspection, nil
}

type collector struct {
	fold      map[string]bool
	tables    []string
	seen      map[string]bool
	functions []string
	seenFuncs map[string]bool
	readOnly  bool
	columns   []ColumnRef
	names     *nameScope
}

func newCollector(fold map[string]bool) *collector {
	return &collector{
		fold:      fold,
		seen:      map[string]bool{},
		seenFuncs: map[string]bool{},
		readOnly:  true,
		names:     newNameScope(),
	}
}

// walk visits every node of a decoded parse tree. scope holds the CTE names
// visible at this point of the tree.
func (c *collector) walk(node any, scope map[string]bool) {
	switch n := node.(type) {
	case []any:
		for _, item := range n {
			c.walk(item, scope)
		}
	case map[string]any:
		keys := make([]string, 0, len(n))
		for key := range n {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			c.visit(key, n[key], scope)
		}
	}
}

func (c *collector) visit(key string, value any, scope map[string]bool) {
	body, _ := value.(map[string]any)
	switch {
	case writeStatements[key]:
		c.readOnly = false
	case key == "SelectStmt" && body != nil:
		if body["intoClause"] != nil || body["lockingClause"] != nil {
			c.readOnly = false
		}
	case key == "RangeVar" && body != nil:
		c.addTable(body, scope)
		return
	case key == "ColumnRef" && body != nil:
		if ref, ok := columnRef(body["fields"]); ok {
			c.columns = append(c.columns, ref)
		}
		return
	case key == "RangeFunction" && body != nil:
		// set-returning functions name their own output columns
		c.names.opaque = true
		for _, name := range functionNames(body["functions"]) {
			c.names.derive(name)
			if !allowedTableFunctions[name] {
				c.addFunction(name)
			}
		}
	case key == "ResTarget" && body != nil:
		name, _ := body["name"].(string)
		c.names.derive(name)
	case key == "CommonTableExpr" && body != nil:
		name, _ := body["ctename"].(string)
		c.names.derive(name)
		c.names.derive(stringValues(body["aliascolnames"])...)
	case key == "alias" && body != nil:
		name, _ := body["aliasname"].(string)
		c.names.derive(name)
		c.names.derive(stringValues(body["colnames"])...)
	case key == "valuesLists" && value != nil:
		c.names.opaque = true
	case key == "FuncCall" && body != nil:
		if name := lastName(body["funcname"]); name != "" && isDeniedFunction(name) {
			c.addFunction(name)
		}
	}

	if body != nil {
		if with, ok := body["withClause"].(map[string]any); ok {
			c.walkWith(body, with, scope)
			return
		}
	}
	c.walk(value, scope)
}

// walkWith applies CTE visibility: a non-recursive CTE body sees only the
// CTEs defined before it, the statement body sees all of them.
func (c *collector) walkWith(body, with map[string]any, scope map[string]bool) {
	recursive, _ := with["recursive"].(bool)
	ctes, _ := with["ctes"].([]any)

	names := make([]string, 0, len(ctes))
	for _, item := range ctes {
		names = append(names, cteName(item))
	}
	for i, item := range ctes {
		visible := names[:i]
		if recursive {
			visible = names
		}
		c.walk(item, extendScope(scope, visible))
	}

	inner := extendScope(scope, names)
	rest := make(map[string]any, len(body))
	for key, value := range body {
		if key != "withClause" {
			rest[key] = value
		}
	}
	c.walk(rest, inner)
}

func (c *collector) addTable(rangeVar map[string]any, scope map[string]bool) {
	relname, _ := rangeVar["relname"].(string)
	schemaname, _ := rangeVar["schemaname"].(string)
	catalogname, _ := rangeVar["catalogname"].(string)
	if relname == "" {
		return
	}
	name := strings.ToLower(relname)
	schema := strings.ToLower(schemaname)
	if schema == "" && catalogname == "" && scope[name] {
		return
	}
	if schema != "" && !c.fold[schema] {
		name = schema + "." + name
	}
	if catalogname != "" {
		name = strings.ToLower(catalogname) + "." + schema + "." + strings.ToLower(relname)
	}
	if alias, ok := rangeVar["alias"].(map[string]any); ok {
		aliasName, _ := alias["aliasname"].(string)
		renamed := stringValues(alias["colnames"])
		c.names.derive(renamed...)
		c.names.alias(aliasName, name, len(renamed) > 0)
	}
	if !c.seen[name] {
		c.seen[name] = true
		c.tables = append(c.tables, name)
	}
}

func (c *collector) addFunction(name string) {
	if !c.seenFuncs[name] {
		c.seenFuncs[name] = true
		c.functions = append(c.functions, name)
	}
}

func cteName(node any) string {
	wrapper, _ := node.(map[string]any)
	cte, _ := wrapper["CommonTableExpr"].(map[string]any)
	name, _ := cte["ctename"].(string)
	return strings.ToLower(name)
}

func extendScope(scope map[string]bool, names []string) map[string]bool {
	if len(names) == 0 {
		return scope
	}
	out := make(map[string]bool, len(scope)+len(names))
	for name := range scope {
		out[name] = true
	}
	for _, name := range names {
		if name != "" {
			out[name] = true
		}
	}
	return out
}

// functionNames extracts the called function names of a RangeFunction's
// "functions" list, which nests FuncCall nodes inside List items.
func functionNames(node any) []string {
	var names []string
	var find func(any)
	find = func(n any) {
		switch typed := n.(type) {
		case []any:
			for _, item := range typed {
				find(item)
			}
		case map[string]any:
			if call, ok := typed["FuncCall"].(map[string]any); ok {
				if name := lastName(call["funcname"]); name != "" {
					names = append(names, name)
				}
				return
			}
			for _, value := range typed {
				find(value)
			}
		}
	}
	find(node)
	return names
}

func lastName(node any) string {
	parts, _ := node.([]any)
	if len(parts) == 0 {
		return ""
	}
	wrapper, _ := parts[len(parts)-1].(map[string]any)
	str, _ := wrapper["String"].(map[string]any)
	name, _ := str["sval"].(string)
	return strings.ToLower(name)
}

func isDeniedFunction(name string) bool {
	if deniedFunctions[name] {
		return true
	}
	for _, prefix := range deniedFunctionPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (g *Guard) normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if schema, table, ok := strings.Cut(name, "."); ok && g.fold[schema] && !strings.Contains(table, ".") {
		return table
	}
	return name
}

func dropEmpty(statements []string) []string {
	out := make([]string, 0, len(statements))
	for _, statement := range statements {
		statement = strings.TrimSpace(stripTrailingSemicolons(statement))
		if statement != "" {
			out = append(out, statement)
		}
	}
	return out
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
