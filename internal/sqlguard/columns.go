package sqlguard

import (
	"sort"
	"strings"
)

// ColumnRef is a column reference as written. Qualifier is the table or
// alias in front of the name, empty when unqualified.
type ColumnRef struct {
	Qualifier string
	Name      string
}

func (r ColumnRef) String() string {
	if r.Qualifier == "" {
		return r.Name
	}
	return r.Qualifier + "." + r.Name
}

// nameScope tracks the names a statement introduces besides real columns:
// output aliases, CTE and subquery names, function columns and table
// aliases.
type nameScope struct {
	derived map[string]bool
	aliases map[string]string
	// unresolved aliases point at several tables or rename their columns.
	unresolved map[string]bool
	// opaque is set by VALUES lists and set-returning functions, whose
	// columns are not in the schema.
	opaque bool
}

func newNameScope() *nameScope {
	return &nameScope{
		derived:    map[string]bool{},
		aliases:    map[string]string{},
		unresolved: map[string]bool{},
	}
}

func (n *nameScope) derive(names ...string) {
	for _, name := range names {
		if name = strings.ToLower(name); name != "" {
			n.derived[name] = true
		}
	}
}

func (n *nameScope) alias(name, table string, renamed bool) {
	name = strings.ToLower(name)
	if name == "" {
		return
	}
	if existing, ok := n.aliases[name]; (ok && existing != table) || renamed {
		n.unresolved[name] = true
	}
	n.aliases[name] = table
}

// UnknownColumns reports references that name no column of the referenced
// tables. known maps lower-cased table names to their column names. A
// reference is only reported when it can be resolved against known tables:
// derived names, CTEs, subqueries and tables missing from known are skipped.
func (i Inspection) UnknownColumns(known map[string][]string) []string {
	if !i.Parsed || i.names == nil || len(i.Tables) == 0 {
		return nil
	}

	columns := make(map[string]map[string]bool, len(known))
	for table, names := range known {
		set := make(map[string]bool, len(names))
		for _, name := range names {
			set[strings.ToLower(name)] = true
		}
		columns[strings.ToLower(table)] = set
	}

	// Unqualified names are checked against every referenced table, so one
	// unknown table makes them unverifiable.
	checkUnqualified := !i.names.opaque
	union := map[string]bool{}
	for _, table := range i.Tables {
		set, ok := columns[table]
		if !ok {
			checkUnqualified = false
			break
		}
		for name := range set {
			union[name] = true
		}
	}

	seen := map[string]bool{}
	var unknown []string
	for _, ref := range i.Columns {
		name := strings.ToLower(ref.Name)
		qualifier := strings.ToLower(ref.Qualifier)

		var ok bool
		if qualifier == "" {
			ok = !checkUnqualified || union[name] || i.names.derived[name] || i.refersToTable(name)
		} else {
			table, resolved := i.resolve(qualifier)
			set, described := columns[table]
			ok = !resolved || !described || set[name]
		}
		if ok {
			continue
		}
		if label := ref.String(); !seen[label] {
			seen[label] = true
			unknown = append(unknown, label)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func (i Inspection) resolve(qualifier string) (string, bool) {
	if i.names.derived[qualifier] || i.names.unresolved[qualifier] {
		return "", false
	}
	if table, ok := i.names.aliases[qualifier]; ok {
		return table, true
	}
	for _, table := range i.Tables {
		if table == qualifier || strings.HasSuffix(table, "."+qualifier) {
			return table, true
		}
	}
	return "", false
}

// refersToTable covers whole-row references such as count(o).
func (i Inspection) refersToTable(name string) bool {
	if _, ok := i.names.aliases[name]; ok {
		return true
	}
	for _, table := range i.Tables {
		if table == name {
			return true
		}
	}
	return false
}

// columnRef reads a ColumnRef "fields" list. Star references yield false.
func columnRef(node any) (ColumnRef, bool) {
	fields, _ := node.([]any)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		wrapper, _ := field.(map[string]any)
		str, ok := wrapper["String"].(map[string]any)
		if !ok {
			return ColumnRef{}, false
		}
		value, _ := str["sval"].(string)
		parts = append(parts, value)
	}
	switch len(parts) {
	case 1:
		return ColumnRef{Name: parts[0]}, true
	case 2, 3:
		return ColumnRef{Qualifier: parts[len(parts)-2], Name: parts[len(parts)-1]}, true
	default:
		return ColumnRef{}, false
	}
}

func stringValues(node any) []string {
	items, _ := node.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		wrapper, _ := item.(map[string]any)
		str, _ := wrapper["String"].(map[string]any)
		if value, _ := str["sval"].(string); value != "" {
			out = append(out, value)
		}
	}
	return out
}
