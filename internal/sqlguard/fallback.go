package sqlguard

import (
	"regexp"
	"strings"
)

var (
	identPattern       = `(?:"[^"]+"|[a-zA-Z_][a-zA-Z0-9_$]*)`
	tableRefPattern    = regexp.MustCompile(`(?i)\b(?:from|join)\s+(` + identPattern + `(?:\s*\.\s*` + identPattern + `)*)`)
	cteNamePattern     = regexp.MustCompile(`(?i)(?:\bwith(?:\s+recursive)?|,)\s*(` + identPattern + `)\s*(?:\([^)]*\)\s*)?as\s*(?:not\s+materialized\s*|materialized\s*)?\(`)
	leadingWordPattern = regexp.MustCompile(`^\s*\(*\s*([a-zA-Z]+)`)
	writeWordPattern   = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|copy|attach|detach|install|load|pragma|call|vacuum|export|import)\b`)
	functionPattern    = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s*\(`)
)

// inspectFallback is the best-effort pattern extraction used when the
// statement does not parse as PostgreSQL. It over-matches rather than
// under-matches: any write keyword marks the text as not read-only.
func (g *Guard) inspectFallback(sqlText string) Inspection {
	statements := dropEmpty(splitStatements(sqlText))
	scrubbed := stripLiterals(sqlText)

	ctes := map[string]bool{}
	for _, match := range cteNamePattern.FindAllStringSubmatch(scrubbed, -1) {
		ctes[unquote(match[1])] = true
	}

	inspection := Inspection{Statements: statements, ReadOnly: true}
	seen := map[string]bool{}
	for _, match := range tableRefPattern.FindAllStringSubmatch(scrubbed, -1) {
		name := g.normalize(unquoteQualified(match[1]))
		if ctes[name] || seen[name] {
			continue
		}
		seen[name] = true
		inspection.Tables = append(inspection.Tables, name)
	}

	for _, statement := range statements {
		lead := leadingWordPattern.FindStringSubmatch(stripLiterals(statement))
		if len(lead) != 2 {
			inspection.ReadOnly = false
			continue
		}
		switch strings.ToLower(lead[1]) {
		case "select", "with":
		default:
			inspection.ReadOnly = false
		}
	}
	if writeWordPattern.MatchString(scrubbed) {
		inspection.ReadOnly = false
	}

	seenFuncs := map[string]bool{}
	for _, match := range functionPattern.FindAllStringSubmatch(scrubbed, -1) {
		name := strings.ToLower(match[1])
		if isDeniedFunction(name) && !seenFuncs[name] {
			seenFuncs[name] = true
			inspection.Functions = append(inspection.Functions, name)
		}
	}
	return inspection
}

// splitStatements splits on semicolons outside quotes and comments.
func splitStatements(sqlText string) []string {
	var (
		statements []string
		current    strings.Builder
		quote      rune
	)
	runes := []rune(sqlText)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == ';':
			statements = append(statements, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	statements = append(statements, current.String())
	return statements
}

// stripLiterals blanks out string literals and comments so keywords inside
// them are not matched.
func stripLiterals(sqlText string) string {
	var b strings.Builder
	runes := []rune(sqlText)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'':
			b.WriteString("''")
			for i++; i < len(runes) && runes[i] != '\''; i++ {
			}
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unquoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = unquote(part)
	}
	return strings.Join(parts, ".")
}

func unquote(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) && len(name) >= 2 {
		return strings.ToLower(name[1 : len(name)-1])
	}
	return strings.ToLower(name)
}
