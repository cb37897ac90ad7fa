package sqlguard

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmpty       = errors.New("sqlguard: no statements")
	ErrNotReadOnly = errors.New("sqlguard: only read-only SELECT statements are allowed")
)

// AccessDeniedError lists the tables and functions a statement referenced
// outside the caller's allowlist.
type AccessDeniedError struct {
	Tables    []string
	Functions []string
}

func (e *AccessDeniedError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Tables) > 0 {
		parts = append(parts, "table(s) "+strings.Join(e.Tables, ", "))
	}
	if len(e.Functions) > 0 {
		parts = append(parts, "function(s) "+strings.Join(e.Functions, ", "))
	}
	return "access denied to " + strings.Join(parts, " and ")
}

type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}
