package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/duckmesh/askmesh/internal/query"
)

// ErrNoSuggestion is returned by a translator that has nothing to offer for
// a request, as opposed to failing while trying.
var ErrNoSuggestion = errors.New("nl2sql: no suggestion")

type Correction struct {
	Query        string
	FailedSQL    string
	Error        string
	CorrectedSQL string
}

type Request struct {
	TenantID string
	Question string
	// Tables is the set of tables the draft may reference.
	Tables []string
	// Schema is the narrowed schema description, including row samples.
	Schema      string
	Columns     []query.TableSchema
	Samples     map[string]query.ResultSet
	Corrections []Correction
	// PreviousSQL and PreviousError describe the failed attempt being
	// redrafted. Both are empty on the first attempt.
	PreviousSQL   string
	PreviousError string
	// Suggestion is a cheap draft offered to a generative translator.
	Suggestion string
}

func (r Request) IsRetry() bool {
	return r.PreviousError != ""
}

type Result struct {
	Plan     string `json:"plan"`
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
}

// Translator is the SQL drafting capability.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// Select picks the drafting capability from what is available: both
// translators combine into a Hybrid, otherwise whichever one exists is
// used. It returns nil when neither is available.
func Select(local, remote Translator) Translator {
	switch {
	case local == nil && remote == nil:
		return nil
	case remote == nil:
		return local
	case local == nil:
		return remote
	default:
		return &Hybrid{Local: local, Remote: remote}
	}
}

// Hybrid feeds the local draft to the remote translator as a suggestion on
// the first attempt and falls back to it when the remote call fails.
// Retries go to the remote translator only.
type Hybrid struct {
	Local  Translator
	Remote Translator
}

func (h *Hybrid) Translate(ctx context.Context, req Request) (Result, error) {
	var (
		local    Result
		localErr = ErrNoSuggestion
	)
	if !req.IsRetry() {
		local, localErr = h.Local.Translate(ctx, req)
		if localErr == nil {
			req.Suggestion = local.SQL
		}
	}

	remote, err := h.Remote.Translate(ctx, req)
	if err == nil {
		return remote, nil
	}
	if localErr == nil {
		return local, nil
	}
	return Result{}, fmt.Errorf("remote draft: %w", err)
}
