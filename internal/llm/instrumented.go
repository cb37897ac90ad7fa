package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/duckmesh/askmesh/internal/observability"
)

type callSiteKey struct{}

// WithCallSite tags ctx with the pipeline stage issuing a generation call.
func WithCallSite(ctx context.Context, site string) context.Context {
	return context.WithValue(ctx, callSiteKey{}, site)
}

func CallSiteFromContext(ctx context.Context) string {
	site, _ := ctx.Value(callSiteKey{}).(string)
	if site == "" {
		return "unknown"
	}
	return site
}

// Instrumented logs every generation call and counts failures per call site.
type Instrumented struct {
	next   Generator
	logger *slog.Logger
}

func Instrument(next Generator, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{next: next, logger: logger}
}

func (g *Instrumented) Name() string {
	return g.next.Name()
}

func (g *Instrumented) Generate(ctx context.Context, prompt Prompt) (string, error) {
	start := time.Now()
	site := CallSiteFromContext(ctx)
	text, err := g.next.Generate(ctx, prompt)
	if err != nil {
		observability.IncrementGenerationFailure(site)
		g.logger.WarnContext(ctx, "generation_failed",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("provider", g.next.Name()),
			slog.String("call_site", site),
			slog.String("duration", time.Since(start).String()),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	g.logger.DebugContext(ctx, "generation_completed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("provider", g.next.Name()),
		slog.String("call_site", site),
		slog.String("duration", time.Since(start).String()),
		slog.Int("prompt_chars", len(prompt.System)+len(prompt.User)),
		slog.Int("completion_chars", len(text)),
	)
	return text, nil
}
