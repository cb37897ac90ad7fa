package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/duckmesh/askmesh/internal/config"
)

type ctxKey string

const (
	traceIDKey  ctxKey = "trace_id"
	tenantIDKey ctxKey = "tenant_id"
	runIDKey    ctxKey = "run_id"
)

// NewLogger builds the service logger. Records logged with a context carry
// its trace, tenant and run IDs unless the logger already set those keys.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	options := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, options)
	} else {
		handler = slog.NewTextHandler(writer, options)
	}
	return slog.New(&contextHandler{next: handler}).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, traceIDKey)
}

func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func TenantIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, tenantIDKey)
}

func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, runIDKey)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

type contextHandler struct {
	next slog.Handler
	// bound holds top-level keys already attached through With.
	bound map[string]bool
	// grouped handlers leave context attributes to the outer record.
	grouped bool
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.grouped {
		return h.next.Handle(ctx, record)
	}
	present := make(map[string]bool, record.NumAttrs())
	record.Attrs(func(attr slog.Attr) bool {
		present[attr.Key] = true
		return true
	})
	for _, key := range []ctxKey{traceIDKey, tenantIDKey, runIDKey} {
		name := string(key)
		if h.bound[name] || present[name] {
			continue
		}
		if value := stringFromContext(ctx, key); value != "" {
			record.AddAttrs(slog.String(name, value))
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for key := range h.bound {
		bound[key] = true
	}
	if !h.grouped {
		for _, attr := range attrs {
			bound[attr.Key] = true
		}
	}
	return &contextHandler{next: h.next.WithAttrs(attrs), bound: bound, grouped: h.grouped}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &contextHandler{next: h.next.WithGroup(name), bound: h.bound, grouped: true}
}
