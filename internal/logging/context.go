package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	propertyIDKey
	actionIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithPropertyID returns a context with the property ID set.
func WithPropertyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, propertyIDKey, id)
}

// WithActionID returns a context with the action ID set.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// PropertyID extracts the property ID from the context, or "" if absent.
func PropertyID(ctx context.Context) string {
	v, _ := ctx.Value(propertyIDKey).(string)
	return v
}

// ActionID extracts the action ID from the context, or "" if absent.
func ActionID(ctx context.Context) string {
	v, _ := ctx.Value(actionIDKey).(string)
	return v
}

// WithRun sets the run and property correlation IDs at once.
func WithRun(ctx context.Context, runID, propertyID string) context.Context {
	ctx = WithRunID(ctx, runID)
	if propertyID != "" {
		ctx = WithPropertyID(ctx, propertyID)
	}
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := RunID(ctx); v != "" {
		logger = logger.With(slog.String("run_id", v))
	}
	if v := PropertyID(ctx); v != "" {
		logger = logger.With(slog.String("property_id", v))
	}
	if v := ActionID(ctx); v != "" {
		logger = logger.With(slog.String("action_id", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := PropertyID(ctx); v != "" {
		r.AddAttrs(slog.String("property_id", v))
	}
	if v := ActionID(ctx); v != "" {
		r.AddAttrs(slog.String("action_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text or JSON handler wrapped in a
// CorrelationHandler, filtered by level.
func New(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
