package forktide

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// traceIDKey is the context key a request's trace ID is stored under.
type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Logger wraps slog.Logger with trace ID propagation across a request's
// lifecycle, from accept through response write.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// NewLogger builds a Logger from cfg, writing to stdout in either JSON
// or text form.
func NewLogger(cfg LoggingConfig) *Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler), traceEnabled: cfg.TraceEnabled}
}

// WithTraceID attaches a freshly minted trace ID to ctx, carried through
// a request's handling from accept to response.
func WithTraceID(ctx context.Context) context.Context {
	traceID := traceIDCounter.Add(1)
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID retrieves the trace ID stashed by WithTraceID, if any.
func GetTraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if traceID, ok := GetTraceID(ctx); ok {
			return append([]any{"trace_id", traceID}, args...)
		}
	}
	return args
}

// InfoContext logs an info message, prefixed with the request's trace ID
// when tracing is enabled.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

// ErrorContext logs an error message, prefixed with the request's trace
// ID when tracing is enabled.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

// DebugContext logs a debug message, prefixed with the request's trace
// ID when tracing is enabled.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WarnContext logs a warning message, prefixed with the request's trace
// ID when tracing is enabled.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WithWorker returns a logger with the worker's id attached to every
// record.
func (l *Logger) WithWorker(workerID int) *Logger {
	return &Logger{Logger: l.Logger.With("worker_id", workerID), traceEnabled: l.traceEnabled}
}

// WithConnection returns a logger with a connection's id attached to
// every record.
func (l *Logger) WithConnection(connectionID string) *Logger {
	return &Logger{Logger: l.Logger.With("connection_id", connectionID), traceEnabled: l.traceEnabled}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
