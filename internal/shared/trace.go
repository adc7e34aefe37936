package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskRunIDKey struct{}
type stackRunIDKey struct{}
type workerIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id and
// otherwise attaches a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithTaskRunID attaches the task chain being advanced.
func WithTaskRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskRunIDKey{}, id)
}

// TaskRunID extracts task_run_id from context. Returns "" if absent.
func TaskRunID(ctx context.Context) string {
	if v, ok := ctx.Value(taskRunIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStackRunID attaches the frame being executed.
func WithStackRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stackRunIDKey{}, id)
}

// StackRunID extracts stack_run_id from context. Returns "" if absent.
func StackRunID(ctx context.Context) string {
	if v, ok := ctx.Value(stackRunIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkerID attaches the identity of the worker invocation.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the context ids as slog attributes, skipping empty ones.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{slog.String("trace_id", TraceID(ctx))}
	if v := TaskRunID(ctx); v != "" {
		attrs = append(attrs, slog.String("task_run_id", v))
	}
	if v := StackRunID(ctx); v != "" {
		attrs = append(attrs, slog.String("stack_run_id", v))
	}
	if v := WorkerID(ctx); v != "" {
		attrs = append(attrs, slog.String("worker_id", v))
	}
	return attrs
}
