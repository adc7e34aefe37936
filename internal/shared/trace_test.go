package shared

import (
	"context"
	"log/slog"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestEnsureTraceID_KeepsExisting(t *testing.T) {
	ctx := WithTraceID(context.Background(), "keep-me")
	if got := TraceID(EnsureTraceID(ctx)); got != "keep-me" {
		t.Fatalf("expected keep-me, got %q", got)
	}
	fresh := TraceID(EnsureTraceID(context.Background()))
	if fresh == "-" || fresh == "" {
		t.Fatalf("expected generated trace id, got %q", fresh)
	}
}

func TestFrameIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if TaskRunID(ctx) != "" || StackRunID(ctx) != "" || WorkerID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithTaskRunID(ctx, "t1")
	ctx = WithStackRunID(ctx, "f1")
	ctx = WithWorkerID(ctx, "w1")
	if TaskRunID(ctx) != "t1" || StackRunID(ctx) != "f1" || WorkerID(ctx) != "w1" {
		t.Fatalf("ids = %q %q %q", TaskRunID(ctx), StackRunID(ctx), WorkerID(ctx))
	}
}

func TestLogAttrs_SkipsEmpty(t *testing.T) {
	attrs := LogAttrs(WithStackRunID(context.Background(), "f1"))
	if len(attrs) != 2 {
		t.Fatalf("expected trace_id + stack_run_id, got %d attrs", len(attrs))
	}
	if a, ok := attrs[1].(slog.Attr); !ok || a.Key != "stack_run_id" {
		t.Fatalf("unexpected second attr %#v", attrs[1])
	}
}
