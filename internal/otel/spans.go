package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by engine spans and metrics.
var (
	AttrTaskRunID  = attribute.Key("stackrun.task_run.id")
	AttrStackRunID = attribute.Key("stackrun.stack_run.id")
	AttrTaskName   = attribute.Key("stackrun.task.name")
	AttrFrameKind  = attribute.Key("stackrun.frame.kind")
	AttrService    = attribute.Key("stackrun.service")
	AttrMethod     = attribute.Key("stackrun.method")
	AttrOutcome    = attribute.Key("stackrun.outcome")
	AttrSource     = attribute.Key("stackrun.liveness.source")
	AttrWorkerID   = attribute.Key("stackrun.worker.id")
)

// FrameAttrs describes one stack run on a span. Empty service and method
// are left off, as task-body frames carry neither.
func FrameAttrs(taskRunID, stackRunID, kind, service, method string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTaskRunID.String(taskRunID),
		AttrStackRunID.String(stackRunID),
		AttrFrameKind.String(kind),
	}
	if service != "" {
		attrs = append(attrs, AttrService.String(service))
	}
	if method != "" {
		attrs = append(attrs, AttrMethod.String(method))
	}
	return attrs
}

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}

// StartSpan starts an internal span: ticks, frame dispatch, propagation.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts a span for an outbound service call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
