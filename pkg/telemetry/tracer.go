package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for parley
var tracer = otel.Tracer("parley")

// Span names for parley operations
const (
	SpanSessionProcess  = "parley.session.process"
	SpanModelAttempt    = "parley.model.attempt"
	SpanKnowledgeSearch = "parley.knowledge.search"
	SpanKnowledgeIndex  = "parley.knowledge.index"
)

// StartSessionSpan starts a span for processing one utterance
func StartSessionSpan(ctx context.Context, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeySessionID, sessionID))
	return tracer.Start(ctx, SpanSessionProcess, trace.WithAttributes(attrs...))
}

// StartModelSpan starts a span for a single model call attempt
func StartModelSpan(ctx context.Context, provider, model string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, ModelAttrs(provider, model)...)
	return tracer.Start(ctx, SpanModelAttempt, trace.WithAttributes(attrs...))
}

// StartKnowledgeSpan starts a span for a knowledge base operation
func StartKnowledgeSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
		attribute.String(KeyErrorType, errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error and sets span status
func RecordErrorWithStatus(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	RecordError(span, err, errorType, errorCategory)
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
