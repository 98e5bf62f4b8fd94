package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestErrorTypeFromError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("x"), "*errors.errorString"},
		{context.DeadlineExceeded, "context.deadlineExceededError"},
	}

	for _, tt := range tests {
		if got := ErrorTypeFromError(tt.err); got != tt.want {
			t.Errorf("ErrorTypeFromError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID = %q, want empty", id)
	}
}

func TestSpansWithoutProvider(t *testing.T) {
	// The global no-op provider must accept every helper without panicking
	ctx, span := StartSessionSpan(context.Background(), "s1")
	_, child := StartModelSpan(ctx, "openai", "gpt-4o")
	RecordError(child, errors.New("boom"), "test", ErrorCategoryModel)
	RecordError(child, nil, "", "")
	child.End()

	_, kspan := StartKnowledgeSpan(ctx, SpanKnowledgeSearch, attribute.Int(KeyKnowledgeTopK, 3))
	kspan.End()

	RecordErrorWithStatus(span, nil, "", "")
	span.End()
}

func TestAttrs(t *testing.T) {
	attrs := SessionAttrs("s1", 4)
	if len(attrs) != 2 || attrs[0].Value.AsString() != "s1" || attrs[1].Value.AsInt64() != 4 {
		t.Errorf("SessionAttrs = %v", attrs)
	}

	attrs = ModelAttrs("anthropic", "claude")
	if string(attrs[0].Key) != KeyModelProvider || attrs[1].Value.AsString() != "claude" {
		t.Errorf("ModelAttrs = %v", attrs)
	}
}
