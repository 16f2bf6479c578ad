package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracer_NoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer() returned an unusable tracer")
	}
	if tracer.config.ServiceName != "butler" {
		t.Errorf("ServiceName = %q, want butler", tracer.config.ServiceName)
	}
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
}

func TestTracer_NilIsNoop(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceRound(context.Background(), "chat-1", 2)
	tracer.RecordError(span, errors.New("ignored"))
	span.End()
	if TraceID(ctx) != "" {
		t.Error("nil tracer produced a recording span")
	}
}

func TestTracer_Spans(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	ctx := context.Background()

	ctx, task := tracer.TraceTask(ctx, "task-1")
	roundCtx, round := tracer.TraceRound(ctx, "chat-1", 3)
	_, llm := tracer.TraceLLMRequest(roundCtx, "openai", "gpt-4o")
	llm.End()
	_, tool := tracer.TraceToolExecution(roundCtx, "query_db")
	tracer.RecordError(tool, errors.New("denied"))
	tool.End()
	round.End()
	task.End()

	spans := recorder.Ended()
	if len(spans) != 4 {
		t.Fatalf("ended spans = %d, want 4", len(spans))
	}
	names := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		names[s.Name()] = s
	}
	for _, want := range []string{"task", "task.round", "llm.openai", "tool.query_db"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing span %q", want)
		}
	}
	if names["tool.query_db"].Status().Code != codes.Error {
		t.Error("tool span status not set to error")
	}
	if names["llm.openai"].Parent().SpanID() != names["task.round"].SpanContext().SpanID() {
		t.Error("llm span is not a child of the round span")
	}
}

func TestTracer_SetAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	_, span := tracer.Start(context.Background(), "op")
	tracer.SetAttributes(span, "rows", 3, "table", "user", 42, "skipped")
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	if len(attrs) != 2 {
		t.Errorf("attributes = %v, want 2", attrs)
	}
}

func TestTraceID(t *testing.T) {
	tracer, _ := newRecordingTracer()
	ctx, span := tracer.TraceHTTPRequest(context.Background(), "POST", "/ai/task")
	defer span.End()
	if id := TraceID(ctx); len(id) != 32 {
		t.Errorf("TraceID() = %q", id)
	}
	if TraceID(context.Background()) != "" {
		t.Error("TraceID() without span should be empty")
	}
}
