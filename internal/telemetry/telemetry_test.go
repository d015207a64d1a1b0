package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanNoOpWithoutInit(t *testing.T) {
	saved := Tracer
	Tracer = nil
	defer func() { Tracer = saved }()

	ctx := context.Background()
	spanCtx, end := StartSpan(ctx, "pipeline.generate")
	if spanCtx != ctx {
		t.Error("uninitialized tracer should leave the context unchanged")
	}
	end() // must not panic
}

func TestStartSpanRecordsNameAndAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	saved := Tracer
	Tracer = provider.Tracer("test")
	defer func() { Tracer = saved }()

	_, end := StartSpan(context.Background(), "pipeline.validate",
		attribute.String("execution.id", "exec-1"))
	end()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if got := spans[0].Name(); got != "pipeline.validate" {
		t.Errorf("span name = %q, want pipeline.validate", got)
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "execution.id" && attr.Value.AsString() == "exec-1" {
			found = true
		}
	}
	if !found {
		t.Error("span missing execution.id attribute")
	}
}
