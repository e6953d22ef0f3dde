package traceid

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-terra/v1/executor"
)

func TestExecutorRecordsTaskSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	saved := tracer
	tracer = tp.Tracer("test")
	defer func() { tracer = saved }()

	NewExecutor(executor.Inline()).Execute(WithID(context.Background(), "X"), func(context.Context) {})

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "traceid.Task" {
		t.Fatalf("expected one traceid.Task span, got %d", len(spans))
	}
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "terra.trace_id" && kv.Value.AsString() == "X" {
			return
		}
	}
	t.Fatalf("span lacks terra.trace_id: %v", spans[0].Attributes())
}

func TestLogHandlerAddsSpanID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(WithID(context.Background(), "X"), "op")
	defer span.End()

	var buf bytes.Buffer
	slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil))).InfoContext(ctx, "inside span")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec[LogKey] != "X" {
		t.Fatalf("missing trace id: %v", rec)
	}
	if rec[SpanKey] != span.SpanContext().SpanID().String() {
		t.Fatalf("expected span id %s, got %v", span.SpanContext().SpanID(), rec[SpanKey])
	}
}
