package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with otlp endpoint",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Endpoint:       "localhost:4317",
				EnableInsecure: true,
			},
		},
		{
			name: "without exporter (no-op)",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "stdout exporter",
			config: TraceConfig{
				ServiceName: "test-service",
				Exporter:    "stdout",
			},
		},
		{
			name: "with sampling",
			config: TraceConfig{
				ServiceName:  "test-service",
				SamplingRate: 0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTracerStart(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "test-operation")
	defer span.End()

	if span == nil {
		t.Fatal("Start() returned nil span")
	}

	if trace.SpanFromContext(ctx) == nil {
		t.Error("Expected span in context")
	}
}

func TestStartSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	span := tracer.StartSpan(context.Background(), "test-operation")
	defer span.End()

	if span == nil {
		t.Fatal("StartSpan() returned nil")
	}
}

func TestSpanWithAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation", SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("key1", "value1"),
			attribute.Int("key2", 42),
		},
	})
	defer span.End()

	if span == nil {
		t.Fatal("Start() with attributes returned nil span")
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")

	tracer.RecordError(span, errors.New("test error"))
	span.End()
}

func TestTracerRecordErrorWithNil(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	// Recording nil error should not panic
	tracer.RecordError(span, nil)
}

func TestSetAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	// Mixed types, plus a non-string key that must be skipped
	tracer.SetAttributes(span,
		"session_id", "sess-123",
		"input_tokens", 1200,
		"cached", true,
		42, "not-a-key",
	)
}

func TestAddEvent(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	tracer.AddEvent(span, "tool_finished", "tool", "bash", "duration_ms", 250)
}

func TestDomainSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()

	_, turnSpan := tracer.TraceTurn(ctx, "sess-1", "turn-1")
	turnSpan.End()

	_, llmSpan := tracer.TraceProviderStream(ctx, "anthropic", "claude-sonnet-4-5")
	llmSpan.End()

	_, toolSpan := tracer.TraceToolExecution(ctx, "bash")
	toolSpan.End()

	_, dbSpan := tracer.TraceDatabaseQuery(ctx, "select", "events")
	dbSpan.End()

	_, rpcSpan := tracer.TraceRPC(ctx, "session.prompt")
	rpcSpan.End()
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want attribute.Type
	}{
		{"string", "hello", attribute.STRING},
		{"int", 42, attribute.INT64},
		{"int64", int64(42), attribute.INT64},
		{"float64", 3.14, attribute.FLOAT64},
		{"bool", true, attribute.BOOL},
		{"string slice", []string{"a", "b"}, attribute.STRINGSLICE},
		{"fallback", struct{ X int }{1}, attribute.STRING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := attributeFromValue("key", tt.val)
			if kv.Value.Type() != tt.want {
				t.Errorf("attributeFromValue(%v) type = %v, want %v", tt.val, kv.Value.Type(), tt.want)
			}
		})
	}
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	called := false
	err := WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan() error = %v", err)
	}
	if !called {
		t.Error("Expected span function to be called")
	}

	wantErr := errors.New("operation failed")
	err = WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("WithSpan() error = %v, want %v", err, wantErr)
	}
}

func TestGetTraceIDEmpty(t *testing.T) {
	ctx := context.Background()

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q, want empty for context without span", id)
	}
	if id := GetSpanID(ctx); id != "" {
		t.Errorf("GetSpanID() = %q, want empty for context without span", id)
	}
}

func TestMapCarrier(t *testing.T) {
	carrier := make(MapCarrier)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Get() = %q, want %q", got, "00-abc-def-01")
	}

	carrier.Set("tracestate", "vendor=1")
	keys := carrier.Keys()
	if len(keys) != 2 {
		t.Errorf("Keys() returned %d keys, want 2", len(keys))
	}

	if got := carrier.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
}

func TestInjectExtractContext(t *testing.T) {
	// A real provider is required for valid span contexts; the batcher never
	// connects during the test.
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName:    "test-service",
		Endpoint:       "localhost:4317",
		EnableInsecure: true,
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	carrier := make(MapCarrier)
	tracer.InjectContext(ctx, carrier)

	if carrier.Get("traceparent") == "" {
		t.Fatal("Expected traceparent in carrier after inject")
	}

	extracted := tracer.ExtractContext(context.Background(), carrier)
	if GetTraceID(extracted) != GetTraceID(ctx) {
		t.Error("Expected extracted trace ID to match injected trace ID")
	}
}
