// Package observability provides monitoring and debugging capabilities for
// the arbor server through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Event log appends and optimistic-append conflicts
//   - Provider request latency and token usage
//   - Tool execution performance
//   - Hook evaluation outcomes
//   - History compactions
//   - Active session counts and subscriber drops
//   - RPC request rates and latencies
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track event log writes
//	metrics.RecordEventAppended("message.assistant")
//
//	// Track provider requests
//	start := time.Now()
//	// ... consume stream ...
//	metrics.RecordProviderRequest("anthropic", "claude-sonnet-4-5", "success",
//	    time.Since(start).Seconds())
//	metrics.RecordProviderTokens("anthropic", "claude-sonnet-4-5",
//	    usage.Input, usage.Output, usage.CacheRead, usage.CacheCreation)
//
//	// Track tool execution
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("bash", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/session/turn correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "Turn started",
//	    "provider", "anthropic",
//	    "model", model,
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "Provider request failed",
//	    "error", err,
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to follow a prompt through the
// turn loop:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "arbor",
//	    ServiceVersion: "1.0.0",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, sessionID, turnID)
//	defer span.End()
//
//	ctx, llmSpan := tracer.TraceProviderStream(ctx, "anthropic", model)
//	defer llmSpan.End()
//	tracer.SetAttributes(llmSpan, "input_tokens", 1200, "output_tokens", 800)
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "bash")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// Setting Exporter to "stdout" writes pretty-printed spans to stdout for
// local development without a collector.
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, Google, AWS, generic)
//   - GitHub tokens used for authenticated clones
//   - Passwords and secrets
//   - JWT and bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be registered against an isolated registry via
//     NewMetricsWithRegistry and verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
package observability
