package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Event log writes and optimistic-append conflicts
//   - Provider request performance and token consumption
//   - Tool execution patterns and latencies
//   - Hook evaluation outcomes
//   - History compactions
//   - Active session counts and subscriber backpressure drops
//   - RPC request rates and latencies
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordEventAppended("message.assistant")
//	metrics.RecordProviderRequest("anthropic", "claude-sonnet-4-5", "success", 1.8)
type Metrics struct {
	// EventsAppended counts events appended to session logs.
	// Labels: type (event type, e.g. message.user|turn.completed)
	EventsAppended *prometheus.CounterVec

	// AppendConflicts counts optimistic appends rejected because the log
	// head moved between read and write.
	AppendConflicts prometheus.Counter

	// ProviderRequests counts model backend requests.
	// Labels: provider (anthropic|openai|google|bedrock), model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderRequestDuration measures model backend stream latency in seconds,
	// from request start to terminal chunk.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderTokens tracks token consumption as reported by backends.
	// Labels: provider, model, type (input|output|cache_read|cache_creation)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error|denied|cancelled)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 120s
	ToolDuration *prometheus.HistogramVec

	// HookRuns counts hook evaluations.
	// Labels: event (hook point), decision (allow|block|modify|error)
	HookRuns *prometheus.CounterVec

	// Compactions counts history compactions.
	// Labels: trigger (auto|manual)
	Compactions *prometheus.CounterVec

	// ActiveSessions is a gauge tracking sessions currently held in memory.
	ActiveSessions prometheus.Gauge

	// SubscriberDrops counts events dropped from slow subscriber buffers.
	SubscriberDrops prometheus.Counter

	// RPCRequests counts RPC method calls over the socket.
	// Labels: method, status (ok|error)
	RPCRequests *prometheus.CounterVec

	// RPCDuration measures RPC method handling time in seconds.
	// Labels: method
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	RPCDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are registered with Prometheus's default registry and served
// by the /metrics endpoint on the gateway mux.
func NewMetrics() *Metrics {
	return newMetricsWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry creates metrics registered against a specific
// registry. Tests use this to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(promauto.With(reg))
}

func newMetricsWith(factory promauto.Factory) *Metrics {
	return &Metrics{
		EventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_events_appended_total",
				Help: "Total number of events appended to session logs by type",
			},
			[]string{"type"},
		),

		AppendConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_append_conflicts_total",
				Help: "Total number of appends rejected because the log head moved",
			},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_provider_requests_total",
				Help: "Total number of model backend requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_provider_request_duration_seconds",
				Help:    "Duration of model backend streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_provider_tokens_total",
				Help: "Total number of tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),

		HookRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_hook_runs_total",
				Help: "Total number of hook evaluations by hook point and decision",
			},
			[]string{"event", "decision"},
		),

		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_compactions_total",
				Help: "Total number of history compactions by trigger",
			},
			[]string{"trigger"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbor_active_sessions",
				Help: "Current number of sessions held in memory",
			},
		),

		SubscriberDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_subscriber_drops_total",
				Help: "Total number of events dropped from slow subscriber buffers",
			},
		),

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_rpc_requests_total",
				Help: "Total number of RPC requests by method and status",
			},
			[]string{"method", "status"},
		),

		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_rpc_duration_seconds",
				Help:    "Duration of RPC request handling in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),
	}
}

// RecordEventAppended increments the appended-event counter for an event type.
func (m *Metrics) RecordEventAppended(eventType string) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordAppendConflict increments the head-moved conflict counter.
func (m *Metrics) RecordAppendConflict() {
	m.AppendConflicts.Inc()
}

// RecordProviderRequest records metrics for a completed model backend stream.
//
// Example:
//
//	start := time.Now()
//	// ... consume stream ...
//	metrics.RecordProviderRequest("anthropic", "claude-sonnet-4-5", "success", time.Since(start).Seconds())
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64) {
	m.ProviderRequests.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordProviderTokens records token consumption for a turn. Negative values
// mark unreported counters and are skipped.
func (m *Metrics) RecordProviderTokens(provider, model string, input, output, cacheRead, cacheCreation int) {
	if input > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	}
	if cacheRead > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
	if cacheCreation > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "cache_creation").Add(float64(cacheCreation))
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("bash", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordHookRun records a hook evaluation outcome.
func (m *Metrics) RecordHookRun(event, decision string) {
	m.HookRuns.WithLabelValues(event, decision).Inc()
}

// RecordCompaction records a history compaction.
func (m *Metrics) RecordCompaction(trigger string) {
	m.Compactions.WithLabelValues(trigger).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Dec()
}

// RecordSubscriberDrop increments the dropped-event counter for slow subscribers.
func (m *Metrics) RecordSubscriberDrop() {
	m.SubscriberDrops.Inc()
}

// RecordRPCRequest records metrics for an RPC method call.
//
// Example:
//
//	start := time.Now()
//	// ... handle request ...
//	metrics.RecordRPCRequest("session.prompt", "ok", time.Since(start).Seconds())
func (m *Metrics) RecordRPCRequest(method, status string, durationSeconds float64) {
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(durationSeconds)
}
