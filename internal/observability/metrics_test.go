package observability

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics returns metrics bound to an isolated registry so tests do
// not collide on the default registerer.
func newTestMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

func TestNewMetricsWithRegistry(t *testing.T) {
	m := newTestMetrics()
	if m == nil {
		t.Fatal("NewMetricsWithRegistry() returned nil")
	}
	if m.EventsAppended == nil || m.ProviderRequests == nil || m.RPCRequests == nil {
		t.Error("Expected all metric vectors to be initialized")
	}
}

func TestRecordEventAppended(t *testing.T) {
	m := newTestMetrics()

	m.RecordEventAppended("message.user")
	m.RecordEventAppended("message.user")
	m.RecordEventAppended("turn.completed")

	expected := `
		# HELP arbor_events_appended_total Total number of events appended to session logs by type
		# TYPE arbor_events_appended_total counter
		arbor_events_appended_total{type="message.user"} 2
		arbor_events_appended_total{type="turn.completed"} 1
	`
	if err := testutil.CollectAndCompare(m.EventsAppended, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordAppendConflict(t *testing.T) {
	m := newTestMetrics()

	m.RecordAppendConflict()
	m.RecordAppendConflict()

	if got := testutil.ToFloat64(m.AppendConflicts); got != 2 {
		t.Errorf("AppendConflicts = %v, want 2", got)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordProviderRequest("anthropic", "claude-sonnet-4-5", "success", 1.8)
	m.RecordProviderRequest("anthropic", "claude-sonnet-4-5", "success", 2.3)
	m.RecordProviderRequest("openai", "gpt-5", "error", 0.2)

	expected := `
		# HELP arbor_provider_requests_total Total number of model backend requests by provider, model, and status
		# TYPE arbor_provider_requests_total counter
		arbor_provider_requests_total{model="claude-sonnet-4-5",provider="anthropic",status="success"} 2
		arbor_provider_requests_total{model="gpt-5",provider="openai",status="error"} 1
	`
	if err := testutil.CollectAndCompare(m.ProviderRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	if testutil.CollectAndCount(m.ProviderRequestDuration) < 1 {
		t.Error("Expected request duration histogram to have observations")
	}
}

func TestRecordProviderTokens(t *testing.T) {
	m := newTestMetrics()

	// Negative counters mark unreported usage and must be skipped.
	m.RecordProviderTokens("anthropic", "claude-sonnet-4-5", 1200, 800, 5000, -1)

	expected := `
		# HELP arbor_provider_tokens_total Total number of tokens consumed by provider, model, and type
		# TYPE arbor_provider_tokens_total counter
		arbor_provider_tokens_total{model="claude-sonnet-4-5",provider="anthropic",type="cache_read"} 5000
		arbor_provider_tokens_total{model="claude-sonnet-4-5",provider="anthropic",type="input"} 1200
		arbor_provider_tokens_total{model="claude-sonnet-4-5",provider="anthropic",type="output"} 800
	`
	if err := testutil.CollectAndCompare(m.ProviderTokens, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordProviderTokensAllUnreported(t *testing.T) {
	m := newTestMetrics()

	m.RecordProviderTokens("google", "gemini-2.5-pro", -1, -1, -1, -1)

	if count := testutil.CollectAndCount(m.ProviderTokens); count != 0 {
		t.Errorf("Expected no token series for unreported usage, got %d", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("bash", "success", 0.5)
	m.RecordToolExecution("bash", "success", 1.2)
	m.RecordToolExecution("file_read", "error", 0.01)

	expected := `
		# HELP arbor_tool_executions_total Total number of tool executions by tool name and status
		# TYPE arbor_tool_executions_total counter
		arbor_tool_executions_total{status="error",tool="file_read"} 1
		arbor_tool_executions_total{status="success",tool="bash"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutions, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	if testutil.CollectAndCount(m.ToolDuration) < 1 {
		t.Error("Expected tool duration histogram to have observations")
	}
}

func TestRecordHookRun(t *testing.T) {
	m := newTestMetrics()

	m.RecordHookRun("preToolUse", "allow")
	m.RecordHookRun("preToolUse", "block")
	m.RecordHookRun("stop", "allow")

	if count := testutil.CollectAndCount(m.HookRuns); count != 3 {
		t.Errorf("Expected 3 hook run series, got %d", count)
	}
}

func TestRecordCompaction(t *testing.T) {
	m := newTestMetrics()

	m.RecordCompaction("auto")
	m.RecordCompaction("manual")
	m.RecordCompaction("manual")

	expected := `
		# HELP arbor_compactions_total Total number of history compactions by trigger
		# TYPE arbor_compactions_total counter
		arbor_compactions_total{trigger="auto"} 1
		arbor_compactions_total{trigger="manual"} 2
	`
	if err := testutil.CollectAndCompare(m.Compactions, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestMetrics()

	m.SessionStarted()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 2 {
		t.Errorf("ActiveSessions = %v, want 2", got)
	}
}

func TestRecordSubscriberDrop(t *testing.T) {
	m := newTestMetrics()

	for i := 0; i < 5; i++ {
		m.RecordSubscriberDrop()
	}

	if got := testutil.ToFloat64(m.SubscriberDrops); got != 5 {
		t.Errorf("SubscriberDrops = %v, want 5", got)
	}
}

func TestRecordRPCRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordRPCRequest("session.prompt", "ok", 0.05)
	m.RecordRPCRequest("session.prompt", "ok", 0.08)
	m.RecordRPCRequest("session.get", "error", 0.001)

	expected := `
		# HELP arbor_rpc_requests_total Total number of RPC requests by method and status
		# TYPE arbor_rpc_requests_total counter
		arbor_rpc_requests_total{method="session.get",status="error"} 1
		arbor_rpc_requests_total{method="session.prompt",status="ok"} 2
	`
	if err := testutil.CollectAndCompare(m.RPCRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	if testutil.CollectAndCount(m.RPCDuration) < 1 {
		t.Error("Expected RPC duration histogram to have observations")
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := newTestMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordEventAppended("message.assistant")
				m.RecordAppendConflict()
			}
		}()
	}
	wg.Wait()

	expected := `
		# HELP arbor_events_appended_total Total number of events appended to session logs by type
		# TYPE arbor_events_appended_total counter
		arbor_events_appended_total{type="message.assistant"} 400
	`
	if err := testutil.CollectAndCompare(m.EventsAppended, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(m.AppendConflicts); got != 400 {
		t.Errorf("AppendConflicts = %v, want 400", got)
	}
}
