package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
)

// fakeTool is a scriptable tool for executor tests.
type fakeTool struct {
	name    string
	schema  json.RawMessage
	execute func(ctx context.Context, params json.RawMessage, opts Options) (*Result, error)
}

func (f *fakeTool) Name() string          { return f.name }
func (f *fakeTool) Description() string   { return "test tool" }
func (f *fakeTool) Schema() json.RawMessage {
	if f.schema != nil {
		return f.schema
	}
	return json.RawMessage(`{"type":"object"}`)
}
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	return f.execute(ctx, params, opts)
}

func echoTool(name string) *fakeTool {
	return &fakeTool{name: name, execute: func(_ context.Context, params json.RawMessage, _ Options) (*Result, error) {
		return &Result{Content: string(params)}, nil
	}}
}

func TestRegistry_DefsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("zeta"))
	r.Register(echoTool("alpha"))
	r.Register(echoTool("mid"))

	defs := r.Defs()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Fatalf("defs = %+v", defs)
	}
}

func TestRegistry_ValidateArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name: "strict",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"],
			"additionalProperties": false
		}`),
	})

	if err := r.ValidateArgs("strict", []byte(`{"path":"a.txt"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.ValidateArgs("strict", []byte(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
	if err := r.ValidateArgs("strict", []byte(`{"path":7}`)); err == nil {
		t.Error("wrong type accepted")
	}
	if err := r.ValidateArgs("strict", []byte(`not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
	if err := r.ValidateArgs("missing", nil); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestRegistry_Subset(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("bash"))
	r.Register(echoTool("file_read"))
	r.Register(echoTool("task"))

	sub := r.Subset([]string{"file_read", "nope"})
	if got := sub.List(); len(got) != 1 || got[0] != "file_read" {
		t.Errorf("subset = %v", got)
	}
	without := r.Without("task")
	if got := without.List(); len(got) != 2 {
		t.Errorf("without = %v", got)
	}
}

func TestPolicy_Check(t *testing.T) {
	p := NewPolicy(config.PolicyConfig{
		Allow: []string{"file_*", "ls"},
		Deny:  []string{"bash"},
		Ask:   []string{"file_write"},
	})
	cases := []struct {
		name string
		want Decision
	}{
		{"bash", DecisionDeny},
		{"file_write", DecisionAsk},
		{"file_read", DecisionAllow},
		{"ls", DecisionAllow},
		{"grep", DecisionDeny}, // not on the allow list
	}
	for _, tc := range cases {
		if got := p.Check(tc.name); got != tc.want {
			t.Errorf("Check(%s) = %s, want %s", tc.name, got, tc.want)
		}
	}
	if got := OpenPolicy().Check("anything"); got != DecisionAllow {
		t.Errorf("open policy = %s", got)
	}
}

func TestExecute_UnknownToolAndInvalidArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{
		name:   "strict",
		schema: json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
		execute: func(_ context.Context, _ json.RawMessage, _ Options) (*Result, error) {
			t.Error("tool ran with invalid args")
			return &Result{}, nil
		},
	})
	e := NewExecutor(r, ExecutorOptions{})

	res := e.Execute(context.Background(), Call{ID: "t1", Name: "ghost"}, Options{})
	if res.Result == nil || !res.Result.IsError {
		t.Fatalf("unknown tool result = %+v", res)
	}
	res = e.Execute(context.Background(), Call{ID: "t2", Name: "strict", Args: json.RawMessage(`{}`)}, Options{})
	if res.Result == nil || !res.Result.IsError {
		t.Fatalf("invalid args result = %+v", res)
	}
}

func TestExecute_PolicyDenied(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("bash"))
	e := NewExecutor(r, ExecutorOptions{Policy: NewPolicy(config.PolicyConfig{Deny: []string{"bash"}})})

	res := e.Execute(context.Background(), Call{ID: "t1", Name: "bash", Args: json.RawMessage(`{}`)}, Options{})
	if res.Result == nil || !res.Result.IsError {
		t.Fatalf("result = %+v", res)
	}
	if res.Result.Details["permissionDenied"] != true {
		t.Errorf("details = %v", res.Result.Details)
	}
	if res.Err != nil {
		t.Errorf("denial surfaced as executor error: %v", res.Err)
	}
}

func TestExecuteAll_PreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "slowfast", execute: func(_ context.Context, params json.RawMessage, _ Options) (*Result, error) {
		var in struct {
			N     int `json:"n"`
			Sleep int `json:"sleep"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(in.Sleep) * time.Millisecond)
		return &Result{Content: fmt.Sprintf("%d", in.N)}, nil
	}})
	e := NewExecutor(r, ExecutorOptions{MaxConcurrent: 4})

	calls := []Call{
		{ID: "a", Name: "slowfast", Args: json.RawMessage(`{"n":0,"sleep":40}`)},
		{ID: "b", Name: "slowfast", Args: json.RawMessage(`{"n":1,"sleep":5}`)},
		{ID: "c", Name: "slowfast", Args: json.RawMessage(`{"n":2,"sleep":20}`)},
	}
	results := e.ExecuteAll(context.Background(), calls, Options{})
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	for i, res := range results {
		if res.ToolUseID != calls[i].ID {
			t.Errorf("results[%d].ToolUseID = %s, want %s", i, res.ToolUseID, calls[i].ID)
		}
		if res.Result.Content != fmt.Sprintf("%d", i) {
			t.Errorf("results[%d].Content = %s", i, res.Result.Content)
		}
	}
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	r := NewRegistry()
	r.Register(&fakeTool{name: "busy", execute: func(_ context.Context, _ json.RawMessage, _ Options) (*Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &Result{Content: "ok"}, nil
	}})
	e := NewExecutor(r, ExecutorOptions{MaxConcurrent: 2})

	calls := make([]Call, 6)
	for i := range calls {
		calls[i] = Call{ID: fmt.Sprintf("c%d", i), Name: "busy", Args: json.RawMessage(`{}`)}
	}
	e.ExecuteAll(context.Background(), calls, Options{})
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "stuck", execute: func(ctx context.Context, _ json.RawMessage, _ Options) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	e := NewExecutor(r, ExecutorOptions{Timeout: 30 * time.Millisecond})

	res := e.Execute(context.Background(), Call{ID: "t1", Name: "stuck", Args: json.RawMessage(`{}`)}, Options{})
	if res.Result == nil || !res.Result.IsError {
		t.Fatalf("result = %+v", res)
	}
	if res.Result.Details["timedOut"] != true {
		t.Errorf("details = %v", res.Result.Details)
	}
}

func TestExecute_ParentCancelIsInterrupted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "stuck", execute: func(ctx context.Context, _ json.RawMessage, _ Options) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	e := NewExecutor(r, ExecutorOptions{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, Call{ID: "t1", Name: "stuck", Args: json.RawMessage(`{}`)}, Options{})
	if res.Result == nil || res.Result.Details["interrupted"] != true {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecute_PanicBecomesErrorResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "panicky", execute: func(_ context.Context, _ json.RawMessage, _ Options) (*Result, error) {
		panic("kaboom")
	}})
	e := NewExecutor(r, ExecutorOptions{})

	res := e.Execute(context.Background(), Call{ID: "t1", Name: "panicky", Args: json.RawMessage(`{}`)}, Options{})
	if res.Result == nil || !res.Result.IsError {
		t.Fatalf("result = %+v", res)
	}
	if res.Err != nil {
		t.Errorf("panic surfaced as executor error: %v", res.Err)
	}
}

func TestCancelled(t *testing.T) {
	results := Cancelled([]Call{{ID: "a", Name: "bash"}, {ID: "b", Name: "grep"}})
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	for _, res := range results {
		if !res.Result.IsError || res.Result.Details["cancelled"] != true {
			t.Errorf("result = %+v", res.Result)
		}
	}
}
