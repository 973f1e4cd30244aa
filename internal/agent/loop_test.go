package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/hooks"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/internal/tools"
	"github.com/arbor-sh/arbor/pkg/models"
)

const testModel = "test-model"

// scriptedProvider replays a fixed sequence of chunk rounds, one per
// Stream call, and records every request it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	rounds   [][]provider.Chunk
	requests []*provider.Request
	// blockOnRound makes the numbered Stream call (0-based) wait for
	// ctx cancellation and emit its error.
	blockOnRound int
}

func newScriptedProvider(rounds ...[]provider.Chunk) *scriptedProvider {
	return &scriptedProvider{rounds: rounds, blockOnRound: -1}
}

func (p *scriptedProvider) Name() string                  { return "scripted" }
func (p *scriptedProvider) Accounting() tokens.Accounting { return tokens.PerTurnInput }
func (p *scriptedProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: testModel, Name: "Test Model", ContextWindow: 200000, MaxOutput: 8192}}
}

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	call := len(p.requests)
	reqCopy := *req
	p.requests = append(p.requests, &reqCopy)
	var round []provider.Chunk
	if len(p.rounds) > 0 {
		round = p.rounds[0]
		p.rounds = p.rounds[1:]
	}
	blocking := call == p.blockOnRound
	p.mu.Unlock()

	ch := make(chan provider.Chunk, len(round)+1)
	go func() {
		defer close(ch)
		if blocking {
			<-ctx.Done()
			ch <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
			return
		}
		for _, c := range round {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) request(t *testing.T, i int) *provider.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("request %d never made (saw %d)", i, len(p.requests))
	}
	return p.requests[i]
}

func textRound(text string, stop provider.StopReason) []provider.Chunk {
	return []provider.Chunk{
		{Kind: provider.ChunkTurnStart},
		{Kind: provider.ChunkTextDelta, Text: text},
		{Kind: provider.ChunkTurnEnd, StopReason: stop, Usage: tokens.RawUsage{Input: 100, Output: 20, CacheRead: -1, CacheCreation: -1}},
	}
}

func toolRoundChunks(callID, name, args string) []provider.Chunk {
	return []provider.Chunk{
		{Kind: provider.ChunkTurnStart},
		{Kind: provider.ChunkToolCallStart, ToolCall: &provider.ToolCallChunk{ID: callID, Name: name, ProviderID: "native-" + callID}},
		{Kind: provider.ChunkToolCallStop, ToolCall: &provider.ToolCallChunk{ID: callID, Name: name, Args: json.RawMessage(args)}},
		{Kind: provider.ChunkTurnEnd, StopReason: provider.StopToolUse, Usage: tokens.RawUsage{Input: 100, Output: 30, CacheRead: -1, CacheCreation: -1}},
	}
}

type loopFixture struct {
	loop    *Loop
	store   events.Store
	prov    *scriptedProvider
	hooks   *hooks.Engine
	session *models.Session
}

func newLoopFixture(t *testing.T, prov *scriptedProvider, toolList ...tools.Tool) *loopFixture {
	t.Helper()
	store := events.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	ev, err := store.Append(ctx, "s1", "", events.TypeSessionStart, events.SessionStartPayload{
		WorkingDirectory: t.TempDir(),
		Model:            testModel,
	})
	if err != nil {
		t.Fatal(err)
	}
	var startPayload events.SessionStartPayload
	if err := json.Unmarshal(ev.Payload, &startPayload); err != nil {
		t.Fatal(err)
	}

	registry := provider.NewRegistry()
	registry.Register(prov)

	toolReg := tools.NewRegistry()
	for _, tl := range toolList {
		toolReg.Register(tl)
	}

	engine := hooks.NewEngine(hooks.Options{})
	mgr := contextmgr.New(contextmgr.Options{Store: store, Catalog: registry})
	if err := mgr.SetZone("s1", contextmgr.ZoneSystemPrompt, "You are a coding agent."); err != nil {
		t.Fatal(err)
	}

	loop, err := New(Options{
		Store:     store,
		Providers: registry,
		Context:   mgr,
		Executor:  tools.NewExecutor(toolReg, tools.ExecutorOptions{}),
		Hooks:     engine,
		Config: config.AgentConfig{
			MaxIterations:   5,
			MaxTurnDuration: 5 * time.Second,
			MaxTokens:       1024,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &loopFixture{
		loop:  loop,
		store: store,
		prov:  prov,
		hooks: engine,
		session: &models.Session{
			ID:               "s1",
			Model:            testModel,
			WorkingDirectory: startPayload.WorkingDirectory,
		},
	}
}

func (f *loopFixture) runToEnd(t *testing.T, prompt string, opts RunOptions) []Update {
	t.Helper()
	ch, err := f.loop.Run(context.Background(), f.session, prompt, opts)
	if err != nil {
		t.Fatal(err)
	}
	var out []Update
	for u := range ch {
		out = append(out, u)
	}
	return out
}

func (f *loopFixture) eventTypes(t *testing.T) []events.Type {
	t.Helper()
	history, err := f.store.GetHistory(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	types := make([]events.Type, len(history))
	for i, ev := range history {
		types[i] = ev.Type
	}
	return types
}

func (f *loopFixture) allOf(t *testing.T, typ events.Type) []*events.Event {
	t.Helper()
	history, err := f.store.GetHistory(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	var out []*events.Event
	for _, ev := range history {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *loopFixture) lastOf(t *testing.T, typ events.Type) *events.Event {
	t.Helper()
	history, err := f.store.GetHistory(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == typ {
			return history[i]
		}
	}
	t.Fatalf("no %s event in history", typ)
	return nil
}

func assertTypes(t *testing.T, got []events.Type, want ...events.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
}

func TestRun_PlainTextTurn(t *testing.T) {
	prov := newScriptedProvider(textRound("hello there", provider.StopEndTurn))
	f := newLoopFixture(t, prov)

	updates := f.runToEnd(t, "hi", RunOptions{})

	assertTypes(t, f.eventTypes(t),
		events.TypeSessionStart,
		events.TypeMessageUser,
		events.TypeStreamTurnStart,
		events.TypeMessageAssistant,
		events.TypeStreamTurnEnd,
	)

	last := updates[len(updates)-1]
	if last.Kind != UpdateTurnEnd {
		t.Fatalf("last update = %+v", last)
	}
	if last.TurnEnd.StopReason != string(provider.StopEndTurn) {
		t.Errorf("stop reason = %s", last.TurnEnd.StopReason)
	}
	if last.TurnEnd.Record.NewInput != 100 || last.TurnEnd.Record.Output != 20 {
		t.Errorf("record = %+v", last.TurnEnd.Record)
	}

	sawDelta := false
	for _, u := range updates {
		if u.Kind == UpdateTextDelta && u.Text == "hello there" {
			sawDelta = true
		}
	}
	if !sawDelta {
		t.Error("text delta never fanned out")
	}

	var end events.TurnEndPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeStreamTurnEnd).Payload, &end); err != nil {
		t.Fatal(err)
	}
	if end.Turn != 1 || end.TokenRecord == nil || end.TokenRecord.Output != 20 {
		t.Errorf("turn end payload = %+v", end)
	}

	// System prompt zone reached the provider.
	req := prov.request(t, 0)
	if len(req.System) == 0 || !strings.Contains(req.System[0].Text, "coding agent") {
		t.Errorf("system blocks = %+v", req.System)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	prov := newScriptedProvider(
		toolRoundChunks("toolu_01", "echo", `{"value":"ping"}`),
		textRound("done", provider.StopEndTurn),
	)
	echo := &fakeLoopTool{name: "echo"}
	f := newLoopFixture(t, prov, echo)

	updates := f.runToEnd(t, "run the tool", RunOptions{})

	// Each inference round is bracketed by its own bookends, so the
	// follow-up call after the tool results is a second numbered turn.
	assertTypes(t, f.eventTypes(t),
		events.TypeSessionStart,
		events.TypeMessageUser,
		events.TypeStreamTurnStart,
		events.TypeMessageAssistant,
		events.TypeStreamTurnEnd,
		events.TypeToolCall,
		events.TypeToolResult,
		events.TypeStreamTurnStart,
		events.TypeMessageAssistant,
		events.TypeStreamTurnEnd,
	)

	ends := f.allOf(t, events.TypeStreamTurnEnd)
	var first, second events.TurnEndPayload
	if err := json.Unmarshal(ends[0].Payload, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(ends[1].Payload, &second); err != nil {
		t.Fatal(err)
	}
	if first.Turn != 1 || first.TokenRecord == nil || first.TokenRecord.Output != 30 {
		t.Errorf("first turn end = %+v", first)
	}
	if first.StopReason != string(provider.StopToolUse) {
		t.Errorf("first stop reason = %s", first.StopReason)
	}
	if second.Turn != 2 || second.TokenRecord == nil || second.TokenRecord.Output != 20 {
		t.Errorf("second turn end = %+v", second)
	}

	var call events.ToolCallPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeToolCall).Payload, &call); err != nil {
		t.Fatal(err)
	}
	if call.ID != "toolu_01" || call.ProviderID != "native-toolu_01" {
		t.Errorf("tool call payload = %+v", call)
	}

	var result events.ToolResultPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeToolResult).Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.ToolUseID != "toolu_01" || result.IsError || !strings.Contains(result.Content, "ping") {
		t.Errorf("tool result payload = %+v", result)
	}

	// Second request carried the tool result back to the model.
	req := prov.request(t, 1)
	lastMsg := req.Messages[len(req.Messages)-1]
	results := lastMsg.ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "toolu_01" {
		t.Errorf("follow-up messages missing tool result: %+v", lastMsg)
	}

	// Usage aggregated across both rounds.
	last := updates[len(updates)-1]
	if last.Kind != UpdateTurnEnd || last.TurnEnd.Record.Output != 50 {
		t.Errorf("aggregate output = %+v", last)
	}
}

func TestRun_PreToolUseBlockFoldsIntoResult(t *testing.T) {
	prov := newScriptedProvider(
		toolRoundChunks("toolu_01", "echo", `{"value":"x"}`),
		textRound("understood", provider.StopEndTurn),
	)
	echo := &fakeLoopTool{name: "echo"}
	f := newLoopFixture(t, prov, echo)

	if _, err := f.hooks.Register(hooks.Hook{Event: hooks.PreToolUse, Matcher: "echo", Handler: func(_ context.Context, _ *hooks.Payload) (*hooks.Result, error) {
		return &hooks.Result{Block: &hooks.BlockInfo{Reason: "not today"}}, nil
	}}); err != nil {
		t.Fatal(err)
	}

	f.runToEnd(t, "run it", RunOptions{})

	if echo.calls.Load() != 0 {
		t.Error("blocked tool still executed")
	}
	var result events.ToolResultPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeToolResult).Payload, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(result.Content, "not today") {
		t.Errorf("result = %+v", result)
	}
}

func TestRun_PromptBlockedByHook(t *testing.T) {
	prov := newScriptedProvider()
	f := newLoopFixture(t, prov)
	if _, err := f.hooks.Register(hooks.Hook{Event: hooks.UserPromptSubmit, Handler: func(_ context.Context, _ *hooks.Payload) (*hooks.Result, error) {
		return &hooks.Result{Block: &hooks.BlockInfo{Reason: "policy"}}, nil
	}}); err != nil {
		t.Fatal(err)
	}

	_, err := f.loop.Run(context.Background(), f.session, "hi", RunOptions{})
	if !errors.Is(err, ErrPromptBlocked) {
		t.Fatalf("err = %v", err)
	}
	// Nothing recorded.
	assertTypes(t, f.eventTypes(t), events.TypeSessionStart)
}

func TestRun_PromptRewrittenByHook(t *testing.T) {
	prov := newScriptedProvider(textRound("ok", provider.StopEndTurn))
	f := newLoopFixture(t, prov)
	if _, err := f.hooks.Register(hooks.Hook{Event: hooks.UserPromptSubmit, Handler: func(_ context.Context, _ *hooks.Payload) (*hooks.Result, error) {
		return &hooks.Result{Modify: json.RawMessage(`"amended"`)}, nil
	}}); err != nil {
		t.Fatal(err)
	}

	f.runToEnd(t, "original", RunOptions{})

	var msg events.MessagePayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeMessageUser).Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Message().Text() != "amended" {
		t.Errorf("persisted prompt = %q", msg.Message().Text())
	}
}

func TestRun_TokenExtractionFailure(t *testing.T) {
	prov := newScriptedProvider([]provider.Chunk{
		{Kind: provider.ChunkTextDelta, Text: "partial"},
		{Kind: provider.ChunkTurnEnd, StopReason: provider.StopEndTurn, Usage: tokens.EmptyRawUsage()},
	})
	f := newLoopFixture(t, prov)

	updates := f.runToEnd(t, "hi", RunOptions{})

	last := updates[len(updates)-1]
	if last.Kind != UpdateError {
		t.Fatalf("last update = %+v", last)
	}
	var extractErr *tokens.TokenExtractionError
	if !errors.As(last.Err, &extractErr) {
		t.Fatalf("err = %v", last.Err)
	}
	if extractErr.Provider != "scripted" || extractErr.Model != testModel {
		t.Errorf("extraction error = %+v", extractErr)
	}

	var failed events.TurnFailedPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeTurnFailed).Payload, &failed); err != nil {
		t.Fatal(err)
	}
	if failed.Code != "TOKEN_EXTRACTION" {
		t.Errorf("turn.failed = %+v", failed)
	}
}

func TestRun_ProviderErrorPersistsPartialText(t *testing.T) {
	prov := newScriptedProvider([]provider.Chunk{
		{Kind: provider.ChunkTextDelta, Text: "partial answer"},
		{Kind: provider.ChunkError, Err: &provider.Error{Reason: provider.ReasonOverloaded, Provider: "scripted", Message: "overloaded"}},
	})
	f := newLoopFixture(t, prov)

	updates := f.runToEnd(t, "hi", RunOptions{})

	last := updates[len(updates)-1]
	if last.Kind != UpdateError {
		t.Fatalf("last update = %+v", last)
	}

	var msg events.MessagePayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeMessageAssistant).Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.StopReason != string(provider.StopError) || msg.Message().Text() != "partial answer" {
		t.Errorf("assistant payload = %+v", msg)
	}

	var perr events.ErrorPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeErrorProvider).Payload, &perr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(perr.Message, "overloaded") {
		t.Errorf("error payload = %+v", perr)
	}

	var end events.TurnEndPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeStreamTurnEnd).Payload, &end); err != nil {
		t.Fatal(err)
	}
	if end.StopReason != string(provider.StopError) {
		t.Errorf("turn end = %+v", end)
	}

	// Overload is transient, so the failure is marked recoverable and
	// carries the streamed text.
	var failed events.TurnFailedPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeTurnFailed).Payload, &failed); err != nil {
		t.Fatal(err)
	}
	if !failed.Recoverable || failed.PartialContent != "partial answer" {
		t.Errorf("turn failed payload = %+v", failed)
	}
	if failed.Interrupted {
		t.Error("provider failure marked as interrupted")
	}
}

func TestRun_ContextOverflowFailsRecoverable(t *testing.T) {
	prov := newScriptedProvider([]provider.Chunk{
		{Kind: provider.ChunkError, Err: &provider.Error{Reason: provider.ReasonContextOverflow, Provider: "scripted", Message: "context window exceeded"}},
	})
	f := newLoopFixture(t, prov)

	f.runToEnd(t, "hi", RunOptions{})

	var failed events.TurnFailedPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeTurnFailed).Payload, &failed); err != nil {
		t.Fatal(err)
	}
	if failed.Code != "CTX" || !failed.Recoverable {
		t.Errorf("turn failed payload = %+v", failed)
	}
	// error.provider keeps the raw provider reason.
	var perr events.ErrorPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeErrorProvider).Payload, &perr); err != nil {
		t.Fatal(err)
	}
	if perr.Code != string(provider.ReasonContextOverflow) {
		t.Errorf("error payload = %+v", perr)
	}
}

func TestRun_SteeringContinuesTurn(t *testing.T) {
	prov := newScriptedProvider(
		textRound("first answer", provider.StopEndTurn),
		textRound("second answer", provider.StopEndTurn),
	)
	f := newLoopFixture(t, prov)

	steering := NewSteering(4)
	if err := steering.Push("and another thing"); err != nil {
		t.Fatal(err)
	}
	f.runToEnd(t, "hi", RunOptions{Steering: steering})

	req := prov.request(t, 1)
	lastMsg := req.Messages[len(req.Messages)-1]
	if lastMsg.Text() != "and another thing" {
		t.Errorf("steering prompt not delivered: %+v", lastMsg)
	}
	if steering.Len() != 0 {
		t.Errorf("steering queue not drained: %d", steering.Len())
	}

	// Both inference rounds carry their own bookends and numbering.
	ends := f.allOf(t, events.TypeStreamTurnEnd)
	if len(ends) != 2 {
		t.Fatalf("turn end events = %d, want 2", len(ends))
	}
	var second events.TurnEndPayload
	if err := json.Unmarshal(ends[1].Payload, &second); err != nil {
		t.Fatal(err)
	}
	if second.Turn != 2 {
		t.Errorf("second round turn = %d, want 2", second.Turn)
	}
}

func TestRun_StopHookForcesOneContinuation(t *testing.T) {
	prov := newScriptedProvider(
		textRound("first", provider.StopEndTurn),
		textRound("second", provider.StopEndTurn),
		textRound("third", provider.StopEndTurn),
	)
	f := newLoopFixture(t, prov)

	var stopRuns int
	if _, err := f.hooks.Register(hooks.Hook{Event: hooks.Stop, Blocking: true, Handler: func(_ context.Context, _ *hooks.Payload) (*hooks.Result, error) {
		stopRuns++
		return &hooks.Result{Block: &hooks.BlockInfo{Reason: "keep going"}}, nil
	}}); err != nil {
		t.Fatal(err)
	}

	f.runToEnd(t, "hi", RunOptions{})

	// The hook blocks every time but only forces one continuation.
	if stopRuns != 2 {
		t.Errorf("stop hook ran %d times, want 2", stopRuns)
	}
	prov.mu.Lock()
	calls := len(prov.requests)
	prov.mu.Unlock()
	if calls != 2 {
		t.Errorf("inference rounds = %d, want 2", calls)
	}
	req := prov.request(t, 1)
	if req.Messages[len(req.Messages)-1].Text() != "keep going" {
		t.Errorf("continuation prompt = %+v", req.Messages[len(req.Messages)-1])
	}
}

func TestRun_AbortClosesTurnAborted(t *testing.T) {
	prov := newScriptedProvider(nil)
	prov.blockOnRound = 0
	f := newLoopFixture(t, prov)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.loop.Run(ctx, f.session, "hi", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	var updates []Update
	for u := range ch {
		updates = append(updates, u)
	}
	last := updates[len(updates)-1]
	if last.Kind != UpdateTurnEnd || last.TurnEnd.StopReason != string(provider.StopAborted) {
		t.Fatalf("last update = %+v", last)
	}

	var end events.TurnEndPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeStreamTurnEnd).Payload, &end); err != nil {
		t.Fatal(err)
	}
	if end.StopReason != string(provider.StopAborted) {
		t.Errorf("turn end = %+v", end)
	}

	// The abort is also recorded as a turn failure marked interrupted.
	var failed events.TurnFailedPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeTurnFailed).Payload, &failed); err != nil {
		t.Fatal(err)
	}
	if !failed.Interrupted || failed.Code != "ABORTED" {
		t.Errorf("turn failed payload = %+v", failed)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	rounds := make([][]provider.Chunk, 6)
	for i := range rounds {
		rounds[i] = toolRoundChunks("toolu_0"+string(rune('1'+i)), "echo", `{"value":"again"}`)
	}
	prov := newScriptedProvider(rounds...)
	f := newLoopFixture(t, prov, &fakeLoopTool{name: "echo"})

	updates := f.runToEnd(t, "loop forever", RunOptions{})

	last := updates[len(updates)-1]
	if last.Kind != UpdateTurnEnd || last.TurnEnd.StopReason != "max_iterations" {
		t.Fatalf("last update = %+v", last)
	}
	// Every permitted round ran and was closed.
	if starts := f.allOf(t, events.TypeStreamTurnStart); len(starts) != 5 {
		t.Errorf("inference rounds = %d, want 5", len(starts))
	}
	if ends := f.allOf(t, events.TypeStreamTurnEnd); len(ends) != 5 {
		t.Errorf("turn end events = %d, want 5", len(ends))
	}
}

func TestRun_TurnNumberAdvances(t *testing.T) {
	prov := newScriptedProvider(
		textRound("one", provider.StopEndTurn),
		textRound("two", provider.StopEndTurn),
	)
	f := newLoopFixture(t, prov)

	f.runToEnd(t, "first", RunOptions{})
	f.runToEnd(t, "second", RunOptions{})

	var end events.TurnEndPayload
	if err := json.Unmarshal(f.lastOf(t, events.TypeStreamTurnEnd).Payload, &end); err != nil {
		t.Fatal(err)
	}
	if end.Turn != 2 {
		t.Errorf("turn = %d, want 2", end.Turn)
	}
}

// fakeLoopTool echoes its value argument.
type fakeLoopTool struct {
	name  string
	calls atomic.Int32
}

func (f *fakeLoopTool) Name() string            { return f.name }
func (f *fakeLoopTool) Description() string     { return "echo tool" }
func (f *fakeLoopTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeLoopTool) Execute(_ context.Context, params json.RawMessage, _ tools.Options) (*tools.Result, error) {
	f.calls.Add(1)
	var in struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return tools.Errorf("bad params: %v", err), nil
	}
	return &tools.Result{Content: "echo: " + in.Value}, nil
}

