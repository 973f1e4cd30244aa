package subagents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/hooks"
	"github.com/arbor-sh/arbor/internal/orchestrator"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/internal/tools"
	"github.com/arbor-sh/arbor/pkg/models"
)

const testModel = "test-model"

type scriptedProvider struct {
	mu     sync.Mutex
	rounds []scriptedRound
}

type scriptedRound struct {
	chunks []provider.Chunk
	gate   chan struct{}
}

func (p *scriptedProvider) add(chunks ...provider.Chunk) {
	p.mu.Lock()
	p.rounds = append(p.rounds, scriptedRound{chunks: chunks})
	p.mu.Unlock()
}

func (p *scriptedProvider) addGated() chan struct{} {
	gate := make(chan struct{})
	p.mu.Lock()
	p.rounds = append(p.rounds, scriptedRound{gate: gate})
	p.mu.Unlock()
	return gate
}

func (p *scriptedProvider) Name() string                  { return "scripted" }
func (p *scriptedProvider) Accounting() tokens.Accounting { return tokens.PerTurnInput }
func (p *scriptedProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: testModel, Name: "Test Model", ContextWindow: 200000, MaxOutput: 4096}}
}

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	var round scriptedRound
	if len(p.rounds) > 0 {
		round = p.rounds[0]
		p.rounds = p.rounds[1:]
	}
	p.mu.Unlock()

	ch := make(chan provider.Chunk, len(round.chunks)+1)
	go func() {
		defer close(ch)
		if round.gate != nil {
			select {
			case <-round.gate:
			case <-ctx.Done():
				ch <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
				return
			}
		}
		for _, c := range round.chunks {
			ch <- c
		}
	}()
	return ch, nil
}

func textChunks(text string) []provider.Chunk {
	return []provider.Chunk{
		{Kind: provider.ChunkTurnStart},
		{Kind: provider.ChunkTextDelta, Text: text},
		{Kind: provider.ChunkTurnEnd, StopReason: provider.StopEndTurn, Usage: tokens.RawUsage{Input: 40, Output: 8, CacheRead: -1, CacheCreation: -1}},
	}
}

type fixture struct {
	coord  *Coordinator
	orch   *orchestrator.Orchestrator
	store  events.Store
	prov   *scriptedProvider
	ctxmgr *contextmgr.Manager
	parent *models.Session
}

func newFixture(t *testing.T, cfg config.SubagentsConfig) *fixture {
	t.Helper()
	store := events.NewForkView(events.NewMemoryStore())
	t.Cleanup(func() { store.Close() })

	prov := &scriptedProvider{}
	registry := provider.NewRegistry()
	registry.Register(prov)

	router := orchestrator.NewRouter(store)
	mgr := contextmgr.New(contextmgr.Options{Store: store, Appender: router, Catalog: registry})

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     store,
		Router:    router,
		Providers: registry,
		Context:   mgr,
		Executor:  tools.NewExecutor(tools.NewRegistry(), tools.ExecutorOptions{}),
		Hooks:     hooks.NewEngine(hooks.Options{}),
		Agent: config.AgentConfig{
			MaxIterations:   3,
			MaxTurnDuration: 5 * time.Second,
			MaxTokens:       512,
		},
		Sessions: config.SessionsConfig{SubscriberBuffer: 32, QueueSize: 16},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { orch.Close(context.Background()) })

	coord, err := New(Options{
		Orchestrator: orch,
		Store:        store,
		Appender:     router,
		Context:      mgr,
		Config:       cfg,
	})
	if err != nil {
		t.Fatal(err)
	}

	parent, err := orch.Create(context.Background(), orchestrator.CreateParams{
		WorkingDirectory: t.TempDir(),
		Model:            testModel,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{coord: coord, orch: orch, store: store, prov: prov, ctxmgr: mgr, parent: parent}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subagent never finished")
	}
}

func parentTypes(t *testing.T, f *fixture) []events.Type {
	t.Helper()
	history, err := f.store.GetHistory(context.Background(), f.parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]events.Type, len(history))
	for i, ev := range history {
		types[i] = ev.Type
	}
	return types
}

func hasType(types []events.Type, want events.Type) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestSpawn_RunsChildToCompletion(t *testing.T) {
	f := newFixture(t, config.SubagentsConfig{})
	f.prov.add(textChunks("child findings")...)

	subID, parentStream, err := f.orch.Subscribe(context.Background(), f.parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer f.orch.Unsubscribe(f.parent.ID, subID)

	h, err := f.coord.Spawn(context.Background(), f.parent.ID, "investigate the flaky test", SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	result, rerr := h.Result()
	if rerr != nil {
		t.Fatal(rerr)
	}
	if result != "child findings" {
		t.Errorf("result = %q", result)
	}

	types := parentTypes(t, f)
	if !hasType(types, events.TypeSubagentSpawned) || !hasType(types, events.TypeSubagentCompleted) {
		t.Errorf("parent log missing subagent lifecycle: %v", types)
	}
	// Child activity is never persisted on the parent.
	if hasType(types, events.TypeSubagentStatusUpdate) {
		t.Error("status updates leaked into the parent log")
	}

	// But it reaches parent subscribers as wrappers.
	sawWrapped := false
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case n := <-parentStream:
			if n.Event.Type == events.TypeSubagentStatusUpdate {
				var p events.SubagentStatusPayload
				if err := json.Unmarshal(n.Event.Payload, &p); err != nil {
					t.Fatal(err)
				}
				if p.SubagentSessionID == h.SessionID {
					sawWrapped = true
					break drain
				}
			}
		case <-deadline:
			break drain
		}
	}
	if !sawWrapped {
		t.Error("no wrapped child events reached parent subscribers")
	}

	zone, _ := f.ctxmgr.ZoneContent(f.parent.ID, contextmgr.ZoneSubagentResults)
	if !strings.Contains(zone, "child findings") {
		t.Errorf("results zone = %q", zone)
	}
}

func TestSpawn_DepthCap(t *testing.T) {
	f := newFixture(t, config.SubagentsConfig{MaxDepth: 1})
	f.prov.add(textChunks("done")...)

	h, err := f.coord.Spawn(context.Background(), f.parent.ID, "level one", SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	if _, err := f.coord.Spawn(context.Background(), h.SessionID, "level two", SpawnOptions{}); !errors.Is(err, ErrDepthLimit) {
		t.Fatalf("depth-capped spawn err = %v", err)
	}
}

func TestSpawn_ParentCancelCascades(t *testing.T) {
	f := newFixture(t, config.SubagentsConfig{})
	f.prov.addGated() // child blocks until aborted

	ctx, cancel := context.WithCancel(context.Background())
	h, err := f.coord.Spawn(ctx, f.parent.ID, "never finishes", SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	waitDone(t, h)

	if _, rerr := h.Result(); rerr == nil {
		t.Fatal("aborted subagent reported success")
	}
	if !hasType(parentTypes(t, f), events.TypeSubagentFailed) {
		t.Error("parent log missing subagent.failed")
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	f := newFixture(t, config.SubagentsConfig{})
	f.prov.addGated()

	h, err := f.coord.Spawn(context.Background(), f.parent.ID, "slow task", SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.WaitFor(context.Background(), []*Handle{h}, 50*time.Millisecond); err == nil {
		t.Fatal("WaitFor did not time out")
	}
	waitDone(t, h)
}

func TestTaskTool_BridgesResult(t *testing.T) {
	f := newFixture(t, config.SubagentsConfig{})
	f.prov.add(textChunks("the answer is 42")...)

	tool := NewTaskTool(f.coord)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"compute the answer"}`), tools.Options{
		SessionID:        f.parent.ID,
		WorkingDirectory: f.parent.WorkingDirectory,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != "the answer is 42" {
		t.Fatalf("result = %+v", res)
	}
	if id, _ := res.Details["subagentSessionId"].(string); id == "" {
		t.Error("missing subagent session id detail")
	}
}

func TestTaskTool_DepthLimitIsErrorResult(t *testing.T) {
	f := newFixture(t, config.SubagentsConfig{MaxDepth: 1})
	f.prov.add(textChunks("ok")...)

	h, err := f.coord.Spawn(context.Background(), f.parent.ID, "one level", SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	tool := NewTaskTool(f.coord)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"too deep"}`), tools.Options{
		SessionID: h.SessionID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "depth") {
		t.Fatalf("result = %+v", res)
	}
}
