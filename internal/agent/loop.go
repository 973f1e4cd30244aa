// Package agent drives conversation turns: it streams provider
// responses, executes requested tools, and records everything on the
// session's event log. One Run call processes one user prompt to
// completion, looping through inference rounds while the model keeps
// requesting tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/hooks"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/internal/tools"
	"github.com/arbor-sh/arbor/pkg/models"
)

// ErrPromptBlocked means a UserPromptSubmit hook vetoed the prompt
// before the turn started.
var ErrPromptBlocked = errors.New("agent: prompt blocked by hook")

const updateBufferSize = 64

// Options wires a Loop. Store, Providers, Context and Executor are
// required.
type Options struct {
	Store     events.Store
	Appender  contextmgr.Appender
	Providers *provider.Registry
	Context   *contextmgr.Manager
	Executor  *tools.Executor
	Hooks     *hooks.Engine
	Config    config.AgentConfig
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Loop runs agent turns. Safe for concurrent use across sessions; the
// caller is responsible for serializing turns within one session.
type Loop struct {
	store     events.Store
	appender  contextmgr.Appender
	providers *provider.Registry
	ctxmgr    *contextmgr.Manager
	executor  *tools.Executor
	hooks     *hooks.Engine
	cfg       config.AgentConfig
	log       *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

type storeAppender struct {
	store events.Store
}

func (a storeAppender) Append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error) {
	return events.AppendAuto(ctx, a.store, sessionID, t, payload)
}

// New builds a Loop from opts.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("agent: Options.Store is required")
	case opts.Providers == nil:
		return nil, errors.New("agent: Options.Providers is required")
	case opts.Context == nil:
		return nil, errors.New("agent: Options.Context is required")
	case opts.Executor == nil:
		return nil, errors.New("agent: Options.Executor is required")
	}
	l := &Loop{
		store:     opts.Store,
		appender:  opts.Appender,
		providers: opts.Providers,
		ctxmgr:    opts.Context,
		executor:  opts.Executor,
		hooks:     opts.Hooks,
		cfg:       opts.Config,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	if l.appender == nil {
		l.appender = storeAppender{store: opts.Store}
	}
	if l.hooks == nil {
		l.hooks = hooks.NewEngine(hooks.Options{})
	}
	if l.log == nil {
		l.log = observability.NewNopLogger()
	}
	if l.cfg.MaxIterations <= 0 {
		l.cfg.MaxIterations = 25
	}
	if l.cfg.MaxTurnDuration <= 0 {
		l.cfg.MaxTurnDuration = 10 * time.Minute
	}
	if l.cfg.MaxTokens <= 0 {
		l.cfg.MaxTokens = 8192
	}
	return l, nil
}

// RunOptions tunes one turn.
type RunOptions struct {
	// Steering receives prompts queued against this running turn.
	Steering *Steering
	// ReasoningEffort overrides the configured default for this turn.
	ReasoningEffort string
}

// Run processes one user prompt. UserPromptSubmit hooks run before the
// turn starts; a veto fails Run synchronously with ErrPromptBlocked.
// The returned channel closes when the turn completes; its last element
// is a turn_end or error update.
func (l *Loop) Run(ctx context.Context, session *models.Session, prompt string, opts RunOptions) (<-chan Update, error) {
	if session == nil || session.ID == "" {
		return nil, errors.New("agent: session is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("agent: prompt is empty")
	}

	out, err := l.hooks.Run(ctx, &hooks.Payload{
		SessionID: session.ID,
		Event:     hooks.UserPromptSubmit,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, err
	}
	if out.Blocked {
		return nil, fmt.Errorf("%w: %s", ErrPromptBlocked, out.Reason)
	}
	prompt = out.Payload.Prompt

	updates := make(chan Update, updateBufferSize)
	runCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxTurnDuration)
	go func() {
		defer close(updates)
		defer cancel()
		l.run(runCtx, session, prompt, opts, updates)
	}()
	return updates, nil
}

// turnState carries the mutable pieces of one Run through its phases.
type turnState struct {
	session     *models.Session
	turn        int
	model       string
	prevContext int
	summary     string
	messages    []models.Message
	steering    *Steering
	effort      string

	// roundOpen tracks whether a stream.turn_start is awaiting its
	// stream.turn_end, so failure paths close the pair exactly once.
	roundOpen bool

	agg   tokens.TokenRecord
	usage bool
}

// addUsage folds one inference round's record into the turn aggregate.
func (s *turnState) addUsage(rec tokens.TokenRecord) {
	s.agg.Raw += rec.Raw
	s.agg.NewInput += rec.NewInput
	s.agg.Output += rec.Output
	s.agg.CacheRead += rec.CacheRead
	s.agg.CacheCreation += rec.CacheCreation
	s.agg.ContextWindow = rec.ContextWindow
	s.prevContext = rec.ContextWindow
	s.usage = true
}

func (l *Loop) run(ctx context.Context, session *models.Session, prompt string, opts RunOptions, updates chan<- Update) {
	state, err := l.initState(ctx, session, opts)
	if err != nil {
		l.fail(ctx, session.ID, updates, "failed to load session history", err)
		return
	}

	ctx = observability.AddSessionID(ctx, session.ID)
	if l.tracer != nil {
		tctx, span := l.tracer.TraceTurn(ctx, session.ID, fmt.Sprintf("turn-%d", state.turn))
		defer span.End()
		ctx = tctx
	}

	if _, err := l.append(ctx, session.ID, events.TypeMessageUser, events.MessagePayload{
		Role:   models.RoleUser,
		Blocks: []models.ContentBlock{{Type: models.BlockText, Text: prompt}},
	}); err != nil {
		l.fail(ctx, session.ID, updates, "failed to record prompt", err)
		return
	}
	state.messages = append(state.messages, models.NewUserMessage(prompt))

	prov, err := l.providers.Resolve(state.model)
	if err != nil {
		l.turnFailed(ctx, state, updates, fmt.Sprintf("no provider for model %s", state.model), "NOT_AVAILABLE", err)
		return
	}

	forcedContinue := false

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		// Every inference round gets its own turn_start/turn_end pair
		// so clients can account each provider call separately.
		if iteration > 0 {
			state.turn++
		}
		if _, err := l.append(ctx, session.ID, events.TypeStreamTurnStart, events.TurnStartPayload{
			Turn:  state.turn,
			Model: state.model,
		}); err != nil {
			l.fail(ctx, session.ID, updates, "failed to open turn", err)
			return
		}
		state.roundOpen = true

		if ctx.Err() != nil {
			l.abort(ctx, state, updates, nil)
			return
		}

		round, err := l.streamRound(ctx, prov, state, updates)
		if err != nil {
			var extractErr *tokens.TokenExtractionError
			switch {
			case ctx.Err() != nil:
				l.abort(ctx, state, updates, round)
			case errors.As(err, &extractErr):
				l.turnFailed(ctx, state, updates, extractErr.Error(), "TOKEN_EXTRACTION", err)
			default:
				l.providerFailed(ctx, state, updates, round, err)
			}
			return
		}

		if err := l.closeRound(ctx, state, round, string(round.stop)); err != nil {
			l.fail(ctx, session.ID, updates, "failed to close turn", err)
			return
		}

		if len(round.calls) > 0 {
			stopTurn, err := l.toolRound(ctx, state, round.calls, round.provIDs, updates)
			if err != nil {
				l.fail(ctx, session.ID, updates, "failed to record tool round", err)
				return
			}
			if ctx.Err() != nil {
				l.abort(ctx, state, updates, nil)
				return
			}
			if stopTurn {
				l.complete(state, updates, string(provider.StopEndTurn))
				return
			}
			continue
		}

		// No tools requested. Steering prompts continue the turn before
		// it can end.
		if state.steering != nil {
			if next, ok := state.steering.Pop(); ok {
				if _, err := l.append(ctx, session.ID, events.TypeMessageUser, events.MessagePayload{
					Role:   models.RoleUser,
					Blocks: []models.ContentBlock{{Type: models.BlockText, Text: next}},
				}); err != nil {
					l.fail(ctx, session.ID, updates, "failed to record steering prompt", err)
					return
				}
				state.messages = append(state.messages, models.NewUserMessage(next))
				continue
			}
		}

		if !forcedContinue {
			stopOut, err := l.hooks.Run(ctx, &hooks.Payload{SessionID: session.ID, Event: hooks.Stop})
			if err == nil && stopOut.Blocked {
				forcedContinue = true
				reason := stopOut.Reason
				if reason == "" {
					reason = "continue"
				}
				if _, err := l.append(ctx, session.ID, events.TypeMessageUser, events.MessagePayload{
					Role:   models.RoleUser,
					Blocks: []models.ContentBlock{{Type: models.BlockText, Text: reason}},
				}); err != nil {
					l.fail(ctx, session.ID, updates, "failed to record stop-hook continuation", err)
					return
				}
				state.messages = append(state.messages, models.NewUserMessage(reason))
				continue
			}
		}

		l.complete(state, updates, string(round.stop))
		return
	}

	if ctx.Err() != nil {
		l.abort(ctx, state, updates, nil)
		return
	}
	l.complete(state, updates, "max_iterations")
}

// initState loads the session history once and derives everything the
// turn needs from it: the transcript, the effective model, the turn
// number, and the previous context size for full-context accounting.
func (l *Loop) initState(ctx context.Context, session *models.Session, opts RunOptions) (*turnState, error) {
	history, err := l.store.GetHistory(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	tr, err := events.Reconstruct(history)
	if err != nil {
		return nil, err
	}

	state := &turnState{
		session:  session,
		turn:     1,
		model:    session.Model,
		summary:  tr.Summary,
		messages: tr.Messages,
		steering: opts.Steering,
		effort:   opts.ReasoningEffort,
	}
	if state.effort == "" {
		state.effort = l.cfg.ReasoningEffort
	}
	for _, ev := range history {
		switch ev.Type {
		case events.TypeSessionStart:
			var p events.SessionStartPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.Model != "" {
				state.model = p.Model
			}
		case events.TypeConfigModelSwitch:
			var p events.ModelSwitchPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.To != "" {
				state.model = p.To
			}
		case events.TypeStreamTurnStart:
			state.turn++
		case events.TypeStreamTurnEnd:
			var p events.TurnEndPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.TokenRecord != nil {
				state.prevContext = p.TokenRecord.ContextWindow
			}
		}
	}
	return state, nil
}

// roundResult is what one inference round produced.
type roundResult struct {
	text     string
	thinking string
	calls    []tools.Call
	provIDs  map[string]string
	stop     provider.StopReason
	// record is this round's normalized usage; hasUsage guards the
	// zero value.
	record   tokens.TokenRecord
	hasUsage bool
	// persisted is set once the partial assistant message was recorded
	// by a failure path.
	persisted bool
}

// streamRound performs one provider call, fanning out deltas and
// persisting the assistant message. The returned roundResult carries
// the accumulated content even when err != nil, for failure paths that
// persist partial output.
func (l *Loop) streamRound(ctx context.Context, prov provider.Provider, state *turnState, updates chan<- Update) (*roundResult, error) {
	round := &roundResult{provIDs: make(map[string]string)}

	req := &provider.Request{
		Model:           state.model,
		Messages:        state.messages,
		Tools:           l.toolDefs(),
		MaxTokens:       l.cfg.MaxTokens,
		Temperature:     l.cfg.Temperature,
		ReasoningEffort: state.effort,
	}
	req.System, req.CacheMarkers = l.composeSystem(state)

	sctx := ctx
	if l.tracer != nil {
		tctx, span := l.tracer.TraceProviderStream(ctx, prov.Name(), state.model)
		defer span.End()
		sctx = tctx
	}

	start := time.Now()
	stream, err := prov.Stream(sctx, req)
	if err != nil {
		l.recordProviderRequest(prov.Name(), state.model, "error", start)
		return round, err
	}

	type pendingCall struct {
		name string
		args json.RawMessage
	}
	pending := make(map[string]*pendingCall)
	var order []string
	raw := tokens.EmptyRawUsage()
	sawEnd := false

	for chunk := range stream {
		switch chunk.Kind {
		case provider.ChunkTextDelta:
			round.text += chunk.Text
			updates <- Update{Kind: UpdateTextDelta, Text: chunk.Text}
		case provider.ChunkThinkingDelta:
			round.thinking += chunk.Text
			updates <- Update{Kind: UpdateThinkingDelta, Text: chunk.Text}
		case provider.ChunkToolCallStart:
			if chunk.ToolCall != nil {
				pending[chunk.ToolCall.ID] = &pendingCall{name: chunk.ToolCall.Name}
				order = append(order, chunk.ToolCall.ID)
				round.provIDs[chunk.ToolCall.ID] = chunk.ToolCall.ProviderID
				updates <- Update{Kind: UpdateToolActivity, Tool: &ToolActivity{
					ToolCallID: chunk.ToolCall.ID,
					Name:       chunk.ToolCall.Name,
					Phase:      ToolRequested,
				}}
			}
		case provider.ChunkToolCallStop:
			if chunk.ToolCall != nil {
				if pc, ok := pending[chunk.ToolCall.ID]; ok {
					pc.args = chunk.ToolCall.Args
				}
			}
		case provider.ChunkTurnEnd:
			raw = chunk.Usage
			round.stop = chunk.StopReason
			sawEnd = true
		case provider.ChunkError:
			l.recordProviderRequest(prov.Name(), state.model, "error", start)
			return round, chunk.Err
		}
	}
	if !sawEnd {
		l.recordProviderRequest(prov.Name(), state.model, "error", start)
		if ctx.Err() != nil {
			return round, ctx.Err()
		}
		return round, fmt.Errorf("provider %s stream ended without a terminal chunk", prov.Name())
	}
	l.recordProviderRequest(prov.Name(), state.model, "ok", start)

	for _, id := range order {
		pc := pending[id]
		args := pc.args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		round.calls = append(round.calls, tools.Call{ID: id, Name: pc.name, Args: args})
	}

	rec, err := tokens.Normalize(prov.Accounting(), raw, state.prevContext, l.log.Slog())
	if err != nil {
		var extractErr *tokens.TokenExtractionError
		if errors.As(err, &extractErr) {
			extractErr.Provider = prov.Name()
			extractErr.Model = state.model
		}
		return round, err
	}
	round.record = rec
	round.hasUsage = true
	state.addUsage(rec)
	if l.metrics != nil {
		l.metrics.RecordProviderTokens(prov.Name(), state.model, rec.NewInput, rec.Output, rec.CacheRead, rec.CacheCreation)
	}

	if err := l.persistAssistant(ctx, state, round, string(round.stop)); err != nil {
		return round, err
	}
	round.persisted = true
	return round, nil
}

// composeSystem builds the system blocks, injecting the compaction
// summary after the composed zones so a compacted session keeps its
// narrative thread.
func (l *Loop) composeSystem(state *turnState) ([]provider.SystemBlock, []int) {
	blocks, markers := l.ctxmgr.Compose(state.session.ID)
	if l.cfg.SystemPrompt != "" && len(blocks) == 0 {
		blocks = append(blocks, provider.SystemBlock{Text: l.cfg.SystemPrompt})
	}
	if state.summary != "" {
		blocks = append(blocks, provider.SystemBlock{
			Text: "# Previous Conversation Summary\n\n" + state.summary,
		})
	}
	return blocks, markers
}

func (l *Loop) toolDefs() []provider.ToolDef {
	defs := l.executor.Registry().Defs()
	out := make([]provider.ToolDef, len(defs))
	for i, d := range defs {
		out[i] = provider.ToolDef{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return out
}

// persistAssistant appends the assistant message built from a round.
func (l *Loop) persistAssistant(ctx context.Context, state *turnState, round *roundResult, stopReason string) error {
	blocks := assistantBlocks(round)
	if len(blocks) == 0 {
		return nil
	}
	if _, err := l.append(ctx, state.session.ID, events.TypeMessageAssistant, events.MessagePayload{
		Role:       models.RoleAssistant,
		Blocks:     blocks,
		StopReason: stopReason,
	}); err != nil {
		return err
	}
	state.messages = append(state.messages, models.Message{Role: models.RoleAssistant, Blocks: blocks})
	return nil
}

func assistantBlocks(round *roundResult) []models.ContentBlock {
	var blocks []models.ContentBlock
	if round.thinking != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockThinking, Text: round.thinking})
	}
	if round.text != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: round.text})
	}
	for _, call := range round.calls {
		blocks = append(blocks, models.ContentBlock{
			Type:  models.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Args,
		})
	}
	return blocks
}

// toolRound runs one batch of tool calls: PreToolUse hooks, parallel
// execution, PostToolUse hooks, and the tool.call/tool.result event
// pairs. Hook vetoes become error results the model sees; they never
// fail the turn. Returns true when a tool asked to stop the turn.
func (l *Loop) toolRound(ctx context.Context, state *turnState, calls []tools.Call, provIDs map[string]string, updates chan<- Update) (bool, error) {
	sid := state.session.ID

	blocked := make(map[string]string)
	for i, call := range calls {
		out, err := l.hooks.Run(ctx, &hooks.Payload{
			SessionID:  sid,
			Event:      hooks.PreToolUse,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			ToolArgs:   call.Args,
		})
		if err != nil {
			l.log.Warn(ctx, "pre-tool hook chain failed", "tool", call.Name, "error", err)
			continue
		}
		if out.Blocked {
			blocked[call.ID] = out.Reason
			updates <- Update{Kind: UpdateToolActivity, Tool: &ToolActivity{
				ToolCallID: call.ID, Name: call.Name, Phase: ToolBlocked, IsError: true,
			}}
			continue
		}
		if len(out.Payload.ToolArgs) > 0 {
			calls[i].Args = out.Payload.ToolArgs
		}
	}

	for _, call := range calls {
		if _, err := l.append(ctx, sid, events.TypeToolCall, events.ToolCallPayload{
			ID:         call.ID,
			Name:       call.Name,
			Input:      call.Args,
			ProviderID: provIDs[call.ID],
		}); err != nil {
			return false, err
		}
	}

	var toExecute []tools.Call
	for _, call := range calls {
		if _, isBlocked := blocked[call.ID]; !isBlocked {
			toExecute = append(toExecute, call)
			updates <- Update{Kind: UpdateToolActivity, Tool: &ToolActivity{
				ToolCallID: call.ID, Name: call.Name, Phase: ToolStarted,
			}}
		}
	}
	executed := l.executor.ExecuteAll(ctx, toExecute, tools.Options{
		SessionID:        sid,
		WorkingDirectory: state.session.WorkingDirectory,
	})
	byID := make(map[string]*tools.ExecutionResult, len(executed))
	for _, res := range executed {
		byID[res.ToolUseID] = res
	}

	stopTurn := false
	var resultBlocks []models.ContentBlock
	for _, call := range calls {
		content, isError, cancelled, duration := l.resolveResult(call, blocked, byID)

		postOut, err := l.hooks.Run(ctx, &hooks.Payload{
			SessionID:  sid,
			Event:      hooks.PostToolUse,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			ToolArgs:   call.Args,
			ToolResult: content,
			ToolError:  isError,
		})
		if err == nil && postOut.Blocked {
			// PostToolUse cannot undo the execution; a block annotates
			// the result the model sees.
			content = fmt.Sprintf("%s\n\n[hook: %s]", content, postOut.Reason)
		}

		if _, err := l.append(ctx, sid, events.TypeToolResult, events.ToolResultPayload{
			ToolUseID:  call.ID,
			Content:    content,
			IsError:    isError,
			Cancelled:  cancelled,
			DurationMs: duration.Milliseconds(),
		}); err != nil {
			return false, err
		}
		updates <- Update{Kind: UpdateToolActivity, Tool: &ToolActivity{
			ToolCallID: call.ID,
			Name:       call.Name,
			Phase:      ToolFinished,
			IsError:    isError,
			DurationMs: duration.Milliseconds(),
		}}
		resultBlocks = append(resultBlocks, models.ContentBlock{
			Type:      models.BlockToolResult,
			ToolUseID: call.ID,
			Content:   content,
			IsError:   isError,
		})
		if res := byID[call.ID]; res != nil && res.Result != nil && res.Result.StopTurn {
			stopTurn = true
		}
	}

	state.messages = append(state.messages, models.Message{Role: models.RoleUser, Blocks: resultBlocks})
	return stopTurn, nil
}

// resolveResult folds a call's outcome into result fields regardless of
// how it ended: hook veto, execution, or executor failure.
func (l *Loop) resolveResult(call tools.Call, blocked map[string]string, byID map[string]*tools.ExecutionResult) (content string, isError, cancelled bool, duration time.Duration) {
	if reason, wasBlocked := blocked[call.ID]; wasBlocked {
		if reason == "" {
			reason = "blocked by hook"
		}
		return "Blocked by hook: " + reason, true, false, 0
	}
	res, ok := byID[call.ID]
	if !ok {
		return "Tool did not execute.", true, false, 0
	}
	if res.Err != nil {
		return "Tool execution failed: " + res.Err.Error(), true, false, res.Duration
	}
	r := res.Result
	cancelled = r.Details != nil && (r.Details["interrupted"] == true || r.Details["cancelled"] == true)
	return r.Content, r.IsError, cancelled, res.Duration
}

// closeRound appends the stream.turn_end for one inference round,
// carrying that round's token record.
func (l *Loop) closeRound(ctx context.Context, state *turnState, round *roundResult, stopReason string) error {
	payload := events.TurnEndPayload{
		Turn:       state.turn,
		StopReason: stopReason,
	}
	if round != nil && round.hasUsage {
		rec := round.record
		payload.TokenRecord = &rec
		payload.TokenUsage = rec.LegacyUsage()
		payload.Cost = tokens.Cost(rec, state.model)
	}
	state.roundOpen = false
	_, err := l.append(ctx, state.session.ID, events.TypeStreamTurnEnd, payload)
	return err
}

// complete reports the finished turn on the updates channel with the
// aggregate accounting across all inference rounds. The per-round
// turn_end events already carry the per-call records.
func (l *Loop) complete(state *turnState, updates chan<- Update, stopReason string) {
	updates <- Update{Kind: UpdateTurnEnd, TurnEnd: &TurnEndInfo{
		Turn:       state.turn,
		StopReason: stopReason,
		Record:     state.agg,
		Usage:      state.agg.LegacyUsage(),
		Cost:       tokens.Cost(state.agg, state.model),
	}}
}

// abort ends the turn after cancellation: partial assistant output is
// persisted, accumulated-but-unexecuted tool calls get synthetic
// cancelled results so the log stays pairwise consistent, the turn
// closes with stop reason "aborted", and turn.failed records the
// interruption with whatever text had streamed.
func (l *Loop) abort(ctx context.Context, state *turnState, updates chan<- Update, round *roundResult) {
	// The run context is done; appends use a detached context so the
	// log still records the abort.
	actx := context.WithoutCancel(ctx)
	sid := state.session.ID

	if round != nil && !round.persisted {
		if err := l.persistAssistant(actx, state, round, string(provider.StopAborted)); err != nil {
			l.log.Error(actx, "failed to persist aborted assistant message", "session_id", sid, "error", err)
		}
		for _, call := range round.calls {
			if _, err := l.append(actx, sid, events.TypeToolCall, events.ToolCallPayload{
				ID:         call.ID,
				Name:       call.Name,
				Input:      call.Args,
				ProviderID: round.provIDs[call.ID],
			}); err != nil {
				l.log.Error(actx, "failed to persist aborted tool call", "session_id", sid, "error", err)
				continue
			}
			if _, err := l.append(actx, sid, events.TypeToolResult, events.ToolResultPayload{
				ToolUseID: call.ID,
				Content:   "Tool execution was interrupted.",
				IsError:   true,
				Cancelled: true,
			}); err != nil {
				l.log.Error(actx, "failed to persist cancelled tool result", "session_id", sid, "error", err)
			}
		}
	}
	if state.steering != nil {
		state.steering.Drain()
	}

	if state.roundOpen {
		if err := l.closeRound(actx, state, round, string(provider.StopAborted)); err != nil {
			l.log.Error(actx, "failed to close aborted turn", "session_id", sid, "error", err)
		}
	}
	partial := ""
	if round != nil {
		partial = round.text
	}
	if _, err := l.append(actx, sid, events.TypeTurnFailed, events.TurnFailedPayload{
		Reason:         "turn aborted",
		Code:           "ABORTED",
		Interrupted:    true,
		PartialContent: partial,
	}); err != nil {
		l.log.Error(actx, "failed to record aborted turn", "session_id", sid, "error", err)
	}
	l.complete(state, updates, string(provider.StopAborted))
}

// providerFailed handles a mid-stream provider error: partial output is
// persisted with stop reason "error", the error.provider event records
// what happened, and turn.failed closes the turn with its retry
// classification (context overflow surfaces as recoverable "CTX" so the
// caller can compact and retry).
func (l *Loop) providerFailed(ctx context.Context, state *turnState, updates chan<- Update, round *roundResult, cause error) {
	sid := state.session.ID
	if round != nil && !round.persisted {
		if err := l.persistAssistant(ctx, state, round, string(provider.StopError)); err != nil {
			l.log.Error(ctx, "failed to persist partial assistant message", "session_id", sid, "error", err)
		}
	}

	code := ""
	failCode := ""
	recoverable := false
	var perr *provider.Error
	if errors.As(cause, &perr) {
		code = string(perr.Reason)
		failCode = code
		recoverable = perr.Reason.Retryable()
		if perr.Reason == provider.ReasonContextOverflow {
			failCode = "CTX"
			recoverable = true
		}
	}
	if _, err := l.append(ctx, sid, events.TypeErrorProvider, events.ErrorPayload{
		Message: cause.Error(),
		Code:    code,
	}); err != nil {
		l.log.Error(ctx, "failed to record provider error", "session_id", sid, "error", err)
	}
	if state.roundOpen {
		if err := l.closeRound(ctx, state, round, string(provider.StopError)); err != nil {
			l.log.Error(ctx, "failed to close failed turn", "session_id", sid, "error", err)
		}
	}
	partial := ""
	if round != nil {
		partial = round.text
	}
	if _, err := l.append(ctx, sid, events.TypeTurnFailed, events.TurnFailedPayload{
		Reason:         cause.Error(),
		Code:           failCode,
		PartialContent: partial,
		Recoverable:    recoverable,
	}); err != nil {
		l.log.Error(ctx, "failed to record turn failure", "session_id", sid, "error", err)
	}
	updates <- Update{Kind: UpdateError, Err: cause}
}

// turnFailed closes any open inference round, records a turn.failed
// event, and surfaces the error.
func (l *Loop) turnFailed(ctx context.Context, state *turnState, updates chan<- Update, reason, code string, cause error) {
	sid := state.session.ID
	if state.roundOpen {
		if err := l.closeRound(ctx, state, nil, string(provider.StopError)); err != nil {
			l.log.Error(ctx, "failed to close failed turn", "session_id", sid, "error", err)
		}
	}
	if _, err := l.append(ctx, sid, events.TypeTurnFailed, events.TurnFailedPayload{
		Reason: reason,
		Code:   code,
	}); err != nil {
		l.log.Error(ctx, "failed to record turn failure", "session_id", sid, "error", err)
	}
	updates <- Update{Kind: UpdateError, Err: cause}
}

// fail surfaces an infrastructure error without event-log decoration.
func (l *Loop) fail(ctx context.Context, sessionID string, updates chan<- Update, msg string, cause error) {
	l.log.Error(ctx, msg, "session_id", sessionID, "error", cause)
	updates <- Update{Kind: UpdateError, Err: fmt.Errorf("%s: %w", msg, cause)}
}

func (l *Loop) append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error) {
	return l.appender.Append(ctx, sessionID, t, payload)
}

func (l *Loop) recordProviderRequest(providerName, model, status string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordProviderRequest(providerName, model, status, time.Since(start).Seconds())
}
