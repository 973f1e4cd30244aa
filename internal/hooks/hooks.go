// Package hooks implements the typed lifecycle extension surface. Hooks
// attach to fixed points in the agent lifecycle and either run blocking
// (they can modify or veto the triggering action) or in the background
// (fire-and-forget, tracked until session end).
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/arbor-sh/arbor/internal/observability"
)

// Event is a hook point.
type Event string

const (
	PreToolUse       Event = "PreToolUse"
	PostToolUse      Event = "PostToolUse"
	UserPromptSubmit Event = "UserPromptSubmit"
	Stop             Event = "Stop"
	PreCompact       Event = "PreCompact"
	SessionStart     Event = "SessionStart"
	SessionEnd       Event = "SessionEnd"
)

// forcedBlocking are the hook points that can veto or rewrite the agent's
// next action; they run inline regardless of the hook's Blocking field.
var forcedBlocking = map[Event]bool{
	PreToolUse:       true,
	UserPromptSubmit: true,
	PreCompact:       true,
}

// ValidEvent reports whether e is a known hook point.
func ValidEvent(e Event) bool {
	switch e {
	case PreToolUse, PostToolUse, UserPromptSubmit, Stop, PreCompact, SessionStart, SessionEnd:
		return true
	}
	return false
}

// Payload is the context a trigger hands to its hooks. Fields are
// populated per event: ToolName/ToolCallID/ToolArgs on the tool points
// (plus ToolResult on PostToolUse), Prompt on UserPromptSubmit, Extra
// for everything else.
type Payload struct {
	SessionID  string          `json:"sessionId"`
	Event      Event           `json:"event"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolArgs   json.RawMessage `json:"toolArgs,omitempty"`
	ToolResult string          `json:"toolResult,omitempty"`
	ToolError  bool            `json:"toolError,omitempty"`
	Prompt     string          `json:"prompt,omitempty"`
	Extra      map[string]any  `json:"extra,omitempty"`
}

// clone returns a copy safe to mutate during the hook chain.
func (p *Payload) clone() *Payload {
	c := *p
	if p.ToolArgs != nil {
		c.ToolArgs = append(json.RawMessage(nil), p.ToolArgs...)
	}
	if p.Extra != nil {
		c.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// BlockInfo explains a veto.
type BlockInfo struct {
	Reason string `json:"reason"`
}

// Result is one hook's verdict. Zero value means continue unchanged.
// Modify, when set, replaces the mutable part of the payload: tool args
// on PreToolUse, the prompt (as a JSON string) on UserPromptSubmit.
type Result struct {
	Block  *BlockInfo      `json:"block,omitempty"`
	Modify json.RawMessage `json:"modify,omitempty"`
}

// Handler executes one hook. Returning an error marks the run failed
// without blocking the pipeline; vetoes go through Result.Block.
type Handler func(ctx context.Context, p *Payload) (*Result, error)

// Hook is one registered extension.
type Hook struct {
	ID       string
	Event    Event
	Matcher  string // tool-name glob; empty matches everything
	Priority int    // higher runs first
	Blocking bool
	Timeout  time.Duration
	Handler  Handler
}

func (h *Hook) matches(toolName string) bool {
	if h.Matcher == "" {
		return true
	}
	ok, err := path.Match(h.Matcher, toolName)
	return err == nil && ok
}

// Outcome is the aggregate verdict of a trigger's blocking chain.
type Outcome struct {
	Blocked   bool
	Reason    string
	BlockedBy string
	// Payload is the (possibly modified) payload after the chain ran.
	Payload *Payload
}

// Recorder receives hook lifecycle notifications; the orchestrator wires
// it to the event log. Nil-safe throughout the engine.
type Recorder func(sessionID string, hookID string, event Event, blocked bool, reason string, hookErr error)

// Engine dispatches hooks for trigger points.
type Engine struct {
	mu    sync.RWMutex
	hooks map[Event][]*Hook
	seq   int

	defaultTimeout time.Duration
	tracker        *Tracker
	log            *observability.Logger
	metrics        *observability.Metrics
	onBlocking     Recorder
	onBackground   Recorder
}

// Options configures an Engine. All fields optional.
type Options struct {
	DefaultTimeout time.Duration
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	// OnBlocking fires around blocking runs (hook.triggered/completed);
	// OnBackground fires around background runs.
	OnBlocking   Recorder
	OnBackground Recorder
}

// NewEngine builds an empty engine.
func NewEngine(opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Engine{
		hooks:          make(map[Event][]*Hook),
		defaultTimeout: opts.DefaultTimeout,
		tracker:        NewTracker(log),
		log:            log,
		metrics:        opts.Metrics,
		onBlocking:     opts.OnBlocking,
		onBackground:   opts.OnBackground,
	}
}

// Tracker returns the background-hook tracker, for session-end waits.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Register adds a hook. An empty ID gets a generated one. Returns the
// effective ID.
func (e *Engine) Register(h Hook) (string, error) {
	if !ValidEvent(h.Event) {
		return "", fmt.Errorf("hooks: unknown event %q", h.Event)
	}
	if h.Handler == nil {
		return "", fmt.Errorf("hooks: hook %q has no handler", h.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if h.ID == "" {
		h.ID = fmt.Sprintf("hook-%d", e.seq)
	}
	if h.Timeout <= 0 {
		h.Timeout = e.defaultTimeout
	}
	hook := h
	e.hooks[h.Event] = append(e.hooks[h.Event], &hook)
	return h.ID, nil
}

// Unregister removes a hook by id. Reports whether one was removed.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ev, list := range e.hooks {
		for i, h := range list {
			if h.ID == id {
				e.hooks[ev] = append(list[:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// hooksFor returns matching hooks sorted by priority descending;
// registration order breaks ties.
func (e *Engine) hooksFor(event Event, toolName string) []*Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Hook
	for _, h := range e.hooks[event] {
		if h.matches(toolName) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Run fires a trigger point. Blocking hooks run inline in priority
// order; the first Block halts the chain. Background hooks are launched
// on the tracker and never delay the caller. The returned Outcome
// carries the payload as modified by the chain.
func (e *Engine) Run(ctx context.Context, p *Payload) (*Outcome, error) {
	if p == nil || !ValidEvent(p.Event) {
		return nil, fmt.Errorf("hooks: invalid trigger payload")
	}
	current := p.clone()
	outcome := &Outcome{Payload: current}

	for _, h := range e.hooksFor(p.Event, p.ToolName) {
		blocking := h.Blocking || forcedBlocking[p.Event]
		if !blocking {
			e.runBackground(h, current.clone())
			continue
		}

		res, err := e.runBlocking(ctx, h, current)
		decision := "continue"
		switch {
		case err != nil:
			decision = "error"
		case res != nil && res.Block != nil:
			decision = "block"
		case res != nil && len(res.Modify) > 0:
			decision = "modify"
		}
		if e.metrics != nil {
			e.metrics.RecordHookRun(string(p.Event), decision)
		}

		if err != nil {
			// A failing hook does not veto; log and continue the chain.
			e.log.Warn(ctx, "hook failed", "hook_id", h.ID, "event", p.Event, "error", err)
			e.record(e.onBlocking, current.SessionID, h.ID, p.Event, false, "", err)
			continue
		}
		blocked := res != nil && res.Block != nil
		reason := ""
		if blocked {
			reason = res.Block.Reason
		}
		e.record(e.onBlocking, current.SessionID, h.ID, p.Event, blocked, reason, nil)

		if blocked {
			outcome.Blocked = true
			outcome.Reason = reason
			outcome.BlockedBy = h.ID
			return outcome, nil
		}
		if res != nil && len(res.Modify) > 0 {
			applyModify(current, res.Modify)
		}
	}
	return outcome, nil
}

func (e *Engine) runBlocking(ctx context.Context, h *Hook, p *Payload) (res *Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("hook %s panicked: %v", h.ID, r)
		}
	}()
	return h.Handler(ctx, p)
}

func (e *Engine) runBackground(h *Hook, p *Payload) {
	e.record(e.onBackground, p.SessionID, h.ID, p.Event, false, "started", nil)
	e.tracker.Launch(h, p, func(err error) {
		e.record(e.onBackground, p.SessionID, h.ID, p.Event, false, "completed", err)
		if e.metrics != nil {
			decision := "background"
			if err != nil {
				decision = "background_error"
			}
			e.metrics.RecordHookRun(string(p.Event), decision)
		}
	})
}

func (e *Engine) record(rec Recorder, sessionID, hookID string, event Event, blocked bool, reason string, hookErr error) {
	if rec == nil {
		return
	}
	rec(sessionID, hookID, event, blocked, reason, hookErr)
}

// applyModify folds a modification record into the payload. Tool points
// take replacement args; the prompt point takes a JSON string.
func applyModify(p *Payload, mod json.RawMessage) {
	switch p.Event {
	case PreToolUse:
		p.ToolArgs = append(json.RawMessage(nil), mod...)
	case UserPromptSubmit:
		var s string
		if json.Unmarshal(mod, &s) == nil && s != "" {
			p.Prompt = s
			return
		}
		// Structured form: {"prompt": "..."}.
		var obj struct {
			Prompt string `json:"prompt"`
		}
		if json.Unmarshal(mod, &obj) == nil && obj.Prompt != "" {
			p.Prompt = obj.Prompt
		}
	default:
		if p.Extra == nil {
			p.Extra = make(map[string]any, 1)
		}
		p.Extra["modify"] = string(mod)
	}
}
