// Package subagents spawns and supervises child sessions that work on
// delegated tasks. Children are real sessions with their own logs and
// context budgets; the parent log records only the spawn and the
// outcome, while live child activity reaches parent subscribers as
// non-persisted subagent.status_update wrappers.
package subagents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/orchestrator"
	"github.com/arbor-sh/arbor/internal/provider"
)

// ErrDepthLimit rejects spawns past the nesting cap.
var ErrDepthLimit = errors.New("subagents: depth limit reached")

// Options wires a Coordinator.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Store        events.Store
	Appender     contextmgr.Appender
	Context      *contextmgr.Manager
	Config       config.SubagentsConfig
	Logger       *observability.Logger
}

// Coordinator supervises subagent sessions for their parents.
type Coordinator struct {
	orch     *orchestrator.Orchestrator
	store    events.Store
	appender contextmgr.Appender
	ctxmgr   *contextmgr.Manager
	cfg      config.SubagentsConfig
	sem      *semaphore.Weighted
	log      *observability.Logger

	mu     sync.Mutex
	depths map[string]int // child session id -> nesting depth
}

// New builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Orchestrator == nil:
		return nil, errors.New("subagents: Options.Orchestrator is required")
	case opts.Store == nil:
		return nil, errors.New("subagents: Options.Store is required")
	case opts.Appender == nil:
		return nil, errors.New("subagents: Options.Appender is required")
	case opts.Context == nil:
		return nil, errors.New("subagents: Options.Context is required")
	}
	cfg := opts.Config
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Coordinator{
		orch:     opts.Orchestrator,
		store:    opts.Store,
		appender: opts.Appender,
		ctxmgr:   opts.Context,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:      log,
		depths:   make(map[string]int),
	}, nil
}

// SpawnOptions tunes one spawn.
type SpawnOptions struct {
	// Model overrides the parent's model for the child.
	Model string
}

// Handle tracks one running subagent.
type Handle struct {
	SessionID       string
	ParentSessionID string
	Task            string

	done   chan struct{}
	result string
	err    error
}

// Done closes when the subagent finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the subagent's outcome. Valid only after Done.
func (h *Handle) Result() (string, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return "", errors.New("subagents: task still running")
	}
}

// Spawn starts a child session working on task. The child runs until
// its first turn completes; cancelling ctx aborts it. Depth counts from
// the root session at zero, so a depth-capped parent cannot delegate
// further.
func (c *Coordinator) Spawn(ctx context.Context, parentSessionID, task string, opts SpawnOptions) (*Handle, error) {
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("subagents: task is empty")
	}
	depth := c.DepthOf(parentSessionID) + 1
	if depth > c.cfg.MaxDepth {
		return nil, fmt.Errorf("%w: max depth %d", ErrDepthLimit, c.cfg.MaxDepth)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	parent, err := c.orch.Resume(ctx, parentSessionID)
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = parent.Model
	}
	child, err := c.orch.Create(ctx, orchestrator.CreateParams{
		WorkingDirectory: parent.WorkingDirectory,
		Model:            model,
		Title:            "subagent: " + truncateTask(task),
	})
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}
	c.mu.Lock()
	c.depths[child.ID] = depth
	c.mu.Unlock()

	if _, err := c.appender.Append(ctx, parentSessionID, events.TypeSubagentSpawned, events.SubagentSpawnedPayload{
		SubagentSessionID: child.ID,
		Task:              task,
		Depth:             depth,
	}); err != nil {
		c.log.Warn(ctx, "failed to record subagent spawn", "parent", parentSessionID, "child", child.ID, "error", err)
	}

	subID, stream, err := c.orch.Subscribe(ctx, child.ID)
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}

	h := &Handle{
		SessionID:       child.ID,
		ParentSessionID: parentSessionID,
		Task:            task,
		done:            make(chan struct{}),
	}

	watchCtx := ctx
	var cancelWatch context.CancelFunc
	if c.cfg.Timeout > 0 {
		watchCtx, cancelWatch = context.WithTimeout(ctx, c.cfg.Timeout)
	} else {
		watchCtx, cancelWatch = context.WithCancel(ctx)
	}

	if _, err := c.orch.Prompt(ctx, child.ID, task, orchestrator.PromptParams{}); err != nil {
		cancelWatch()
		c.orch.Unsubscribe(child.ID, subID)
		c.sem.Release(1)
		return nil, err
	}
	c.log.Info(ctx, "subagent spawned", "parent", parentSessionID, "child", child.ID, "depth", depth)

	go c.watch(watchCtx, cancelWatch, h, subID, stream)
	return h, nil
}

// DepthOf returns the nesting depth of a session; root sessions are 0.
func (c *Coordinator) DepthOf(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depths[sessionID]
}

// watch forwards child activity to the parent's subscribers and settles
// the handle when the child's turn ends.
func (c *Coordinator) watch(ctx context.Context, cancel context.CancelFunc, h *Handle, subID int, stream <-chan orchestrator.Notification) {
	start := time.Now()
	defer cancel()

	var stopReason string
	var failed bool
loop:
	for {
		select {
		case n, ok := <-stream:
			if !ok {
				break loop
			}
			c.forward(h.ParentSessionID, n.Event)
			switch n.Event.Type {
			case events.TypeStreamTurnEnd:
				var end events.TurnEndPayload
				if err := json.Unmarshal(n.Event.Payload, &end); err == nil {
					stopReason = end.StopReason
				}
				// A tool_use round end means the child loops back to
				// the model with tool results; keep watching for the
				// closing round.
				if stopReason == string(provider.StopToolUse) {
					continue
				}
				break loop
			case events.TypeTurnFailed:
				failed = true
				break loop
			}
		case <-ctx.Done():
			// Parent abort or timeout cascades to the child.
			_ = c.orch.Abort(context.Background(), h.SessionID)
			c.drainUntilClosed(stream, h.ParentSessionID)
			failed = true
			stopReason = "aborted"
			break loop
		}
	}
	c.orch.Unsubscribe(h.SessionID, subID)
	c.sem.Release(1)

	bg := context.Background()
	if failed || stopReason == "aborted" || stopReason == "error" {
		h.err = fmt.Errorf("subagent ended: %s", nonEmpty(stopReason, "failed"))
		if _, err := c.appender.Append(bg, h.ParentSessionID, events.TypeSubagentFailed, events.SubagentFailedPayload{
			SubagentSessionID: h.SessionID,
			Error:             h.err.Error(),
		}); err != nil {
			c.log.Warn(bg, "failed to record subagent failure", "child", h.SessionID, "error", err)
		}
		close(h.done)
		return
	}

	result, err := c.collectResult(bg, h.SessionID)
	if err != nil {
		h.err = err
	} else {
		h.result = result
		c.appendZoneResult(h.ParentSessionID, h.Task, result)
	}
	if _, err := c.appender.Append(bg, h.ParentSessionID, events.TypeSubagentCompleted, events.SubagentCompletedPayload{
		SubagentSessionID: h.SessionID,
		Result:            h.result,
		DurationMs:        time.Since(start).Milliseconds(),
	}); err != nil {
		c.log.Warn(bg, "failed to record subagent completion", "child", h.SessionID, "error", err)
	}
	close(h.done)
}

// forward wraps one child event for the parent's subscribers.
func (c *Coordinator) forward(parentSessionID string, ev *events.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.orch.ForwardEphemeral(parentSessionID, events.TypeSubagentStatusUpdate, events.SubagentStatusPayload{
		SubagentSessionID: ev.SessionID,
		Event:             raw,
	})
}

// drainUntilClosed keeps forwarding briefly after an abort so the
// child's closing events still reach parent watchers.
func (c *Coordinator) drainUntilClosed(stream <-chan orchestrator.Notification, parentSessionID string) {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-stream:
			if !ok {
				return
			}
			c.forward(parentSessionID, n.Event)
			if n.Event.Type == events.TypeStreamTurnEnd {
				var end events.TurnEndPayload
				if json.Unmarshal(n.Event.Payload, &end) == nil && end.StopReason == string(provider.StopToolUse) {
					continue
				}
				return
			}
		case <-timeout:
			return
		}
	}
}

// collectResult extracts the child's final assistant text.
func (c *Coordinator) collectResult(ctx context.Context, sessionID string) (string, error) {
	history, err := c.store.GetHistory(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("read subagent log: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type != events.TypeMessageAssistant {
			continue
		}
		var p events.MessagePayload
		if err := json.Unmarshal(history[i].Payload, &p); err != nil {
			return "", fmt.Errorf("decode subagent message: %w", err)
		}
		if text := p.Message().Text(); text != "" {
			return text, nil
		}
	}
	return "", errors.New("subagent produced no output")
}

// appendZoneResult folds a finished task into the parent's subagent
// results context zone.
func (c *Coordinator) appendZoneResult(parentSessionID, task, result string) {
	existing, _ := c.ctxmgr.ZoneContent(parentSessionID, contextmgr.ZoneSubagentResults)
	var sb strings.Builder
	if existing != "" {
		sb.WriteString(existing)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Task: ")
	sb.WriteString(truncateTask(task))
	sb.WriteString("\n")
	sb.WriteString(result)
	if err := c.ctxmgr.SetZone(parentSessionID, contextmgr.ZoneSubagentResults, sb.String()); err != nil {
		c.log.Warn(context.Background(), "failed to update subagent results zone", "parent", parentSessionID, "error", err)
	}
}

// WaitFor blocks until every handle settles or the timeout elapses.
// Late handles are aborted. The returned error is the first failure.
func (c *Coordinator) WaitFor(ctx context.Context, handles []*Handle, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			select {
			case <-h.done:
				return h.err
			case <-ctx.Done():
				_ = c.orch.Abort(context.Background(), h.SessionID)
				return fmt.Errorf("subagent %s: %w", h.SessionID, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func truncateTask(task string) string {
	task = strings.TrimSpace(task)
	if idx := strings.IndexByte(task, '\n'); idx >= 0 {
		task = task[:idx]
	}
	if len(task) > 80 {
		task = task[:77] + "..."
	}
	return task
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
