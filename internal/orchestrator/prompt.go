package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/rpcerr"
	"github.com/arbor-sh/arbor/pkg/models"
)

// PromptParams tunes one prompt submission.
type PromptParams struct {
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// PromptResult reports how a prompt was taken.
type PromptResult struct {
	// Queued is true when the prompt was enqueued as steering for a
	// turn already in flight instead of starting a new one.
	Queued bool `json:"queued"`
}

// Prompt submits a user prompt. On an idle session it starts a turn;
// on a running one it queues steering. The turn runs detached from the
// caller's context so a dropped connection does not kill it.
func (o *Orchestrator) Prompt(ctx context.Context, sessionID, prompt string, params PromptParams) (*PromptResult, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	switch as.state {
	case models.StateRunning:
		err := as.steering.Push(prompt)
		as.lastActivity = time.Now()
		as.mu.Unlock()
		if errors.Is(err, agent.ErrSteeringFull) {
			return nil, rpcerr.Wrap(err, rpcerr.CodeNotAvailable, "steering queue is full")
		}
		if err != nil {
			return nil, err
		}
		return &PromptResult{Queued: true}, nil
	case models.StateCompacting:
		as.mu.Unlock()
		return nil, rpcerr.New(rpcerr.CodeNotAvailable, "session is compacting")
	}
	// Claim the turn before releasing the lock so concurrent prompts
	// queue as steering instead of racing into a second turn.
	as.state = models.StateRunning
	as.mu.Unlock()

	revert := func() {
		as.mu.Lock()
		as.state = models.StateIdle
		as.mu.Unlock()
	}

	check, err := o.ctxmgr.CanAcceptTurn(ctx, sessionID, o.agentCfg.MaxTokens)
	if err != nil && !errors.Is(err, events.ErrSessionNotFound) {
		revert()
		return nil, err
	}
	if check != nil && !check.CanProceed {
		revert()
		return nil, rpcerr.New(rpcerr.CodeContextOverflow, "context window cannot fit another turn").
			WithDetail("needsCompaction", check.NeedsCompaction)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	session := as.Session()
	updates, err := o.loop.Run(turnCtx, &session, prompt, agent.RunOptions{
		Steering:        as.steering,
		ReasoningEffort: params.ReasoningEffort,
	})
	if err != nil {
		cancel()
		revert()
		return nil, err
	}

	done := make(chan struct{})
	as.mu.Lock()
	as.cancelTurn = cancel
	as.turnDone = done
	as.lastActivity = time.Now()
	as.mu.Unlock()

	go o.pumpUpdates(as, updates, cancel, done)
	return &PromptResult{}, nil
}

// pumpUpdates forwards live turn updates to subscribers as ephemeral
// events and returns the session to idle when the turn finishes.
func (o *Orchestrator) pumpUpdates(as *ActiveSession, updates <-chan agent.Update, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		as.mu.Lock()
		as.state = models.StateIdle
		as.cancelTurn = nil
		as.turnDone = nil
		as.lastActivity = time.Now()
		as.mu.Unlock()
		close(done)
	}()

	for u := range updates {
		as.touch()
		switch u.Kind {
		case agent.UpdateTextDelta:
			as.publishEphemeral(o, events.TypeStreamTextDelta, events.TextDeltaPayload{Text: u.Text})
		case agent.UpdateThinkingDelta:
			as.publishEphemeral(o, events.TypeStreamThinkingDelta, events.TextDeltaPayload{Text: u.Text})
		case agent.UpdateError:
			o.log.Warn(context.Background(), "turn ended with error", "session_id", as.id, "error", u.Err)
		}
	}
}

// Abort cancels the session's running turn. A no-op on idle sessions.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) error {
	as := o.lookup(sessionID)
	if as == nil {
		return rpcerr.New(rpcerr.CodeInvalidOperation, "session has no running turn")
	}
	as.mu.Lock()
	cancel := as.cancelTurn
	as.mu.Unlock()
	if cancel == nil {
		return rpcerr.New(rpcerr.CodeInvalidOperation, "session has no running turn")
	}
	cancel()
	o.log.Info(ctx, "turn aborted", "session_id", sessionID)
	return nil
}

// Compact runs a confirmed compaction under the compacting state so
// prompts are rejected while the summary call is in flight.
func (o *Orchestrator) Compact(ctx context.Context, sessionID string) (*contextmgr.Result, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	if as.state != models.StateIdle {
		state := as.state
		as.mu.Unlock()
		return nil, rpcerr.Newf(rpcerr.CodeInvalidOperation, "cannot compact a %s session", state)
	}
	as.state = models.StateCompacting
	as.mu.Unlock()

	defer func() {
		as.mu.Lock()
		as.state = models.StateIdle
		as.lastActivity = time.Now()
		as.mu.Unlock()
	}()

	res, err := o.ctxmgr.ConfirmCompaction(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordCompaction("manual")
	}
	return res, nil
}
