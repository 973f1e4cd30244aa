package orchestrator

import (
	"context"
	"sync"

	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/hooks"
)

// Router funnels appends through each session's queue goroutine so the
// session log has a single head-CAS caller. It is constructed before
// the Orchestrator (the context manager and agent loop need an Appender
// at wiring time) and bound once the Orchestrator exists. Unbound, or
// for sessions not held in memory, it falls back to direct CAS appends.
type Router struct {
	store events.Store

	mu sync.RWMutex
	o  *Orchestrator
}

// NewRouter builds a Router over the store.
func NewRouter(store events.Store) *Router {
	return &Router{store: store}
}

// Bind attaches the orchestrator. Called once during wiring.
func (r *Router) Bind(o *Orchestrator) {
	r.mu.Lock()
	r.o = o
	r.mu.Unlock()
}

func (r *Router) orchestrator() *Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.o
}

// Append routes through the session's queue when the session is active,
// otherwise appends directly against the current head.
func (r *Router) Append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error) {
	if o := r.orchestrator(); o != nil {
		if as := o.lookup(sessionID); as != nil {
			return as.enqueueAppend(ctx, t, payload)
		}
	}
	return events.AppendAuto(ctx, r.store, sessionID, t, payload)
}

// HookRecorder returns a hooks.Recorder that lands hook activity on the
// session timeline: a hook.triggered/hook.completed pair for blocking
// runs, hook.background_started/completed for tracked background runs.
func (r *Router) HookRecorder(background bool) hooks.Recorder {
	return func(sessionID, hookID string, event hooks.Event, blocked bool, reason string, hookErr error) {
		if sessionID == "" {
			return
		}
		ctx := context.Background()
		errText := ""
		if hookErr != nil {
			errText = hookErr.Error()
		}
		if background {
			typ := events.TypeHookBackgroundStarted
			if reason != "started" {
				typ = events.TypeHookBackgroundCompleted
			}
			r.appendHook(ctx, sessionID, typ, events.HookRunPayload{
				HookID: hookID, Event: string(event), Error: errText,
			})
			return
		}
		r.appendHook(ctx, sessionID, events.TypeHookTriggered, events.HookRunPayload{
			HookID: hookID, Event: string(event),
		})
		r.appendHook(ctx, sessionID, events.TypeHookCompleted, events.HookRunPayload{
			HookID: hookID, Event: string(event), Blocked: blocked, Reason: reason, Error: errText,
		})
	}
}

func (r *Router) appendHook(ctx context.Context, sessionID string, t events.Type, payload events.HookRunPayload) {
	if _, err := r.Append(ctx, sessionID, t, payload); err != nil {
		if o := r.orchestrator(); o != nil {
			o.log.Warn(ctx, "failed to record hook event", "session_id", sessionID, "type", string(t), "error", err)
		}
	}
}
