package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/hooks"
	"github.com/arbor-sh/arbor/internal/rpcerr"
	"github.com/arbor-sh/arbor/pkg/models"
)

// CreateParams configures a new session.
type CreateParams struct {
	WorkingDirectory string `json:"workingDirectory"`
	Model            string `json:"model"`
	Title            string `json:"title,omitempty"`
}

// Create starts a new session: validates the model, appends the
// session.start root event, and activates the session in memory.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (*models.Session, error) {
	if params.WorkingDirectory == "" {
		return nil, rpcerr.New(rpcerr.CodeInvalidParams, "workingDirectory is required")
	}
	if !filepath.IsAbs(params.WorkingDirectory) {
		return nil, rpcerr.New(rpcerr.CodeInvalidParams, "workingDirectory must be absolute")
	}
	if params.Model == "" {
		return nil, rpcerr.New(rpcerr.CodeInvalidParams, "model is required")
	}
	if _, err := o.providers.Resolve(params.Model); err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeNotAvailable, "no provider serves the requested model")
	}

	session := &models.Session{
		ID:               events.NewID(),
		Title:            params.Title,
		WorkingDirectory: params.WorkingDirectory,
		Model:            params.Model,
		State:            models.StateIdle,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	as, err := o.activate(session)
	if err != nil {
		return nil, err
	}
	if _, err := as.enqueueAppend(ctx, events.TypeSessionStart, events.SessionStartPayload{
		WorkingDirectory: params.WorkingDirectory,
		Model:            params.Model,
		Title:            params.Title,
	}); err != nil {
		o.evict(ctx, as, "create failed")
		return nil, fmt.Errorf("append session.start: %w", err)
	}

	o.runSessionStartHooks(ctx, session.ID, "create")
	o.log.Info(ctx, "session created", "session_id", session.ID, "model", params.Model)
	s := as.Session()
	return &s, nil
}

// Resume loads a session from the log into memory. Nothing is replayed;
// the derived metadata comes from folding the lineage.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*models.Session, error) {
	if as := o.lookup(sessionID); as != nil {
		s := as.Session()
		return &s, nil
	}
	session, err := o.deriveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	as, err := o.activate(session)
	if err != nil {
		return nil, err
	}
	o.runSessionStartHooks(ctx, sessionID, "resume")
	o.log.Info(ctx, "session resumed", "session_id", sessionID, "model", session.Model)
	s := as.Session()
	return &s, nil
}

// Fork creates a new session whose lineage continues from an event in
// the parent: atEventID when given, the parent's current head
// otherwise. History is referenced, not copied: the fork root points at
// the parent event and reads stitch through it.
func (o *Orchestrator) Fork(ctx context.Context, parentSessionID, atEventID string) (*models.Session, error) {
	parent, err := o.Resume(ctx, parentSessionID)
	if err != nil {
		return nil, err
	}
	forkAt, err := o.resolveForkPoint(ctx, parentSessionID, atEventID)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:               events.NewID(),
		Title:            parent.Title,
		WorkingDirectory: parent.WorkingDirectory,
		Model:            parent.Model,
		ParentSessionID:  parentSessionID,
		ParentEventID:    forkAt,
		State:            models.StateIdle,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	as, err := o.activate(session)
	if err != nil {
		return nil, err
	}
	if _, err := as.enqueueAppend(ctx, events.TypeSessionFork, events.SessionForkPayload{
		ParentSessionID: parentSessionID,
		ParentEventID:   forkAt,
	}); err != nil {
		o.evict(ctx, as, "fork failed")
		return nil, fmt.Errorf("append session.fork: %w", err)
	}

	o.log.Info(ctx, "session forked", "session_id", session.ID, "parent_session_id", parentSessionID, "parent_event_id", forkAt)
	s := as.Session()
	return &s, nil
}

// resolveForkPoint picks the parent event a fork roots at: the parent's
// head by default, or atEventID after checking it belongs to the parent.
func (o *Orchestrator) resolveForkPoint(ctx context.Context, parentSessionID, atEventID string) (string, error) {
	if atEventID == "" {
		head, err := o.store.Head(ctx, parentSessionID)
		if err != nil {
			return "", fmt.Errorf("read parent head: %w", err)
		}
		return head.ID, nil
	}
	ev, err := o.store.Get(ctx, atEventID)
	if err != nil {
		return "", err
	}
	if ev.SessionID == parentSessionID {
		return ev.ID, nil
	}
	// Pre-fork events on the parent's lineage are owned by an ancestor
	// session, so ownership alone is not enough.
	history, err := o.store.GetHistory(ctx, parentSessionID)
	if err != nil {
		return "", err
	}
	for _, h := range history {
		if h.ID == atEventID {
			return atEventID, nil
		}
	}
	return "", rpcerr.Newf(rpcerr.CodeInvalidOperation,
		"event %s does not belong to session %s", atEventID, parentSessionID)
}

// Delete aborts any running turn, evicts the session, and removes its
// log. The only destructive operation.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	if as := o.lookup(sessionID); as != nil {
		o.evict(ctx, as, "delete")
	}
	if err := o.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	o.log.Info(ctx, "session deleted", "session_id", sessionID)
	return nil
}

// Summary is one row of List.
type Summary struct {
	SessionID    string              `json:"sessionId"`
	State        models.SessionState `json:"state"`
	LastActivity time.Time           `json:"lastActivity"`
	EventCount   int                 `json:"eventCount"`
	HeadID       string              `json:"headId"`
	Active       bool                `json:"active"`
}

// List pages through known sessions, newest activity first. Sessions
// held in memory report their live state; everything else is idle by
// definition.
func (o *Orchestrator) List(ctx context.Context, limit, offset int) ([]Summary, int, error) {
	infos, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := len(infos)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	if limit <= 0 || offset+limit > total {
		limit = total - offset
	}

	page := infos[offset : offset+limit]
	out := make([]Summary, 0, len(page))
	for _, info := range page {
		s := Summary{
			SessionID:    info.SessionID,
			State:        models.StateIdle,
			LastActivity: info.LastActivity,
			EventCount:   info.EventCount,
			HeadID:       info.HeadID,
		}
		if as := o.lookup(info.SessionID); as != nil {
			s.State = as.State()
			s.Active = true
			s.LastActivity = as.idleSince()
		}
		out = append(out, s)
	}
	return out, total, nil
}

// SwitchModel changes the session's model going forward, recording the
// switch on the timeline so reconstruction derives the same answer.
func (o *Orchestrator) SwitchModel(ctx context.Context, sessionID, model string) error {
	if model == "" {
		return rpcerr.New(rpcerr.CodeInvalidParams, "model is required")
	}
	if _, err := o.providers.Resolve(model); err != nil {
		return rpcerr.Wrap(err, rpcerr.CodeNotAvailable, "no provider serves the requested model")
	}
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return err
	}

	as.mu.Lock()
	if as.state == models.StateRunning {
		as.mu.Unlock()
		return rpcerr.New(rpcerr.CodeInvalidOperation, "cannot switch model during a running turn")
	}
	from := as.session.Model
	as.mu.Unlock()
	if from == model {
		return nil
	}

	if _, err := as.enqueueAppend(ctx, events.TypeConfigModelSwitch, events.ModelSwitchPayload{
		From: from,
		To:   model,
	}); err != nil {
		return err
	}
	as.mu.Lock()
	as.session.Model = model
	as.mu.Unlock()
	o.log.Info(ctx, "model switched", "session_id", sessionID, "from", from, "to", model)
	return nil
}

// SessionState reports what a session is doing right now.
type SessionState struct {
	SessionID    string              `json:"sessionId"`
	State        models.SessionState `json:"state"`
	Model        string              `json:"model"`
	SteeringLen  int                 `json:"steeringLen"`
	Subscribers  int                 `json:"subscribers"`
	LastActivity time.Time           `json:"lastActivity"`
}

// GetState returns the live state of an active session, or idle derived
// facts for one that only exists in the log.
func (o *Orchestrator) GetState(ctx context.Context, sessionID string) (*SessionState, error) {
	if as := o.lookup(sessionID); as != nil {
		as.mu.Lock()
		defer as.mu.Unlock()
		return &SessionState{
			SessionID:    sessionID,
			State:        as.state,
			Model:        as.session.Model,
			SteeringLen:  as.steering.Len(),
			Subscribers:  len(as.subscribers),
			LastActivity: as.lastActivity,
		}, nil
	}
	session, err := o.deriveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionState{
		SessionID:    sessionID,
		State:        models.StateIdle,
		Model:        session.Model,
		LastActivity: session.UpdatedAt,
	}, nil
}

// deriveSession folds the lineage into session metadata: the root
// session.start (or the parent's, through a fork) plus any later model
// switches.
func (o *Orchestrator) deriveSession(ctx context.Context, sessionID string) (*models.Session, error) {
	history, err := o.store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, events.ErrSessionNotFound
	}

	session := &models.Session{
		ID:        sessionID,
		State:     models.StateIdle,
		CreatedAt: history[0].Timestamp,
		UpdatedAt: history[len(history)-1].Timestamp,
	}
	for _, ev := range history {
		switch ev.Type {
		case events.TypeSessionStart:
			var p events.SessionStartPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode session.start %s: %w", ev.ID, err)
			}
			session.WorkingDirectory = p.WorkingDirectory
			session.Model = p.Model
			if p.Title != "" {
				session.Title = p.Title
			}
		case events.TypeSessionFork:
			if ev.SessionID != sessionID {
				continue
			}
			var p events.SessionForkPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode session.fork %s: %w", ev.ID, err)
			}
			session.ParentSessionID = p.ParentSessionID
			session.ParentEventID = p.ParentEventID
		case events.TypeConfigModelSwitch:
			var p events.ModelSwitchPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode config.model_switch %s: %w", ev.ID, err)
			}
			session.Model = p.To
		}
	}
	if session.WorkingDirectory == "" || session.Model == "" {
		return nil, fmt.Errorf("session %s has no usable session.start", sessionID)
	}
	return session, nil
}

func (o *Orchestrator) runSessionStartHooks(ctx context.Context, sessionID, trigger string) {
	if _, err := o.hooks.Run(ctx, &hooks.Payload{
		SessionID: sessionID,
		Event:     hooks.SessionStart,
		Extra:     map[string]any{"trigger": trigger},
	}); err != nil {
		o.log.Warn(ctx, "session start hooks failed", "session_id", sessionID, "error", err)
	}
}
