// Package orchestrator owns the active-session table: it activates
// sessions into memory, serializes their appends through per-session
// queue goroutines, fans events out to subscribers, and drives agent
// turns. The event log stays the source of truth; eviction only drops
// the in-memory working set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/hooks"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tools"
	"github.com/arbor-sh/arbor/pkg/models"
)

// Options wires an Orchestrator. Store, Router, Providers, Context and
// Executor are required; the agent loop is built internally so its
// appends go through the router.
type Options struct {
	Store     events.Store
	Router    *Router
	Providers *provider.Registry
	Context   *contextmgr.Manager
	Executor  *tools.Executor
	Hooks     *hooks.Engine

	Agent    config.AgentConfig
	Sessions config.SessionsConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator manages in-memory sessions and their turns.
type Orchestrator struct {
	store     events.Store
	router    *Router
	providers *provider.Registry
	ctxmgr    *contextmgr.Manager
	hooks     *hooks.Engine
	loop      *agent.Loop
	agentCfg  config.AgentConfig
	cfg       config.SessionsConfig
	log       *observability.Logger
	metrics   *observability.Metrics

	cron *cron.Cron

	mu     sync.RWMutex
	active map[string]*ActiveSession
	closed bool
}

// New builds an Orchestrator and binds it to the router.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("orchestrator: Options.Store is required")
	case opts.Router == nil:
		return nil, errors.New("orchestrator: Options.Router is required")
	case opts.Providers == nil:
		return nil, errors.New("orchestrator: Options.Providers is required")
	case opts.Context == nil:
		return nil, errors.New("orchestrator: Options.Context is required")
	case opts.Executor == nil:
		return nil, errors.New("orchestrator: Options.Executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewEngine(hooks.Options{})
	}
	cfg := opts.Sessions
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	// Reads must stitch forked lineages.
	store := opts.Store
	if _, ok := store.(*events.ForkView); !ok {
		store = events.NewForkView(store)
	}

	loop, err := agent.New(agent.Options{
		Store:     store,
		Appender:  opts.Router,
		Providers: opts.Providers,
		Context:   opts.Context,
		Executor:  opts.Executor,
		Hooks:     opts.Hooks,
		Config:    opts.Agent,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Tracer:    opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("build agent loop: %w", err)
	}

	o := &Orchestrator{
		store:     store,
		router:    opts.Router,
		providers: opts.Providers,
		ctxmgr:    opts.Context,
		hooks:     opts.Hooks,
		loop:      loop,
		agentCfg:  opts.Agent,
		cfg:       cfg,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		active:    make(map[string]*ActiveSession),
	}
	opts.Router.Bind(o)
	return o, nil
}

// Start launches the idle reaper. Safe to skip in tests.
func (o *Orchestrator) Start() error {
	if o.cfg.IdleTimeout <= 0 || o.cfg.ReaperSchedule == "" {
		return nil
	}
	o.cron = cron.New()
	if _, err := o.cron.AddFunc(o.cfg.ReaperSchedule, o.reap); err != nil {
		return fmt.Errorf("schedule idle reaper: %w", err)
	}
	o.cron.Start()
	return nil
}

// Close aborts running turns, evicts every session, and waits for
// background hooks to settle.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	sessions := make([]*ActiveSession, 0, len(o.active))
	for _, as := range o.active {
		sessions = append(sessions, as)
	}
	o.mu.Unlock()

	if o.cron != nil {
		o.cron.Stop()
	}
	for _, as := range sessions {
		o.evict(ctx, as, "shutdown")
	}
	o.hooks.Tracker().WaitForAll(ctx, 5*time.Second)
	return nil
}

// lookup returns the active session or nil.
func (o *Orchestrator) lookup(sessionID string) *ActiveSession {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[sessionID]
}

// ensureActive returns the in-memory session, resuming it from the log
// when necessary.
func (o *Orchestrator) ensureActive(ctx context.Context, sessionID string) (*ActiveSession, error) {
	if as := o.lookup(sessionID); as != nil {
		return as, nil
	}
	if _, err := o.Resume(ctx, sessionID); err != nil {
		return nil, err
	}
	as := o.lookup(sessionID)
	if as == nil {
		return nil, ErrSessionClosed
	}
	return as, nil
}

// activate installs a session into the table and starts its queue
// goroutine. The caller provides already-derived metadata.
func (o *Orchestrator) activate(session *models.Session) (*ActiveSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrSessionClosed
	}
	if existing, ok := o.active[session.ID]; ok {
		return existing, nil
	}
	as := &ActiveSession{
		id:           session.ID,
		queue:        make(chan appendReq, o.cfg.QueueSize),
		quit:         make(chan struct{}),
		session:      session,
		state:        models.StateIdle,
		steering:     agent.NewSteering(o.agentCfg.SteeringQueueSize),
		lastActivity: time.Now(),
		subscribers:  make(map[int]*subscriber),
	}
	o.active[session.ID] = as
	if o.metrics != nil {
		o.metrics.SessionStarted()
	}
	go o.runQueue(as)
	return as, nil
}

// evict removes a session from memory: abort a running turn, run the
// SessionEnd hooks, close subscribers and the queue. The log persists.
func (o *Orchestrator) evict(ctx context.Context, as *ActiveSession, reason string) {
	o.mu.Lock()
	if o.active[as.id] != as {
		o.mu.Unlock()
		return
	}
	delete(o.active, as.id)
	o.mu.Unlock()

	as.mu.Lock()
	cancel := as.cancelTurn
	done := as.turnDone
	as.mu.Unlock()
	if cancel != nil {
		cancel()
		if done != nil {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				o.log.Warn(ctx, "turn did not stop before eviction", "session_id", as.id)
			}
		}
	}

	if _, err := o.hooks.Run(ctx, &hooks.Payload{
		SessionID: as.id,
		Event:     hooks.SessionEnd,
		Extra:     map[string]any{"reason": reason},
	}); err != nil {
		o.log.Warn(ctx, "session end hooks failed", "session_id", as.id, "error", err)
	}

	close(as.quit)
	as.closeSubscribers()
	o.ctxmgr.Forget(as.id)
	if o.metrics != nil {
		o.metrics.SessionEnded()
	}
	o.log.Info(ctx, "session evicted", "session_id", as.id, "reason", reason)
}

// reap evicts sessions idle past the configured timeout.
func (o *Orchestrator) reap() {
	cutoff := time.Now().Add(-o.cfg.IdleTimeout)
	o.mu.RLock()
	var stale []*ActiveSession
	for _, as := range o.active {
		if as.State() == models.StateIdle && as.idleSince().Before(cutoff) {
			stale = append(stale, as)
		}
	}
	o.mu.RUnlock()
	for _, as := range stale {
		o.evict(context.Background(), as, "idle")
	}
}

// Subscribe attaches a buffered event stream to the session, activating
// it if needed. Returns the subscriber id for Unsubscribe.
func (o *Orchestrator) Subscribe(ctx context.Context, sessionID string) (int, <-chan Notification, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return 0, nil, err
	}
	id, ch := as.subscribe(o.cfg.SubscriberBuffer)
	return id, ch, nil
}

// ForwardEphemeral publishes a non-persisted event to a session's
// subscribers. Used by the subagent coordinator to wrap child activity
// for parent watchers without touching the parent log.
func (o *Orchestrator) ForwardEphemeral(sessionID string, t events.Type, payload any) {
	if as := o.lookup(sessionID); as != nil {
		as.publishEphemeral(o, t, payload)
	}
}

// Unsubscribe detaches a subscriber. Reports whether it existed.
func (o *Orchestrator) Unsubscribe(sessionID string, subID int) bool {
	as := o.lookup(sessionID)
	if as == nil {
		return false
	}
	return as.unsubscribe(subID)
}
