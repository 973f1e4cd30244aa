// Package contextmgr assembles the system context for each provider
// request and polices the token budget of the conversation. It owns the
// seven composition zones, snapshots of context usage against the model
// window, and the compaction and clear operations that shrink a session
// back under budget by appending events.
package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/arbor-sh/arbor/internal/compaction"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
)

// Zone identifies one slot of the composed system context.
type Zone string

const (
	ZoneSystemPrompt    Zone = "system_prompt"
	ZoneProjectRules    Zone = "project_rules"
	ZoneWorkspaceMemory Zone = "workspace_memory"
	ZoneActiveRules     Zone = "active_rules"
	ZoneSkills          Zone = "skills"
	ZoneSubagentResults Zone = "subagent_results"
	ZoneTaskContext     Zone = "task_context"
)

// zoneOrder fixes the composition order. The first stableZoneCount zones
// change rarely and form the cache group for cache-aware providers; the
// rest are volatile and rebuilt per turn.
var zoneOrder = [...]Zone{
	ZoneSystemPrompt,
	ZoneProjectRules,
	ZoneWorkspaceMemory,
	ZoneActiveRules,
	ZoneSkills,
	ZoneSubagentResults,
	ZoneTaskContext,
}

const stableZoneCount = 3

// Zones returns the composition zones in order.
func Zones() []Zone {
	out := make([]Zone, len(zoneOrder))
	copy(out, zoneOrder[:])
	return out
}

// ErrUnknownZone rejects writes to a zone outside the fixed set.
var ErrUnknownZone = errors.New("contextmgr: unknown zone")

func validZone(z Zone) bool {
	for _, known := range zoneOrder {
		if z == known {
			return true
		}
	}
	return false
}

// Config tunes the manager's thresholds and compaction windows.
type Config struct {
	// CompactThreshold is the utilization at which the context turns
	// critical and ShouldCompact fires.
	CompactThreshold float64

	// AlertThreshold is the utilization at which snapshots report the
	// alert level. Clamped below CompactThreshold.
	AlertThreshold float64

	// MinCompactMessages keeps ShouldCompact quiet on short sessions
	// even when a huge message pushes utilization over the line.
	MinCompactMessages int

	// TailMessages is the minimum number of recent messages compaction
	// always preserves.
	TailMessages int

	// TailTokenRatio grows the preserved tail until it holds this
	// share of the context window.
	TailTokenRatio float64

	// OutputReserve is the response headroom CanAcceptTurn assumes
	// when the caller provides no estimate.
	OutputReserve int

	// SummaryModel overrides the session model for summarization.
	SummaryModel string

	// DefaultWindow is the context window assumed for models the
	// catalog does not know.
	DefaultWindow int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CompactThreshold:   0.85,
		AlertThreshold:     0.70,
		MinCompactMessages: 10,
		TailMessages:       20,
		TailTokenRatio:     0.25,
		OutputReserve:      16384,
		DefaultWindow:      compaction.DefaultContextWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CompactThreshold <= 0 || c.CompactThreshold >= 1 {
		c.CompactThreshold = d.CompactThreshold
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold >= c.CompactThreshold {
		c.AlertThreshold = c.CompactThreshold * (d.AlertThreshold / d.CompactThreshold)
	}
	if c.MinCompactMessages <= 0 {
		c.MinCompactMessages = d.MinCompactMessages
	}
	if c.TailMessages <= 0 {
		c.TailMessages = d.TailMessages
	}
	if c.TailTokenRatio < 0 || c.TailTokenRatio >= 1 {
		c.TailTokenRatio = d.TailTokenRatio
	}
	if c.OutputReserve <= 0 {
		c.OutputReserve = d.OutputReserve
	}
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = d.DefaultWindow
	}
	return c
}

// Appender writes events on behalf of the manager. The default appends
// against the current head with retry; the orchestrator substitutes its
// per-session write queue so compaction serializes with the agent loop.
type Appender interface {
	Append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error)
}

type storeAppender struct {
	store events.Store
}

func (a storeAppender) Append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error) {
	return events.AppendAuto(ctx, a.store, sessionID, t, payload)
}

// ModelCatalog reports the models the server can route, with their
// context windows. *provider.Registry satisfies it.
type ModelCatalog interface {
	Models() []provider.ModelInfo
}

// Options configures a Manager. Store is required; everything else has
// a usable default, though ConfirmCompaction needs a Summarizer.
type Options struct {
	Store      events.Store
	Appender   Appender
	Estimator  *tokens.Estimator
	Summarizer Summarizer
	Catalog    ModelCatalog
	Config     Config
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Manager tracks per-session composition zones and token budgets.
type Manager struct {
	store      events.Store
	appender   Appender
	est        *tokens.Estimator
	summarizer Summarizer
	catalog    ModelCatalog
	cfg        Config
	log        *observability.Logger
	metrics    *observability.Metrics

	mu    sync.RWMutex
	zones map[string]map[Zone]string
}

// New builds a Manager from opts.
func New(opts Options) *Manager {
	if opts.Store == nil {
		panic("contextmgr: Options.Store is required")
	}
	m := &Manager{
		store:      opts.Store,
		appender:   opts.Appender,
		est:        opts.Estimator,
		summarizer: opts.Summarizer,
		catalog:    opts.Catalog,
		cfg:        opts.Config.withDefaults(),
		log:        opts.Logger,
		metrics:    opts.Metrics,
		zones:      make(map[string]map[Zone]string),
	}
	if m.appender == nil {
		m.appender = storeAppender{store: opts.Store}
	}
	if m.est == nil {
		m.est = tokens.NewEstimator()
	}
	if m.log == nil {
		m.log = observability.NewNopLogger()
	}
	return m
}

// SetZone replaces a zone's content for a session. Empty content drops
// the zone from composition.
func (m *Manager) SetZone(sessionID string, zone Zone, content string) error {
	if !validZone(zone) {
		return fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(content) == "" {
		delete(m.zones[sessionID], zone)
		if len(m.zones[sessionID]) == 0 {
			delete(m.zones, sessionID)
		}
		return nil
	}
	if m.zones[sessionID] == nil {
		m.zones[sessionID] = make(map[Zone]string)
	}
	m.zones[sessionID][zone] = content
	return nil
}

// ZoneContent returns a zone's raw content and whether it is set.
func (m *Manager) ZoneContent(sessionID string, zone Zone) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.zones[sessionID][zone]
	return content, ok
}

// Forget drops all zone state for a session. Called when the session is
// deleted or evicted.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zones, sessionID)
}

// Compose builds the ordered system blocks for a session, one block per
// non-empty zone, and the cache marker indices. A single marker is
// placed after the last populated stable zone so cache-aware providers
// reuse the stable group across turns.
func (m *Manager) Compose(sessionID string) ([]provider.SystemBlock, []int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var blocks []provider.SystemBlock
	lastStable := -1
	for i, zone := range zoneOrder {
		content, ok := m.zones[sessionID][zone]
		if !ok {
			continue
		}
		blocks = append(blocks, provider.SystemBlock{Text: formatZone(zone, content)})
		if i < stableZoneCount {
			lastStable = len(blocks) - 1
		}
	}
	if lastStable < 0 {
		return blocks, nil
	}
	return blocks, []int{lastStable}
}

func formatZone(zone Zone, content string) string {
	switch zone {
	case ZoneProjectRules:
		return "# Project Rules\n\n" + content
	case ZoneActiveRules:
		return "# Active Rules\n\n" + content
	case ZoneTaskContext:
		return "<task-context>\n" + content + "\n</task-context>"
	default:
		return content
	}
}

// Transcript reconstructs the session's conversation from its event log.
func (m *Manager) Transcript(ctx context.Context, sessionID string) (*events.Transcript, error) {
	history, err := m.store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return events.Reconstruct(history)
}

// Model returns the session's effective model: the latest
// config.model_switch on the lineage, else the session.start model.
func (m *Manager) Model(ctx context.Context, sessionID string) (string, error) {
	history, err := m.store.GetHistory(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return modelFromHistory(history), nil
}

func modelFromHistory(history []*events.Event) string {
	model := ""
	for _, ev := range history {
		switch ev.Type {
		case events.TypeSessionStart:
			var p events.SessionStartPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.Model != "" {
				model = p.Model
			}
		case events.TypeConfigModelSwitch:
			var p events.ModelSwitchPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.To != "" {
				model = p.To
			}
		}
	}
	return model
}

// Window returns the context window for a model, falling back to the
// configured default when the catalog does not know it.
func (m *Manager) Window(model string) int {
	known := 0
	if m.catalog != nil && model != "" {
		for _, info := range m.catalog.Models() {
			if info.ID == model {
				known = info.ContextWindow
				break
			}
		}
	}
	return compaction.ResolveContextWindow(known, m.cfg.DefaultWindow)
}
