package contextmgr

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/arbor-sh/arbor/internal/compaction"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/pkg/models"
)

// Level classifies context utilization.
type Level string

const (
	LevelGreen    Level = "green"
	LevelAlert    Level = "alert"
	LevelCritical Level = "critical"
)

// Snapshot reports a session's context usage against its model window.
type Snapshot struct {
	SessionID     string  `json:"sessionId"`
	Model         string  `json:"model"`
	ContextWindow int     `json:"contextWindow"`
	SystemTokens  int     `json:"systemTokens"`
	MessageTokens int     `json:"messageTokens"`
	TotalTokens   int     `json:"totalTokens"`
	Utilization   float64 `json:"utilization"`
	Level         Level   `json:"level"`
	Messages      int     `json:"messages"`
	Estimator     string  `json:"estimator"`
}

// ZoneUsage is the token weight of one populated composition zone.
type ZoneUsage struct {
	Zone   Zone `json:"zone"`
	Tokens int  `json:"tokens"`
}

// MessageUsage is the token weight of one transcript message.
type MessageUsage struct {
	Index   int         `json:"index"`
	Role    models.Role `json:"role"`
	Tokens  int         `json:"tokens"`
	Preview string      `json:"preview"`
}

// DetailedSnapshot adds per-zone and per-message breakdowns.
type DetailedSnapshot struct {
	Snapshot
	Zones      []ZoneUsage    `json:"zones"`
	PerMessage []MessageUsage `json:"perMessage"`
}

// Snapshot computes current usage for a session.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	snap, _, err := m.snapshot(ctx, sessionID)
	return snap, err
}

func (m *Manager) snapshot(ctx context.Context, sessionID string) (*Snapshot, *events.Transcript, error) {
	history, err := m.store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	tr, err := events.Reconstruct(history)
	if err != nil {
		return nil, nil, err
	}

	model := modelFromHistory(history)
	window := m.Window(model)

	blocks, _ := m.Compose(sessionID)
	systemTokens := 0
	for _, b := range blocks {
		systemTokens += m.est.Estimate(b.Text)
	}
	messageTokens := compaction.EstimateMessages(m.est, tr.Messages)
	total := systemTokens + messageTokens
	utilization := float64(total) / float64(window)

	snap := &Snapshot{
		SessionID:     sessionID,
		Model:         model,
		ContextWindow: window,
		SystemTokens:  systemTokens,
		MessageTokens: messageTokens,
		TotalTokens:   total,
		Utilization:   utilization,
		Level:         m.levelFor(utilization),
		Messages:      len(tr.Messages),
		Estimator:     m.est.Source(),
	}
	return snap, tr, nil
}

func (m *Manager) levelFor(utilization float64) Level {
	switch {
	case utilization >= m.cfg.CompactThreshold:
		return LevelCritical
	case utilization >= m.cfg.AlertThreshold:
		return LevelAlert
	default:
		return LevelGreen
	}
}

// DetailedSnapshot computes usage with per-zone and per-message detail.
func (m *Manager) DetailedSnapshot(ctx context.Context, sessionID string) (*DetailedSnapshot, error) {
	snap, tr, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	detail := &DetailedSnapshot{Snapshot: *snap}

	m.mu.RLock()
	for _, zone := range zoneOrder {
		content, ok := m.zones[sessionID][zone]
		if !ok {
			continue
		}
		detail.Zones = append(detail.Zones, ZoneUsage{
			Zone:   zone,
			Tokens: m.est.Estimate(formatZone(zone, content)),
		})
	}
	m.mu.RUnlock()

	for i, msg := range tr.Messages {
		detail.PerMessage = append(detail.PerMessage, MessageUsage{
			Index:   i,
			Role:    msg.Role,
			Tokens:  compaction.EstimateMessage(m.est, msg),
			Preview: preview(msg),
		})
	}
	return detail, nil
}

const previewRunes = 80

func preview(msg models.Message) string {
	text := msg.Text()
	if text == "" {
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockToolUse:
				text = "[tool call: " + b.Name + "]"
			case models.BlockToolResult:
				text = "[tool result]"
			case models.BlockThinking:
				text = "[thinking]"
			}
			if text != "" {
				break
			}
		}
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "..."
}

// ShouldCompact reports whether the session crossed the critical
// threshold with enough history to make compaction worthwhile.
func (m *Manager) ShouldCompact(ctx context.Context, sessionID string) (bool, error) {
	snap, err := m.Snapshot(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return snap.Level == LevelCritical && snap.Messages >= m.cfg.MinCompactMessages, nil
}

// TurnCheck is the admission decision for a prospective turn.
type TurnCheck struct {
	CanProceed       bool `json:"canProceed"`
	NeedsCompaction  bool `json:"needsCompaction"`
	WouldExceedLimit bool `json:"wouldExceedLimit"`
}

// CanAcceptTurn checks whether a new turn fits the window.
// estimatedResponseTokens sizes the anticipated model response; zero or
// negative uses the configured output reserve.
func (m *Manager) CanAcceptTurn(ctx context.Context, sessionID string, estimatedResponseTokens int) (*TurnCheck, error) {
	snap, err := m.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	reserve := estimatedResponseTokens
	if reserve <= 0 {
		reserve = m.cfg.OutputReserve
	}
	exceeds := snap.TotalTokens+reserve > snap.ContextWindow
	return &TurnCheck{
		CanProceed:       !exceeds,
		NeedsCompaction:  snap.Level == LevelCritical,
		WouldExceedLimit: exceeds,
	}, nil
}
