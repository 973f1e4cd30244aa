package agent

import (
	"github.com/arbor-sh/arbor/internal/tokens"
)

// UpdateKind discriminates the live updates a running turn fans out.
type UpdateKind string

const (
	UpdateTextDelta     UpdateKind = "text_delta"
	UpdateThinkingDelta UpdateKind = "thinking_delta"
	UpdateToolActivity  UpdateKind = "tool_activity"
	UpdateTurnEnd       UpdateKind = "turn_end"
	UpdateError         UpdateKind = "error"
)

// ToolPhase tracks a tool call through its lifecycle on the update
// stream.
type ToolPhase string

const (
	ToolRequested ToolPhase = "requested"
	ToolStarted   ToolPhase = "started"
	ToolFinished  ToolPhase = "finished"
	ToolBlocked   ToolPhase = "blocked"
)

// ToolActivity reports one tool call's progress.
type ToolActivity struct {
	ToolCallID string    `json:"toolCallId"`
	Name       string    `json:"name"`
	Phase      ToolPhase `json:"phase"`
	IsError    bool      `json:"isError,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// TurnEndInfo is the terminal update of a successful turn.
type TurnEndInfo struct {
	Turn       int                `json:"turn"`
	StopReason string             `json:"stopReason"`
	Record     tokens.TokenRecord `json:"tokenRecord"`
	Usage      tokens.Usage       `json:"tokenUsage"`
	Cost       float64            `json:"cost"`
}

// Update is one element of the live stream a turn produces. Deltas are
// not persisted; the event log keeps the bookends and final messages.
type Update struct {
	Kind    UpdateKind    `json:"kind"`
	Text    string        `json:"text,omitempty"`
	Tool    *ToolActivity `json:"tool,omitempty"`
	TurnEnd *TurnEndInfo  `json:"turnEnd,omitempty"`
	Err     error         `json:"-"`
}
