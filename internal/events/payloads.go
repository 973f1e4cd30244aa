package events

import (
	"encoding/json"
	"fmt"

	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

// Typed payloads for the event union. Field names are part of the wire
// format; clients and the RPC dialect read these verbatim.

// SessionStartPayload opens a session log (root event).
type SessionStartPayload struct {
	WorkingDirectory string `json:"workingDirectory"`
	Model            string `json:"model"`
	Title            string `json:"title,omitempty"`
}

// SessionEndPayload closes a session.
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SessionForkPayload is the root event of a forked session, pointing at
// the position in the parent log the fork copied from.
type SessionForkPayload struct {
	ParentSessionID string `json:"parentSessionId"`
	ParentEventID   string `json:"parentEventId"`
}

// SessionBranchPayload records an explicit head move to an ancestor.
type SessionBranchPayload struct {
	FromEventID string `json:"fromEventId"`
	Name        string `json:"name,omitempty"`
}

// MessagePayload carries a full provider-neutral message. Used by
// message.user, message.assistant and message.system events.
type MessagePayload struct {
	Role       models.Role           `json:"role"`
	Blocks     []models.ContentBlock `json:"blocks"`
	StopReason string                `json:"stopReason,omitempty"`
}

// Message converts the payload back into a models.Message.
func (p MessagePayload) Message() models.Message {
	return models.Message{Role: p.Role, Blocks: p.Blocks}
}

// MessageDeletedPayload tombstones an earlier message event.
type MessageDeletedPayload struct {
	TargetID string `json:"targetId"`
}

// ToolCallPayload records one tool invocation requested by the model.
// ID is the stable toolu_-prefixed id; ProviderID preserves the vendor's
// native id so results can round-trip through provider switches.
type ToolCallPayload struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	ProviderID string          `json:"providerId,omitempty"`
}

// ToolResultPayload records the outcome of a tool call.
type ToolResultPayload struct {
	ToolUseID  string `json:"toolUseId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// TurnStartPayload bookends the start of one agent turn.
type TurnStartPayload struct {
	Turn  int    `json:"turn"`
	Model string `json:"model,omitempty"`
}

// TurnEndPayload bookends the end of one agent turn with normalized
// token accounting.
type TurnEndPayload struct {
	Turn        int                 `json:"turn"`
	StopReason  string              `json:"stopReason,omitempty"`
	TokenUsage  tokens.Usage        `json:"tokenUsage"`
	TokenRecord *tokens.TokenRecord `json:"tokenRecord,omitempty"`
	Cost        float64             `json:"cost,omitempty"`
}

// TextDeltaPayload is a live streaming fragment. Deltas are fanned out to
// subscribers but not persisted; the log keeps the final message.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// ModelSwitchPayload records a mid-session model change.
type ModelSwitchPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PromptUpdatePayload records a system prompt change.
type PromptUpdatePayload struct {
	SystemPrompt string `json:"systemPrompt"`
}

// ReasoningLevelPayload records a reasoning effort change.
type ReasoningLevelPayload struct {
	Level string `json:"level"`
}

// CompactBoundaryPayload marks where compaction cut the log.
type CompactBoundaryPayload struct {
	OriginalTokens   int     `json:"originalTokens"`
	CompactedTokens  int     `json:"compactedTokens"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// CompactSummaryPayload carries the summary that replaces everything
// before its paired compact.boundary.
type CompactSummaryPayload struct {
	Summary       string   `json:"summary"`
	KeyDecisions  []string `json:"keyDecisions,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
}

// ContextClearedPayload marks an explicit context reset.
type ContextClearedPayload struct {
	TokensBefore int    `json:"tokensBefore"`
	TokensAfter  int    `json:"tokensAfter"`
	Reason       string `json:"reason"`
}

// FileOpPayload records a file touched by a built-in tool.
type FileOpPayload struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes,omitempty"`
}

// WorktreePayload records git worktree lifecycle transitions.
type WorktreePayload struct {
	Branch string `json:"branch"`
	Path   string `json:"path,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// SubagentSpawnedPayload records a child session being spawned.
type SubagentSpawnedPayload struct {
	SubagentSessionID string `json:"subagentSessionId"`
	Task              string `json:"task"`
	Depth             int    `json:"depth"`
}

// SubagentStatusPayload wraps a forwarded child event. Never persisted;
// used on the fan-out bus only.
type SubagentStatusPayload struct {
	SubagentSessionID string          `json:"subagentSessionId"`
	Event             json.RawMessage `json:"event"`
}

// SubagentCompletedPayload records a child finishing successfully.
type SubagentCompletedPayload struct {
	SubagentSessionID string `json:"subagentSessionId"`
	Result            string `json:"result"`
	DurationMs        int64  `json:"durationMs,omitempty"`
}

// SubagentFailedPayload records a child finishing with an error.
type SubagentFailedPayload struct {
	SubagentSessionID string `json:"subagentSessionId"`
	Error             string `json:"error"`
}

// HookRunPayload is shared by hook.triggered, hook.completed and the
// background variants.
type HookRunPayload struct {
	HookID  string `json:"hookId"`
	Event   string `json:"event"`
	Blocked bool   `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RulesLoadedPayload records workspace rule files entering context.
type RulesLoadedPayload struct {
	Files []string `json:"files"`
}

// PlanPayload is shared by the plan.* events.
type PlanPayload struct {
	Plan string `json:"plan,omitempty"`
}

// TodoWritePayload records a full rewrite of the session todo list.
type TodoWritePayload struct {
	Todos []models.Todo `json:"todos"`
}

// ErrorPayload is shared by error.agent, error.tool and error.provider.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// TurnFailedPayload records a turn that could not complete. It is the
// authoritative failure notification: agent.prompt is acknowledged
// before the turn runs, so clients watch for this event rather than an
// RPC error.
type TurnFailedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`

	// Interrupted marks a user-initiated abort.
	Interrupted bool `json:"interrupted,omitempty"`

	// PartialContent carries any text streamed before the failure.
	PartialContent string `json:"partialContent,omitempty"`

	// Recoverable marks failures worth retrying: transient provider
	// exhaustion, or context overflow after a compaction.
	Recoverable bool `json:"recoverable,omitempty"`
}

// payloadPrototypes maps each type to a decode target used for append-time
// validation. Types absent from the map accept any JSON object.
var payloadPrototypes = map[Type]func() any{
	TypeSessionStart:    func() any { return &SessionStartPayload{} },
	TypeSessionEnd:      func() any { return &SessionEndPayload{} },
	TypeSessionFork:     func() any { return &SessionForkPayload{} },
	TypeSessionBranch:   func() any { return &SessionBranchPayload{} },
	TypeMessageUser:     func() any { return &MessagePayload{} },
	TypeMessageAssistant: func() any { return &MessagePayload{} },
	TypeMessageSystem:   func() any { return &MessagePayload{} },
	TypeMessageDeleted:  func() any { return &MessageDeletedPayload{} },
	TypeToolCall:        func() any { return &ToolCallPayload{} },
	TypeToolResult:      func() any { return &ToolResultPayload{} },
	TypeStreamTurnStart: func() any { return &TurnStartPayload{} },
	TypeStreamTurnEnd:   func() any { return &TurnEndPayload{} },
	TypeStreamTextDelta: func() any { return &TextDeltaPayload{} },
	TypeStreamThinkingDelta: func() any { return &TextDeltaPayload{} },
	TypeConfigModelSwitch:   func() any { return &ModelSwitchPayload{} },
	TypeConfigPromptUpdate:  func() any { return &PromptUpdatePayload{} },
	TypeConfigReasoningLevel: func() any { return &ReasoningLevelPayload{} },
	TypeCompactBoundary:      func() any { return &CompactBoundaryPayload{} },
	TypeCompactSummary:       func() any { return &CompactSummaryPayload{} },
	TypeContextCleared:       func() any { return &ContextClearedPayload{} },
	TypeFileRead:             func() any { return &FileOpPayload{} },
	TypeFileWrite:            func() any { return &FileOpPayload{} },
	TypeFileEdit:             func() any { return &FileOpPayload{} },
	TypeWorktreeAcquired:     func() any { return &WorktreePayload{} },
	TypeWorktreeCommit:       func() any { return &WorktreePayload{} },
	TypeWorktreeReleased:     func() any { return &WorktreePayload{} },
	TypeWorktreeMerged:       func() any { return &WorktreePayload{} },
	TypeSubagentSpawned:      func() any { return &SubagentSpawnedPayload{} },
	TypeSubagentStatusUpdate: func() any { return &SubagentStatusPayload{} },
	TypeSubagentCompleted:    func() any { return &SubagentCompletedPayload{} },
	TypeSubagentFailed:       func() any { return &SubagentFailedPayload{} },
	TypeHookTriggered:        func() any { return &HookRunPayload{} },
	TypeHookCompleted:        func() any { return &HookRunPayload{} },
	TypeHookBackgroundStarted:   func() any { return &HookRunPayload{} },
	TypeHookBackgroundCompleted: func() any { return &HookRunPayload{} },
	TypeRulesLoaded:             func() any { return &RulesLoadedPayload{} },
	TypePlanModeEntered:         func() any { return &PlanPayload{} },
	TypePlanModeExited:          func() any { return &PlanPayload{} },
	TypePlanCreated:             func() any { return &PlanPayload{} },
	TypeTodoWrite:               func() any { return &TodoWritePayload{} },
	TypeErrorAgent:              func() any { return &ErrorPayload{} },
	TypeErrorTool:               func() any { return &ErrorPayload{} },
	TypeErrorProvider:           func() any { return &ErrorPayload{} },
	TypeTurnFailed:              func() any { return &TurnFailedPayload{} },
}

// ValidatePayload checks raw against the typed struct for t. Empty payloads
// are allowed only for types whose struct has no required fields.
func ValidatePayload(t Type, raw json.RawMessage) error {
	if !ValidType(t) {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	proto, ok := payloadPrototypes[t]
	if !ok {
		return nil
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	target := proto()
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}

	// Required-field checks for payloads other components depend on.
	switch p := target.(type) {
	case *SessionStartPayload:
		if p.WorkingDirectory == "" || p.Model == "" {
			return fmt.Errorf("%w: session.start requires workingDirectory and model", ErrInvalidPayload)
		}
	case *SessionForkPayload:
		if p.ParentSessionID == "" || p.ParentEventID == "" {
			return fmt.Errorf("%w: session.fork requires parentSessionId and parentEventId", ErrInvalidPayload)
		}
	case *MessagePayload:
		if p.Role == "" {
			return fmt.Errorf("%w: message payload requires role", ErrInvalidPayload)
		}
	case *MessageDeletedPayload:
		if p.TargetID == "" {
			return fmt.Errorf("%w: message.deleted requires targetId", ErrInvalidPayload)
		}
	case *ToolCallPayload:
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("%w: tool.call requires id and name", ErrInvalidPayload)
		}
	case *ToolResultPayload:
		if p.ToolUseID == "" {
			return fmt.Errorf("%w: tool.result requires toolUseId", ErrInvalidPayload)
		}
	case *ContextClearedPayload:
		if p.Reason == "" {
			return fmt.Errorf("%w: context.cleared requires reason", ErrInvalidPayload)
		}
	case *CompactSummaryPayload:
		if p.Summary == "" {
			return fmt.Errorf("%w: compact.summary requires summary", ErrInvalidPayload)
		}
	}
	return nil
}

// MarshalPayload normalizes an append payload argument. Raw JSON passes
// through; any other value is marshaled.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}
