// Package events implements the append-only, parent-linked event log that
// backs every session. Each session is a tree of events: appends normally
// extend the head, and appending under an older ancestor creates a sibling
// branch. The log is the source of truth; conversation state is derived by
// folding events with Reconstruct.
package events

import (
	"time"

	"encoding/json"

	"github.com/google/uuid"
)

// Type identifies the kind of an event. The set is closed: stores reject
// appends with a type outside KnownTypes.
type Type string

const (
	TypeSessionStart  Type = "session.start"
	TypeSessionEnd    Type = "session.end"
	TypeSessionFork   Type = "session.fork"
	TypeSessionBranch Type = "session.branch"

	TypeMessageUser      Type = "message.user"
	TypeMessageAssistant Type = "message.assistant"
	TypeMessageSystem    Type = "message.system"
	TypeMessageDeleted   Type = "message.deleted"

	TypeToolCall   Type = "tool.call"
	TypeToolResult Type = "tool.result"

	TypeStreamTurnStart     Type = "stream.turn_start"
	TypeStreamTurnEnd       Type = "stream.turn_end"
	TypeStreamTextDelta     Type = "stream.text_delta"
	TypeStreamThinkingDelta Type = "stream.thinking_delta"

	TypeConfigModelSwitch    Type = "config.model_switch"
	TypeConfigPromptUpdate   Type = "config.prompt_update"
	TypeConfigReasoningLevel Type = "config.reasoning_level"

	TypeCompactBoundary Type = "compact.boundary"
	TypeCompactSummary  Type = "compact.summary"
	TypeContextCleared  Type = "context.cleared"

	TypeFileRead  Type = "file.read"
	TypeFileWrite Type = "file.write"
	TypeFileEdit  Type = "file.edit"

	TypeWorktreeAcquired Type = "worktree.acquired"
	TypeWorktreeCommit   Type = "worktree.commit"
	TypeWorktreeReleased Type = "worktree.released"
	TypeWorktreeMerged   Type = "worktree.merged"

	TypeSubagentSpawned      Type = "subagent.spawned"
	TypeSubagentStatusUpdate Type = "subagent.status_update"
	TypeSubagentCompleted    Type = "subagent.completed"
	TypeSubagentFailed       Type = "subagent.failed"

	TypeHookTriggered           Type = "hook.triggered"
	TypeHookCompleted           Type = "hook.completed"
	TypeHookBackgroundStarted   Type = "hook.background_started"
	TypeHookBackgroundCompleted Type = "hook.background_completed"

	TypeRulesLoaded Type = "rules.loaded"

	TypePlanModeEntered Type = "plan.mode_entered"
	TypePlanModeExited  Type = "plan.mode_exited"
	TypePlanCreated     Type = "plan.created"

	TypeTodoWrite Type = "todo.write"

	TypeErrorAgent    Type = "error.agent"
	TypeErrorTool     Type = "error.tool"
	TypeErrorProvider Type = "error.provider"

	TypeTurnFailed Type = "turn.failed"
)

var knownTypes = map[Type]struct{}{
	TypeSessionStart:  {},
	TypeSessionEnd:    {},
	TypeSessionFork:   {},
	TypeSessionBranch: {},

	TypeMessageUser:      {},
	TypeMessageAssistant: {},
	TypeMessageSystem:    {},
	TypeMessageDeleted:   {},

	TypeToolCall:   {},
	TypeToolResult: {},

	TypeStreamTurnStart:     {},
	TypeStreamTurnEnd:       {},
	TypeStreamTextDelta:     {},
	TypeStreamThinkingDelta: {},

	TypeConfigModelSwitch:    {},
	TypeConfigPromptUpdate:   {},
	TypeConfigReasoningLevel: {},

	TypeCompactBoundary: {},
	TypeCompactSummary:  {},
	TypeContextCleared:  {},

	TypeFileRead:  {},
	TypeFileWrite: {},
	TypeFileEdit:  {},

	TypeWorktreeAcquired: {},
	TypeWorktreeCommit:   {},
	TypeWorktreeReleased: {},
	TypeWorktreeMerged:   {},

	TypeSubagentSpawned:      {},
	TypeSubagentStatusUpdate: {},
	TypeSubagentCompleted:    {},
	TypeSubagentFailed:       {},

	TypeHookTriggered:           {},
	TypeHookCompleted:           {},
	TypeHookBackgroundStarted:   {},
	TypeHookBackgroundCompleted: {},

	TypeRulesLoaded: {},

	TypePlanModeEntered: {},
	TypePlanModeExited:  {},
	TypePlanCreated:     {},

	TypeTodoWrite: {},

	TypeErrorAgent:    {},
	TypeErrorTool:     {},
	TypeErrorProvider: {},

	TypeTurnFailed: {},
}

// KnownTypes returns the closed set of valid event types.
func KnownTypes() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// ValidType reports whether t is a member of the closed type union.
func ValidType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is one node in a session's append-only log. ParentID links it to
// the event it extends; the root event of a session has an empty ParentID.
// IDs are UUIDv7, so lexicographic order along any parent chain matches
// creation order.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	ParentID  string          `json:"parentId,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// NewID returns a UUIDv7 identifier. Creation order is encoded in the id
// prefix, which the stores rely on for lineage ordering.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
