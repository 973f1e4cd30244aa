// Package provider defines the neutral contract between the agent loop and
// LLM backends. Adapters translate the Request envelope into each vendor's
// wire format and emit one normalized Chunk stream; everything downstream
// of this package is vendor-blind.
package provider

import (
	"context"
	"encoding/json"

	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

// Provider is one LLM backend.
//
// Stream returns a channel of normalized chunks. The stream contract:
// exactly one TurnEnd or Error chunk terminates every stream, and the
// channel is closed after it. Cancelling ctx aborts the stream; the
// adapter still terminates properly.
type Provider interface {
	// Name is the stable lowercase identifier used in config, routing
	// and metrics.
	Name() string

	// Models lists the models this provider serves.
	Models() []ModelInfo

	// Accounting describes how this provider reports input tokens.
	Accounting() tokens.Accounting

	// Stream starts one inference turn.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// ModelInfo describes one servable model.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"contextWindow"`
	MaxOutput     int    `json:"maxOutput"`
	Thinking      bool   `json:"thinking,omitempty"`
}

// SystemBlock is one segment of the system prompt. Segments are kept
// separate so adapters can place cache markers between them.
type SystemBlock struct {
	Text string `json:"text"`
}

// ToolDef is a tool exposed to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is the neutral inference envelope.
type Request struct {
	Model    string
	System   []SystemBlock
	Messages []models.Message
	Tools    []ToolDef

	MaxTokens   int
	Temperature float64

	// ReasoningEffort maps to extended-thinking/effort controls on
	// providers that have them ("low", "medium", "high"; empty = off).
	ReasoningEffort string

	// CacheMarkers are indices into System after which a prompt-cache
	// boundary should be set, for providers with explicit cache control.
	CacheMarkers []int
}

// StopReason is the normalized reason a turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopAborted   StopReason = "aborted"
	StopError     StopReason = "error"
)

// ChunkKind discriminates the normalized stream chunks.
type ChunkKind string

const (
	ChunkTurnStart     ChunkKind = "turn_start"
	ChunkTextDelta     ChunkKind = "text_delta"
	ChunkThinkingDelta ChunkKind = "thinking_delta"
	ChunkToolCallStart ChunkKind = "tool_call_start"
	ChunkToolCallDelta ChunkKind = "tool_call_delta"
	ChunkToolCallStop  ChunkKind = "tool_call_stop"
	ChunkTurnEnd       ChunkKind = "turn_end"
	ChunkError         ChunkKind = "error"
)

// ToolCallChunk carries the tool-call portion of a chunk. ID is already
// remapped to the stable toolu_ form; ArgsDelta accumulates to the full
// argument JSON across the call's delta chunks.
type ToolCallChunk struct {
	ID         string
	ProviderID string
	Name       string
	ArgsDelta  string
	Args       json.RawMessage // complete arguments, set on tool_call_stop
}

// Chunk is one element of a normalized stream. Fields beyond Kind are
// populated per kind: Text for the delta kinds, ToolCall for the
// tool_call kinds, StopReason and Usage for turn_end, Err for error.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	ToolCall   *ToolCallChunk
	StopReason StopReason
	Usage      tokens.RawUsage
	Err        error
}
