// Package tools implements the tool registry, the policy gate and the
// parallel executor the agent loop dispatches model tool calls through,
// plus the built-in workspace tools.
//
// Tool failures are data, not errors: anything that goes wrong inside a
// tool folds into a Result with IsError set, which the model sees and
// may recover from. Only programmer errors surface as Go errors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema for the tool's parameters; the registry
	// validates arguments against it before dispatch.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error)
}

// Options carries the session-scoped execution context into a tool.
type Options struct {
	// SessionID identifies the session the call executes for. Tools
	// that touch session infrastructure (subagents, todos) need it.
	SessionID string
	// WorkingDirectory is the session's effective working directory.
	WorkingDirectory string
	// ToolCallID is the stable id of the triggering tool_use block.
	ToolCallID string
	// TerminateGrace is the SIGTERM-to-SIGKILL window for tools that
	// spawn processes.
	TerminateGrace time.Duration
}

// Result is the uniform tool outcome. Details is tool-specific and
// parsed only by consumers that know the producing tool.
type Result struct {
	Content string         `json:"content"`
	IsError bool           `json:"isError,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	// StopTurn asks the loop to end the turn after this result.
	StopTurn bool `json:"stopTurn,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Interrupted builds the result for a tool cut short by cancellation,
// preserving whatever output it produced.
func Interrupted(partial string) *Result {
	r := &Result{
		Content: "Tool execution was interrupted.",
		IsError: true,
		Details: map[string]any{"interrupted": true},
	}
	if partial != "" {
		r.Details["partialContent"] = partial
	}
	return r
}

// TimedOut builds the result for a tool that exceeded its time budget.
func TimedOut(timeout time.Duration, partial string) *Result {
	r := &Result{
		Content: fmt.Sprintf("Tool execution timed out after %s.", timeout),
		IsError: true,
		Details: map[string]any{"timedOut": true},
	}
	if partial != "" {
		r.Details["partialContent"] = partial
	}
	return r
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Def is the wire-facing tool description handed to providers.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// mustSchema marshals a schema literal; built-ins call it at
// construction so a malformed literal fails fast.
func mustSchema(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tools: bad schema literal: %v", err))
	}
	return data
}
