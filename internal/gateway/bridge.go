package gateway

import (
	"context"
	"sync"

	"github.com/arbor-sh/arbor/internal/rpcerr"
)

// ClientToolResult is one tool outcome delivered by a client through
// tool.result.
type ClientToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// ToolBridge matches inbound tool.result frames to waiting
// client-executed tool calls. Each expected tool use id gets exactly
// one result; a second delivery or one for an unknown id fails with
// TOOL_RESULT_FAILED.
type ToolBridge struct {
	mu      sync.Mutex
	pending map[string]chan ClientToolResult
}

// NewToolBridge builds an empty bridge.
func NewToolBridge() *ToolBridge {
	return &ToolBridge{pending: make(map[string]chan ClientToolResult)}
}

// Expect registers a wait for the given tool use id and returns the
// channel its result will arrive on. The returned cancel forgets the
// wait, for callers that time out or abort.
func (b *ToolBridge) Expect(toolUseID string) (<-chan ClientToolResult, func()) {
	ch := make(chan ClientToolResult, 1)
	b.mu.Lock()
	b.pending[toolUseID] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		delete(b.pending, toolUseID)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Wait blocks until the result for toolUseID arrives or ctx expires.
func (b *ToolBridge) Wait(ctx context.Context, toolUseID string) (*ClientToolResult, error) {
	ch, cancel := b.Expect(toolUseID)
	defer cancel()
	select {
	case res := <-ch:
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers one result. Unknown and already-resolved ids fail.
func (b *ToolBridge) Resolve(res ClientToolResult) error {
	b.mu.Lock()
	ch, ok := b.pending[res.ToolUseID]
	if ok {
		delete(b.pending, res.ToolUseID)
	}
	b.mu.Unlock()
	if !ok {
		return rpcerr.Newf(rpcerr.CodeToolResultFailed, "no pending tool call %q", res.ToolUseID)
	}
	ch <- res
	return nil
}

// Pending reports how many tool calls are awaiting results.
func (b *ToolBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
