package subagents

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/arbor-sh/arbor/internal/tools"
)

const taskSchema = `{
	"type": "object",
	"properties": {
		"task": {
			"type": "string",
			"description": "The task for the subagent to perform, with all context it needs. The subagent cannot see this conversation."
		},
		"model": {
			"type": "string",
			"description": "Optional model override for the subagent."
		}
	},
	"required": ["task"]
}`

// TaskTool delegates a task to a subagent session and returns its final
// output as the tool result. Spawn failures and subagent failures are
// error results the model can react to, not infrastructure errors.
type TaskTool struct {
	coord *Coordinator
}

// NewTaskTool builds the bridge over a coordinator.
func NewTaskTool(coord *Coordinator) *TaskTool {
	return &TaskTool{coord: coord}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Delegate a self-contained task to a subagent that works in its own session and reports back its final answer."
}

func (t *TaskTool) Schema() json.RawMessage { return json.RawMessage(taskSchema) }

func (t *TaskTool) Execute(ctx context.Context, params json.RawMessage, opts tools.Options) (*tools.Result, error) {
	if opts.SessionID == "" {
		return nil, errors.New("task tool needs a session id")
	}
	var p struct {
		Task  string `json:"task"`
		Model string `json:"model,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf("invalid task parameters: %v", err), nil
	}

	h, err := t.coord.Spawn(ctx, opts.SessionID, p.Task, SpawnOptions{Model: p.Model})
	if err != nil {
		if errors.Is(err, ErrDepthLimit) {
			return tools.Errorf("cannot spawn a subagent: %v", err), nil
		}
		if ctx.Err() != nil {
			return tools.Interrupted(""), nil
		}
		return tools.Errorf("failed to spawn subagent: %v", err), nil
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		// The coordinator aborts the child through the watch context.
		<-h.Done()
		return tools.Interrupted(""), nil
	}

	result, rerr := h.Result()
	if rerr != nil {
		return tools.Errorf("subagent failed: %v", rerr), nil
	}
	res := &tools.Result{Content: result}
	res.Details = map[string]any{"subagentSessionId": h.SessionID}
	return res, nil
}
