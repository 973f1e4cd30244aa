package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/pkg/models"
)

// TodoSink receives the full replacement list on every todo_write call.
type TodoSink func(ctx context.Context, sessionID string, todos []models.Todo) error

// TodoWriteTool replaces the session's working todo list.
type TodoWriteTool struct {
	sink  TodoSink
	event FileEventSink
}

// NewTodoWriteTool builds the todo_write built-in. The event sink
// records todo.write on the session log.
func NewTodoWriteTool(sink TodoSink, event FileEventSink) *TodoWriteTool {
	return &TodoWriteTool{sink: sink, event: event}
}

func (t *TodoWriteTool) Name() string { return "todo_write" }

func (t *TodoWriteTool) Description() string {
	return "Replace the session todo list. Pass the complete list every time; at most one item may be in_progress."
}

func (t *TodoWriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "The complete todo list.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":       map[string]any{"type": "string"},
						"content":  map[string]any{"type": "string"},
						"status":   map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						"priority": map[string]any{"type": "string"},
					},
					"required": []string{"content", "status"},
				},
			},
		},
		"required":             []string{"todos"},
		"additionalProperties": false,
	})
}

func (t *TodoWriteTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Todos []models.Todo `json:"todos"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}

	inProgress := 0
	for i := range input.Todos {
		if input.Todos[i].ID == "" {
			input.Todos[i].ID = fmt.Sprintf("todo-%d", i+1)
		}
		if input.Todos[i].Status == models.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return Errorf("%d items are in_progress; at most one is allowed", inProgress), nil
	}

	if t.sink != nil {
		if err := t.sink(ctx, opts.SessionID, input.Todos); err != nil {
			return Errorf("Failed to store todos: %v", err), nil
		}
	}
	if t.event != nil {
		t.event(ctx, events.TypeTodoWrite, events.TodoWritePayload{Todos: input.Todos})
	}

	pending, completed := 0, 0
	for _, td := range input.Todos {
		switch td.Status {
		case models.TodoPending:
			pending++
		case models.TodoCompleted:
			completed++
		}
	}
	return &Result{
		Content: fmt.Sprintf("Todo list updated: %d items (%d pending, %d in progress, %d completed)",
			len(input.Todos), pending, inProgress, completed),
		Details: map[string]any{"count": len(input.Todos)},
	}, nil
}
