package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TodoItem is one entry in the agent's working plan.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // "pending", "in_progress", "completed"
}

// TodoWriteTool maintains a per-task todo list in memory. The list is
// surfaced to the UI via ext_info on each result.
type TodoWriteTool struct {
	mu    sync.Mutex
	lists map[string][]TodoItem // task id → items
}

func NewTodoWriteTool() *TodoWriteTool {
	return &TodoWriteTool{lists: make(map[string][]TodoItem)}
}

func (t *TodoWriteTool) Name() string { return "todo_write" }
func (t *TodoWriteTool) Description() string {
	return "Replace the task's todo list. Use it to plan multi-step work and mark progress."
}
func (t *TodoWriteTool) Permissions() []Permission { return nil }

func (t *TodoWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
						"status":  map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed"}},
					},
					"required": []any{"id", "content", "status"},
				},
			},
		},
		"required": []any{"todos"},
	}
}

func (t *TodoWriteTool) Run(_ context.Context, tc *TaskContext, args map[string]any) (*Result, error) {
	raw, err := json.Marshal(args["todos"])
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid todos: %v", err)), nil
	}
	var items []TodoItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ErrorResult(fmt.Sprintf("invalid todos: %v", err)), nil
	}

	t.mu.Lock()
	t.lists[tc.TaskID] = items
	t.mu.Unlock()

	completed := 0
	for _, item := range items {
		if item.Status == "completed" {
			completed++
		}
	}
	result := TextResult(fmt.Sprintf("todo list updated: %d items, %d completed", len(items), completed))
	result.ExtInfo = map[string]any{"todos": items}
	return result, nil
}

// Get returns the current list for a task.
func (t *TodoWriteTool) Get(taskID string) []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.lists[taskID]
	out := make([]TodoItem, len(items))
	copy(out, items)
	return out
}

// Clear drops the list once a task reaches a terminal state.
func (t *TodoWriteTool) Clear(taskID string) {
	t.mu.Lock()
	delete(t.lists, taskID)
	t.mu.Unlock()
}
