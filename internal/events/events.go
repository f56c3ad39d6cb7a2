// Package events carries typed progress events from the runtime subsystems
// to UI subscribers. Payloads stay JSON-serializable so the desktop shell can
// forward them verbatim.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates every event the backend emits.
type Type string

const (
	TaskCreated   Type = "task_created"
	StatusChanged Type = "status_changed"
	TaskStarted   Type = "task_started"
	Thinking      Type = "thinking"
	ToolPreparing Type = "tool_preparing"
	ToolUse       Type = "tool_use"
	ToolResult    Type = "tool_result"
	Text          Type = "text"
	FinalAnswer   Type = "final_answer"
	Finish        Type = "finish"
	TaskPaused    Type = "task_paused"
	TaskResumed   Type = "task_resumed"
	TaskCompleted Type = "task_completed"
	TaskError     Type = "task_error"
	TaskCancelled Type = "task_cancelled"
	StatusUpdate  Type = "status_update"
	SystemMessage Type = "system_message"
	Error         Type = "error"
)

// Event is a single progress notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Iteration uint32         `json:"iteration,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(t Type, taskID string, iteration uint32, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		TaskID:    taskID,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
