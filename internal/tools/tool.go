// Package tools defines the agent's tool registry and builtin tools. Each
// tool declares a JSON-schema parameter contract and required permissions;
// the registry validates arguments and enforces permissions before dispatch.
package tools

import (
	"context"
	"time"
)

// Permission gates what a tool may touch.
type Permission string

const (
	PermFileSystem Permission = "filesystem"
	PermNetwork    Permission = "network"
)

// TaskContext carries the run-scoped environment into a tool execution.
type TaskContext struct {
	TaskID    string
	Workspace string

	// Snapshot captures the workspace before a mutating tool runs. Nil when
	// checkpointing is disabled.
	Snapshot func(ctx context.Context, label string) error

	// RecordCommand feeds executed commands into completion learning.
	// Optional.
	RecordCommand func(ctx context.Context, command, cwd string)
}

// ContentType classifies one piece of a tool result.
type ContentType string

const (
	ContentText          ContentType = "text"
	ContentJSON          ContentType = "json"
	ContentCommandOutput ContentType = "command_output"
	ContentFile          ContentType = "file"
	ContentError         ContentType = "error"
)

// ContentItem is one entry in a tool result.
type ContentItem struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	Data any         `json:"data,omitempty"`
}

// Result is the unified return type from tool execution.
type Result struct {
	Content         []ContentItem  `json:"content"`
	IsError         bool           `json:"is_error"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	ExtInfo         map[string]any `json:"ext_info,omitempty"`
}

// TextResult builds a plain text result.
func TextResult(text string) *Result {
	return &Result{Content: []ContentItem{{Type: ContentText, Text: text}}}
}

// JSONResult builds a structured result.
func JSONResult(data any) *Result {
	return &Result{Content: []ContentItem{{Type: ContentJSON, Data: data}}}
}

// ErrorResult builds an error result for the LLM (not a Go error: the loop
// continues and the model sees the failure).
func ErrorResult(message string) *Result {
	return &Result{Content: []ContentItem{{Type: ContentError, Text: message}}, IsError: true}
}

// ForLLM flattens the result into the text fed back to the model.
func (r *Result) ForLLM() string {
	var out string
	for _, item := range r.Content {
		if out != "" {
			out += "\n"
		}
		if item.Text != "" {
			out += item.Text
		}
	}
	return out
}

// Tool is one callable function exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the arguments object.
	Parameters() map[string]any
	Permissions() []Permission
	Run(ctx context.Context, tc *TaskContext, args map[string]any) (*Result, error)
}

// timed wraps a tool run with wall-clock measurement.
func timed(fn func() (*Result, error)) (*Result, error) {
	start := time.Now()
	result, err := fn()
	if result != nil {
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
	}
	return result, err
}
