package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/providers"
)

// Registry holds the tools available to the agent. Argument payloads are
// validated against each tool's schema before dispatch, and permissions are
// checked against the granted set.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	granted map[Permission]bool
}

// NewRegistry creates an empty registry granting the given permissions.
func NewRegistry(granted ...Permission) *Registry {
	g := make(map[Permission]bool, len(granted))
	for _, p := range granted {
		g[p] = true
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		granted: g,
	}
}

// Register adds a tool, compiling its parameter schema. Re-registering a
// name replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode schema for tool %s", t.Name())
	}
	schema, err := jsonschema.CompileString(t.Name()+".json", string(raw))
	if err != nil {
		return errdef.Wrap(err, errdef.KindValidation, "compile schema for tool %s", t.Name())
	}

	r.mu.Lock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	r.mu.Unlock()
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs renders all tools as provider tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates and runs one tool call. Validation and permission
// failures come back as error Results so the model can correct itself; a Go
// error returned by the tool itself is also turned into an error Result.
func (r *Registry) Execute(ctx context.Context, tc *TaskContext, name string, args map[string]any) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	for _, perm := range tool.Permissions() {
		if !r.granted[perm] {
			slog.Warn("tool permission denied", "tool", name, "permission", perm)
			return ErrorResult(fmt.Sprintf("tool %s requires permission %s which is not granted", name, perm))
		}
	}

	if schema != nil {
		// Normalize through JSON so the validator sees canonical types.
		raw, err := json.Marshal(args)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
		var normalized any
		if err := json.Unmarshal(raw, &normalized); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
		if err := schema.Validate(normalized); err != nil {
			return ErrorResult(fmt.Sprintf("arguments for %s failed validation: %v", name, err))
		}
	}

	result, err := timed(func() (*Result, error) { return tool.Run(ctx, tc, args) })
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		return ErrorResult(fmt.Sprintf("%s failed: %v", name, err))
	}
	if result == nil {
		result = TextResult("")
	}
	return result
}
