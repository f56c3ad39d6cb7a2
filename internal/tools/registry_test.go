package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// echoTool is a trivial tool for registry tests.
type echoTool struct {
	perms []Permission
}

func (e echoTool) Name() string              { return "echo" }
func (e echoTool) Description() string       { return "Echo the message back." }
func (e echoTool) Permissions() []Permission { return e.perms }
func (e echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []any{"message"},
	}
}
func (e echoTool) Run(_ context.Context, _ *TaskContext, args map[string]any) (*Result, error) {
	return TextResult(args["message"].(string)), nil
}

func TestRegistry_ExecuteValidArgs(t *testing.T) {
	r := NewRegistry(PermFileSystem)
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Execute(context.Background(), &TaskContext{}, "echo", map[string]any{"message": "hi"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.ForLLM())
	}
	if result.ForLLM() != "hi" {
		t.Errorf("result = %q", result.ForLLM())
	}
	if result.ExecutionTimeMS < 0 {
		t.Error("execution time not recorded")
	}
}

func TestRegistry_SchemaValidationRejectsBadArgs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"message": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Execute(context.Background(), &TaskContext{}, "echo", tt.args)
			if !result.IsError {
				t.Errorf("invalid args should produce an error result")
			}
		})
	}
}

func TestRegistry_PermissionEnforced(t *testing.T) {
	r := NewRegistry() // nothing granted
	if err := r.Register(echoTool{perms: []Permission{PermNetwork}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Execute(context.Background(), &TaskContext{}, "echo", map[string]any{"message": "hi"})
	if !result.IsError {
		t.Fatal("missing permission should produce an error result")
	}
	if !strings.Contains(result.ForLLM(), "permission") {
		t.Errorf("result = %q", result.ForLLM())
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), &TaskContext{}, "nope", nil)
	if !result.IsError {
		t.Fatal("unknown tool should produce an error result")
	}
}

func TestRegistry_ProviderDefsSorted(t *testing.T) {
	r := NewRegistry(PermFileSystem)
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(GrepSearchTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	defs := r.ProviderDefs()
	if len(defs) != 2 {
		t.Fatalf("defs = %d", len(defs))
	}
	if defs[0].Function.Name > defs[1].Function.Name {
		t.Error("definitions not sorted")
	}
}

func TestFilesystemTools_ReadWriteInsert(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	var snapshots []string
	tc := &TaskContext{
		TaskID:    "t1",
		Workspace: ws,
		Snapshot: func(_ context.Context, label string) error {
			snapshots = append(snapshots, label)
			return nil
		},
	}

	write := WriteFileTool{}
	result, err := write.Run(ctx, tc, map[string]any{"path": "notes.txt", "content": "line1\nline2"})
	if err != nil || result.IsError {
		t.Fatalf("write: %v %s", err, result.ForLLM())
	}
	if len(snapshots) != 1 {
		t.Errorf("write should snapshot first, got %v", snapshots)
	}

	insert := InsertContentTool{}
	result, err = insert.Run(ctx, tc, map[string]any{"path": "notes.txt", "line": float64(2), "content": "inserted"})
	if err != nil || result.IsError {
		t.Fatalf("insert: %v %s", err, result.ForLLM())
	}

	read := ReadFileTool{}
	result, err = read.Run(ctx, tc, map[string]any{"path": "notes.txt"})
	if err != nil || result.IsError {
		t.Fatalf("read: %v %s", err, result.ForLLM())
	}
	if result.ForLLM() != "line1\ninserted\nline2" {
		t.Errorf("content = %q", result.ForLLM())
	}

	// Line-range read.
	result, err = read.Run(ctx, tc, map[string]any{"path": "notes.txt", "start_line": float64(2), "end_line": float64(2)})
	if err != nil || result.IsError {
		t.Fatalf("ranged read: %v", err)
	}
	if result.ForLLM() != "inserted" {
		t.Errorf("ranged content = %q", result.ForLLM())
	}
}

func TestFilesystemTools_WorkspaceEscapeRejected(t *testing.T) {
	ctx := context.Background()
	tc := &TaskContext{TaskID: "t1", Workspace: t.TempDir()}

	for _, path := range []string{"../outside.txt", "/etc/passwd"} {
		result, err := ReadFileTool{}.Run(ctx, tc, map[string]any{"path": path})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !result.IsError {
			t.Errorf("path %q should be rejected", path)
		}
	}
}

func TestGrepSearchTool(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.go"), []byte("package a\nfunc Needle() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".git", "b.go"), []byte("Needle here too\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tc := &TaskContext{TaskID: "t1", Workspace: ws}

	result, err := GrepSearchTool{}.Run(ctx, tc, map[string]any{"pattern": "Needle"})
	if err != nil || result.IsError {
		t.Fatalf("grep: %v %s", err, result.ForLLM())
	}
	out := result.ForLLM()
	if !strings.Contains(out, "a.go:2:") {
		t.Errorf("match missing: %q", out)
	}
	if strings.Contains(out, ".git") {
		t.Errorf(".git should be ignored: %q", out)
	}

	result, err = GrepSearchTool{}.Run(ctx, tc, map[string]any{"pattern": "nothinghere"})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if result.ForLLM() != "no matches" {
		t.Errorf("empty result = %q", result.ForLLM())
	}

	result, err = GrepSearchTool{}.Run(ctx, tc, map[string]any{"pattern": "("})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if !result.IsError {
		t.Error("invalid regex should produce an error result")
	}
}

func TestTodoWriteTool(t *testing.T) {
	ctx := context.Background()
	tool := NewTodoWriteTool()
	tc := &TaskContext{TaskID: "t1"}

	result, err := tool.Run(ctx, tc, map[string]any{
		"todos": []any{
			map[string]any{"id": "1", "content": "read files", "status": "completed"},
			map[string]any{"id": "2", "content": "write fix", "status": "in_progress"},
		},
	})
	if err != nil || result.IsError {
		t.Fatalf("run: %v %s", err, result.ForLLM())
	}
	items := tool.Get("t1")
	if len(items) != 2 || items[0].Status != "completed" {
		t.Errorf("items = %#v", items)
	}

	tool.Clear("t1")
	if len(tool.Get("t1")) != 0 {
		t.Error("clear should drop the list")
	}
}
