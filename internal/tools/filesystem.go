package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveWorkspacePath joins a user-supplied relative path against the task
// workspace and rejects escapes.
func resolveWorkspacePath(tc *TaskContext, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be workspace-relative: %s", rel)
	}
	full := filepath.Clean(filepath.Join(tc.Workspace, rel))
	root := filepath.Clean(tc.Workspace)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return full, nil
}

// ReadFileTool reads a workspace file, optionally a line range.
type ReadFileTool struct{}

func (ReadFileTool) Name() string { return "read_file" }
func (ReadFileTool) Description() string {
	return "Read a file from the workspace. Supports an optional line range via start_line/end_line (1-based, inclusive)."
}
func (ReadFileTool) Permissions() []Permission { return []Permission{PermFileSystem} }

func (ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "Workspace-relative file path"},
			"start_line": map[string]any{"type": "integer", "minimum": 1},
			"end_line":   map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []any{"path"},
	}
}

func (ReadFileTool) Run(_ context.Context, tc *TaskContext, args map[string]any) (*Result, error) {
	path, err := resolveWorkspacePath(tc, stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", stringArg(args, "path"), err)), nil
	}

	content := string(data)
	start, hasStart := intArg(args, "start_line")
	end, hasEnd := intArg(args, "end_line")
	if hasStart || hasEnd {
		lines := strings.Split(content, "\n")
		if !hasStart || start < 1 {
			start = 1
		}
		if !hasEnd || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) || start > end {
			return ErrorResult(fmt.Sprintf("line range %d-%d out of bounds (%d lines)", start, end, len(lines))), nil
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return TextResult(content), nil
}

// WriteFileTool writes a workspace file, snapshotting first.
type WriteFileTool struct{}

func (WriteFileTool) Name() string { return "write_file" }
func (WriteFileTool) Description() string {
	return "Create or overwrite a file in the workspace with the given content."
}
func (WriteFileTool) Permissions() []Permission { return []Permission{PermFileSystem} }

func (WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Workspace-relative file path"},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"path", "content"},
	}
}

func (WriteFileTool) Run(ctx context.Context, tc *TaskContext, args map[string]any) (*Result, error) {
	rel := stringArg(args, "path")
	path, err := resolveWorkspacePath(tc, rel)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if tc.Snapshot != nil {
		if err := tc.Snapshot(ctx, "before write_file "+rel); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create directory for %s: %v", rel, err)), nil
	}
	content := stringArg(args, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", rel, err)), nil
	}
	return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(content), rel)), nil
}

// InsertContentTool inserts lines at a position in an existing file.
type InsertContentTool struct{}

func (InsertContentTool) Name() string { return "insert_content" }
func (InsertContentTool) Description() string {
	return "Insert content into an existing file at a 1-based line number. Line 0 appends at the end."
}
func (InsertContentTool) Permissions() []Permission { return []Permission{PermFileSystem} }

func (InsertContentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"line":    map[string]any{"type": "integer", "minimum": 0},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"path", "line", "content"},
	}
}

func (InsertContentTool) Run(ctx context.Context, tc *TaskContext, args map[string]any) (*Result, error) {
	rel := stringArg(args, "path")
	path, err := resolveWorkspacePath(tc, rel)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", rel, err)), nil
	}
	if tc.Snapshot != nil {
		if err := tc.Snapshot(ctx, "before insert_content "+rel); err != nil {
			return nil, err
		}
	}

	line, _ := intArg(args, "line")
	content := stringArg(args, "content")
	lines := strings.Split(string(data), "\n")

	var out []string
	switch {
	case line == 0 || line > len(lines):
		out = append(lines, strings.Split(content, "\n")...)
	default:
		out = append(out, lines[:line-1]...)
		out = append(out, strings.Split(content, "\n")...)
		out = append(out, lines[line-1:]...)
	}
	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", rel, err)), nil
	}
	return TextResult(fmt.Sprintf("inserted %d lines into %s", strings.Count(content, "\n")+1, rel)), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
