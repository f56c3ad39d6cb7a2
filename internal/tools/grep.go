package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// grep limits keep pathological patterns from flooding the context window.
const (
	grepMaxMatches    = 200
	grepMaxLineLength = 500
	grepMaxFileSize   = 1 << 20
)

var grepIgnoredDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "dist": true,
	"build": true, ".oxi": true, "vendor": true,
}

// GrepSearchTool searches workspace files with a regular expression.
type GrepSearchTool struct{}

func (GrepSearchTool) Name() string { return "grep_search" }
func (GrepSearchTool) Description() string {
	return "Search workspace files for a regular expression. Returns matching lines as path:line:text, capped at 200 matches."
}
func (GrepSearchTool) Permissions() []Permission { return []Permission{PermFileSystem} }

func (GrepSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern":      map[string]any{"type": "string", "description": "Go regular expression"},
			"glob":         map[string]any{"type": "string", "description": "Optional file name glob, e.g. *.go"},
			"ignore_case":  map[string]any{"type": "boolean"},
		},
		"required": []any{"pattern"},
	}
}

func (GrepSearchTool) Run(ctx context.Context, tc *TaskContext, args map[string]any) (*Result, error) {
	pattern := stringArg(args, "pattern")
	if ignoreCase, _ := args["ignore_case"].(bool); ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err)), nil
	}
	glob := stringArg(args, "glob")

	var matches []string
	truncated := false
	err = filepath.WalkDir(tc.Workspace, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if grepIgnoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > grepMaxFileSize {
			return nil
		}

		rel, err := filepath.Rel(tc.Workspace, path)
		if err != nil {
			return nil
		}
		found, tr := grepFile(path, rel, re, grepMaxMatches-len(matches))
		matches = append(matches, found...)
		if tr || len(matches) >= grepMaxMatches {
			truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && err != context.Canceled {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	if len(matches) == 0 {
		return TextResult("no matches"), nil
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... truncated at %d matches", grepMaxMatches)
	}
	return TextResult(out), nil
}

func grepFile(path, rel string, re *regexp.Regexp, budget int) ([]string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(line) > grepMaxLineLength {
			line = line[:grepMaxLineLength] + "..."
		}
		matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, lineNo, line))
		if len(matches) >= budget {
			return matches, true
		}
	}
	return matches, false
}
