package completion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemProvider completes paths relative to the working directory.
type FilesystemProvider struct{}

func (FilesystemProvider) Name() string  { return "filesystem" }
func (FilesystemProvider) Priority() int { return 40 }

func (FilesystemProvider) ShouldProvide(c Context) bool {
	// Paths make sense as arguments or explicit ./-style tokens.
	return !c.IsFirstWord() || strings.ContainsAny(c.CurrentWord, "/.~")
}

func (FilesystemProvider) Provide(_ context.Context, c Context) ([]Item, error) {
	word := c.CurrentWord
	dir := c.WorkingDirectory
	prefix := word

	if i := strings.LastIndexByte(word, '/'); i >= 0 {
		sub := word[:i+1]
		prefix = word[i+1:]
		if strings.HasPrefix(sub, "/") {
			dir = sub
		} else if strings.HasPrefix(sub, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil
			}
			dir = filepath.Join(home, sub[2:])
		} else {
			dir = filepath.Join(dir, sub)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil // unreadable directory is not an error to the user
	}

	base := word[:len(word)-len(prefix)]
	var items []Item
	for _, entry := range entries {
		name := entry.Name()
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		if prefix == "" && strings.HasPrefix(name, ".") {
			continue
		}
		text := base + name
		score := 50.0
		if entry.IsDir() {
			text += "/"
			score = 55
		}
		items = append(items, Item{Text: text, Score: score, Source: "filesystem"})
	}
	return items, nil
}

// HistorySource feeds the history provider; backed by the storage layer's
// completion_history table.
type HistorySource interface {
	FindByPrefix(ctx context.Context, prefix string, limit int64) ([]HistoryEntry, error)
}

// HistoryEntry is one learned command.
type HistoryEntry struct {
	Command  string
	UseCount int
}

// HistoryProvider suggests previously executed commands.
type HistoryProvider struct {
	source HistorySource
}

func NewHistoryProvider(source HistorySource) *HistoryProvider {
	return &HistoryProvider{source: source}
}

func (*HistoryProvider) Name() string  { return "history" }
func (*HistoryProvider) Priority() int { return 60 }

func (*HistoryProvider) ShouldProvide(c Context) bool {
	return len(strings.TrimSpace(c.Input)) >= 2
}

func (p *HistoryProvider) Provide(ctx context.Context, c Context) ([]Item, error) {
	prefix := strings.TrimSpace(c.Input[:c.CursorPosition])
	entries, err := p.source.FindByPrefix(ctx, prefix, 20)
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, e := range entries {
		score := 70 + float64(e.UseCount)
		if score > 95 {
			score = 95
		}
		items = append(items, Item{Text: e.Command, Score: score, Source: "history"})
	}
	return items, nil
}

// SystemCommandsProvider completes command names from PATH.
type SystemCommandsProvider struct{}

func (SystemCommandsProvider) Name() string  { return "system" }
func (SystemCommandsProvider) Priority() int { return 20 }

func (SystemCommandsProvider) ShouldProvide(c Context) bool {
	return c.IsFirstWord() && c.CurrentWord != ""
}

func (SystemCommandsProvider) Provide(ctx context.Context, c Context) ([]Item, error) {
	seen := make(map[string]bool)
	var items []Item
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if ctx.Err() != nil {
			return items, nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if seen[name] || !strings.HasPrefix(name, c.CurrentWord) {
				continue
			}
			seen[name] = true
			items = append(items, Item{Text: name, Score: 30, Source: "system"})
		}
	}
	return items, nil
}
