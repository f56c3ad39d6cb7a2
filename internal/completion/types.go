// Package completion composes independent suggestion providers behind a
// single ranked completion API for the terminal input line.
package completion

import (
	"context"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Context describes one completion request from the input line.
type Context struct {
	Input            string `json:"input"`
	CursorPosition   int    `json:"cursor_position"`
	WordStart        int    `json:"word_start"`
	CurrentWord      string `json:"current_word"`
	WorkingDirectory string `json:"working_directory"`
}

// NewContext derives word boundaries from the input and cursor.
func NewContext(input string, cursor int, workingDirectory string) Context {
	if cursor > len(input) {
		cursor = len(input)
	}
	wordStart := cursor
	for wordStart > 0 && input[wordStart-1] != ' ' && input[wordStart-1] != '\t' {
		wordStart--
	}
	return Context{
		Input:            input,
		CursorPosition:   cursor,
		WordStart:        wordStart,
		CurrentWord:      input[wordStart:cursor],
		WorkingDirectory: workingDirectory,
	}
}

// FirstWord returns the command token of the input.
func (c Context) FirstWord() string {
	fields := strings.Fields(c.Input)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// IsFirstWord reports whether the cursor is completing the command itself.
func (c Context) IsFirstWord() bool {
	return strings.TrimSpace(c.Input[:c.WordStart]) == ""
}

// maxLabelWidth bounds display labels by terminal cell width.
const maxLabelWidth = 60

// Item is one completion candidate.
type Item struct {
	Text        string  `json:"text"`
	Label       string  `json:"label,omitempty"` // display form; defaults to Text
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
	Source      string  `json:"source"`
}

// DisplayLabel returns the label truncated to the terminal cell budget.
func (i Item) DisplayLabel() string {
	label := i.Label
	if label == "" {
		label = i.Text
	}
	if runewidth.StringWidth(label) <= maxLabelWidth {
		return label
	}
	return runewidth.Truncate(label, maxLabelWidth, "…")
}

// Response is the ranked result set.
type Response struct {
	Items        []Item `json:"items"`
	ReplaceStart int    `json:"replace_start"`
	ReplaceEnd   int    `json:"replace_end"`
	HasMore      bool   `json:"has_more"`
}

// Provider supplies candidates for a context. Implementations are pure
// except the context-aware provider, which reads the output analyzer.
type Provider interface {
	Name() string
	Priority() int
	ShouldProvide(ctx Context) bool
	Provide(ctx context.Context, c Context) ([]Item, error)
}
