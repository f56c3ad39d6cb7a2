package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skywang16/orbitx/internal/providers"
	"github.com/skywang16/orbitx/internal/storage"
)

// Compaction defaults; deployments may override via SummarizerConfig.
const (
	defaultCompressionThreshold = 0.85
	defaultSummaryMaxTokens     = 512
	defaultRecentMessagesToKeep = 3
	fallbackHeader              = "Failed to compress via LLM. Retained leading context:"
	fallbackMaxChars            = 2000
)

const summarySystemPrompt = `You are a conversation summarizer. Produce a concise summary of the conversation so far that preserves: the user's goals, key decisions, important file paths and code identifiers, unresolved questions, and any constraints stated. Write plain prose, no preamble.`

// estimateTokens uses the fixed ceil(len/4) heuristic shared across the
// backend.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func estimateMessagesTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + 16
		}
	}
	return total
}

// SummarizerConfig parameterizes compaction.
type SummarizerConfig struct {
	CompressionThreshold float64
	SummaryMaxTokens     int
	RecentMessagesToKeep int
}

func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		CompressionThreshold: defaultCompressionThreshold,
		SummaryMaxTokens:     defaultSummaryMaxTokens,
		RecentMessagesToKeep: defaultRecentMessagesToKeep,
	}
}

// SummaryOutcome reports one compaction run.
type SummaryOutcome struct {
	Summary        string
	SummaryTokens  int
	MessagesBefore int
	TokensSaved    int
	UsedFallback   bool
}

// Summarizer compacts a conversation's message prefix into an LLM-generated
// summary, falling back to a deterministic sliding window when the LLM path
// fails. The resulting ConversationSummary row is upserted either way.
type Summarizer struct {
	cfg       SummarizerConfig
	summaries *storage.ConversationSummaryRepo
}

func NewSummarizer(cfg SummarizerConfig, summaries *storage.ConversationSummaryRepo) *Summarizer {
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThreshold
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = defaultSummaryMaxTokens
	}
	if cfg.RecentMessagesToKeep <= 0 {
		cfg.RecentMessagesToKeep = defaultRecentMessagesToKeep
	}
	return &Summarizer{cfg: cfg, summaries: summaries}
}

// ShouldCompress reports whether the context is close enough to the window
// to trigger compaction.
func (s *Summarizer) ShouldCompress(messages []providers.Message, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(estimateMessagesTokens(messages)) >= s.cfg.CompressionThreshold*float64(contextWindow)
}

// splitMessages separates the summarization scope from the recent tail.
func (s *Summarizer) splitMessages(messages []providers.Message) (scope, tail []providers.Message) {
	keep := s.cfg.RecentMessagesToKeep
	if len(messages) <= keep {
		return nil, messages
	}
	return messages[:len(messages)-keep], messages[len(messages)-keep:]
}

// Summarize compacts messages for a conversation and persists the result.
// The LLM path must strictly shrink the context; anything else (call error,
// empty content, insufficient compression) falls back to the sliding window.
func (s *Summarizer) Summarize(ctx context.Context, provider providers.Provider, model string, conversationID int64, messages []providers.Message) (*SummaryOutcome, error) {
	scope, tail := s.splitMessages(messages)
	if len(scope) == 0 {
		return nil, nil
	}
	preTokens := estimateMessagesTokens(messages)

	outcome, err := s.summarizeViaLLM(ctx, provider, model, scope, tail, preTokens)
	if err != nil {
		slog.Warn("conversation summarization failed, using sliding window",
			"conversation", conversationID, "error", err)
		outcome = s.fallback(scope, preTokens)
	}

	if err := s.summaries.Upsert(ctx, &storage.ConversationSummary{
		ConversationID: conversationID,
		SummaryText:    outcome.Summary,
		SummaryTokens:  outcome.SummaryTokens,
		MessagesBefore: outcome.MessagesBefore,
		TokensSaved:    outcome.TokensSaved,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Summarizer) summarizeViaLLM(ctx context.Context, provider providers.Provider, model string, scope, tail []providers.Message, preTokens int) (*SummaryOutcome, error) {
	var history strings.Builder
	for _, m := range scope {
		fmt.Fprintf(&history, "[%s] %s\n\n", m.Role, strings.TrimSpace(m.Content))
	}

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: "Summarize this conversation:\n\n" + history.String()},
		},
		Options: map[string]any{
			providers.OptTemperature: 0.3,
			providers.OptMaxTokens:   s.cfg.SummaryMaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary llm call: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return nil, fmt.Errorf("llm summary is empty")
	}

	summaryTokens := estimateTokens(summary)
	if resp.Usage != nil && resp.Usage.CompletionTokens > 0 {
		summaryTokens = resp.Usage.CompletionTokens
	}
	recentTokens := estimateMessagesTokens(tail)

	// The compacted context must be strictly smaller than the original.
	if summaryTokens+recentTokens >= preTokens {
		return nil, fmt.Errorf("summary did not shrink context: %d+%d >= %d", summaryTokens, recentTokens, preTokens)
	}

	return &SummaryOutcome{
		Summary:        summary,
		SummaryTokens:  summaryTokens,
		MessagesBefore: len(scope),
		TokensSaved:    preTokens - summaryTokens - recentTokens,
	}, nil
}

// fallback retains the leading pre-tail messages as a truncated text header.
func (s *Summarizer) fallback(scope []providers.Message, preTokens int) *SummaryOutcome {
	var text strings.Builder
	limit := s.cfg.RecentMessagesToKeep * 4
	for i, m := range scope {
		if i >= limit {
			break
		}
		fmt.Fprintf(&text, "[%s] %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	body := text.String()
	if len(body) > fallbackMaxChars {
		body = body[:fallbackMaxChars] + "... (truncated)\n"
	}

	return &SummaryOutcome{
		Summary:        fallbackHeader + "\n" + body,
		SummaryTokens:  estimateTokens(body),
		MessagesBefore: len(scope),
		TokensSaved:    0,
		UsedFallback:   true,
	}
}
