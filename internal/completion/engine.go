package completion

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// EngineConfig tunes the provider fan-out.
type EngineConfig struct {
	MaxResults      int
	ProviderTimeout time.Duration
	MaxRetries      int
	RetryInterval   time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxResults:      50,
		ProviderTimeout: 500 * time.Millisecond,
		MaxRetries:      2,
		RetryInterval:   100 * time.Millisecond,
	}
}

// Engine dispatches to providers in priority order, aggregates their items,
// dedupes by text keeping the highest score, and ranks by score desc then
// text asc.
type Engine struct {
	providers []Provider
	cfg       EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{cfg: cfg}
}

// AddProvider registers a provider, keeping the list sorted by priority
// (highest first).
func (e *Engine) AddProvider(p Provider) {
	e.providers = append(e.providers, p)
	sort.SliceStable(e.providers, func(i, j int) bool {
		return e.providers[i].Priority() > e.providers[j].Priority()
	})
}

// ProviderCount returns the number of registered providers.
func (e *Engine) ProviderCount() int { return len(e.providers) }

// Complete runs all applicable providers and returns the ranked result.
// An empty context yields an empty result, never an error.
func (e *Engine) Complete(ctx context.Context, c Context) (*Response, error) {
	resp := &Response{ReplaceStart: c.WordStart, ReplaceEnd: c.CursorPosition, Items: []Item{}}
	if c.Input == "" {
		return resp, nil
	}

	var all []Item
	for _, provider := range e.providers {
		if !provider.ShouldProvide(c) {
			continue
		}
		items, err := e.runProvider(ctx, provider, c)
		if err != nil {
			slog.Debug("completion provider failed", "provider", provider.Name(), "error", err)
			continue
		}
		all = append(all, items...)
	}

	deduped := dedupeAndSort(all)
	resp.HasMore = len(deduped) > e.cfg.MaxResults
	if len(deduped) > e.cfg.MaxResults {
		deduped = deduped[:e.cfg.MaxResults]
	}
	resp.Items = deduped
	return resp, nil
}

// runProvider applies the per-call timeout and bounded retries.
func (e *Engine) runProvider(ctx context.Context, provider Provider, c Context) ([]Item, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		items, err := provider.Provide(callCtx, c)
		cancel()
		if err == nil {
			return items, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < e.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryInterval):
			}
		}
	}
	return nil, lastErr
}

// dedupeAndSort keeps the highest score per text and orders by score desc,
// text asc. Aggregation is idempotent over duplicate items.
func dedupeAndSort(items []Item) []Item {
	best := make(map[string]Item, len(items))
	for _, item := range items {
		if existing, ok := best[item.Text]; !ok || item.Score > existing.Score {
			best[item.Text] = item
		}
	}
	out := make([]Item, 0, len(best))
	for _, item := range best {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Text < out[j].Text
	})
	return out
}
