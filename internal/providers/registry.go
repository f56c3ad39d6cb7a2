package providers

import (
	"context"
	"sync"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/storage"
)

// Registry resolves configured AIModel rows into live providers. API keys
// are decrypted by the repository; built providers are cached until the
// model row changes.
type Registry struct {
	models *storage.AIModelRepo

	mu    sync.Mutex
	cache map[string]cachedProvider
}

type cachedProvider struct {
	provider      Provider
	contextWindow int
	updatedAt     int64
}

func NewRegistry(models *storage.AIModelRepo) *Registry {
	return &Registry{models: models, cache: make(map[string]cachedProvider)}
}

// Resolve returns the provider and context window for a model id. An empty
// id resolves the default model.
func (r *Registry) Resolve(ctx context.Context, modelID string) (Provider, int, error) {
	var m *storage.AIModel
	var err error
	if modelID == "" {
		m, err = r.models.FindDefault(ctx)
	} else {
		m, err = r.models.FindByID(ctx, modelID)
	}
	if err != nil {
		return nil, 0, err
	}
	if !m.Enabled {
		return nil, 0, errdef.New(errdef.KindValidation, "model %s is disabled", m.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[m.ID]; ok && cached.updatedAt == m.UpdatedAt.Unix() {
		return cached.provider, cached.contextWindow, nil
	}

	provider, err := buildProvider(m)
	if err != nil {
		return nil, 0, err
	}
	r.cache[m.ID] = cachedProvider{
		provider:      provider,
		contextWindow: m.ContextWindow,
		updatedAt:     m.UpdatedAt.Unix(),
	}
	return provider, m.ContextWindow, nil
}

// Prime injects a prebuilt provider for a model id, bypassing construction.
// The registry serves it for as long as the model row's updated_at matches.
func (r *Registry) Prime(modelID string, p Provider, contextWindow int) {
	m, err := r.models.FindByID(context.Background(), modelID)
	updatedAt := int64(0)
	if err == nil {
		updatedAt = m.UpdatedAt.Unix()
	}
	r.mu.Lock()
	r.cache[modelID] = cachedProvider{provider: p, contextWindow: contextWindow, updatedAt: updatedAt}
	r.mu.Unlock()
}

// Invalidate drops one cached provider (after a model row update).
func (r *Registry) Invalidate(modelID string) {
	r.mu.Lock()
	delete(r.cache, modelID)
	r.mu.Unlock()
}

func buildProvider(m *storage.AIModel) (Provider, error) {
	switch m.Provider {
	case "anthropic":
		return NewAnthropicProvider(m.APIKey,
			WithAnthropicModel(m.ModelName),
			WithAnthropicBaseURL(m.APIURL),
		), nil
	case "openai":
		return NewOpenAIProvider(m.APIKey,
			WithOpenAIModel(m.ModelName),
			WithOpenAIBaseURL(m.APIURL),
		), nil
	default:
		// Unknown providers with an OpenAI-compatible endpoint still work.
		if m.APIURL != "" {
			return NewOpenAIProvider(m.APIKey,
				WithOpenAIModel(m.ModelName),
				WithOpenAIBaseURL(m.APIURL),
				WithOpenAIProviderName(m.Provider),
			), nil
		}
		return nil, errdef.New(errdef.KindValidation, "unsupported provider %q", m.Provider)
	}
}
