package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/storage"
)

// httpEmbedder calls an OpenAI-compatible /embeddings endpoint. The vector
// core only sees the Embedder contract; this adapter is host glue.
type httpEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func (e *httpEmbedder) ModelName() string { return e.model }

func (e *httpEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint returned %d", resp.StatusCode)
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	out := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// resolveEmbedder builds the embedding client from the ai config section.
// Indexing without a configured embedding model is a config error, not a
// silent no-op.
func resolveEmbedder(config *storage.ConfigStore) (*httpEmbedder, error) {
	section, err := config.GetSection(storage.SectionAI)
	if err != nil {
		return nil, err
	}
	baseURL, _ := section["embedding_api_url"].(string)
	model, _ := section["embedding_model"].(string)
	apiKey, _ := section["embedding_api_key"].(string)
	if baseURL == "" || model == "" {
		return nil, errdef.New(errdef.KindConfig, "no embedding model configured; set ai.embedding_api_url and ai.embedding_model")
	}
	return &httpEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}
