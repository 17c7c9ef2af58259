package embedding

import (
	"context"
	"net/http"
	"sync/atomic"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings API.
// Ollama embeds one prompt per request.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client
	dim      atomic.Int64
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	p := &LocalProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   cfg.httpClient(),
	}
	p.dim.Store(int64(cfg.Dimension))
	return p
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends each text to {endpoint}/api/embeddings in turn.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		if err := postJSON(ctx, p.client, p.endpoint+"/api/embeddings", nil, localRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}

	if len(embeddings[0]) > 0 {
		p.dim.Store(int64(len(embeddings[0])))
	}
	return embeddings, nil
}

// Dimension returns the width of the last result, or the configured default.
func (p *LocalProvider) Dimension() int { return int(p.dim.Load()) }
