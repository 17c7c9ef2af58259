package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	dim      atomic.Int64
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	p := &APIProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   cfg.httpClient(),
	}
	p.dim.Store(int64(cfg.Dimension))
	return p
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts to {endpoint}/embeddings. Results are reordered by the
// index field the API reports.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var header http.Header
	if p.apiKey != "" {
		header = http.Header{"Authorization": {"Bearer " + p.apiKey}}
	}

	var result apiResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/embeddings", header, apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}

	sort.SliceStable(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	embeddings := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		embeddings[i] = d.Embedding
	}
	if len(embeddings) > 0 && len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("embedding: model %s returned an empty vector", p.model)
	}
	if len(embeddings) > 0 {
		p.dim.Store(int64(len(embeddings[0])))
	}
	return embeddings, nil
}

// Dimension returns the width of the last result, or the configured default.
func (p *APIProvider) Dimension() int { return int(p.dim.Load()) }
