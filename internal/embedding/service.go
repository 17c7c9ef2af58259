package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// ServiceProvider talks to a dedicated embedding service:
// POST {endpoint} {"texts": [...]} -> {"vectors": [[...], ...]}.
type ServiceProvider struct {
	endpoint string
	client   *http.Client
	dim      atomic.Int64
}

// NewServiceProvider creates a ServiceProvider from the given Config.
func NewServiceProvider(cfg Config) *ServiceProvider {
	p := &ServiceProvider{endpoint: cfg.Endpoint, client: cfg.httpClient()}
	p.dim.Store(int64(cfg.Dimension))
	return p
}

type serviceRequest struct {
	Texts []string `json:"texts"`
}

type serviceResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Embed sends the whole slice in one request.
func (p *ServiceProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result serviceResponse
	if err := postJSON(ctx, p.client, p.endpoint, nil, serviceRequest{Texts: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Vectors) > 0 {
		p.dim.Store(int64(len(result.Vectors[0])))
	}
	return result.Vectors, nil
}

// Dimension returns the width of the last response, or the configured value
// before the first call.
func (p *ServiceProvider) Dimension() int { return int(p.dim.Load()) }

func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: %s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}
