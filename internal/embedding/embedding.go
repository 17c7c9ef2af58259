package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "service", "api", "local" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	BatchSize int    `json:"batch_size"`

	Timeout time.Duration `json:"-"`

	// Breaker trips after BreakerFailures consecutive failures and stays
	// open for BreakerTimeout.
	BreakerFailures uint32        `json:"-"`
	BreakerTimeout  time.Duration `json:"-"`

	// CacheSize is the maximum number of cached query vectors. Zero
	// disables the cache.
	CacheSize int64         `json:"-"`
	CacheTTL  time.Duration `json:"-"`
}

const (
	DefaultBatchSize = 32
	defaultTimeout   = 30 * time.Second
)

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// NewProvider returns the raw backend named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "service", "":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedding: service provider needs an endpoint")
		}
		return NewServiceProvider(cfg), nil
	case "api":
		return NewAPIProvider(cfg), nil
	case "local":
		return NewLocalProvider(cfg), nil
	case "hash":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// New builds the full embedding chain for cfg: the raw backend behind a
// circuit breaker, the batching and normalizing Gateway, and the query
// cache when CacheSize > 0. Close releases the cache.
func New(cfg Config, logger *zap.Logger) (Provider, func(), error) {
	raw, err := NewProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	var p Provider = NewGateway(NewBreaker(raw, cfg, logger), cfg.BatchSize, logger)
	if cfg.CacheSize <= 0 {
		return p, func() {}, nil
	}

	cache, err := NewCache(p, cfg.CacheSize, cfg.CacheTTL, logger)
	if err != nil {
		return nil, nil, err
	}
	return cache, cache.Close, nil
}
