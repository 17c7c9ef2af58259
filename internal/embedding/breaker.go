package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
)

// Breaker fails fast while the wrapped provider is down.
type Breaker struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker[[][]float32]
}

// NewBreaker wraps inner with a circuit breaker configured from cfg.
func NewBreaker(inner Provider, cfg Config, logger *zap.Logger) *Breaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:        "embedding:" + cfg.Provider,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// A caller giving up says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

// Embed routes the call through the breaker.
func (b *Breaker) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := b.cb.Execute(func() ([][]float32, error) {
		return b.inner.Embed(ctx, texts)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open: %v", memory.ErrEmbeddingUnavailable, err)
	}
	return vecs, err
}

// Dimension delegates to the wrapped provider.
func (b *Breaker) Dimension() int { return b.inner.Dimension() }

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
