package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"go.uber.org/zap"
)

// Gateway is the Provider callers use. It validates input, splits it into
// provider-sized batches, L2-normalizes every vector and maps provider
// failures to memory.ErrEmbeddingUnavailable.
type Gateway struct {
	inner     Provider
	batchSize int
	logger    *zap.Logger
}

// NewGateway wraps inner. batchSize <= 0 means DefaultBatchSize.
func NewGateway(inner Provider, batchSize int, logger *zap.Logger) *Gateway {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Gateway{inner: inner, batchSize: batchSize, logger: logger}
}

// Embed returns one normalized vector per text, in input order.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed: no texts: %w", memory.ErrInvalidArgument)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := texts[start:end]

		vecs, err := g.inner.Embed(ctx, batch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, memory.ErrEmbeddingUnavailable) {
				return nil, err
			}
			g.logger.Warn("embedding batch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts",
				memory.ErrEmbeddingUnavailable, len(vecs), len(batch))
		}
		for _, v := range vecs {
			out = append(out, Normalize(v))
		}
	}
	return out, nil
}

// Dimension delegates to the wrapped provider.
func (g *Gateway) Dimension() int { return g.inner.Dimension() }

// Normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 when the widths
// differ or either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
