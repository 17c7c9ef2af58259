package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashDimension = 256

// HashProvider is a deterministic bag-of-words embedder: every lower-cased
// token increments the bucket its FNV-1a hash falls into. It needs no model
// and is used for offline development and tests. Vectors are not normalized
// here; the Gateway does that.
type HashProvider struct {
	dim int
}

// NewHashProvider returns a HashProvider of the given width (256 if <= 0).
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &HashProvider{dim: dim}
}

// Embed never fails except on a cancelled context.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, p.dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[h.Sum32()%uint32(p.dim)]++
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the configured width.
func (p *HashProvider) Dimension() int { return p.dim }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
