// Package vectorstore persists memories with their embeddings and serves
// exact cosine top-K search over them.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Store is a backend holding records and their vectors. Implementations
// write a record and its vector as one unit, order search results by
// descending score with ties in first-insertion order, and wrap I/O
// failures in memory.ErrStoreUnavailable.
type Store interface {
	// Upsert inserts or fully replaces the record with rec.ID.
	Upsert(ctx context.Context, rec memory.Record, vector []float32) error
	// Search returns at most topK hits whose kind passes filter.
	Search(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Hit, error)
	// Get returns memory.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (memory.Record, error)
	// FindByHash returns the id of some record with the given hash other
	// than excludeID, or "" when there is none.
	FindByHash(ctx context.Context, hash, excludeID string) (string, error)
	Counts(ctx context.Context) (memory.Counts, error)
	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, memory.ErrStoreUnavailable, err)
}
