package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/policy"
	"go.uber.org/zap"
)

// Indexer embeds text and writes it to a Store. It is the text-level API
// over the vector-level Store.
type Indexer struct {
	store    Store
	embedder embedding.Provider
	locks    *keyedMutex
	logger   *zap.Logger
	now      func() time.Time
}

// NewIndexer creates an Indexer over store using embedder.
func NewIndexer(store Store, embedder embedding.Provider, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		locks:    newKeyedMutex(),
		logger:   logger,
		now:      time.Now,
	}
}

// Store returns the underlying backend.
func (ix *Indexer) Store() Store { return ix.store }

// Upsert embeds rec.Text and writes the record with its vector, returning
// the record id. A missing id is generated, a missing kind becomes note and
// a missing hash is computed from the text. Writes to the same id are
// serialized; the last to finish wins.
func (ix *Indexer) Upsert(ctx context.Context, rec memory.Record) (string, error) {
	if strings.TrimSpace(rec.Text) == "" {
		return "", fmt.Errorf("upsert: empty text: %w", memory.ErrInvalidArgument)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = memory.KindNote
	}
	if rec.Hash == "" {
		rec.Hash = policy.ComputeHash(rec.Text)
	}

	unlock := ix.locks.Lock(rec.ID)
	defer unlock()

	vecs, err := ix.embedder.Embed(ctx, []string{rec.Text})
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", rec.ID, err)
	}

	now := ix.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := ix.store.Upsert(ctx, rec, vecs[0]); err != nil {
		return "", fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	ix.logger.Debug("memory indexed",
		zap.String("id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.Int("dim", len(vecs[0])))
	return rec.ID, nil
}

// Search embeds query and returns the topK most similar memories.
func (ix *Indexer) Search(ctx context.Context, query string, topK int, filter memory.Filter) ([]memory.Hit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("search: top_k must be positive, got %d: %w", topK, memory.ErrInvalidArgument)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query: %w", memory.ErrInvalidArgument)
	}

	vecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits, err := ix.store.Search(ctx, vecs[0], topK, filter)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}
