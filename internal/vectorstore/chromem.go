package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-memory/internal/memory"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemStore is an in-process store on chromem-go. Nothing survives a
// restart; it backs development setups and tests.
type ChromemStore struct {
	col    *chromem.Collection
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]chromemEntry
	nextSeq int64
}

type chromemEntry struct {
	rec memory.Record
	seq int64
}

// NewChromemStore creates an empty store backed by the named collection.
func NewChromemStore(collection string, logger *zap.Logger) (*ChromemStore, error) {
	db := chromem.NewDB()
	// No embedding func: vectors always come from the gateway.
	col, err := db.CreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", collection, err)
	}
	return &ChromemStore{
		col:     col,
		logger:  logger,
		records: make(map[string]chromemEntry),
	}, nil
}

// Upsert replaces the document and then the record. A failed document
// write leaves both untouched.
func (s *ChromemStore) Upsert(ctx context.Context, rec memory.Record, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: vector,
		Metadata:  map[string]string{"kind": string(rec.Kind), "hash": rec.Hash},
	})
	if err != nil {
		return unavailable("chromem add", err)
	}

	entry, ok := s.records[rec.ID]
	if ok {
		rec.CreatedAt = entry.rec.CreatedAt
	} else {
		s.nextSeq++
		entry.seq = s.nextSeq
	}
	rec.Metadata = rec.Metadata.Clone()
	entry.rec = rec
	s.records[rec.ID] = entry
	return nil
}

// Search queries every document and filters afterwards, so the kind filter
// never shrinks the candidate set below topK.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.col.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := s.col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, unavailable("chromem query", err)
	}

	type scored struct {
		hit memory.Hit
		seq int64
	}
	hits := make([]scored, 0, len(results))
	for _, r := range results {
		entry, ok := s.records[r.ID]
		if !ok || !filter.Match(entry.rec.Kind) {
			continue
		}
		rec := entry.rec
		rec.Metadata = rec.Metadata.Clone()
		hits = append(hits, scored{hit: memory.Hit{Record: rec, Score: float64(r.Similarity)}, seq: entry.seq})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].hit.Score != hits[j].hit.Score {
			return hits[i].hit.Score > hits[j].hit.Score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]memory.Hit, len(hits))
	for i, h := range hits {
		out[i] = h.hit
	}
	return out, nil
}

// Get returns a copy of the stored record.
func (s *ChromemStore) Get(_ context.Context, id string) (memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.records[id]
	if !ok {
		return memory.Record{}, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	rec := entry.rec
	rec.Metadata = rec.Metadata.Clone()
	return rec, nil
}

// FindByHash returns the earliest record with hash other than excludeID.
func (s *ChromemStore) FindByHash(_ context.Context, hash, excludeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found string
		seq   int64
	)
	for id, e := range s.records {
		if id == excludeID || e.rec.Hash != hash {
			continue
		}
		if found == "" || e.seq < seq {
			found, seq = id, e.seq
		}
	}
	return found, nil
}

// Counts compares the record map with the collection.
func (s *ChromemStore) Counts(context.Context) (memory.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memory.Counts{Total: len(s.records), Embedded: s.col.Count()}, nil
}

// Ping always succeeds.
func (s *ChromemStore) Ping(context.Context) error { return nil }

// Close is a no-op; the collection lives in process memory.
func (s *ChromemStore) Close() error { return nil }
