package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/pgvector/pgvector-go"
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, memory.ErrStoreUnavailable, err)
}

// Upsert writes the memory row and its embedding row in one transaction.
// created_at and seq of an existing row are kept.
func (s *Store) Upsert(ctx context.Context, rec memory.Record, vector []float32) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return unavailable("postgres begin", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO memories (id, kind, source, text, hash, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			source = EXCLUDED.source,
			text = EXCLUDED.text,
			hash = EXCLUDED.hash,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, string(rec.Kind), rec.Source, rec.Text, rec.Hash, meta, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return unavailable("save memory "+rec.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_embeddings (memory_id, embedding) VALUES ($1, $2)
		ON CONFLICT (memory_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		rec.ID, pgvector.NewVector(vector),
	)
	if err != nil {
		return unavailable("save embedding "+rec.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit memory "+rec.ID, err)
	}
	return nil
}

const selectMemory = `
	SELECT m.id, m.kind, m.source, m.text, m.hash, m.metadata, m.created_at, m.updated_at`

// Search orders by cosine distance, then by insertion sequence.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Hit, error) {
	rows, err := s.db.Query(ctx, selectMemory+`, 1 - (e.embedding <=> $1) AS score
		FROM memories m
		JOIN memory_embeddings e ON e.memory_id = m.id
		WHERE cardinality($2::text[]) = 0 OR m.kind = ANY($2)
		ORDER BY e.embedding <=> $1, m.seq
		LIMIT $3`,
		pgvector.NewVector(vector), filter.KindStrings(), topK,
	)
	if err != nil {
		return nil, unavailable("search memories", err)
	}
	defer rows.Close()

	var hits []memory.Hit
	for rows.Next() {
		var h memory.Hit
		rec, err := scanMemory(rows, &h.Score)
		if err != nil {
			return nil, unavailable("scan memory", err)
		}
		h.Record = rec
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search memories", err)
	}
	return hits, nil
}

// Get retrieves a single memory by ID.
func (s *Store) Get(ctx context.Context, id string) (memory.Record, error) {
	row := s.db.QueryRow(ctx, selectMemory+` FROM memories m WHERE m.id = $1`, id)
	rec, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Record{}, fmt.Errorf("get memory %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Record{}, unavailable("get memory "+id, err)
	}
	return rec, nil
}

// FindByHash returns the oldest memory carrying hash, other than excludeID.
func (s *Store) FindByHash(ctx context.Context, hash, excludeID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT id FROM memories WHERE hash = $1 AND id <> $2 ORDER BY seq LIMIT 1`,
		hash, excludeID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("find memory by hash", err)
	}
	return id, nil
}

// Counts returns total and embedded memory counts.
func (s *Store) Counts(ctx context.Context) (memory.Counts, error) {
	var total, embedded int64
	err := s.db.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM memories),
		       (SELECT count(*) FROM memories m JOIN memory_embeddings e ON e.memory_id = m.id)`,
	).Scan(&total, &embedded)
	if err != nil {
		return memory.Counts{}, unavailable("count memories", err)
	}
	return memory.Counts{Total: int(total), Embedded: int(embedded)}, nil
}

func scanMemory(row pgx.Row, extra ...any) (memory.Record, error) {
	var (
		rec  memory.Record
		kind string
		meta []byte
	)
	dest := append([]any{&rec.ID, &kind, &rec.Source, &rec.Text, &rec.Hash, &meta, &rec.CreatedAt, &rec.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return memory.Record{}, err
	}
	rec.Kind = memory.Kind(kind)
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return memory.Record{}, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
	}
	return rec, nil
}
