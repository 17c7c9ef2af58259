package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	hash       TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(hash);
CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);

CREATE TABLE IF NOT EXISTS memory_embeddings (
	memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	dim       INTEGER NOT NULL,
	vector    BLOB NOT NULL
);
`

// SQLiteStore keeps memories in a single SQLite file and scores them in
// process. Suited to a single node with a moderate corpus.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: keeps :memory: databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Info("SQLite memory store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Upsert writes the record and its vector in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, rec memory.Record, vector []float32) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, kind, source, text, hash, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			source = excluded.source,
			text = excluded.text,
			hash = excluded.hash,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.ID, string(rec.Kind), rec.Source, rec.Text, rec.Hash, string(meta),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return unavailable("sqlite upsert memory", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, dim, vector) VALUES (?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET dim = excluded.dim, vector = excluded.vector`,
		rec.ID, len(vector), encodeVector(vector))
	if err != nil {
		return unavailable("sqlite upsert embedding", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("sqlite commit", err)
	}
	return nil
}

const sqliteSelect = `
	SELECT m.id, m.kind, m.source, m.text, m.hash, m.metadata, m.created_at, m.updated_at`

// Search scans every embedded record passing filter.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Hit, error) {
	query := sqliteSelect + `, e.vector
		FROM memories m JOIN memory_embeddings e ON e.memory_id = m.id`
	var args []any
	if len(filter.Kinds) > 0 {
		query += ` WHERE m.kind IN (?` + strings.Repeat(", ?", len(filter.Kinds)-1) + `)`
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY m.seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("sqlite search", err)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var blob []byte
		rec, err := scanRecord(rows, &blob)
		if err != nil {
			return nil, unavailable("sqlite scan", err)
		}
		cands = append(cands, candidate{rec: rec, vector: decodeVector(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite search", err)
	}
	return rank(vector, cands, topK), nil
}

// Get loads one record.
func (s *SQLiteStore) Get(ctx context.Context, id string) (memory.Record, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelect+` FROM memories m WHERE m.id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Record{}, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Record{}, unavailable("sqlite get", err)
	}
	return rec, nil
}

// FindByHash returns the oldest record with hash other than excludeID.
func (s *SQLiteStore) FindByHash(ctx context.Context, hash, excludeID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE hash = ? AND id <> ? ORDER BY seq LIMIT 1`,
		hash, excludeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("sqlite find by hash", err)
	}
	return id, nil
}

// Counts returns the record and embedding totals.
func (s *SQLiteStore) Counts(ctx context.Context) (memory.Counts, error) {
	var c memory.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM memories),
		       (SELECT COUNT(*) FROM memories m JOIN memory_embeddings e ON e.memory_id = m.id)`,
	).Scan(&c.Total, &c.Embedded)
	if err != nil {
		return memory.Counts{}, unavailable("sqlite counts", err)
	}
	return c, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("sqlite ping", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (memory.Record, error) {
	var (
		rec              memory.Record
		kind, meta       string
		created, updated string
	)
	dest := append([]any{&rec.ID, &kind, &rec.Source, &rec.Text, &rec.Hash, &meta, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return memory.Record{}, err
	}
	rec.Kind = memory.Kind(kind)
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return memory.Record{}, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
