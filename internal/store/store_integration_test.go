//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var testStore *Store

// startPostgres starts a pgvector-enabled PostgreSQL testcontainer, returns
// DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "pgvector/pgvector:pg16",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}

	testStore, err = New(ctx, Config{DSN: dsn, MinConns: 1, MaxConns: 4}, zap.NewNop())
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	if err := testStore.Migrate(ctx); err != nil {
		testStore.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	cleanup()
	os.Exit(code)
}

func reset(t *testing.T) {
	t.Helper()
	_, err := testStore.db.Exec(context.Background(), `TRUNCATE memories CASCADE`)
	require.NoError(t, err)
}

func record(id string, kind memory.Kind, text string) memory.Record {
	now := time.Now().UTC()
	return memory.Record{ID: id, Kind: kind, Source: "test", Text: text, Hash: id + "-hash", CreatedAt: now, UpdatedAt: now}
}

func TestUpsertSearchPostgres(t *testing.T) {
	reset(t)
	ctx := context.Background()

	require.NoError(t, testStore.Upsert(ctx, record("a", memory.KindNote, "alpha"), []float32{1, 0, 0}))
	require.NoError(t, testStore.Upsert(ctx, record("b", memory.KindTask, "beta"), []float32{0.8, 0.6, 0}))
	require.NoError(t, testStore.Upsert(ctx, record("c", memory.KindNote, "gamma"), []float32{0, 0, 1}))

	hits, err := testStore.Search(ctx, []float32{1, 0, 0}, 2, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 0.8, hits[1].Score, 1e-6)

	hits, err = testStore.Search(ctx, []float32{1, 0, 0}, 5, memory.Filter{Kinds: []memory.Kind{memory.KindNote}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, []string{"a", "c"}, []string{hits[0].ID, hits[1].ID})
}

func TestUpsertReplacesPostgres(t *testing.T) {
	reset(t)
	ctx := context.Background()

	rec := record("m1", memory.KindNote, "first")
	rec.Metadata = memory.Metadata{Tags: []string{"x"}, Extra: map[string]string{"k": "v"}}
	require.NoError(t, testStore.Upsert(ctx, rec, []float32{1, 0}))

	rec2 := record("m1", memory.KindTask, "second")
	require.NoError(t, testStore.Upsert(ctx, rec2, []float32{0, 1}))

	got, err := testStore.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Text)
	assert.Equal(t, memory.KindTask, got.Kind)
	assert.Empty(t, got.Metadata.Tags)

	counts, err := testStore.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, memory.Counts{Total: 1, Embedded: 1}, counts)

	hits, err := testStore.Search(ctx, []float32{0, 1}, 1, memory.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestTiesAndHashPostgres(t *testing.T) {
	reset(t)
	ctx := context.Background()

	for _, id := range []string{"z", "y", "x"} {
		rec := record(id, memory.KindNote, "same")
		rec.Hash = "shared"
		require.NoError(t, testStore.Upsert(ctx, rec, []float32{0, 1}))
	}

	hits, err := testStore.Search(ctx, []float32{0, 1}, 3, memory.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "y", "x"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})

	id, err := testStore.FindByHash(ctx, "shared", "z")
	require.NoError(t, err)
	assert.Equal(t, "y", id)

	_, err = testStore.Get(ctx, "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.NoError(t, testStore.Ping(ctx))
}
