package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGateway() embedding.Provider {
	return embedding.NewGateway(embedding.NewHashProvider(128), 0, zap.NewNop())
}

// backends returns a fresh instance of every in-process Store.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	chrom, err := NewChromemStore("memories", zap.NewNop())
	require.NoError(t, err)

	return map[string]Store{"sqlite": sqlite, "chromem": chrom}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, ix *Indexer)) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, NewIndexer(store, newGateway(), zap.NewNop()))
		})
	}
}

func TestUpsertAndSearchRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		id, err := ix.Upsert(ctx, memory.Record{Kind: memory.KindChatUser, Source: "chat", Text: "The HDMI dongle is in the drawer"})
		require.NoError(t, err)
		_, err = uuid.Parse(id)
		assert.NoError(t, err, "generated id should be a uuid")

		for _, text := range []string{"Grocery list: eggs, flour, butter", "The dentist appointment is on Friday"} {
			_, err := ix.Upsert(ctx, memory.Record{Text: text})
			require.NoError(t, err)
		}

		hits, err := ix.Search(ctx, "where is the HDMI dongle?", 3, memory.Filter{})
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, id, hits[0].ID)
		assert.Equal(t, "The HDMI dongle is in the drawer", hits[0].Text)
		assert.Equal(t, memory.KindChatUser, hits[0].Kind)
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
	})
}

func TestUpsertDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		id, err := ix.Upsert(ctx, memory.Record{ID: "m1", Text: "Water the ferns on Sunday"})
		require.NoError(t, err)
		assert.Equal(t, "m1", id)

		rec, err := ix.Store().Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, memory.KindNote, rec.Kind)
		assert.Len(t, rec.Hash, 16)
		assert.False(t, rec.CreatedAt.IsZero())
	})
}

func TestUpsertReplacesByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		_, err := ix.Upsert(ctx, memory.Record{ID: "m1", Text: "The car is parked on level 2", Metadata: memory.Metadata{Tags: []string{"car"}}})
		require.NoError(t, err)
		first, err := ix.Store().Get(ctx, "m1")
		require.NoError(t, err)

		_, err = ix.Upsert(ctx, memory.Record{ID: "m1", Kind: memory.KindTask, Text: "The car is parked on level 4"})
		require.NoError(t, err)

		rec, err := ix.Store().Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "The car is parked on level 4", rec.Text)
		assert.Equal(t, memory.KindTask, rec.Kind)
		assert.Empty(t, rec.Metadata.Tags)
		assert.True(t, rec.CreatedAt.Equal(first.CreatedAt), "created_at survives replacement")

		counts, err := ix.Store().Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, memory.Counts{Total: 1, Embedded: 1}, counts)

		hits, err := ix.Search(ctx, "car parked level 4", 5, memory.Filter{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "The car is parked on level 4", hits[0].Text)
	})
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			_, err := ix.Upsert(ctx, memory.Record{ID: id, Text: "Backup drive is in the closet"})
			require.NoError(t, err)
		}
		// Re-upserting keeps the original position.
		_, err := ix.Upsert(ctx, memory.Record{ID: "c", Text: "Backup drive is in the closet"})
		require.NoError(t, err)

		hits, err := ix.Search(ctx, "Backup drive is in the closet", 3, memory.Filter{})
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
	})
}

func TestSearchFilterAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		for i := 0; i < 6; i++ {
			kind := memory.KindNote
			if i%2 == 0 {
				kind = memory.KindTask
			}
			_, err := ix.Upsert(ctx, memory.Record{Kind: kind, Text: fmt.Sprintf("Renew the parking permit, reminder %d", i)})
			require.NoError(t, err)
		}

		hits, err := ix.Search(ctx, "parking permit", 10, memory.Filter{Kinds: []memory.Kind{memory.KindTask}})
		require.NoError(t, err)
		assert.Len(t, hits, 3)
		for _, h := range hits {
			assert.Equal(t, memory.KindTask, h.Kind)
		}

		hits, err = ix.Search(ctx, "parking permit", 2, memory.Filter{})
		require.NoError(t, err)
		assert.Len(t, hits, 2)

		hits, err = ix.Search(ctx, "parking permit", 5, memory.Filter{Kinds: []memory.Kind{"unknown"}})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestFindByHash(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		_, err := ix.Upsert(ctx, memory.Record{ID: "orig", Text: "Passport expires in March 2027", Hash: "abc"})
		require.NoError(t, err)

		id, err := ix.Store().FindByHash(ctx, "abc", "")
		require.NoError(t, err)
		assert.Equal(t, "orig", id)

		id, err = ix.Store().FindByHash(ctx, "abc", "orig")
		require.NoError(t, err)
		assert.Empty(t, id)

		id, err = ix.Store().FindByHash(ctx, "missing", "")
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}

func TestInvalidArguments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		_, err := ix.Upsert(ctx, memory.Record{Text: "   "})
		assert.ErrorIs(t, err, memory.ErrInvalidArgument)

		_, err = ix.Search(ctx, "anything", 0, memory.Filter{})
		assert.ErrorIs(t, err, memory.ErrInvalidArgument)

		_, err = ix.Search(ctx, "anything", -3, memory.Filter{})
		assert.ErrorIs(t, err, memory.ErrInvalidArgument)

		_, err = ix.Store().Get(ctx, "nope")
		assert.ErrorIs(t, err, memory.ErrNotFound)

		hits, err := ix.Search(ctx, "empty store", 5, memory.Filter{})
		assert.NoError(t, err)
		assert.Empty(t, hits)
	})
}

type brokenEmbedder struct{}

func (brokenEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: provider down", memory.ErrEmbeddingUnavailable)
}

func (brokenEmbedder) Dimension() int { return 0 }

func TestEmbeddingFailureWritesNothing(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ix := NewIndexer(store, brokenEmbedder{}, zap.NewNop())

			_, err := ix.Upsert(context.Background(), memory.Record{ID: "x", Text: "Something worth keeping"})
			assert.ErrorIs(t, err, memory.ErrEmbeddingUnavailable)

			counts, err := store.Counts(context.Background())
			require.NoError(t, err)
			assert.Zero(t, counts.Total)
		})
	}
}

func TestConcurrentUpsertsSameID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, ix *Indexer) {
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := ix.Upsert(ctx, memory.Record{ID: "shared", Text: fmt.Sprintf("version %d of the note", i)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		counts, err := ix.Store().Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, memory.Counts{Total: 1, Embedded: 1}, counts)
		assert.Zero(t, ix.locks.size())
	})
}

func TestKeyedMutexSerializes(t *testing.T) {
	km := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  int
		overlap bool
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, km.size())
}

func TestVectorBlobRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestUnavailableWrapsBoth(t *testing.T) {
	cause := errors.New("disk full")
	err := unavailable("sqlite commit", cause)
	assert.ErrorIs(t, err, memory.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
}
