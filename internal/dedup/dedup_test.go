package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexOldestWins(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	id, err := idx.Lookup(ctx, "h1", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, idx.Remember(ctx, "h1", "first"))
	require.NoError(t, idx.Remember(ctx, "h1", "second"))
	require.NoError(t, idx.Remember(ctx, "h1", "first"))

	id, err = idx.Lookup(ctx, "h1", "")
	require.NoError(t, err)
	assert.Equal(t, "first", id)
}

func TestMemoryIndexExcludesCaller(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Remember(ctx, "h", "a"))

	id, err := idx.Lookup(ctx, "h", "a")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, idx.Remember(ctx, "h", "b"))
	id, err = idx.Lookup(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestMemoryIndexForget(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Remember(ctx, "h", "a"))
	require.NoError(t, idx.Remember(ctx, "h", "b"))

	require.NoError(t, idx.Forget(ctx, "h", "a"))
	id, _ := idx.Lookup(ctx, "h", "")
	assert.Equal(t, "b", id)

	require.NoError(t, idx.Forget(ctx, "h", "b"))
	require.NoError(t, idx.Forget(ctx, "missing", "x"))
	id, _ = idx.Lookup(ctx, "h", "")
	assert.Empty(t, id)
}

func TestMemoryIndexConcurrent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx.Remember(ctx, "h", "id")
			idx.Lookup(ctx, "h", "")
		}()
	}
	wg.Wait()

	id, _ := idx.Lookup(ctx, "h", "")
	assert.Equal(t, "id", id)
}

type fakeFinder struct {
	hashes map[string]string
}

func (f fakeFinder) FindByHash(_ context.Context, hash, excludeID string) (string, error) {
	if id := f.hashes[hash]; id != excludeID {
		return id, nil
	}
	return "", nil
}

func TestStoreIndexDelegates(t *testing.T) {
	ctx := context.Background()
	idx := NewStoreIndex(fakeFinder{hashes: map[string]string{"h": "m1"}})

	id, err := idx.Lookup(ctx, "h", "")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	id, err = idx.Lookup(ctx, "h", "m1")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, idx.Remember(ctx, "other", "m2"))
	require.NoError(t, idx.Forget(ctx, "h", "m1"))
	id, err = idx.Lookup(ctx, "other", "")
	require.NoError(t, err)
	assert.Empty(t, id)
}
